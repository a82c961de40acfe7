package servicemanager

import (
	"context"
	"time"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// DefaultPollInterval is how often Lookup retries while a name is missing.
const DefaultPollInterval = 100 * time.Millisecond

// Client talks to a Manager through a capability. It never caches handles.
type Client struct {
	h            *binder.Handle
	pollInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPollInterval sets the Lookup retry interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient verifies that h is a service manager and returns a client for
// it. The client keeps its own reference; release it with Close.
func NewClient(ctx context.Context, h *binder.Handle, opts ...ClientOption) (*Client, error) {
	own, err := h.Clone()
	if err != nil {
		return nil, &Error{Kind: Unavailable, Err: err}
	}
	if err := own.Associate(ctx, InterfaceName); err != nil {
		own.Release()
		return nil, &Error{Kind: Unavailable, Err: err}
	}
	c := &Client{h: own, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the client's reference to the manager.
func (c *Client) Close() error {
	c.h.Release()
	return nil
}

// Handle returns the manager capability.
func (c *Client) Handle() *binder.Handle {
	return c.h
}

// Lookup returns the service registered under name, waiting until it
// appears or ctx is done.
func (c *Client) Lookup(ctx context.Context, name string) (*binder.Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, &Error{Kind: InvalidName, Name: name, Err: err}
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		h, err := c.query(ctx, GetServiceTransaction, name)
		if err != nil && ctx.Err() != nil {
			return nil, &Error{Kind: NotFound, Name: name, Err: ctx.Err()}
		}
		if err != nil || h != nil {
			return h, err
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: NotFound, Name: name, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// CheckPresence returns the service registered under name, or nil without
// waiting.
func (c *Client) CheckPresence(ctx context.Context, name string) (*binder.Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, &Error{Kind: InvalidName, Name: name, Err: err}
	}
	return c.query(ctx, CheckServiceTransaction, name)
}

func (c *Client) query(ctx context.Context, code uint32, name string) (*binder.Handle, error) {
	var h *binder.Handle
	err := c.h.Transact(ctx, code,
		func(p *binder.Parcel) error { return p.WriteString(name) },
		func(reply *binder.Parcel) error {
			if err := readReplyStatus(reply, name); err != nil {
				return err
			}
			var err error
			h, err = reply.ReadStrongBinder()
			return err
		})
	if err != nil {
		return nil, wrap(err, name)
	}
	return h, nil
}

// Register publishes h under name.
func (c *Client) Register(ctx context.Context, name string, h *binder.Handle) error {
	if err := ValidateName(name); err != nil {
		return &Error{Kind: InvalidName, Name: name, Err: err}
	}
	err := c.h.Transact(ctx, AddServiceTransaction,
		func(p *binder.Parcel) error {
			if err := p.WriteString(name); err != nil {
				return err
			}
			return p.WriteStrongBinder(h)
		},
		func(reply *binder.Parcel) error { return readReplyStatus(reply, name) })
	return wrap(err, name)
}

// List returns the registered names in sorted order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var names []string
	err := c.h.Transact(ctx, ListServicesTransaction, nil, func(reply *binder.Parcel) error {
		if err := readReplyStatus(reply, ""); err != nil {
			return err
		}
		ptrs, err := reply.ReadStringArray()
		if err != nil {
			return err
		}
		names = make([]string, 0, len(ptrs))
		for _, p := range ptrs {
			if p != nil {
				names = append(names, *p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err, "")
	}
	return names, nil
}

func readReplyStatus(reply *binder.Parcel, name string) error {
	st, err := reply.ReadStatus()
	if err != nil {
		return err
	}
	if !st.IsOk() {
		return &Error{Kind: RemoteException, Name: name, Exception: st.Exception(), Err: st}
	}
	return nil
}

// wrap turns a transaction failure into an *Error, leaving registry errors
// untouched.
func wrap(err error, name string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Unavailable, Name: name, Err: status.Convert(err)}
}
