package servicemanager

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// InterfaceName identifies the registry interface.
const InterfaceName = "binder.IServiceManager"

// Transaction codes.
const (
	GetServiceTransaction   = binder.FirstCallTransaction + iota
	CheckServiceTransaction // non-blocking lookup
	AddServiceTransaction
	ListServicesTransaction
)

// DefaultLookupWait bounds how long a GetService call waits on the server
// for the name to appear.
const DefaultLookupWait = time.Second

// entry is one registration. mu guards link and closed.
type entry struct {
	handle *binder.Handle

	mu     sync.Mutex
	link   *binder.DeathLink
	closed bool
}

// Manager is the name registry. Serve it with a binder.Dispatcher; every
// reply starts with a status header.
type Manager struct {
	mu       sync.Mutex
	services map[string]*entry
	changed  chan struct{}
	wait     time.Duration
	logger   *zap.Logger
}

var (
	_ binder.Binder = (*Manager)(nil)
	_ binder.Dumper = (*Manager)(nil)
	_ io.Closer     = (*Manager)(nil)
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLookupWait sets how long GetService waits for a missing name.
func WithLookupWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.wait = d
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		services: make(map[string]*entry),
		changed:  make(chan struct{}),
		wait:     DefaultLookupWait,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InterfaceName implements binder.Binder.
func (m *Manager) InterfaceName() string { return InterfaceName }

// OnTransact implements binder.Binder.
func (m *Manager) OnTransact(ctx context.Context, code uint32, data, reply *binder.Parcel) error {
	if reply == nil {
		return status.FromCode(status.InvalidOperation)
	}
	switch code {
	case GetServiceTransaction, CheckServiceTransaction:
		name, err := data.ReadString()
		if err != nil {
			return err
		}
		if err := ValidateName(name); err != nil {
			return writeException(reply, status.IllegalArgument, err)
		}
		var h *binder.Handle
		if code == GetServiceTransaction {
			h = m.await(ctx, name)
		} else {
			h = m.get(name)
		}
		if h != nil {
			defer h.Release()
		}
		if err := reply.WriteStatus(nil); err != nil {
			return err
		}
		return reply.WriteStrongBinder(h)

	case AddServiceTransaction:
		name, err := data.ReadString()
		if err != nil {
			return err
		}
		h, err := data.ReadStrongBinder()
		if err != nil {
			return err
		}
		if h == nil {
			return writeException(reply, status.NullPointer, fmt.Errorf("null service for %q", name))
		}
		if err := ValidateName(name); err != nil {
			h.Release()
			return writeException(reply, status.IllegalArgument, err)
		}
		m.add(ctx, name, h)
		return reply.WriteStatus(nil)

	case ListServicesTransaction:
		if err := reply.WriteStatus(nil); err != nil {
			return err
		}
		names := m.names()
		ptrs := make([]*string, len(names))
		for i := range names {
			ptrs[i] = &names[i]
		}
		return reply.WriteStringArray(ptrs)
	}
	return status.FromCode(status.UnknownTransaction)
}

func writeException(reply *binder.Parcel, ex status.Exception, cause error) error {
	st, err := status.FromExceptionWithMessage(ex, cause.Error())
	if err != nil {
		st = status.FromException(ex)
	}
	return reply.WriteStatus(st)
}

// get returns a new handle for name, or nil.
func (m *Manager) get(name string) *binder.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[name]
	if !ok {
		return nil
	}
	h, err := e.handle.Clone()
	if err != nil {
		return nil
	}
	return h
}

// await waits up to the lookup wait for name to be registered.
func (m *Manager) await(ctx context.Context, name string) *binder.Handle {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()
		if h := m.get(name); h != nil {
			return h
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) add(ctx context.Context, name string, h *binder.Handle) {
	e := &entry{handle: h}
	remote := h.IsRemote()
	m.mu.Lock()
	old := m.services[name]
	m.services[name] = e
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	if remote {
		m.watch(name, e)
	}
	caller, _ := binder.CallerFromContext(ctx)
	m.logger.Info("Service registered",
		zap.String("service", name),
		zap.Int32("pid", caller.Pid),
		zap.Uint32("uid", caller.Uid),
		zap.Bool("replaced", old != nil))
}

// watch links e to its owner's death. The entry is already published, so a
// death racing the link still finds it to remove.
func (m *Manager) watch(name string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	link, err := binder.LinkToDeathFunc(e.handle, func() { m.remove(name, e) })
	if err != nil {
		if status.CodeOf(err) == status.DeadObject {
			m.remove(name, e)
			return
		}
		m.logger.Warn("Service registered without death link",
			zap.String("service", name),
			zap.Error(err))
		return
	}
	e.link = link
	if !e.handle.IsAlive() {
		m.remove(name, e)
	}
}

// remove drops name if it still maps to e.
func (m *Manager) remove(name string, e *entry) {
	m.mu.Lock()
	cur, ok := m.services[name]
	if ok && cur == e {
		delete(m.services, name)
	}
	m.mu.Unlock()
	if ok && cur == e {
		m.logger.Info("Service died", zap.String("service", name))
		go e.close()
	}
}

func (e *entry) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	link := e.link
	e.link = nil
	e.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	e.handle.Release()
}

func (m *Manager) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OnDump writes one registered name per line.
func (m *Manager) OnDump(_ context.Context, out io.Writer, _ []string) error {
	var errs error
	for _, name := range m.names() {
		_, err := fmt.Fprintln(out, name)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Close releases every registered service.
func (m *Manager) Close() error {
	m.mu.Lock()
	services := m.services
	m.services = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range services {
		e.close()
	}
	return nil
}
