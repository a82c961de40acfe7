package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/driver/remote"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/servicemanager"
)

// options holds the global flags.
type options struct {
	socket  string
	timeout time.Duration
	retries int
	output  string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cfg := config.LoadOrDefault()
	opts.cfg = cfg

	root := &cobra.Command{
		Use:   "binderctl",
		Short: "Inspect services registered with binderd",
		Long: `binderctl connects to a running binderd over its unix socket and talks
to the service manager: list registered names, check or ping a service,
and dump its diagnostics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q", opts.output)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.socket, "socket", cfg.Endpoint.Socket, "binderd socket path")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "timeout for each command")
	flags.IntVar(&opts.retries, "retries", 0, "extra connection attempts while binderd is starting")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newListCmd(opts),
		newCheckCmd(opts),
		newPingCmd(opts),
		newDumpCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

// conn is an open session with the daemon's service manager.
type conn struct {
	session *remote.Session
	sm      *servicemanager.Client
}

func (c *conn) Close() error {
	_ = c.sm.Close()
	return c.session.Close()
}

// connect dials binderd, retrying while the breaker allows it.
func (o *options) connect(ctx context.Context) (*conn, error) {
	breaker := resilience.New("binderd", resilience.Settings{
		ReadyToTrip: resilience.TripAfter(o.cfg.Remote.BreakerFailures),
		Timeout:     o.cfg.Remote.BreakerTimeout,
	})
	dialer := remote.NewDialer("unix://"+o.socket,
		remote.WithBreaker(breaker),
		remote.WithDialTimeout(o.cfg.Remote.DialTimeout),
		remote.WithCompressThreshold(o.cfg.Remote.CompressThreshold),
	)

	var session *remote.Session
	var err error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if session, err = dialer.Dial(ctx); err == nil {
			break
		}
		if breaker.State() == resilience.StateOpen {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to %s: %w", o.socket, errors.Join(err, ctx.Err()))
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", o.socket, err)
	}

	root, err := session.Root()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to reach service manager: %w", err)
	}
	defer root.Release()
	sm, err := servicemanager.NewClient(ctx, root)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return &conn{session: session, sm: sm}, nil
}

// run connects and calls fn with a context bounded by --timeout.
func (o *options) run(cmd *cobra.Command, fn func(ctx context.Context, c *conn) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
