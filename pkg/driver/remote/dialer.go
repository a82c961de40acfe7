package remote

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// Dialer opens sessions to an Endpoint.
type Dialer struct {
	target string
	opts   *options
}

// NewDialer creates a dialer for a gRPC target such as "unix:///run/binderd.sock".
func NewDialer(target string, opts ...Option) *Dialer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Dialer{target: target, opts: o}
}

// Dial opens a session. The session outlives ctx; ctx bounds only the
// handshake. Failures are reported as DeadObject.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	if d.opts.breaker == nil {
		return d.dial(ctx)
	}
	s, err := resilience.Execute(d.opts.breaker, func() (*Session, error) {
		return d.dial(ctx)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, status.Newf(status.DeadObject, "dial %s: %v", d.target, err)
	}
	return s, err
}

func (d *Dialer) dial(ctx context.Context) (*Session, error) {
	o := d.opts
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                o.keepaliveTime,
			Timeout:             o.keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if o.tracer != nil {
		dialOpts = append(dialOpts, grpc.WithStreamInterceptor(tracing.StreamClientInterceptor(o.tracer)))
	}
	dialOpts = append(dialOpts, o.dialOptions...)

	cc, err := grpc.NewClient(d.target, dialOpts...)
	if err != nil {
		return nil, status.Newf(status.DeadObject, "dial %s: %v", d.target, err)
	}

	sctx, cancel := context.WithCancel(tracing.Inject(context.WithoutCancel(ctx)))
	dialCtx, dialCancel := context.WithTimeout(ctx, o.dialTimeout)
	defer dialCancel()
	stopWatch := context.AfterFunc(dialCtx, cancel)

	st, err := cc.NewStream(sctx, &sessionDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, status.Newf(status.DeadObject, "dial %s: %v", d.target, err)
	}

	s := newSession(sctx, cancel, st, o)
	s.onClose = func() { _ = cc.Close() }
	if err := s.greet(dialCtx); err != nil {
		s.shutdown(err)
		return nil, status.Newf(status.DeadObject, "handshake with %s: %v", d.target, err)
	}
	if !stopWatch() {
		// The handshake finished as the dial deadline fired.
		s.shutdown(context.DeadlineExceeded)
		return nil, status.Newf(status.DeadObject, "handshake with %s: %v", d.target, context.DeadlineExceeded)
	}

	go s.serve()
	s.logger.Debug("Dialed", zap.String("target", d.target))
	return s, nil
}
