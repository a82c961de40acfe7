package remote

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

const connectMethod = "/binder.remote.Session/Connect"

type endpointServer interface {
	connect(st grpc.ServerStream) error
}

var sessionDesc = grpc.ServiceDesc{
	ServiceName: "binder.remote.Session",
	HandlerType: (*endpointServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, st grpc.ServerStream) error {
				return srv.(endpointServer).connect(st)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "binder/remote/session",
}

// Endpoint accepts sessions and offers each peer the same root object.
type Endpoint struct {
	opts   *options
	server *grpc.Server
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
}

// NewEndpoint creates an endpoint offering root. The endpoint keeps its own
// reference to root until Shutdown.
func NewEndpoint(root *binder.Handle, opts ...Option) (*Endpoint, error) {
	if root == nil {
		return nil, status.FromCode(status.UnexpectedNull)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	ref, err := root.Clone()
	if err != nil {
		return nil, err
	}
	o.root = ref

	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    o.keepaliveTime,
			Timeout: o.keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             o.keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}
	if o.tracer != nil {
		serverOpts = append(serverOpts, grpc.StreamInterceptor(tracing.StreamServerInterceptor(o.tracer)))
	}
	serverOpts = append(serverOpts, o.serverOptions...)

	e := &Endpoint{
		opts:     o,
		server:   grpc.NewServer(serverOpts...),
		logger:   o.logger,
		sessions: make(map[*Session]struct{}),
	}
	e.server.RegisterService(&sessionDesc, e)
	return e, nil
}

func (e *Endpoint) connect(st grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(st.Context())
	s := newSession(ctx, cancel, st, e.opts)
	if err := s.accept(); err != nil {
		s.shutdown(err)
		e.logger.Debug("Handshake failed", zap.Error(err))
		return err
	}
	if !e.track(s) {
		s.shutdown(ErrSessionClosed)
		return grpcstatus.Error(codes.Unavailable, "endpoint closed")
	}
	defer e.untrack(s)

	go s.serve()
	<-s.done
	return nil
}

func (e *Endpoint) track(s *Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.sessions[s] = struct{}{}
	return true
}

func (e *Endpoint) untrack(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
}

// Serve accepts connections on lis until Shutdown.
func (e *Endpoint) Serve(lis net.Listener) error {
	e.logger.Info("Endpoint serving", zap.String("addr", lis.Addr().String()))
	return e.server.Serve(lis)
}

// NumSessions returns the number of open sessions.
func (e *Endpoint) NumSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Shutdown closes every session and stops the server. Connections still open
// when ctx expires are cut.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}

	stopped := make(chan struct{})
	go func() {
		e.server.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		e.server.Stop()
		err = ctx.Err()
	}
	e.opts.root.Release()
	e.logger.Info("Endpoint stopped", zap.Int("sessions", len(sessions)))
	return err
}
