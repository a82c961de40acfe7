package remote

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
)

// Defaults applied when no option overrides them.
const (
	DefaultCompressThreshold = 4096
	DefaultMaxInflight       = 16
	DefaultDialTimeout       = 5 * time.Second
	DefaultKeepaliveTime     = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
)

// Observer receives session lifecycle events.
type Observer interface {
	SessionOpened()
	SessionClosed()
	FrameDropped(reason string)
	DeathDelivered()
}

type nopObserver struct{}

func (nopObserver) SessionOpened()      {}
func (nopObserver) SessionClosed()      {}
func (nopObserver) FrameDropped(string) {}
func (nopObserver) DeathDelivered()     {}

type options struct {
	logger            *zap.Logger
	observer          Observer
	tracer            *tracing.Tracer
	root              *binder.Handle
	identity          binder.Caller
	compressThreshold int
	rateLimit         rate.Limit
	rateBurst         int
	maxInflight       int64
	dialTimeout       time.Duration
	keepaliveTime     time.Duration
	keepaliveTimeout  time.Duration
	breaker           *resilience.Breaker
	dialOptions       []grpc.DialOption
	serverOptions     []grpc.ServerOption
}

func defaultOptions() *options {
	return &options{
		logger:            zap.NewNop(),
		observer:          nopObserver{},
		compressThreshold: DefaultCompressThreshold,
		rateLimit:         rate.Inf,
		maxInflight:       DefaultMaxInflight,
		dialTimeout:       DefaultDialTimeout,
		keepaliveTime:     DefaultKeepaliveTime,
		keepaliveTimeout:  DefaultKeepaliveTimeout,
	}
}

// Option configures an Endpoint or a Dialer.
type Option func(*options)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver reports session events to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithTracer opens a span for every inbound transaction.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRoot offers h to the peer as the session's root object. Endpoints
// take their root as an argument; a Dialer may offer one too.
func WithRoot(h *binder.Handle) Option {
	return func(o *options) { o.root = h }
}

// WithIdentity sets the caller identity announced to the peer.
func WithIdentity(c binder.Caller) Option {
	return func(o *options) { o.identity = c }
}

// WithCompressThreshold compresses payloads of at least n bytes; zero
// disables compression.
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.compressThreshold = n }
}

// WithRateLimit bounds inbound transactions per session. Two-way calls over
// the limit fail with WouldBlock; one-way calls are dropped.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(perSecond)
		o.rateBurst = burst
	}
}

// WithMaxInflight bounds concurrently dispatched inbound calls per session.
func WithMaxInflight(n int64) Option {
	return func(o *options) { o.maxInflight = n }
}

// WithDialTimeout bounds connecting and the hello exchange.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithKeepalive pings an idle connection every interval and drops it when
// no answer arrives within timeout.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.keepaliveTime = interval
		o.keepaliveTimeout = timeout
	}
}

// WithBreaker guards Dial with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithServerOptions appends gRPC server options.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOptions = append(o.serverOptions, opts...) }
}
