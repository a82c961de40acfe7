package tracing

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/GriffinCanCode/AgentOS/binder/internal/shared/id"
)

const (
	traceHeader = "x-trace-id"
	spanHeader  = "x-span-id"
)

// Inject copies the trace context of ctx into outgoing gRPC metadata.
func Inject(ctx context.Context) context.Context {
	var pairs []string
	if traceID := TraceIDFrom(ctx); traceID != "" {
		pairs = append(pairs, traceHeader, string(traceID))
	}
	if spanID := SpanIDFrom(ctx); spanID != "" {
		pairs = append(pairs, spanHeader, string(spanID))
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// Extract returns ctx carrying the trace context found in incoming gRPC
// metadata.
func Extract(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	var traceID id.TraceID
	var spanID id.SpanID
	if vals := md.Get(traceHeader); len(vals) > 0 {
		traceID = id.TraceID(vals[0])
	}
	if vals := md.Get(spanHeader); len(vals) > 0 {
		spanID = id.SpanID(vals[0])
	}
	return WithSpan(ctx, traceID, spanID)
}

// StreamServerInterceptor opens a span covering each server stream,
// continuing the trace the client propagated.
func StreamServerInterceptor(tracer *Tracer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span, ctx := tracer.StartSpan(Extract(ss.Context()), info.FullMethod)
		span.SetTag("rpc.system", "grpc")

		err := handler(srv, &tracedServerStream{ServerStream: ss, ctx: ctx})
		span.SetError(err)
		span.Finish()
		return err
	}
}

type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}

// StreamClientInterceptor opens a client span for each stream and
// propagates it in the request metadata.
func StreamClientInterceptor(tracer *Tracer) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		span, ctx := tracer.StartSpan(ctx, method)
		span.SetTag("span.kind", "client")

		cs, err := streamer(Inject(ctx), desc, cc, method, opts...)
		span.SetError(err)
		span.Finish()
		return cs, err
	}
}
