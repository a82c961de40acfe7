/*
Package tracing provides lightweight tracing for binder transactions.

# Overview

Spans are logged through zap when they finish. Trace and span IDs are ULIDs
from internal/shared/id. A trace follows a chain of transactions across
remote sessions: the remote driver stamps the caller's trace ID on each
request frame and the serving side opens a child span for the dispatch.
Session establishment propagates the trace through gRPC metadata.

# Usage

	tracer := tracing.New("binderd", logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "servicemanager.lookup")
	defer span.Finish()

	server := grpc.NewServer(grpc.StreamInterceptor(tracing.StreamServerInterceptor(tracer)))
*/
package tracing
