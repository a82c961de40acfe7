package binder

import "context"

// Caller identifies the process that issued the transaction being handled.
type Caller struct {
	Pid int32
	Uid uint32
}

type callerKey struct{}

// WithCaller returns a context marking that a transaction from caller is
// being handled. Drivers wrap the context they pass to class callbacks.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller of the transaction being handled.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// IsHandlingTransaction reports whether ctx belongs to an incoming
// transaction.
func IsHandlingTransaction(ctx context.Context) bool {
	_, ok := CallerFromContext(ctx)
	return ok
}
