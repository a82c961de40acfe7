package binder

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// VTable holds the callbacks a driver invokes on local objects of a class.
type VTable struct {
	// Create produces the per-object user data from the args given to
	// Driver.NewObject.
	Create func(args any) any
	// Destroy runs once when the last strong reference is dropped.
	Destroy func(userData any)
	// Transact handles an incoming transaction. reply is nil for one-way
	// calls; data is nil only on driver error.
	Transact func(ctx context.Context, userData any, code uint32, data, reply *Parcel) status.Code
	// Dump writes diagnostics to fd.
	Dump func(ctx context.Context, userData any, fd int, args []string) status.Code
}

// ClassDescriptor binds an interface name to the vtable drivers call for
// local objects of that class.
type ClassDescriptor struct {
	name        string
	tokenHeader bool
	vt          VTable
}

// NewClass defines a class. When tokenHeader is set, user transactions to
// objects of the class carry the interface token and the vtable is expected
// to verify it.
func NewClass(name string, tokenHeader bool, vt VTable) *ClassDescriptor {
	return &ClassDescriptor{name: name, tokenHeader: tokenHeader, vt: vt}
}

// InterfaceName returns the stable interface identifier.
func (c *ClassDescriptor) InterfaceName() string {
	return c.name
}

// InterfaceTokenEnabled reports whether user transactions carry the token.
func (c *ClassDescriptor) InterfaceTokenEnabled() bool {
	return c.tokenHeader
}

// Create returns the user data for a new object. Without a Create callback
// the args are the user data.
func (c *ClassDescriptor) Create(args any) any {
	if c.vt.Create == nil {
		return args
	}
	return c.vt.Create(args)
}

// Destroy releases an object's user data after its last strong reference.
func (c *ClassDescriptor) Destroy(userData any) {
	if c.vt.Destroy != nil {
		c.vt.Destroy(userData)
	}
}

// Transact routes an incoming transaction to the vtable. Classes without a
// Transact callback answer UnknownTransaction.
func (c *ClassDescriptor) Transact(ctx context.Context, userData any, code uint32, data, reply *Parcel) status.Code {
	if c.vt.Transact == nil {
		return status.UnknownTransaction
	}
	return c.vt.Transact(ctx, userData, code, data, reply)
}

// Dump routes a dump request to the vtable, answering UnknownTransaction
// when the class has no Dump callback.
func (c *ClassDescriptor) Dump(ctx context.Context, userData any, fd int, args []string) status.Code {
	if c.vt.Dump == nil {
		return status.UnknownTransaction
	}
	return c.vt.Dump(ctx, userData, fd, args)
}
