package binder

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// Flags modify how a transaction is delivered.
type Flags uint32

// FlagOneway delivers a transaction without waiting for, or producing, a
// reply.
const FlagOneway Flags = 0x01

// Reserved transaction codes. User codes must fall in
// [FirstCallTransaction, LastCallTransaction].
const (
	FirstCallTransaction uint32 = 0x00000001
	LastCallTransaction  uint32 = 0x00ffffff

	PingTransaction      uint32 = '_'<<24 | 'P'<<16 | 'N'<<8 | 'G'
	DumpTransaction      uint32 = '_'<<24 | 'D'<<16 | 'M'<<8 | 'P'
	InterfaceTransaction uint32 = '_'<<24 | 'N'<<16 | 'T'<<8 | 'F'
)

// IsUserCode reports whether code is in the user transaction range.
func IsUserCode(code uint32) bool {
	return code >= FirstCallTransaction && code <= LastCallTransaction
}

// Driver is the transport this package is layered on. A Driver creates local
// objects and routes transactions to them, whether they live in the same
// process or behind a proxy.
type Driver interface {
	// NewObject instantiates a local object of class. The driver passes args
	// to class.Create and hands the returned user data to the class vtable on
	// every callback. The returned object carries one strong reference owned
	// by the caller.
	NewObject(class *ClassDescriptor, args any) (Object, status.Code)
}

// Object is a driver-level capability: a local object or a proxy for one
// owned by another process. Every fallible primitive reports a raw code.
type Object interface {
	IncStrong()
	DecStrong()

	// NewWeak returns a weak reference to the object.
	NewWeak() WeakObject

	Ping(ctx context.Context) status.Code
	IsAlive() bool
	IsRemote() bool
	Dump(ctx context.Context, fd int, args []string) status.Code

	// PrepareTransaction returns an outbound parcel bound to the object.
	PrepareTransaction() (*Parcel, status.Code)

	// Transact delivers data, taking ownership of it. Two-way calls return an
	// owned reply parcel; one-way calls return nil.
	Transact(ctx context.Context, code uint32, data *Parcel, flags Flags) (*Parcel, status.Code)

	LinkToDeath(n DeathNotifier) status.Code
	UnlinkToDeath(n DeathNotifier) status.Code

	// Class returns the class of a local object and nil for proxies.
	Class() *ClassDescriptor

	// UserData returns the value produced by the class Create callback, or
	// nil for proxies.
	UserData() any
}

// WeakObject is a driver-level weak reference.
type WeakObject interface {
	// Promote returns the object with a new strong reference, or nil if it
	// has been destroyed.
	Promote() Object
	Release()
}

// DeathNotifier receives the death notification registered through
// Object.LinkToDeath. Drivers key registrations by notifier identity.
type DeathNotifier interface {
	BinderDied(obj Object)
}

// Comparer is implemented by objects that define a total order consistent
// across handles to the same underlying object.
type Comparer interface {
	Less(other Object) bool
}

// WeakComparer orders weak references the same way Comparer orders objects.
type WeakComparer interface {
	Less(other WeakObject) bool
}

// WeakCloner is implemented by weak references that can be duplicated
// without promotion.
type WeakCloner interface {
	Clone() WeakObject
}

// ExtensionHolder is implemented by objects that can carry an extension
// object.
type ExtensionHolder interface {
	Extension() (Object, status.Code)
	SetExtension(ext Object) status.Code
}
