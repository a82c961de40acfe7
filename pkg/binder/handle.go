package binder

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// interfaceHeader precedes the interface token in user transactions.
const interfaceHeader int32 = 'S'<<24 | 'Y'<<16 | 'S'<<8 | 'T'

// Handle is a strong, shareable reference to a capability. A handle holds
// exactly one strong reference on the underlying object from construction
// until Release. Clone produces an independent handle with its own
// reference.
//
// Handles are safe for concurrent use.
type Handle struct {
	obj      Object
	token    atomic.Pointer[string]
	released atomic.Bool
	cleanup  runtime.Cleanup
}

// newHandle adopts one strong reference already held on obj. The cleanup
// drops that reference once h is unreachable, so methods that call into obj
// keep h alive until the call returns.
func newHandle(obj Object) *Handle {
	if obj == nil {
		panic("binder: nil object")
	}
	h := &Handle{obj: obj}
	if class := obj.Class(); class != nil && class.tokenHeader {
		name := class.name
		h.token.Store(&name)
	}
	h.cleanup = runtime.AddCleanup(h, func(obj Object) { obj.DecStrong() }, obj)
	return h
}

// AdoptObject wraps a driver object into a handle, taking over one strong
// reference the caller already holds.
func AdoptObject(obj Object) *Handle {
	return newHandle(obj)
}

func (h *Handle) object() (Object, error) {
	if h.released.Load() {
		return nil, status.Newf(status.InvalidOperation, "handle already released")
	}
	return h.obj, nil
}

// Object returns the underlying driver object. The handle keeps ownership of
// its reference; callers keep h reachable while they use the object.
func (h *Handle) Object() Object {
	return h.obj
}

// Clone returns a new handle to the same object.
func (h *Handle) Clone() (*Handle, error) {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return nil, err
	}
	obj.IncStrong()
	c := newHandle(obj)
	c.token.Store(h.token.Load())
	return c, nil
}

// Release drops the handle's strong reference. Further calls are no-ops.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cleanup.Stop()
	h.obj.DecStrong()
}

// Associate makes user transactions on this handle carry the interface
// token for name, as local objects of that class expect. It first checks
// the object's descriptor and fails with BadType on mismatch.
func (h *Handle) Associate(ctx context.Context, name string) error {
	got, err := h.InterfaceDescriptor(ctx)
	if err != nil {
		return err
	}
	if got != name {
		return status.Newf(status.BadType, "interface %q, want %q", got, name)
	}
	h.token.Store(&name)
	return nil
}

// InterfaceDescriptor queries the object's interface name.
func (h *Handle) InterfaceDescriptor(ctx context.Context) (string, error) {
	var name string
	err := h.Transact(ctx, InterfaceTransaction, nil, func(reply *Parcel) error {
		var err error
		name, err = reply.ReadString()
		return err
	})
	return name, err
}

// Transact sends a transaction to the object. writeArgs fills the outbound
// parcel and readReply decodes the reply; either may be nil. For one-way
// calls readReply receives nil. Driver failures are returned as a
// *status.Status; errors from the callbacks are returned unchanged.
func (h *Handle) Transact(ctx context.Context, code uint32, writeArgs func(*Parcel) error, readReply func(*Parcel) error, flags ...Flags) error {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return err
	}
	var f Flags
	for _, fl := range flags {
		f |= fl
	}

	data, c := obj.PrepareTransaction()
	if c != status.Ok {
		return status.FromCode(c)
	}
	if data == nil {
		panic("binder: driver returned nil parcel")
	}
	if tok := h.token.Load(); tok != nil && IsUserCode(code) {
		if err := writeInterfaceToken(data, *tok); err != nil {
			_ = data.Recycle()
			return err
		}
	}
	if writeArgs != nil {
		if err := writeArgs(data); err != nil {
			_ = data.Recycle()
			return err
		}
	}

	reply, c := obj.Transact(ctx, code, data, f)
	if c != status.Ok {
		return status.FromCode(c)
	}
	if reply != nil {
		defer reply.Recycle()
	}
	if readReply == nil {
		return nil
	}
	return readReply(reply)
}

// Call is Transact for calls that decode a single result.
func Call[T any](ctx context.Context, h *Handle, code uint32, writeArgs func(*Parcel) error, readReply func(*Parcel) (T, error), flags ...Flags) (T, error) {
	var out T
	err := h.Transact(ctx, code, writeArgs, func(reply *Parcel) error {
		if readReply == nil || reply == nil {
			return nil
		}
		var err error
		out, err = readReply(reply)
		return err
	}, flags...)
	return out, err
}

func writeInterfaceToken(p *Parcel, name string) error {
	if err := p.WriteInt32(interfaceHeader); err != nil {
		return err
	}
	return p.WriteString(name)
}

// enforceInterface consumes the interface token and checks it names want.
func enforceInterface(p *Parcel, want string) error {
	header, err := p.ReadInt32()
	if err != nil {
		return err
	}
	if header != interfaceHeader {
		return status.Newf(status.BadType, "missing interface token")
	}
	got, err := p.ReadString()
	if err != nil {
		return err
	}
	if got != want {
		return status.Newf(status.BadType, "interface token %q, want %q", got, want)
	}
	return nil
}

// Ping checks that the object is reachable.
func (h *Handle) Ping(ctx context.Context) error {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return err
	}
	return status.FromCode(obj.Ping(ctx)).Err()
}

// IsAlive reports whether the object's owner is believed to be alive.
func (h *Handle) IsAlive() bool {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	return err == nil && obj.IsAlive()
}

// IsRemote reports whether the object lives in another process.
func (h *Handle) IsRemote() bool {
	defer runtime.KeepAlive(h)
	return h.obj.IsRemote()
}

// Dump asks the object to write diagnostics to fd. Arguments containing NUL
// bytes fail with BadValue.
func (h *Handle) Dump(ctx context.Context, fd int, args []string) error {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return err
	}
	for _, a := range args {
		if strings.IndexByte(a, 0) >= 0 {
			return status.Newf(status.BadValue, "dump argument contains NUL")
		}
	}
	return status.FromCode(obj.Dump(ctx, fd, args)).Err()
}

// Compare orders two handles consistently with object identity: it returns
// 0 exactly when both refer to the same object. Drivers without ordering
// support fail with InvalidOperation.
func (h *Handle) Compare(other *Handle) (int, error) {
	defer runtime.KeepAlive(other)
	defer runtime.KeepAlive(h)
	a, ok := h.obj.(Comparer)
	if !ok {
		return 0, status.FromCode(status.InvalidOperation)
	}
	b, ok := other.obj.(Comparer)
	if !ok {
		return 0, status.FromCode(status.InvalidOperation)
	}
	switch {
	case a.Less(other.obj):
		return -1, nil
	case b.Less(h.obj):
		return 1, nil
	}
	return 0, nil
}

// Equal reports whether both handles refer to the same object.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	if c, err := h.Compare(other); err == nil {
		return c == 0
	}
	return h.obj == other.obj
}

// WeakRef returns a weak reference to the object.
func (h *Handle) WeakRef() (*WeakHandle, error) {
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return nil, err
	}
	w := obj.NewWeak()
	if w == nil {
		return nil, status.FromCode(status.NoMemory)
	}
	return newWeakHandle(w), nil
}

// Extension returns the object's extension, or nil when none is set.
func (h *Handle) Extension() (*Handle, error) {
	defer runtime.KeepAlive(h)
	holder, ok := h.obj.(ExtensionHolder)
	if !ok {
		return nil, status.FromCode(status.InvalidOperation)
	}
	ext, c := holder.Extension()
	if c != status.Ok {
		return nil, status.FromCode(c)
	}
	if ext == nil {
		return nil, nil
	}
	return newHandle(ext), nil
}

// SetExtension attaches ext to a local object.
func (h *Handle) SetExtension(ext *Handle) error {
	defer runtime.KeepAlive(ext)
	defer runtime.KeepAlive(h)
	holder, ok := h.obj.(ExtensionHolder)
	if !ok {
		return status.FromCode(status.InvalidOperation)
	}
	var obj Object
	if ext != nil {
		var err error
		if obj, err = ext.object(); err != nil {
			return err
		}
	}
	return status.FromCode(holder.SetExtension(obj)).Err()
}
