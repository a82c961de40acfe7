package binder

import (
	"runtime"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// WeakHandle is a non-owning reference to a capability. It does not keep the
// object alive; Upgrade succeeds only while some strong reference exists.
type WeakHandle struct {
	w        WeakObject
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func newWeakHandle(w WeakObject) *WeakHandle {
	wh := &WeakHandle{w: w}
	wh.cleanup = runtime.AddCleanup(wh, func(w WeakObject) { w.Release() }, w)
	return wh
}

// Upgrade returns a strong handle, or false if the object is gone.
func (wh *WeakHandle) Upgrade() (*Handle, bool) {
	defer runtime.KeepAlive(wh)
	if wh.released.Load() {
		return nil, false
	}
	obj := wh.w.Promote()
	if obj == nil {
		return nil, false
	}
	return newHandle(obj), true
}

// Clone returns an independent weak reference to the same object.
func (wh *WeakHandle) Clone() (*WeakHandle, error) {
	defer runtime.KeepAlive(wh)
	if wh.released.Load() {
		return nil, status.Newf(status.InvalidOperation, "weak handle already released")
	}
	c, ok := wh.w.(WeakCloner)
	if !ok {
		return nil, status.FromCode(status.InvalidOperation)
	}
	return newWeakHandle(c.Clone()), nil
}

// Compare orders weak handles consistently with Handle.Compare.
func (wh *WeakHandle) Compare(other *WeakHandle) (int, error) {
	defer runtime.KeepAlive(other)
	defer runtime.KeepAlive(wh)
	a, ok := wh.w.(WeakComparer)
	if !ok {
		return 0, status.FromCode(status.InvalidOperation)
	}
	b, ok := other.w.(WeakComparer)
	if !ok {
		return 0, status.FromCode(status.InvalidOperation)
	}
	switch {
	case a.Less(other.w):
		return -1, nil
	case b.Less(wh.w):
		return 1, nil
	}
	return 0, nil
}

// Release drops the weak reference. Further calls are no-ops.
func (wh *WeakHandle) Release() {
	if wh == nil || !wh.released.CompareAndSwap(false, true) {
		return
	}
	wh.cleanup.Stop()
	wh.w.Release()
}
