package loopback

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// node is a local object. The owning process sees the node itself; every
// other process sees it through a ref. Each ref holds one strong reference
// on the node regardless of how many handles share it.
type node struct {
	id       uint64
	owner    *Process
	class    *binder.ClassDescriptor
	userData any

	mu        sync.Mutex
	strong    int
	destroyed bool
	dead      bool
	links     map[binder.DeathNotifier]*ref
	ext       binder.Object

	queueMu sync.Mutex
	queue   []onewayCall
	running bool
}

var (
	_ binder.Object          = (*node)(nil)
	_ binder.Comparer        = (*node)(nil)
	_ binder.ExtensionHolder = (*node)(nil)
)

func nodeOf(obj binder.Object) *node {
	switch o := obj.(type) {
	case *node:
		return o
	case *ref:
		return o.node
	}
	return nil
}

// acquire takes a strong reference unless the node was already destroyed.
func (n *node) acquire() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return false
	}
	n.strong++
	return true
}

// release drops a strong reference, destroying the node on the last one.
func (n *node) release() {
	n.mu.Lock()
	n.strong--
	if n.strong > 0 {
		n.mu.Unlock()
		return
	}
	if n.strong < 0 {
		n.mu.Unlock()
		panic("loopback: strong count underflow")
	}
	n.destroyed = true
	ext := n.ext
	n.ext = nil
	n.mu.Unlock()

	n.owner.forgetNode(n)
	n.class.Destroy(n.userData)
	if ext != nil {
		ext.DecStrong()
	}
	n.owner.kernel.observer.NodeDestroyed()
}

// kill marks the node dead and returns the death registrations to notify.
func (n *node) kill() map[binder.DeathNotifier]*ref {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = true
	links := n.links
	n.links = make(map[binder.DeathNotifier]*ref)
	return links
}

func (n *node) isDead() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dead
}

func (n *node) IncStrong() {
	if !n.acquire() {
		panic("loopback: IncStrong on destroyed node")
	}
}

func (n *node) DecStrong() { n.release() }

func (n *node) NewWeak() binder.WeakObject {
	return &weakRef{node: n, proc: n.owner}
}

func (n *node) Ping(context.Context) status.Code { return status.Ok }

func (n *node) IsAlive() bool { return true }

func (n *node) IsRemote() bool { return false }

func (n *node) Dump(ctx context.Context, fd int, args []string) status.Code {
	return n.class.Dump(binder.WithCaller(ctx, n.owner.caller()), n.userData, fd, args)
}

func (n *node) PrepareTransaction() (*binder.Parcel, status.Code) {
	return binder.NewParcelFor(n), status.Ok
}

// Transact runs the call on the caller's goroutine; local one-way calls are
// synchronous as well. A call made while handling another transaction keeps
// that transaction's caller.
func (n *node) Transact(ctx context.Context, code uint32, data *binder.Parcel, flags binder.Flags) (*binder.Parcel, status.Code) {
	if data.Target() != binder.Object(n) {
		_ = data.Recycle()
		return nil, status.BadValue
	}
	if !binder.IsHandlingTransaction(ctx) {
		ctx = binder.WithCaller(ctx, n.owner.caller())
	}
	return n.deliver(ctx, code, data, flags)
}

// deliver hands an owned data parcel to the class and returns the owned
// reply. data is recycled.
func (n *node) deliver(ctx context.Context, code uint32, data *binder.Parcel, flags binder.Flags) (*binder.Parcel, status.Code) {
	defer data.Recycle()
	_ = data.SetDataPosition(0)
	in := data.BorrowReadOnly()
	defer data.Seal()

	if flags&binder.FlagOneway != 0 {
		return nil, n.class.Transact(ctx, n.userData, code, in, nil)
	}
	reply := binder.NewParcel()
	c := n.class.Transact(ctx, n.userData, code, in, reply.Borrow())
	reply.Seal()
	if c != status.Ok {
		_ = reply.Recycle()
		return nil, c
	}
	_ = reply.SetDataPosition(0)
	return reply, status.Ok
}

func (n *node) LinkToDeath(binder.DeathNotifier) status.Code {
	return status.InvalidOperation
}

func (n *node) UnlinkToDeath(binder.DeathNotifier) status.Code {
	return status.InvalidOperation
}

func (n *node) Class() *binder.ClassDescriptor { return n.class }

func (n *node) UserData() any { return n.userData }

func (n *node) Less(other binder.Object) bool {
	return lessNode(n, other)
}

func lessNode(n *node, other binder.Object) bool {
	o := nodeOf(other)
	if o == nil {
		return false
	}
	return n.id < o.id
}

func (n *node) Extension() (binder.Object, status.Code) {
	return n.extensionFor(n.owner)
}

// extensionFor returns the extension as seen from p with a new strong
// reference.
func (n *node) extensionFor(p *Process) (binder.Object, status.Code) {
	n.mu.Lock()
	ext := n.ext
	if ext != nil {
		ext.IncStrong()
	}
	n.mu.Unlock()
	if ext == nil {
		return nil, status.Ok
	}
	defer ext.DecStrong()
	obj, ok := p.objectFor(ext)
	if !ok {
		return nil, status.DeadObject
	}
	return obj, status.Ok
}

func (n *node) SetExtension(ext binder.Object) status.Code {
	if ext != nil {
		if nodeOf(ext) == nil {
			return status.BadType
		}
		ext.IncStrong()
	}
	n.mu.Lock()
	old := n.ext
	n.ext = ext
	n.mu.Unlock()
	if old != nil {
		old.DecStrong()
	}
	return status.Ok
}

// weakRef is a weak reference held by proc.
type weakRef struct {
	node *node
	proc *Process
}

var (
	_ binder.WeakComparer = (*weakRef)(nil)
	_ binder.WeakCloner   = (*weakRef)(nil)
)

func (w *weakRef) Promote() binder.Object {
	if w.proc == w.node.owner {
		if !w.node.acquire() {
			return nil
		}
		return w.node
	}
	r, ok := w.proc.refFor(w.node)
	if !ok {
		return nil
	}
	return r
}

func (w *weakRef) Release() {}

func (w *weakRef) Clone() binder.WeakObject {
	return &weakRef{node: w.node, proc: w.proc}
}

func (w *weakRef) Less(other binder.WeakObject) bool {
	o, ok := other.(*weakRef)
	if !ok {
		return false
	}
	return w.node.id < o.node.id
}
