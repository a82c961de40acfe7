package loopback

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// ref is a process's proxy for a node owned by another process. Its count
// is guarded by proc.mu.
type ref struct {
	proc     *Process
	node     *node
	count    int
	detached bool
}

var (
	_ binder.Object          = (*ref)(nil)
	_ binder.Comparer        = (*ref)(nil)
	_ binder.ExtensionHolder = (*ref)(nil)
)

func (r *ref) IncStrong() {
	r.proc.mu.Lock()
	defer r.proc.mu.Unlock()
	if r.detached {
		return
	}
	if r.count <= 0 {
		panic("loopback: IncStrong on released ref")
	}
	r.count++
}

func (r *ref) DecStrong() {
	p := r.proc
	p.mu.Lock()
	if r.detached {
		p.mu.Unlock()
		return
	}
	r.count--
	if r.count > 0 {
		p.mu.Unlock()
		return
	}
	r.detached = true
	delete(p.refs, r.node)
	p.mu.Unlock()
	r.node.release()
}

func (r *ref) NewWeak() binder.WeakObject {
	return &weakRef{node: r.node, proc: r.proc}
}

func (r *ref) Ping(context.Context) status.Code {
	if r.node.isDead() {
		return status.DeadObject
	}
	return status.Ok
}

func (r *ref) IsAlive() bool { return !r.node.isDead() }

func (r *ref) IsRemote() bool { return true }

func (r *ref) Dump(ctx context.Context, fd int, args []string) status.Code {
	if r.node.isDead() {
		return status.DeadObject
	}
	return r.node.class.Dump(binder.WithCaller(ctx, r.proc.caller()), r.node.userData, fd, args)
}

func (r *ref) PrepareTransaction() (*binder.Parcel, status.Code) {
	return binder.NewParcelFor(r), status.Ok
}

func (r *ref) Transact(ctx context.Context, code uint32, data *binder.Parcel, flags binder.Flags) (*binder.Parcel, status.Code) {
	if data.Target() != binder.Object(r) {
		_ = data.Recycle()
		return nil, status.BadValue
	}
	return r.proc.kernel.transact(ctx, r.proc, r.node, code, data, flags)
}

func (r *ref) LinkToDeath(dn binder.DeathNotifier) status.Code {
	n := r.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return status.DeadObject
	}
	if _, ok := n.links[dn]; ok {
		return status.AlreadyExists
	}
	n.links[dn] = r
	return status.Ok
}

func (r *ref) UnlinkToDeath(dn binder.DeathNotifier) status.Code {
	n := r.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return status.DeadObject
	}
	if _, ok := n.links[dn]; !ok {
		return status.NameNotFound
	}
	delete(n.links, dn)
	return status.Ok
}

func (r *ref) Class() *binder.ClassDescriptor { return nil }

func (r *ref) UserData() any { return nil }

func (r *ref) Less(other binder.Object) bool {
	return lessNode(r.node, other)
}

func (r *ref) Extension() (binder.Object, status.Code) {
	if r.node.isDead() {
		return nil, status.DeadObject
	}
	return r.node.extensionFor(r.proc)
}

func (r *ref) SetExtension(binder.Object) status.Code {
	return status.InvalidOperation
}
