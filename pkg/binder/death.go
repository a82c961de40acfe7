package binder

import (
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// DeathRecipient is notified when the owner of a linked object dies.
type DeathRecipient interface {
	OnDead()
}

// DeathRecipientFunc adapts a function to DeathRecipient.
type DeathRecipientFunc func()

// OnDead calls f.
func (f DeathRecipientFunc) OnDead() { f() }

// DeathLink ties a DeathRecipient to one object. The recipient runs at most
// once and is never started after Close returns.
type DeathLink struct {
	handle    *Handle
	recipient atomic.Pointer[DeathRecipient]
	notifier  *deathNotifier
	done      chan struct{}
	closed    atomic.Bool
}

// deathNotifier is the identity drivers register; it forwards to its link.
type deathNotifier struct {
	link *DeathLink
}

func (n *deathNotifier) BinderDied(Object) {
	n.link.fire()
}

// LinkToDeath registers r to be notified when h's owner dies. The link holds
// its own reference to the object until Close. Linking to an object that
// lives in the calling process fails with InvalidOperation.
func LinkToDeath(h *Handle, r DeathRecipient) (*DeathLink, error) {
	if r == nil {
		return nil, status.FromCode(status.UnexpectedNull)
	}
	ref, err := h.Clone()
	if err != nil {
		return nil, err
	}
	l := &DeathLink{handle: ref, done: make(chan struct{})}
	l.recipient.Store(&r)
	l.notifier = &deathNotifier{link: l}
	if c := ref.obj.LinkToDeath(l.notifier); c != status.Ok {
		ref.Release()
		return nil, status.FromCode(c)
	}
	return l, nil
}

// LinkToDeathFunc is LinkToDeath for a plain function.
func LinkToDeathFunc(h *Handle, fn func()) (*DeathLink, error) {
	return LinkToDeath(h, DeathRecipientFunc(fn))
}

func (l *DeathLink) fire() {
	r := l.recipient.Swap(nil)
	if r == nil {
		return
	}
	close(l.done)
	(*r).OnDead()
}

// Done is closed when the death notification fires.
func (l *DeathLink) Done() <-chan struct{} {
	return l.done
}

// Handle returns the linked object. The link keeps ownership.
func (l *DeathLink) Handle() *Handle {
	return l.handle
}

// Close unregisters the link. Unlink failures are ignored; the recipient is
// dropped either way.
func (l *DeathLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.recipient.Store(nil)
	_ = l.handle.obj.UnlinkToDeath(l.notifier)
	l.handle.Release()
	return nil
}
