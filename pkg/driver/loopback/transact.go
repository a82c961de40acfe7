package loopback

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

type onewayCall struct {
	ctx  context.Context
	code uint32
	data *binder.Parcel
}

// transact moves data from the sending process into n's owner, runs the
// call on the owner's pool and moves the reply back.
func (k *Kernel) transact(ctx context.Context, from *Process, n *node, code uint32, data *binder.Parcel, flags binder.Flags) (*binder.Parcel, status.Code) {
	if n.isDead() {
		_ = data.Recycle()
		return nil, status.DeadObject
	}
	to := n.owner
	in, c := translate(data, to, n)
	_ = data.Recycle()
	if c != status.Ok {
		return nil, c
	}

	callCtx := binder.WithCaller(context.WithoutCancel(ctx), from.caller())
	if flags&binder.FlagOneway != 0 {
		n.enqueue(onewayCall{ctx: callCtx, code: code, data: in})
		return nil, status.Ok
	}

	if err := to.pool.Acquire(ctx, 1); err != nil {
		_ = in.Recycle()
		return nil, status.CodeOf(err)
	}
	type result struct {
		reply *binder.Parcel
		code  status.Code
	}
	done := make(chan result, 1)
	go func() {
		defer to.pool.Release(1)
		reply, c := n.deliver(callCtx, code, in, flags)
		done <- result{reply, c}
	}()

	select {
	case res := <-done:
		if res.code != status.Ok {
			return nil, res.code
		}
		out, c := translate(res.reply, from, nil)
		_ = res.reply.Recycle()
		if c != status.Ok {
			return nil, c
		}
		_ = out.SetDataPosition(0)
		return out, status.Ok
	case <-ctx.Done():
		go func() {
			if res := <-done; res.reply != nil {
				_ = res.reply.Recycle()
			}
		}()
		k.logger.Debug("Transaction abandoned",
			zap.Int32("from", from.pid),
			zap.Uint64("node", n.id),
			zap.Uint32("code", code),
			zap.Error(ctx.Err()))
		return nil, status.CodeOf(ctx.Err())
	}
}

// translate copies src into a parcel owned by process to, converting each
// capability into to's view of it and duplicating descriptors.
func translate(src *binder.Parcel, to *Process, target binder.Object) (*binder.Parcel, status.Code) {
	raw := src.RawData()
	data := make([]byte, len(raw))
	copy(data, raw)

	objs := src.Objects()
	out := make([]binder.FlatObject, 0, len(objs))
	fail := func(c status.Code) (*binder.Parcel, status.Code) {
		for _, o := range out {
			switch o.Kind {
			case binder.KindBinder:
				o.Binder.DecStrong()
			case binder.KindFileDescriptor:
				_ = unix.Close(o.FD)
			}
		}
		return nil, c
	}
	for _, o := range objs {
		switch o.Kind {
		case binder.KindBinder:
			obj, ok := to.objectFor(o.Binder)
			if !ok {
				return fail(status.DeadObject)
			}
			o.Binder = obj
		case binder.KindFileDescriptor:
			fd, err := unix.FcntlInt(uintptr(o.FD), unix.F_DUPFD_CLOEXEC, 0)
			if err != nil {
				return fail(status.BadValue)
			}
			o.FD = fd
		}
		out = append(out, o)
	}
	p, c := binder.ParcelFromRaw(data, out, target)
	if c != status.Ok {
		return fail(c)
	}
	return p, status.Ok
}

// enqueue appends a one-way call to n's queue. Calls to the same node run
// one at a time in arrival order.
func (n *node) enqueue(call onewayCall) {
	n.queueMu.Lock()
	n.queue = append(n.queue, call)
	if n.running {
		n.queueMu.Unlock()
		return
	}
	n.running = true
	n.queueMu.Unlock()
	go n.drain()
}

func (n *node) drain() {
	pool := n.owner.pool
	for {
		n.queueMu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.queueMu.Unlock()
			return
		}
		call := n.queue[0]
		n.queue[0] = onewayCall{}
		n.queue = n.queue[1:]
		n.queueMu.Unlock()

		if n.isDead() {
			_ = call.data.Recycle()
			continue
		}
		if err := pool.Acquire(context.Background(), 1); err != nil {
			_ = call.data.Recycle()
			continue
		}
		if _, c := n.deliver(call.ctx, call.code, call.data, binder.FlagOneway); c != status.Ok {
			n.owner.kernel.logger.Debug("One-way transaction failed",
				zap.Uint64("node", n.id),
				zap.Uint32("code", call.code),
				zap.Stringer("status", c))
		}
		pool.Release(1)
	}
}
