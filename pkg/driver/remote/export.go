package remote

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// export is an object this side has sent to the peer. The session holds one
// strong reference on it while the peer holds count references.
type export struct {
	id      uint64
	obj     binder.Object
	session *Session

	// guarded by session.mu
	count   uint64
	pinned  bool
	linked  bool
	holds   int
	removed bool

	queueMu sync.Mutex
	queue   []*frame
	running bool
}

// BinderDied forwards the death of an exported proxy to the peer.
func (e *export) BinderDied(binder.Object) {
	e.session.post(&frame{Kind: frameDeath, Target: e.id})
}

func (e *export) drop() {
	if e.linked {
		_ = e.obj.UnlinkToDeath(e)
	}
	e.obj.DecStrong()
}

// enqueue appends a one-way call. Calls to the same export run one at a
// time in arrival order.
func (e *export) enqueue(f *frame) {
	e.queueMu.Lock()
	e.queue = append(e.queue, f)
	if e.running {
		e.queueMu.Unlock()
		return
	}
	e.running = true
	e.queueMu.Unlock()
	go e.drain()
}

func (e *export) drain() {
	s := e.session
	for {
		e.queueMu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.queueMu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.queueMu.Unlock()

		if err := s.inflight.Acquire(s.ctx, 1); err != nil {
			s.discard(f)
			s.unhold(e)
			continue
		}
		if r := s.dispatch(e.obj, f); r.Status != 0 {
			s.logger.Debug("One-way transaction failed",
				zap.Uint64("object", e.id),
				zap.Uint32("code", f.Code),
				zap.Stringer("status", status.CodeFromRaw(r.Status)))
		}
		s.inflight.Release(1)
		s.unhold(e)
	}
}

// export records obj as sent to the peer once more and returns its id.
func (s *Session) export(obj binder.Object) (uint64, status.Code) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, status.DeadObject
	}
	if id, ok := s.exportIDs[obj]; ok {
		s.exports[id].count++
		s.mu.Unlock()
		return id, status.Ok
	}
	s.nextExport++
	e := &export{id: s.nextExport, obj: obj, session: s, count: 1}
	s.exports[e.id] = e
	s.exportIDs[obj] = e.id
	e.holds++
	s.mu.Unlock()

	// The parcel being encoded keeps obj alive until the peer can release it.
	obj.IncStrong()
	if obj.IsRemote() && obj.LinkToDeath(e) == status.Ok {
		s.mu.Lock()
		e.linked = true
		s.mu.Unlock()
	}
	s.unhold(e)
	return e.id, status.Ok
}

// unexport reverses the exports recorded for a frame that was never sent.
func (s *Session) unexport(objs []wireObject) {
	for _, w := range objs {
		if w.Exported {
			s.release(w.ID, 1)
		}
	}
}

// release drops n peer references to an export.
func (s *Session) release(target, n uint64) {
	s.mu.Lock()
	e, ok := s.exports[target]
	if !ok {
		s.mu.Unlock()
		return
	}
	if n >= e.count {
		e.count = 0
	} else {
		e.count -= n
	}
	if e.count > 0 || e.pinned {
		s.mu.Unlock()
		return
	}
	delete(s.exports, target)
	delete(s.exportIDs, e.obj)
	drop := e.holds == 0
	e.removed = true
	s.mu.Unlock()

	if drop {
		e.drop()
	}
}

// hold pins an export for the duration of an inbound call.
func (s *Session) hold(target uint64) *export {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[target]
	if !ok {
		return nil
	}
	e.holds++
	return e
}

func (s *Session) unhold(e *export) {
	s.mu.Lock()
	e.holds--
	drop := e.removed && e.holds == 0
	s.mu.Unlock()
	if drop {
		e.drop()
	}
}

// encodeParcel fills f with p's payload and object table. Objects are
// exported, or named by id when they are this session's own proxies.
func (s *Session) encodeParcel(p *binder.Parcel, f *frame) status.Code {
	objs := p.Objects()
	for _, o := range objs {
		if o.Kind == binder.KindFileDescriptor {
			return status.FdsNotAllowed
		}
	}

	wire := make([]wireObject, 0, len(objs))
	for _, o := range objs {
		w := wireObject{Offset: uint64(o.Offset)}
		if px, ok := o.Binder.(*proxy); ok && px.session == s {
			w.ID = px.id
		} else {
			id, c := s.export(o.Binder)
			if c != status.Ok {
				s.unexport(wire)
				return c
			}
			w.ID, w.Exported = id, true
		}
		wire = append(wire, w)
	}
	f.Payload, f.Zstd = compress(p.RawData(), s.opts.compressThreshold)
	f.Objects = wire
	return status.Ok
}

// decodeParcel materializes the parcel carried by f, adopting one strong
// reference per object.
func (s *Session) decodeParcel(f *frame, target binder.Object) (*binder.Parcel, status.Code) {
	payload, err := decompress(f)
	if err != nil {
		s.discard(f)
		s.logger.Debug("Bad payload", zap.Error(err))
		return nil, status.BadValue
	}

	objs := make([]binder.FlatObject, 0, len(f.Objects))
	fail := func(i int, c status.Code) (*binder.Parcel, status.Code) {
		for _, o := range objs {
			o.Binder.DecStrong()
		}
		s.settle(f.Objects[i:])
		return nil, c
	}
	for i, w := range f.Objects {
		var obj binder.Object
		if w.Exported {
			p, ok := s.importProxy(w.ID)
			if !ok {
				return fail(i+1, status.DeadObject)
			}
			obj = p
		} else {
			e := s.hold(w.ID)
			if e == nil {
				return fail(i+1, status.BadValue)
			}
			e.obj.IncStrong()
			s.unhold(e)
			obj = e.obj
		}
		objs = append(objs, binder.FlatObject{
			Kind:   binder.KindBinder,
			Offset: int(w.Offset),
			Binder: obj,
		})
	}

	p, c := binder.ParcelFromRaw(payload, objs, target)
	if c != status.Ok {
		return fail(len(f.Objects), c)
	}
	return p, status.Ok
}
