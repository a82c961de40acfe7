package remote

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// proxy stands for an object exported by the peer. All state is guarded by
// session.mu.
type proxy struct {
	session *Session
	id      uint64

	strong   int
	received uint64
	dead     bool
	links    map[binder.DeathNotifier]struct{}
}

var (
	_ binder.Object   = (*proxy)(nil)
	_ binder.Comparer = (*proxy)(nil)
)

// importProxy returns the proxy for the peer's export id with a new strong
// reference, recording one more received reference.
func (s *Session) importProxy(target uint64) (*proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	p, ok := s.imports[target]
	if !ok {
		p = &proxy{session: s, id: target, links: make(map[binder.DeathNotifier]struct{})}
		s.imports[target] = p
	}
	p.received++
	p.strong++
	return p, true
}

// kill marks the proxy dead and returns its death registrations. Callers
// hold session.mu.
func (p *proxy) kill() []binder.DeathNotifier {
	p.dead = true
	links := make([]binder.DeathNotifier, 0, len(p.links))
	for n := range p.links {
		links = append(links, n)
	}
	p.links = nil
	return links
}

func (p *proxy) IncStrong() {
	s := p.session
	s.mu.Lock()
	p.strong++
	s.mu.Unlock()
}

// DecStrong releases the proxy on the last reference and tells the peer how
// many references it may drop.
func (p *proxy) DecStrong() {
	s := p.session
	s.mu.Lock()
	p.strong--
	if p.strong > 0 {
		s.mu.Unlock()
		return
	}
	if p.strong < 0 {
		s.mu.Unlock()
		panic("remote: strong count underflow")
	}
	if s.imports[p.id] == p {
		delete(s.imports, p.id)
	}
	n := p.received
	p.received = 0
	closed := s.closed
	s.mu.Unlock()

	if !closed && n > 0 {
		s.post(&frame{Kind: frameRelease, Target: p.id, Count: n})
	}
}

func (p *proxy) NewWeak() binder.WeakObject {
	return &weakProxy{session: p.session, id: p.id}
}

func (p *proxy) Ping(ctx context.Context) status.Code {
	if !p.IsAlive() {
		return status.DeadObject
	}
	r, c := p.session.call(ctx, &frame{Kind: framePing, Target: p.id})
	if c != status.Ok {
		return c
	}
	return status.CodeFromRaw(r.Status)
}

func (p *proxy) IsAlive() bool {
	p.session.mu.Lock()
	defer p.session.mu.Unlock()
	return !p.dead
}

func (p *proxy) IsRemote() bool { return true }

// Dump asks the peer to dump the object and copies its output to fd.
func (p *proxy) Dump(ctx context.Context, fd int, args []string) status.Code {
	if !p.IsAlive() {
		return status.DeadObject
	}
	r, c := p.session.call(ctx, &frame{Kind: frameDump, Target: p.id, Args: args})
	if c != status.Ok {
		return c
	}
	if r.Status != 0 {
		return status.CodeFromRaw(r.Status)
	}
	out, err := decompress(r)
	if err != nil {
		return status.BadValue
	}
	return writeAll(fd, out)
}

func writeAll(fd int, b []byte) status.Code {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return status.CodeOf(err)
		}
		b = b[n:]
	}
	return status.Ok
}

func (p *proxy) PrepareTransaction() (*binder.Parcel, status.Code) {
	return binder.NewParcelFor(p), status.Ok
}

func (p *proxy) Transact(ctx context.Context, code uint32, data *binder.Parcel, flags binder.Flags) (*binder.Parcel, status.Code) {
	defer data.Recycle()
	if data.Target() != binder.Object(p) {
		return nil, status.BadValue
	}
	if !p.IsAlive() {
		return nil, status.DeadObject
	}
	if err := ctx.Err(); err != nil {
		return nil, status.CodeOf(err)
	}

	s := p.session
	f := &frame{Kind: frameTransact, Target: p.id, Code: code, Flags: uint32(flags)}
	if c := s.encodeParcel(data, f); c != status.Ok {
		return nil, c
	}
	if flags&binder.FlagOneway != 0 {
		stamp(ctx, f)
		if err := s.send(f); err != nil {
			s.unexport(f.Objects)
			return nil, status.DeadObject
		}
		return nil, status.Ok
	}

	r, c := s.call(ctx, f)
	if c != status.Ok {
		return nil, c
	}
	if r.Status != 0 {
		s.discard(r)
		return nil, status.CodeFromRaw(r.Status)
	}
	return s.decodeParcel(r, nil)
}

func (p *proxy) LinkToDeath(n binder.DeathNotifier) status.Code {
	s := p.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.dead {
		return status.DeadObject
	}
	if _, ok := p.links[n]; ok {
		return status.AlreadyExists
	}
	p.links[n] = struct{}{}
	return status.Ok
}

func (p *proxy) UnlinkToDeath(n binder.DeathNotifier) status.Code {
	s := p.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.dead {
		return status.DeadObject
	}
	if _, ok := p.links[n]; !ok {
		return status.NameNotFound
	}
	delete(p.links, n)
	return status.Ok
}

func (p *proxy) Class() *binder.ClassDescriptor { return nil }

func (p *proxy) UserData() any { return nil }

// Less orders proxies by session and export id. Proxies sort before objects
// of other drivers.
func (p *proxy) Less(other binder.Object) bool {
	o, ok := other.(*proxy)
	if !ok {
		return true
	}
	return lessID(p.session.serial, p.id, o.session.serial, o.id)
}

func lessID(sa, ia, sb, ib uint64) bool {
	if sa != sb {
		return sa < sb
	}
	return ia < ib
}

// weakProxy names a peer export without holding it.
type weakProxy struct {
	session *Session
	id      uint64
}

var (
	_ binder.WeakComparer = (*weakProxy)(nil)
	_ binder.WeakCloner   = (*weakProxy)(nil)
)

// Promote succeeds while some strong reference keeps the proxy imported.
func (w *weakProxy) Promote() binder.Object {
	s := w.session
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.imports[w.id]
	if !ok || p.dead || p.strong == 0 {
		return nil
	}
	p.strong++
	return p
}

func (w *weakProxy) Release() {}

func (w *weakProxy) Clone() binder.WeakObject {
	return &weakProxy{session: w.session, id: w.id}
}

func (w *weakProxy) Less(other binder.WeakObject) bool {
	o, ok := other.(*weakProxy)
	if !ok {
		return true
	}
	return lessID(w.session.serial, w.id, o.session.serial, o.id)
}
