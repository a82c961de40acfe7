package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/binder/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// rootID names the object each side offers through Session.Root.
const rootID uint64 = 0

// ErrSessionClosed is the error of a session closed locally.
var ErrSessionClosed = errors.New("remote: session closed")

// stream is the common half of grpc.ClientStream and grpc.ServerStream.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

var sessionSerial atomic.Uint64

// Session is one connection between two processes. Each side exports the
// objects it sends and holds proxies for the objects it receives; the
// export tables count the references the peer holds so an object stays
// alive until every proxy for it has been released.
//
// Closing a session, or losing its stream, kills every proxy it holds:
// calls fail with DeadObject and death notifications are delivered.
type Session struct {
	id     id.SessionID
	serial uint64
	opts   *options
	logger *zap.Logger
	stream stream
	ctx    context.Context
	cancel context.CancelFunc

	// onClose runs once after shutdown, e.g. to close the client connection.
	onClose func()

	sendMu sync.Mutex

	limiter  *rate.Limiter
	inflight *semaphore.Weighted

	mu         sync.Mutex
	closed     bool
	opened     bool
	err        error
	peer       binder.Caller
	peerRoot   bool
	nextSeq    uint64
	pending    map[uint64]chan *frame
	nextExport uint64
	exports    map[uint64]*export
	exportIDs  map[binder.Object]uint64
	imports    map[uint64]*proxy

	done chan struct{}
}

func newSession(ctx context.Context, cancel context.CancelFunc, st stream, opts *options) *Session {
	inflight := opts.maxInflight
	if inflight < 1 {
		inflight = 1
	}
	s := &Session{
		id:        id.NewSessionID(),
		serial:    sessionSerial.Add(1),
		opts:      opts,
		stream:    st,
		ctx:       ctx,
		cancel:    cancel,
		limiter:   rate.NewLimiter(opts.rateLimit, opts.rateBurst),
		inflight:  semaphore.NewWeighted(inflight),
		pending:   make(map[uint64]chan *frame),
		exports:   make(map[uint64]*export),
		exportIDs: make(map[binder.Object]uint64),
		imports:   make(map[uint64]*proxy),
		done:      make(chan struct{}),
	}
	s.logger = opts.logger.With(zap.String("session", string(s.id)))

	if opts.root != nil {
		obj := opts.root.Object()
		obj.IncStrong()
		s.exports[rootID] = &export{id: rootID, obj: obj, pinned: true, session: s}
		s.exportIDs[obj] = rootID
	}
	return s
}

// ID returns the session identifier shared by both sides.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.id)
}

// Peer returns the identity the peer announced.
func (s *Session) Peer() binder.Caller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Root returns a handle to the object the peer offers as its root.
func (s *Session) Root() (*binder.Handle, error) {
	s.mu.Lock()
	offered := s.peerRoot
	s.mu.Unlock()
	if !offered {
		return nil, status.Newf(status.NameNotFound, "peer offers no root object")
	}
	p, ok := s.importProxy(rootID)
	if !ok {
		return nil, status.FromCode(status.DeadObject)
	}
	return binder.AdoptObject(p), nil
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

// greet performs the client side of the handshake.
func (s *Session) greet(ctx context.Context) error {
	if err := s.send(&frame{Kind: frameHello, Hello: s.hello()}); err != nil {
		return err
	}
	type result struct {
		f   *frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f := new(frame)
		err := s.stream.RecvMsg(f)
		ch <- result{f, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if r.f.Kind != frameHello || r.f.Hello == nil {
		return status.Newf(status.BadType, "expected hello, got %s", r.f.Kind)
	}
	s.establish(r.f.Hello, id.SessionID(r.f.Hello.Session))
	return nil
}

// accept performs the server side of the handshake.
func (s *Session) accept() error {
	f := new(frame)
	if err := s.stream.RecvMsg(f); err != nil {
		return err
	}
	if f.Kind != frameHello || f.Hello == nil {
		return status.Newf(status.BadType, "expected hello, got %s", f.Kind)
	}
	h := s.hello()
	h.Session = string(s.id)
	if err := s.send(&frame{Kind: frameHello, Hello: h}); err != nil {
		return err
	}
	s.establish(f.Hello, "")
	return nil
}

func (s *Session) hello() *hello {
	return &hello{
		Pid:  s.opts.identity.Pid,
		Uid:  s.opts.identity.Uid,
		Root: s.opts.root != nil,
	}
}

func (s *Session) establish(peer *hello, sessionID id.SessionID) {
	s.mu.Lock()
	if sessionID != "" {
		s.id = sessionID
		s.logger = s.opts.logger.With(zap.String("session", string(sessionID)))
	}
	s.peer = binder.Caller{Pid: peer.Pid, Uid: peer.Uid}
	s.peerRoot = peer.Root
	s.opened = true
	s.mu.Unlock()

	s.opts.observer.SessionOpened()
	s.logger.Info("Session established",
		zap.Int32("peer_pid", peer.Pid),
		zap.Uint32("peer_uid", peer.Uid))
}

// serve reads frames until the stream fails.
func (s *Session) serve() {
	for {
		f := new(frame)
		if err := s.stream.RecvMsg(f); err != nil {
			s.shutdown(err)
			return
		}
		s.handle(f)
	}
}

func (s *Session) handle(f *frame) {
	switch f.Kind {
	case frameReply:
		s.complete(f)
	case frameTransact, framePing, frameDump:
		s.inbound(f)
	case frameRelease:
		s.release(f.Target, f.Count)
	case frameDeath:
		s.peerDied(f.Target)
	default:
		s.opts.observer.FrameDropped("unexpected")
		s.logger.Debug("Unexpected frame", zap.Stringer("kind", f.Kind))
		s.discard(f)
	}
}

func (s *Session) send(f *frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(f)
}

// post sends f without blocking the caller.
func (s *Session) post(f *frame) {
	go func() {
		if err := s.send(f); err != nil {
			s.logger.Debug("Send failed", zap.Stringer("kind", f.Kind), zap.Error(err))
		}
	}()
}

// call sends a request and waits for its reply.
func (s *Session) call(ctx context.Context, f *frame) (*frame, status.Code) {
	if err := ctx.Err(); err != nil {
		return nil, status.CodeOf(err)
	}
	ch := make(chan *frame, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, status.DeadObject
	}
	s.nextSeq++
	f.Seq = s.nextSeq
	s.pending[f.Seq] = ch
	s.mu.Unlock()

	stamp(ctx, f)
	if err := s.send(f); err != nil {
		s.forget(f.Seq)
		return nil, status.DeadObject
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, status.DeadObject
		}
		return r, status.Ok
	case <-ctx.Done():
		s.forget(f.Seq)
		select {
		case r, ok := <-ch:
			if ok {
				s.discard(r)
			}
		default:
		}
		return nil, status.CodeOf(ctx.Err())
	}
}

func stamp(ctx context.Context, f *frame) {
	f.Trace = string(tracing.TraceIDFrom(ctx))
	f.Span = string(tracing.SpanIDFrom(ctx))
	if deadline, ok := ctx.Deadline(); ok {
		f.Deadline = deadline.UnixNano()
	}
}

func (s *Session) forget(seq uint64) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

func (s *Session) complete(f *frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.Seq]
	delete(s.pending, f.Seq)
	s.mu.Unlock()
	if !ok {
		s.discard(f)
		return
	}
	ch <- f
}

// discard settles the references carried by a frame nobody will read.
func (s *Session) discard(f *frame) {
	s.settle(f.Objects)
}

// settle accounts for exported objects received but not materialized.
func (s *Session) settle(objs []wireObject) {
	for _, w := range objs {
		if !w.Exported {
			continue
		}
		if p, ok := s.importProxy(w.ID); ok {
			p.DecStrong()
		}
	}
}

func (s *Session) reply(seq uint64, c status.Code) {
	s.post(&frame{Kind: frameReply, Seq: seq, Status: c.Raw()})
}

func (s *Session) inbound(f *frame) {
	oneway := f.Kind == frameTransact && binder.Flags(f.Flags)&binder.FlagOneway != 0
	if !s.limiter.Allow() {
		s.opts.observer.FrameDropped("rate_limited")
		s.discard(f)
		if !oneway {
			s.reply(f.Seq, status.WouldBlock)
		}
		return
	}
	e := s.hold(f.Target)
	if e == nil {
		s.opts.observer.FrameDropped("unknown_target")
		s.discard(f)
		if !oneway {
			s.reply(f.Seq, status.DeadObject)
		}
		return
	}
	if oneway {
		e.enqueue(f)
		return
	}
	go func() {
		defer s.unhold(e)
		if err := s.inflight.Acquire(s.ctx, 1); err != nil {
			s.discard(f)
			return
		}
		defer s.inflight.Release(1)
		if err := s.send(s.dispatch(e.obj, f)); err != nil {
			s.logger.Debug("Reply lost", zap.Uint64("seq", f.Seq), zap.Error(err))
		}
	}()
}

// dispatch runs an inbound request against a local object and builds the
// reply frame.
func (s *Session) dispatch(obj binder.Object, f *frame) *frame {
	ctx := binder.WithCaller(s.ctx, s.Peer())
	if f.Deadline != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Unix(0, f.Deadline))
		defer cancel()
	}

	reply := &frame{Kind: frameReply, Seq: f.Seq}
	if s.opts.tracer != nil {
		var span *tracing.Span
		span, ctx = s.opts.tracer.StartSpan(tracing.WithSpan(ctx, id.TraceID(f.Trace), id.SpanID(f.Span)), "binder."+f.Kind.String())
		span.SetTag("session", string(s.id))
		defer func() {
			if reply.Status != 0 {
				span.SetError(status.FromRawCode(reply.Status))
			}
			span.Finish()
		}()
	}

	switch f.Kind {
	case framePing:
		reply.Status = obj.Ping(ctx).Raw()
	case frameDump:
		out, c := dumpOf(ctx, obj, f.Args)
		if c == status.Ok {
			reply.Payload, reply.Zstd = compress(out, s.opts.compressThreshold)
		}
		reply.Status = c.Raw()
	case frameTransact:
		data, c := s.decodeParcel(f, obj)
		if c != status.Ok {
			reply.Status = c.Raw()
			break
		}
		out, c := obj.Transact(ctx, f.Code, data, binder.Flags(f.Flags))
		if c != status.Ok || out == nil {
			reply.Status = c.Raw()
			break
		}
		reply.Status = s.encodeParcel(out, reply).Raw()
		_ = out.Recycle()
	}
	return reply
}

// dumpOf collects what obj writes for a dump request.
func dumpOf(ctx context.Context, obj binder.Object, args []string) ([]byte, status.Code) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, status.CodeOf(err)
	}
	done := make(chan status.Code, 1)
	go func() {
		c := obj.Dump(ctx, int(w.Fd()), args)
		_ = w.Close()
		done <- c
	}()

	out, _ := io.ReadAll(io.LimitReader(r, maxPayload))
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
	if c := <-done; c != status.Ok {
		return nil, c
	}
	return out, status.Ok
}

// shutdown ends the session once. Pending calls fail, exports are dropped
// and every proxy dies.
func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	pending := s.pending
	s.pending = nil

	var drop []*export
	for _, e := range s.exports {
		if e.holds > 0 {
			e.removed = true
			continue
		}
		drop = append(drop, e)
	}
	s.exports = nil
	s.exportIDs = nil

	type death struct {
		p     *proxy
		links []binder.DeathNotifier
	}
	var deaths []death
	for _, p := range s.imports {
		if p.dead {
			continue
		}
		deaths = append(deaths, death{p, p.kill()})
	}
	opened := s.opened
	s.mu.Unlock()

	s.cancel()
	for _, ch := range pending {
		close(ch)
	}
	for _, e := range drop {
		e.drop()
	}
	for _, d := range deaths {
		s.notify(d.p, d.links)
	}

	if opened {
		s.opts.observer.SessionClosed()
		s.logger.Info("Session closed", zap.Error(err))
	}
	close(s.done)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Session) notify(p *proxy, links []binder.DeathNotifier) {
	for _, n := range links {
		n.BinderDied(p)
		s.opts.observer.DeathDelivered()
	}
}

// peerDied handles the death of one of the peer's exported objects.
func (s *Session) peerDied(target uint64) {
	s.mu.Lock()
	p, ok := s.imports[target]
	if !ok || p.dead {
		s.mu.Unlock()
		return
	}
	links := p.kill()
	s.mu.Unlock()

	s.logger.Debug("Remote object died", zap.Uint64("object", target))
	s.notify(p, links)
}
