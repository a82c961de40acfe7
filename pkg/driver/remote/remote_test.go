package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/driver/loopback"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

const storeName = "remote.test.IStore"

const (
	codeEcho uint32 = iota + 1
	codeCallback
	codeHold
	codeDrop
	codeFetch
	codeCaller
	codeRecord
)

// store is the object the endpoint offers. It can hold one capability on
// behalf of its clients.
type store struct {
	mu      sync.Mutex
	held    *binder.Handle
	records []int32
}

func (*store) InterfaceName() string { return storeName }

func (s *store) OnTransact(ctx context.Context, code uint32, data, reply *binder.Parcel) error {
	switch code {
	case codeEcho:
		msg, err := data.ReadString()
		if err != nil {
			return err
		}
		return reply.WriteString(msg)
	case codeCallback:
		cb, err := data.ReadNonNullStrongBinder()
		if err != nil {
			return err
		}
		defer cb.Release()
		var answer string
		err = cb.Transact(ctx, codeEcho, func(p *binder.Parcel) error {
			return p.WriteString("ping from store")
		}, func(p *binder.Parcel) error {
			answer, err = p.ReadString()
			return err
		})
		if err != nil {
			return err
		}
		return reply.WriteString(answer)
	case codeHold:
		h, err := data.ReadNonNullStrongBinder()
		if err != nil {
			return err
		}
		s.swap(h)
		return nil
	case codeDrop:
		s.swap(nil)
		return nil
	case codeFetch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return reply.WriteStrongBinder(s.held)
	case codeCaller:
		c, ok := binder.CallerFromContext(ctx)
		if !ok {
			return status.FromCode(status.InvalidOperation)
		}
		if err := reply.WriteInt32(c.Pid); err != nil {
			return err
		}
		return reply.WriteUint32(c.Uid)
	case codeRecord:
		v, err := data.ReadInt32()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.records = append(s.records, v)
		s.mu.Unlock()
		return nil
	}
	return status.FromCode(status.UnknownTransaction)
}

func (s *store) OnDump(_ context.Context, out io.Writer, args []string) error {
	_, err := fmt.Fprintf(out, "store %s\n", strings.Join(args, ","))
	return err
}

func (s *store) swap(h *binder.Handle) {
	s.mu.Lock()
	old := s.held
	s.held = h
	s.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

func (s *store) recorded() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.records...)
}

// echo lives on the client side and answers calls from the store.
type echo struct {
	prefix string
	closed chan struct{}
}

func newEcho(prefix string) *echo {
	return &echo{prefix: prefix, closed: make(chan struct{})}
}

func (*echo) InterfaceName() string { return "remote.test.IEcho" }

func (*echo) DisableInterfaceTokenHeader() bool { return true }

func (e *echo) OnTransact(_ context.Context, code uint32, data, reply *binder.Parcel) error {
	if code != codeEcho {
		return status.FromCode(status.UnknownTransaction)
	}
	msg, err := data.ReadString()
	if err != nil {
		return err
	}
	return reply.WriteString(e.prefix + msg)
}

func (e *echo) Close() error {
	close(e.closed)
	return nil
}

type env struct {
	store    *store
	endpoint *Endpoint
	lis      *bufconn.Listener
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	k := loopback.NewKernel()
	proc := k.NewProcess(1000)
	t.Cleanup(func() { _ = proc.Close() })

	st := &store{}
	root, err := binder.NewDispatcher(proc).NewHandle(st)
	require.NoError(t, err)
	defer root.Release()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ep, err := NewEndpoint(root, opts...)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = ep.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ep.Shutdown(ctx)
	})
	return &env{store: st, endpoint: ep, lis: lis}
}

func (e *env) dial(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.lis.DialContext(ctx)
		})),
	}, opts...)
	s, err := NewDialer("passthrough:///bufnet", opts...).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rootOf(t *testing.T, s *Session) *binder.Handle {
	t.Helper()
	root, err := s.Root()
	require.NoError(t, err)
	t.Cleanup(root.Release)
	require.NoError(t, root.Associate(context.Background(), storeName))
	return root
}

func echoCall(ctx context.Context, h *binder.Handle, msg string) (string, error) {
	return binder.Call(ctx, h, codeEcho, func(p *binder.Parcel) error {
		return p.WriteString(msg)
	}, func(p *binder.Parcel) (string, error) {
		return p.ReadString()
	})
}

// clientObject creates a local object in a fresh client process.
func clientObject(t *testing.T, impl binder.Binder) *binder.Handle {
	t.Helper()
	proc := loopback.NewKernel().NewProcess(2000)
	t.Cleanup(func() { _ = proc.Close() })
	h, err := binder.NewDispatcher(proc).NewHandle(impl)
	require.NoError(t, err)
	return h
}

func TestRootTransact(t *testing.T) {
	e := newEnv(t)
	s := e.dial(t, WithIdentity(binder.Caller{Pid: 4242, Uid: 7}))
	root := rootOf(t, s)
	ctx := context.Background()

	assert.True(t, root.IsRemote())
	assert.NotEmpty(t, s.ID())
	assert.Eventually(t, func() bool { return e.endpoint.NumSessions() == 1 }, time.Second, 10*time.Millisecond)

	got, err := echoCall(ctx, root, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	var pid int32
	var uid uint32
	err = root.Transact(ctx, codeCaller, nil, func(p *binder.Parcel) error {
		var err error
		if pid, err = p.ReadInt32(); err != nil {
			return err
		}
		uid, err = p.ReadUint32()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4242), pid)
	assert.Equal(t, uint32(7), uid)
	require.NoError(t, root.Ping(ctx))
}

func TestUnknownCodeStatus(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))

	err := root.Transact(context.Background(), 999, nil, nil)
	assert.Equal(t, status.UnknownTransaction, status.CodeOf(err))
}

func TestLargePayload(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))

	big := strings.Repeat("binder ", 20000)
	got, err := echoCall(context.Background(), root, big)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestCompress(t *testing.T) {
	small := []byte("short")
	out, ok := compress(small, 4096)
	assert.False(t, ok)
	assert.Equal(t, small, out)

	big := []byte(strings.Repeat("a", 10000))
	out, ok = compress(big, 4096)
	require.True(t, ok)
	assert.Less(t, len(out), len(big))

	back, err := decompress(&frame{Payload: out, Zstd: true})
	require.NoError(t, err)
	assert.Equal(t, big, back)

	_, ok = compress(big, 0)
	assert.False(t, ok)
}

func TestCallbackDuringTransaction(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	cb := clientObject(t, newEcho("client: "))
	defer cb.Release()

	got, err := binder.Call(context.Background(), root, codeCallback, func(p *binder.Parcel) error {
		return p.WriteStrongBinder(cb)
	}, func(p *binder.Parcel) (string, error) {
		return p.ReadString()
	})
	require.NoError(t, err)
	assert.Equal(t, "client: ping from store", got)
}

func TestCapabilityComesBackLocal(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	cb := clientObject(t, newEcho(""))
	defer cb.Release()
	ctx := context.Background()

	require.NoError(t, root.Transact(ctx, codeHold, func(p *binder.Parcel) error {
		return p.WriteStrongBinder(cb)
	}, nil))

	back, err := binder.Call(ctx, root, codeFetch, nil, func(p *binder.Parcel) (*binder.Handle, error) {
		return p.ReadNonNullStrongBinder()
	})
	require.NoError(t, err)
	defer back.Release()
	assert.False(t, back.IsRemote())
	assert.True(t, back.Equal(cb))
}

func TestFileDescriptorsNotAllowed(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	err = root.Transact(context.Background(), codeEcho, func(p *binder.Parcel) error {
		return p.WriteFile(w)
	}, nil)
	assert.Equal(t, status.FdsNotAllowed, status.CodeOf(err))
}

func TestSessionLossDeliversDeath(t *testing.T) {
	e := newEnv(t)
	s := e.dial(t)
	root := rootOf(t, s)

	died := make(chan struct{})
	link, err := binder.LinkToDeathFunc(root, func() { close(died) })
	require.NoError(t, err)
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.endpoint.Shutdown(ctx))

	select {
	case <-died:
	case <-time.After(5 * time.Second):
		t.Fatal("death not delivered")
	}
	<-s.Done()
	assert.Error(t, s.Err())
	assert.False(t, root.IsAlive())
	assert.Equal(t, status.DeadObject, status.CodeOf(root.Ping(context.Background())))
}

func TestCloseFailsCalls(t *testing.T) {
	e := newEnv(t)
	s := e.dial(t)
	root := rootOf(t, s)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
	_, err := echoCall(context.Background(), root, "late")
	assert.Equal(t, status.DeadObject, status.CodeOf(err))
	assert.Eventually(t, func() bool { return e.endpoint.NumSessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestReleaseDropsExport(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	impl := newEcho("")
	cb := clientObject(t, impl)
	ctx := context.Background()

	require.NoError(t, root.Transact(ctx, codeHold, func(p *binder.Parcel) error {
		return p.WriteStrongBinder(cb)
	}, nil))
	cb.Release()

	select {
	case <-impl.closed:
		t.Fatal("object destroyed while the peer holds it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, root.Transact(ctx, codeDrop, nil, nil))
	select {
	case <-impl.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("object not destroyed after the peer released it")
	}
}

func TestRemoteDump(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	err = root.Dump(context.Background(), int(w.Fd()), []string{"a", "b"})
	_ = w.Close()
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "store a,b\n", string(out))
}

func TestOnewayKeepsOrder(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))
	ctx := context.Background()

	const n = 50
	for i := int32(0); i < n; i++ {
		err := root.Transact(ctx, codeRecord, func(p *binder.Parcel) error {
			return p.WriteInt32(i)
		}, nil, binder.FlagOneway)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(e.store.recorded()) == n }, 5*time.Second, 10*time.Millisecond)
	for i, v := range e.store.recorded() {
		assert.Equal(t, int32(i), v)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, WithRateLimit(0, 2))
	s := e.dial(t)
	root, err := s.Root()
	require.NoError(t, err)
	defer root.Release()
	ctx := context.Background()

	require.NoError(t, root.Ping(ctx))
	require.NoError(t, root.Ping(ctx))
	assert.Equal(t, status.WouldBlock, status.CodeOf(root.Ping(ctx)))
	assert.True(t, root.IsAlive())
}

func TestCanceledContext(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := echoCall(ctx, root, "never")
	assert.Equal(t, status.FailedTransaction, status.CodeOf(err))
}

func TestRelayBetweenSessions(t *testing.T) {
	e := newEnv(t)
	a := rootOf(t, e.dial(t))
	b := rootOf(t, e.dial(t))
	cb := clientObject(t, newEcho("from a: "))
	defer cb.Release()
	ctx := context.Background()

	require.NoError(t, a.Transact(ctx, codeHold, func(p *binder.Parcel) error {
		return p.WriteStrongBinder(cb)
	}, nil))

	relayed, err := binder.Call(ctx, b, codeFetch, nil, func(p *binder.Parcel) (*binder.Handle, error) {
		return p.ReadNonNullStrongBinder()
	})
	require.NoError(t, err)
	defer relayed.Release()
	assert.True(t, relayed.IsRemote())

	got, err := echoCall(ctx, relayed, "hi")
	require.NoError(t, err)
	assert.Equal(t, "from a: hi", got)
}

func TestWeakProxy(t *testing.T) {
	e := newEnv(t)
	root := rootOf(t, e.dial(t))

	weak, err := root.WeakRef()
	require.NoError(t, err)
	defer weak.Release()

	strong, ok := weak.Upgrade()
	require.True(t, ok)
	assert.True(t, strong.Equal(root))
	strong.Release()
}

func TestBreakerStopsDialing(t *testing.T) {
	var attempts atomic.Int32
	b := resilience.New("dial", resilience.Settings{
		ReadyToTrip: resilience.TripAfter(1),
		Timeout:     time.Minute,
	})
	d := NewDialer("passthrough:///nowhere",
		WithBreaker(b),
		WithDialTimeout(500*time.Millisecond),
		WithDialOptions(grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		})))

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.DeadObject, status.CodeOf(err))
	assert.Equal(t, resilience.StateOpen, b.State())
	tried := attempts.Load()

	_, err = d.Dial(context.Background())
	assert.Equal(t, status.DeadObject, status.CodeOf(err))
	assert.Equal(t, tried, attempts.Load())
}

func TestNewEndpointRequiresRoot(t *testing.T) {
	_, err := NewEndpoint(nil)
	assert.Equal(t, status.UnexpectedNull, status.CodeOf(err))
}
