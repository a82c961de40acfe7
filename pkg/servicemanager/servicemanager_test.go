package servicemanager

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/driver/loopback"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

type echo struct{}

func (echo) InterfaceName() string { return "servicemanager.test.IEcho" }

func (echo) OnTransact(_ context.Context, _ uint32, data, reply *binder.Parcel) error {
	s, err := data.ReadString()
	if err != nil {
		return err
	}
	return reply.WriteString(s)
}

type env struct {
	kernel  *loopback.Kernel
	system  *loopback.Process
	manager *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	k := loopback.NewKernel()
	system := k.NewProcess(0)
	m := NewManager(WithLookupWait(20 * time.Millisecond))

	h, err := binder.NewDispatcher(system).NewHandle(m)
	require.NoError(t, err)
	require.NoError(t, k.SetContextManager(h))
	h.Release()

	t.Cleanup(func() { system.Close() })
	return &env{kernel: k, system: system, manager: m}
}

// attach starts a process and returns a client bound to the registry.
func (e *env) attach(t *testing.T, uid uint32) (*loopback.Process, *Client) {
	t.Helper()
	proc := e.kernel.NewProcess(uid)
	cm, err := proc.ContextManager()
	require.NoError(t, err)
	defer cm.Release()

	c, err := NewClient(context.Background(), cm, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		proc.Close()
	})
	return proc, c
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{name: "simple", input: "media.player", valid: true},
		{name: "all classes", input: "a-Z_0/9.x", valid: true},
		{name: "max length", input: strings.Repeat("a", MaxNameLength), valid: true},
		{name: "empty", input: ""},
		{name: "too long", input: strings.Repeat("a", MaxNameLength+1)},
		{name: "space", input: "media player"},
		{name: "nul", input: "media\x00player"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRegisterAndLookup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server, serverSM := e.attach(t, 1000)
	_, clientSM := e.attach(t, 2000)

	svc, err := binder.NewDispatcher(server).NewHandle(echo{})
	require.NoError(t, err)
	defer svc.Release()
	require.NoError(t, serverSM.Register(ctx, "test.echo", svc))

	h, err := clientSM.Lookup(ctx, "test.echo")
	require.NoError(t, err)
	defer h.Release()
	require.NoError(t, h.Associate(ctx, "servicemanager.test.IEcho"))

	got, err := binder.Call(ctx, h, binder.FirstCallTransaction,
		func(p *binder.Parcel) error { return p.WriteString("ping") },
		(*binder.Parcel).ReadString)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)

	names, err := clientSM.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"test.echo"}, names)
}

func TestCheckPresence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, sm := e.attach(t, 1000)

	h, err := sm.CheckPresence(ctx, "missing.service")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestLookupTimesOut(t *testing.T) {
	e := newEnv(t)
	_, sm := e.attach(t, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := sm.Lookup(ctx, "never.registered")
	require.Error(t, err)
	assert.True(t, IsKind(err, NotFound))
}

func TestLookupWaitsForRegistration(t *testing.T) {
	e := newEnv(t)
	server, serverSM := e.attach(t, 1000)
	_, clientSM := e.attach(t, 2000)

	svc, err := binder.NewDispatcher(server).NewHandle(echo{})
	require.NoError(t, err)
	defer svc.Release()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = serverSM.Register(context.Background(), "late.service", svc)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := clientSM.Lookup(ctx, "late.service")
	require.NoError(t, err)
	defer h.Release()
	assert.True(t, h.IsRemote())
}

func TestInvalidNames(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, sm := e.attach(t, 1000)

	_, err := sm.CheckPresence(ctx, "bad name")
	assert.True(t, IsKind(err, InvalidName))
	assert.True(t, IsKind(sm.Register(ctx, "", nil), InvalidName))
}

func TestServerRejectsBadRequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, sm := e.attach(t, 1000)

	// Bypass client-side validation to exercise the server's checks.
	err := sm.Handle().Transact(ctx, CheckServiceTransaction,
		func(p *binder.Parcel) error { return p.WriteString("bad name") },
		func(reply *binder.Parcel) error { return readReplyStatus(reply, "bad name") })
	require.Error(t, err)
	assert.True(t, IsKind(err, RemoteException))
	var smErr *Error
	require.ErrorAs(t, err, &smErr)
	assert.Equal(t, status.IllegalArgument, smErr.Exception)

	err = sm.Handle().Transact(ctx, AddServiceTransaction,
		func(p *binder.Parcel) error {
			if err := p.WriteString("null.service"); err != nil {
				return err
			}
			return p.WriteStrongBinder(nil)
		},
		func(reply *binder.Parcel) error { return readReplyStatus(reply, "null.service") })
	require.ErrorAs(t, err, &smErr)
	assert.Equal(t, status.NullPointer, smErr.Exception)
}

func TestDeadServiceIsRemoved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	server, serverSM := e.attach(t, 1000)
	_, clientSM := e.attach(t, 2000)

	svc, err := binder.NewDispatcher(server).NewHandle(echo{})
	require.NoError(t, err)
	require.NoError(t, serverSM.Register(ctx, "short.lived", svc))
	svc.Release()

	require.NoError(t, server.Close())

	assert.Eventually(t, func() bool {
		h, err := clientSM.CheckPresence(ctx, "short.lived")
		if h != nil {
			h.Release()
		}
		return err == nil && h == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterAlreadyDeadService(t *testing.T) {
	e := newEnv(t)
	server := e.kernel.NewProcess(1000)

	svc, err := binder.NewDispatcher(server).NewHandle(echo{})
	require.NoError(t, err)
	imported, err := e.system.Import(svc)
	require.NoError(t, err)
	svc.Release()
	require.NoError(t, server.Close())
	require.False(t, imported.IsAlive())

	e.manager.add(context.Background(), "gone", imported)

	assert.Nil(t, e.manager.get("gone"))
	assert.NotContains(t, e.manager.names(), "gone")
}

func TestRegisterRacesOwnerDeath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for range 20 {
		server := e.kernel.NewProcess(1000)
		svc, err := binder.NewDispatcher(server).NewHandle(echo{})
		require.NoError(t, err)
		imported, err := e.system.Import(svc)
		require.NoError(t, err)
		svc.Release()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = server.Close()
		}()
		e.manager.add(ctx, "flaky", imported)
		<-done

		assert.Eventually(t, func() bool {
			h := e.manager.get("flaky")
			if h != nil {
				h.Release()
				return false
			}
			return true
		}, time.Second, 5*time.Millisecond)
	}
}

func TestReplaceRegistration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	server, sm := e.attach(t, 1000)

	d := binder.NewDispatcher(server)
	first, err := d.NewHandle(echo{})
	require.NoError(t, err)
	defer first.Release()
	second, err := d.NewHandle(echo{})
	require.NoError(t, err)
	defer second.Release()

	require.NoError(t, sm.Register(ctx, "svc", first))
	require.NoError(t, sm.Register(ctx, "svc", second))

	h, err := sm.CheckPresence(ctx, "svc")
	require.NoError(t, err)
	defer h.Release()
	assert.True(t, h.Equal(second))
	assert.False(t, h.Equal(first))
}

func TestManagerDump(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	server, sm := e.attach(t, 1000)

	svc, err := binder.NewDispatcher(server).NewHandle(echo{})
	require.NoError(t, err)
	defer svc.Release()
	require.NoError(t, sm.Register(ctx, "b.svc", svc))
	require.NoError(t, sm.Register(ctx, "a.svc", svc))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, sm.Handle().Dump(ctx, int(w.Fd()), nil))
	require.NoError(t, w.Close())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "a.svc\nb.svc\n", string(out))
}

func TestClientRejectsWrongInterface(t *testing.T) {
	k := loopback.NewKernel()
	proc := k.NewProcess(0)
	defer proc.Close()

	h, err := binder.NewDispatcher(proc).NewHandle(echo{})
	require.NoError(t, err)
	defer h.Release()

	_, err = NewClient(context.Background(), h)
	assert.True(t, IsKind(err, Unavailable))
}
