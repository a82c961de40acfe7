package binder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// countingObject is a driver object that only tracks its strong count and
// death registrations.
type countingObject struct {
	strong atomic.Int32

	mu    sync.Mutex
	links map[DeathNotifier]struct{}
}

func newCountingObject() *countingObject {
	o := &countingObject{links: make(map[DeathNotifier]struct{})}
	o.strong.Store(1)
	return o
}

func (o *countingObject) IncStrong() { o.strong.Add(1) }

func (o *countingObject) DecStrong() {
	if o.strong.Add(-1) < 0 {
		panic("countingObject: strong count underflow")
	}
}

func (o *countingObject) NewWeak() WeakObject { return nil }

func (o *countingObject) Ping(context.Context) status.Code { return status.Ok }

func (o *countingObject) IsAlive() bool { return true }

func (o *countingObject) IsRemote() bool { return true }

func (o *countingObject) Dump(context.Context, int, []string) status.Code { return status.Ok }

func (o *countingObject) PrepareTransaction() (*Parcel, status.Code) {
	return NewParcelFor(o), status.Ok
}

func (o *countingObject) Transact(_ context.Context, _ uint32, data *Parcel, _ Flags) (*Parcel, status.Code) {
	_ = data.Recycle()
	return nil, status.Ok
}

func (o *countingObject) LinkToDeath(n DeathNotifier) status.Code {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links[n] = struct{}{}
	return status.Ok
}

func (o *countingObject) UnlinkToDeath(n DeathNotifier) status.Code {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.links[n]; !ok {
		return status.NameNotFound
	}
	delete(o.links, n)
	return status.Ok
}

func (o *countingObject) Class() *ClassDescriptor { return nil }

func (o *countingObject) UserData() any { return nil }

// die notifies every registration twice, the way a driver may when a death
// is observed on more than one path.
func (o *countingObject) die() {
	o.mu.Lock()
	links := make([]DeathNotifier, 0, len(o.links))
	for n := range o.links {
		links = append(links, n)
	}
	o.mu.Unlock()
	for _, n := range links {
		n.BinderDied(o)
		n.BinderDied(o)
	}
}

func TestDeathLinkFiresOnce(t *testing.T) {
	obj := newCountingObject()
	h := AdoptObject(obj)
	defer h.Release()

	var fired atomic.Int32
	link, err := LinkToDeathFunc(h, func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, int32(2), obj.strong.Load())

	obj.die()
	obj.die()

	select {
	case <-link.Done():
	default:
		t.Fatal("death notification not delivered")
	}
	assert.Equal(t, int32(1), fired.Load())

	require.NoError(t, link.Close())
	assert.Equal(t, int32(1), obj.strong.Load())
}

func TestWriteStrongBinderReleasesOnFailure(t *testing.T) {
	obj := newCountingObject()
	h := AdoptObject(obj)
	defer h.Release()

	p := NewParcel()
	p.st.pos = maxParcelSize - 1
	err := p.WriteStrongBinder(h)
	assert.Equal(t, status.NoMemory, status.CodeOf(err))
	assert.False(t, p.HasObjects())
	assert.Equal(t, int32(1), obj.strong.Load())

	require.NoError(t, p.Recycle())
	assert.Equal(t, int32(1), obj.strong.Load())
}

func TestTransactKeepsHandleReference(t *testing.T) {
	obj := newCountingObject()
	h := AdoptObject(obj)

	require.NoError(t, h.Transact(context.Background(), FirstCallTransaction, nil, nil))
	assert.Equal(t, int32(1), obj.strong.Load())

	h.Release()
	assert.Equal(t, int32(0), obj.strong.Load())
	assert.Equal(t, status.InvalidOperation, status.CodeOf(h.Ping(context.Background())))
}
