package loopback

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// DefaultPoolSize is the number of transactions a process serves at once.
const DefaultPoolSize = 16

// Observer receives node lifecycle events.
type Observer interface {
	NodeCreated()
	NodeDestroyed()
	DeathDelivered()
}

type nopObserver struct{}

func (nopObserver) NodeCreated()    {}
func (nopObserver) NodeDestroyed()  {}
func (nopObserver) DeathDelivered() {}

// Kernel routes transactions between the processes attached to it.
type Kernel struct {
	mu       sync.Mutex
	procs    map[int32]*Process
	nextPid  atomic.Int32
	nextNode atomic.Uint64
	poolSize int64
	logger   *zap.Logger
	observer Observer

	ctxMgr *node
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) {
		k.logger = l
	}
}

// WithPoolSize bounds how many incoming transactions each process handles
// concurrently.
func WithPoolSize(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.poolSize = int64(n)
		}
	}
}

// WithObserver sets the node lifecycle observer.
func WithObserver(o Observer) Option {
	return func(k *Kernel) {
		k.observer = o
	}
}

// NewKernel creates an empty kernel.
func NewKernel(opts ...Option) *Kernel {
	k := &Kernel{
		procs:    make(map[int32]*Process),
		poolSize: DefaultPoolSize,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	k.nextPid.Store(99)
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewProcess attaches a process running as uid.
func (k *Kernel) NewProcess(uid uint32) *Process {
	p := &Process{
		kernel: k,
		pid:    k.nextPid.Add(1),
		uid:    uid,
		refs:   make(map[*node]*ref),
		nodes:  make(map[*node]struct{}),
		pool:   semaphore.NewWeighted(k.poolSize),
	}
	k.mu.Lock()
	k.procs[p.pid] = p
	k.mu.Unlock()
	k.logger.Debug("Process attached", zap.Int32("pid", p.pid), zap.Uint32("uid", uid))
	return p
}

// Process is one participant attached to a Kernel. It implements
// binder.Driver: objects it creates are owned by it, and objects it receives
// from other processes appear as proxies.
type Process struct {
	kernel *Kernel
	pid    int32
	uid    uint32
	pool   *semaphore.Weighted

	mu    sync.Mutex
	refs  map[*node]*ref
	nodes map[*node]struct{}
	dead  bool
}

var _ binder.Driver = (*Process)(nil)

// Pid returns the process identifier reported to callees.
func (p *Process) Pid() int32 { return p.pid }

// Uid returns the user identifier reported to callees.
func (p *Process) Uid() uint32 { return p.uid }

func (p *Process) caller() binder.Caller {
	return binder.Caller{Pid: p.pid, Uid: p.uid}
}

// NewObject creates a local object owned by p.
func (p *Process) NewObject(class *binder.ClassDescriptor, args any) (binder.Object, status.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, status.DeadObject
	}
	n := &node{
		id:       p.kernel.nextNode.Add(1),
		owner:    p,
		class:    class,
		userData: class.Create(args),
		strong:   1,
		links:    make(map[binder.DeathNotifier]*ref),
	}
	p.nodes[n] = struct{}{}
	p.kernel.observer.NodeCreated()
	return n, status.Ok
}

// refFor returns p's proxy for n with one new strong reference, creating
// the proxy on first use.
func (p *Process) refFor(n *node) (*ref, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, false
	}
	if r, ok := p.refs[n]; ok {
		r.count++
		return r, true
	}
	if !n.acquire() {
		return nil, false
	}
	r := &ref{proc: p, node: n, count: 1}
	p.refs[n] = r
	return r, true
}

// objectFor returns obj as seen from p with one new strong reference.
// Objects of other drivers are the same in every process and pass through.
func (p *Process) objectFor(obj binder.Object) (binder.Object, bool) {
	n := nodeOf(obj)
	if n == nil {
		if obj == nil || !obj.IsAlive() {
			return nil, false
		}
		obj.IncStrong()
		return obj, true
	}
	if n.owner == p {
		if !n.acquire() {
			return nil, false
		}
		return n, true
	}
	r, ok := p.refFor(n)
	if !ok {
		return nil, false
	}
	return r, true
}

// Close kills the process: its objects die, delivering death notifications
// to every linked proxy, and the references it held are dropped.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil
	}
	p.dead = true
	nodes := make([]*node, 0, len(p.nodes))
	for n := range p.nodes {
		nodes = append(nodes, n)
	}
	refs := make([]*ref, 0, len(p.refs))
	for _, r := range p.refs {
		r.detached = true
		refs = append(refs, r)
	}
	p.refs = make(map[*node]*ref)
	p.mu.Unlock()

	k := p.kernel
	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()

	for _, n := range nodes {
		for notifier, r := range n.kill() {
			notifier.BinderDied(r)
			k.observer.DeathDelivered()
		}
	}
	for _, r := range refs {
		r.node.release()
	}
	k.logger.Debug("Process detached",
		zap.Int32("pid", p.pid),
		zap.Int("nodes", len(nodes)),
		zap.Int("refs", len(refs)))
	return nil
}

func (p *Process) forgetNode(n *node) {
	p.mu.Lock()
	delete(p.nodes, n)
	p.mu.Unlock()
}

// NumProcesses returns the number of live processes.
func (k *Kernel) NumProcesses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// SetContextManager publishes h's object as the well-known entry point every
// process can reach through ContextManager. The object must be local to the
// process that owns h.
func (k *Kernel) SetContextManager(h *binder.Handle) error {
	defer runtime.KeepAlive(h)
	n, ok := h.Object().(*node)
	if !ok {
		return status.Newf(status.BadType, "context manager must be a local object")
	}
	if !n.acquire() {
		return status.FromCode(status.DeadObject)
	}
	k.mu.Lock()
	old := k.ctxMgr
	k.ctxMgr = n
	k.mu.Unlock()
	if old != nil {
		old.release()
	}
	return nil
}

// ContextManager returns p's handle to the context manager.
func (p *Process) ContextManager() (*binder.Handle, error) {
	k := p.kernel
	k.mu.Lock()
	n := k.ctxMgr
	k.mu.Unlock()
	if n == nil {
		return nil, status.FromCode(status.NameNotFound)
	}
	obj, ok := p.objectFor(n)
	if !ok {
		return nil, status.FromCode(status.DeadObject)
	}
	return binder.AdoptObject(obj), nil
}

// Import returns p's handle to the object behind h, as if h had been sent
// to p in a transaction.
func (p *Process) Import(h *binder.Handle) (*binder.Handle, error) {
	defer runtime.KeepAlive(h)
	obj, ok := p.objectFor(h.Object())
	if !ok {
		return nil, status.FromCode(status.DeadObject)
	}
	return binder.AdoptObject(obj), nil
}
