package binder

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// Binder is implemented by local objects served through a Dispatcher.
type Binder interface {
	// InterfaceName returns the stable interface identifier of the type.
	InterfaceName() string
	// OnTransact handles a user transaction. reply is nil for one-way calls.
	// Returning a *status.Status reports its code; errors that carry only an
	// exception are reported as FailedTransaction.
	OnTransact(ctx context.Context, code uint32, data, reply *Parcel) error
}

// Dumper is implemented by objects that answer Dump requests.
type Dumper interface {
	OnDump(ctx context.Context, out io.Writer, args []string) error
}

// TokenHeaderDisabler lets an implementation opt out of the interface token
// that otherwise prefixes every user transaction.
type TokenHeaderDisabler interface {
	DisableInterfaceTokenHeader() bool
}

// TransactionObserver receives one observation per dispatched transaction.
type TransactionObserver interface {
	ObserveTransaction(iface string, code uint32, outcome status.Code, elapsed time.Duration)
}

// Dispatcher registers Binder implementations as driver classes and turns
// vtable callbacks into method calls.
type Dispatcher struct {
	driver   Driver
	classes  sync.Map // reflect.Type -> *ClassDescriptor
	logger   *zap.Logger
	observer TransactionObserver
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for handler panics and close failures.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithObserver sets the transaction observer.
func WithObserver(o TransactionObserver) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// NewDispatcher creates a dispatcher on top of driver.
func NewDispatcher(driver Driver, opts ...Option) *Dispatcher {
	d := &Dispatcher{driver: driver, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Driver returns the underlying driver.
func (d *Dispatcher) Driver() Driver {
	return d.driver
}

// Register returns the class for impl's concrete type, registering it on
// first use. Concurrent first registrations resolve to a single class.
func (d *Dispatcher) Register(impl Binder) *ClassDescriptor {
	typ := reflect.TypeOf(impl)
	if v, ok := d.classes.Load(typ); ok {
		return v.(*ClassDescriptor)
	}
	name := impl.InterfaceName()
	token := true
	if dis, ok := impl.(TokenHeaderDisabler); ok && dis.DisableInterfaceTokenHeader() {
		token = false
	}
	class := NewClass(name, token, VTable{
		Create:  func(args any) any { return args },
		Destroy: d.onDestroy,
		Transact: func(ctx context.Context, userData any, code uint32, data, reply *Parcel) status.Code {
			return d.onTransact(ctx, name, token, userData, code, data, reply)
		},
		Dump: d.onDump,
	})
	actual, _ := d.classes.LoadOrStore(typ, class)
	return actual.(*ClassDescriptor)
}

// NewHandle instantiates impl as a local object and returns a handle to it.
func (d *Dispatcher) NewHandle(impl Binder) (*Handle, error) {
	class := d.Register(impl)
	obj, c := d.driver.NewObject(class, impl)
	if c != status.Ok {
		return nil, status.FromCode(c)
	}
	if obj == nil {
		panic("binder: driver returned nil object")
	}
	return newHandle(obj), nil
}

func (d *Dispatcher) onDestroy(userData any) {
	closer, ok := userData.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		d.logger.Warn("Binder close failed", zap.Error(err))
	}
}

func (d *Dispatcher) onTransact(ctx context.Context, name string, token bool, userData any, code uint32, data, reply *Parcel) (outcome status.Code) {
	if data == nil {
		return status.BadValue
	}
	start := time.Now()
	if d.observer != nil {
		defer func() {
			d.observer.ObserveTransaction(name, code, outcome, time.Since(start))
		}()
	}

	switch code {
	case PingTransaction:
		return status.Ok
	case InterfaceTransaction:
		if reply != nil {
			if err := reply.WriteString(name); err != nil {
				return status.CodeOf(err)
			}
		}
		return status.Ok
	}

	impl, ok := userData.(Binder)
	if !ok {
		return status.UnknownTransaction
	}
	if token && IsUserCode(code) {
		if err := enforceInterface(data, name); err != nil {
			d.logger.Debug("Interface token rejected",
				zap.String("interface", name),
				zap.Uint32("code", code),
				zap.Error(err))
			return status.BadType
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Binder transaction panicked",
				zap.String("interface", name),
				zap.Uint32("code", code),
				zap.Any("panic", r))
			outcome = status.UnknownError
		}
	}()
	return outcomeOf(impl.OnTransact(ctx, code, data, reply))
}

func (d *Dispatcher) onDump(ctx context.Context, userData any, fd int, args []string) (outcome status.Code) {
	dumper, ok := userData.(Dumper)
	if !ok {
		return status.UnknownTransaction
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Binder dump panicked", zap.Any("panic", r))
			outcome = status.UnknownError
		}
	}()
	return outcomeOf(dumper.OnDump(ctx, fdWriter(fd), args))
}

// outcomeOf maps a handler error onto the raw code returned to the driver.
func outcomeOf(err error) status.Code {
	if err == nil {
		return status.Ok
	}
	st := status.Convert(err)
	if st.IsOk() {
		return status.Ok
	}
	if c := st.Code(); c != status.Ok {
		return c
	}
	return status.FailedTransaction
}

// fdWriter writes to a descriptor it does not own.
type fdWriter int

func (w fdWriter) Write(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := unix.Write(int(w), b[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("write fd %d: %w", int(w), err)
		}
		n += m
	}
	return n, nil
}
