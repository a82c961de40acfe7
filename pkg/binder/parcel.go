package binder

import (
	"encoding/binary"
	"math"
	"runtime"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// maxParcelSize bounds a single parcel's payload.
const maxParcelSize = math.MaxInt32

// store is the storage behind a Parcel and every view borrowed from it.
type store struct {
	data     []byte
	pos      int
	objects  []FlatObject
	target   Object
	sealed   bool
	released bool
}

// release drops every reference and descriptor held by the object table.
func (st *store) release() error {
	var errs error
	for _, o := range st.objects {
		switch o.Kind {
		case KindBinder:
			if o.Binder != nil {
				o.Binder.DecStrong()
			}
		case KindFileDescriptor:
			if o.FD >= 0 {
				errs = multierr.Append(errs, unix.Close(o.FD))
			}
		}
	}
	st.objects = nil
	return errs
}

// Parcel is a position-addressable buffer carrying transaction arguments and
// replies: primitives, arrays, strings, capabilities, file descriptors and
// status headers.
//
// A Parcel is either owned (NewParcel, ParcelFromRaw) or a view borrowed from
// a driver for the duration of a transaction. Views must not be retained once
// the callback that received them returns. A Parcel is not safe for
// concurrent use.
type Parcel struct {
	st       *store
	borrowed bool
	readOnly bool
	cleanup  runtime.Cleanup
}

// NewParcel returns an empty owned parcel.
func NewParcel() *Parcel {
	return newOwnedParcel(&store{})
}

// NewParcelFor returns an empty owned parcel bound to target. Drivers use it
// to implement PrepareTransaction.
func NewParcelFor(target Object) *Parcel {
	return newOwnedParcel(&store{target: target})
}

func newOwnedParcel(st *store) *Parcel {
	p := &Parcel{st: st}
	p.cleanup = runtime.AddCleanup(p, func(st *store) {
		if !st.released {
			st.released = true
			_ = st.release()
		}
	}, st)
	return p
}

// Borrow returns a writable view over the same storage. Recycling a view is
// a no-op; the owner stays responsible for the storage.
func (p *Parcel) Borrow() *Parcel {
	return &Parcel{st: p.st, borrowed: true}
}

// BorrowReadOnly returns a view that rejects writes.
func (p *Parcel) BorrowReadOnly() *Parcel {
	return &Parcel{st: p.st, borrowed: true, readOnly: true}
}

// IsBorrowed reports whether p is a view over driver-owned storage.
func (p *Parcel) IsBorrowed() bool {
	return p.borrowed
}

// Target returns the object this parcel was prepared for, if any.
func (p *Parcel) Target() Object {
	return p.st.target
}

// Seal marks the storage as belonging to a completed transaction. Every
// later write through any view fails with InvalidOperation.
func (p *Parcel) Seal() {
	p.st.sealed = true
}

// Recycle releases the references and descriptors held by an owned parcel
// and empties it. It is a no-op on borrowed views.
func (p *Parcel) Recycle() error {
	if p.borrowed || p.st.released {
		return nil
	}
	p.cleanup.Stop()
	p.st.released = true
	err := p.st.release()
	p.st.data = nil
	p.st.pos = 0
	p.st.sealed = true
	return err
}

// Reset empties the parcel, releasing held objects, and leaves it writable.
func (p *Parcel) Reset() {
	if p.readOnly || p.st.released {
		return
	}
	_ = p.st.release()
	p.st.data = p.st.data[:0]
	p.st.pos = 0
	p.st.sealed = false
}

// DataSize returns the number of payload bytes.
func (p *Parcel) DataSize() int {
	return len(p.st.data)
}

// DataPosition returns the read/write cursor.
func (p *Parcel) DataPosition() int {
	return p.st.pos
}

// DataAvail returns the number of bytes between the cursor and the end.
func (p *Parcel) DataAvail() int {
	return len(p.st.data) - p.st.pos
}

// SetDataPosition moves the cursor. Positions outside [0, DataSize] fail
// with BadValue.
func (p *Parcel) SetDataPosition(pos int) error {
	if pos < 0 || pos > len(p.st.data) {
		return status.Newf(status.BadValue, "data position %d outside [0, %d]", pos, len(p.st.data))
	}
	p.st.pos = pos
	return nil
}

func (p *Parcel) writable() error {
	if p.readOnly || p.st.sealed || p.st.released {
		return status.FromCode(status.InvalidOperation)
	}
	return nil
}

// reserve returns n writable bytes at the cursor, growing the payload as
// needed, and advances the cursor past them.
func (p *Parcel) reserve(n int) ([]byte, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	st := p.st
	end := st.pos + n
	if n < 0 || end > maxParcelSize || end < st.pos {
		return nil, status.FromCode(status.NoMemory)
	}
	if end > len(st.data) {
		if end > cap(st.data) {
			grown := make([]byte, end, max(end, 2*cap(st.data), 64))
			copy(grown, st.data)
			st.data = grown
		} else {
			st.data = st.data[:end]
		}
	}
	b := st.data[st.pos:end]
	st.pos = end
	return b, nil
}

// consume returns the next n bytes and advances the cursor past them.
func (p *Parcel) consume(n int) ([]byte, error) {
	if n < 0 {
		return nil, status.FromCode(status.BadValue)
	}
	st := p.st
	if n > len(st.data)-st.pos {
		return nil, status.FromCode(status.NotEnoughData)
	}
	b := st.data[st.pos : st.pos+n]
	st.pos += n
	return b, nil
}

type scalar interface {
	bool | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

func sizeOf[T scalar]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

func putScalar[T scalar](b []byte, v T) {
	switch x := any(v).(type) {
	case bool:
		b[0] = 0
		if x {
			b[0] = 1
		}
	case int8:
		b[0] = byte(x)
	case uint8:
		b[0] = x
	case int16:
		binary.NativeEndian.PutUint16(b, uint16(x))
	case uint16:
		binary.NativeEndian.PutUint16(b, x)
	case int32:
		binary.NativeEndian.PutUint32(b, uint32(x))
	case uint32:
		binary.NativeEndian.PutUint32(b, x)
	case int64:
		binary.NativeEndian.PutUint64(b, uint64(x))
	case uint64:
		binary.NativeEndian.PutUint64(b, x)
	case float32:
		binary.NativeEndian.PutUint32(b, math.Float32bits(x))
	case float64:
		binary.NativeEndian.PutUint64(b, math.Float64bits(x))
	}
}

func getScalar[T scalar](b []byte) T {
	var v T
	switch p := any(&v).(type) {
	case *bool:
		*p = b[0] != 0
	case *int8:
		*p = int8(b[0])
	case *uint8:
		*p = b[0]
	case *int16:
		*p = int16(binary.NativeEndian.Uint16(b))
	case *uint16:
		*p = binary.NativeEndian.Uint16(b)
	case *int32:
		*p = int32(binary.NativeEndian.Uint32(b))
	case *uint32:
		*p = binary.NativeEndian.Uint32(b)
	case *int64:
		*p = int64(binary.NativeEndian.Uint64(b))
	case *uint64:
		*p = binary.NativeEndian.Uint64(b)
	case *float32:
		*p = math.Float32frombits(binary.NativeEndian.Uint32(b))
	case *float64:
		*p = math.Float64frombits(binary.NativeEndian.Uint64(b))
	}
	return v
}

func writeScalar[T scalar](p *Parcel, v T) error {
	b, err := p.reserve(sizeOf[T]())
	if err != nil {
		return err
	}
	putScalar(b, v)
	return nil
}

func readScalar[T scalar](p *Parcel) (T, error) {
	b, err := p.consume(sizeOf[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	return getScalar[T](b), nil
}

// WriteBool appends a bool at the cursor.
func (p *Parcel) WriteBool(v bool) error {
	return writeScalar(p, v)
}

// WriteInt8 appends an int8 at the cursor.
func (p *Parcel) WriteInt8(v int8) error {
	return writeScalar(p, v)
}

// WriteUint8 appends a uint8 at the cursor.
func (p *Parcel) WriteUint8(v uint8) error {
	return writeScalar(p, v)
}

// WriteInt16 appends an int16 at the cursor.
func (p *Parcel) WriteInt16(v int16) error {
	return writeScalar(p, v)
}

// WriteUint16 appends a uint16 at the cursor.
func (p *Parcel) WriteUint16(v uint16) error {
	return writeScalar(p, v)
}

// WriteInt32 appends an int32 at the cursor.
func (p *Parcel) WriteInt32(v int32) error {
	return writeScalar(p, v)
}

// WriteUint32 appends a uint32 at the cursor.
func (p *Parcel) WriteUint32(v uint32) error {
	return writeScalar(p, v)
}

// WriteInt64 appends an int64 at the cursor.
func (p *Parcel) WriteInt64(v int64) error {
	return writeScalar(p, v)
}

// WriteUint64 appends a uint64 at the cursor.
func (p *Parcel) WriteUint64(v uint64) error {
	return writeScalar(p, v)
}

// WriteFloat32 appends a float32 at the cursor.
func (p *Parcel) WriteFloat32(v float32) error {
	return writeScalar(p, v)
}

// WriteFloat64 appends a float64 at the cursor.
func (p *Parcel) WriteFloat64(v float64) error {
	return writeScalar(p, v)
}

// ReadBool reads a bool at the cursor.
func (p *Parcel) ReadBool() (bool, error) {
	return readScalar[bool](p)
}

// ReadInt8 reads an int8 at the cursor.
func (p *Parcel) ReadInt8() (int8, error) {
	return readScalar[int8](p)
}

// ReadUint8 reads a uint8 at the cursor.
func (p *Parcel) ReadUint8() (uint8, error) {
	return readScalar[uint8](p)
}

// ReadInt16 reads an int16 at the cursor.
func (p *Parcel) ReadInt16() (int16, error) {
	return readScalar[int16](p)
}

// ReadUint16 reads a uint16 at the cursor.
func (p *Parcel) ReadUint16() (uint16, error) {
	return readScalar[uint16](p)
}

// ReadInt32 reads an int32 at the cursor.
func (p *Parcel) ReadInt32() (int32, error) {
	return readScalar[int32](p)
}

// ReadUint32 reads a uint32 at the cursor.
func (p *Parcel) ReadUint32() (uint32, error) {
	return readScalar[uint32](p)
}

// ReadInt64 reads an int64 at the cursor.
func (p *Parcel) ReadInt64() (int64, error) {
	return readScalar[int64](p)
}

// ReadUint64 reads a uint64 at the cursor.
func (p *Parcel) ReadUint64() (uint64, error) {
	return readScalar[uint64](p)
}

// ReadFloat32 reads a float32 at the cursor.
func (p *Parcel) ReadFloat32() (float32, error) {
	return readScalar[float32](p)
}

// ReadFloat64 reads a float64 at the cursor.
func (p *Parcel) ReadFloat64() (float64, error) {
	return readScalar[float64](p)
}
