package binder

import (
	"math"
	"unicode/utf8"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// absentLength marks a null array or string on the wire.
const absentLength int32 = -1

func (p *Parcel) writeLength(n int) error {
	if n > math.MaxInt32 {
		return status.Newf(status.BadValue, "length %d overflows int32", n)
	}
	return p.WriteInt32(int32(n))
}

// readLength reads a length prefix. present is false for the absent marker.
func (p *Parcel) readLength() (n int, present bool, err error) {
	raw, err := p.ReadInt32()
	if err != nil {
		return 0, false, err
	}
	switch {
	case raw == absentLength:
		return 0, false, nil
	case raw < absentLength:
		return 0, false, status.Newf(status.BadValue, "negative length %d", raw)
	}
	return int(raw), true, nil
}

func writeScalarArray[T scalar](p *Parcel, values []T) error {
	if values == nil {
		return p.WriteInt32(absentLength)
	}
	if len(values) > math.MaxInt32 {
		return status.Newf(status.BadValue, "array length %d overflows int32", len(values))
	}
	width := sizeOf[T]()
	b, err := p.reserve(4 + len(values)*width)
	if err != nil {
		return err
	}
	putScalar(b, int32(len(values)))
	for i, v := range values {
		putScalar(b[4+i*width:], v)
	}
	return nil
}

func readScalarArray[T scalar](p *Parcel) ([]T, error) {
	n, present, err := p.readLength()
	if err != nil || !present {
		return nil, err
	}
	width := sizeOf[T]()
	if n > p.DataAvail()/width {
		return nil, status.Newf(status.NotEnoughData, "array of %d elements exceeds %d remaining bytes", n, p.DataAvail())
	}
	b, err := p.consume(n * width)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		out[i] = getScalar[T](b[i*width:])
	}
	return out, nil
}

// Arrays are written as an int32 element count followed by the elements. A
// nil slice is written as the absent marker and read back as nil; a non-nil
// empty slice round-trips as present and empty.

// WriteBoolArray writes a bool array; nil is written as absent.
func (p *Parcel) WriteBoolArray(v []bool) error {
	return writeScalarArray(p, v)
}

// WriteInt8Array writes an int8 array; nil is written as absent.
func (p *Parcel) WriteInt8Array(v []int8) error {
	return writeScalarArray(p, v)
}

// WriteUint8Array writes a uint8 array; nil is written as absent.
func (p *Parcel) WriteUint8Array(v []uint8) error {
	return writeScalarArray(p, v)
}

// WriteInt16Array writes an int16 array; nil is written as absent.
func (p *Parcel) WriteInt16Array(v []int16) error {
	return writeScalarArray(p, v)
}

// WriteUint16Array writes a uint16 array; nil is written as absent.
func (p *Parcel) WriteUint16Array(v []uint16) error {
	return writeScalarArray(p, v)
}

// WriteInt32Array writes an int32 array; nil is written as absent.
func (p *Parcel) WriteInt32Array(v []int32) error {
	return writeScalarArray(p, v)
}

// WriteUint32Array writes a uint32 array; nil is written as absent.
func (p *Parcel) WriteUint32Array(v []uint32) error {
	return writeScalarArray(p, v)
}

// WriteInt64Array writes an int64 array; nil is written as absent.
func (p *Parcel) WriteInt64Array(v []int64) error {
	return writeScalarArray(p, v)
}

// WriteUint64Array writes a uint64 array; nil is written as absent.
func (p *Parcel) WriteUint64Array(v []uint64) error {
	return writeScalarArray(p, v)
}

// WriteFloat32Array writes a float32 array; nil is written as absent.
func (p *Parcel) WriteFloat32Array(v []float32) error {
	return writeScalarArray(p, v)
}

// WriteFloat64Array writes a float64 array; nil is written as absent.
func (p *Parcel) WriteFloat64Array(v []float64) error {
	return writeScalarArray(p, v)
}

// ReadBoolArray reads a bool array, returning nil when absent.
func (p *Parcel) ReadBoolArray() ([]bool, error) {
	return readScalarArray[bool](p)
}

// ReadInt8Array reads an int8 array, returning nil when absent.
func (p *Parcel) ReadInt8Array() ([]int8, error) {
	return readScalarArray[int8](p)
}

// ReadUint8Array reads a uint8 array, returning nil when absent.
func (p *Parcel) ReadUint8Array() ([]uint8, error) {
	return readScalarArray[uint8](p)
}

// ReadInt16Array reads an int16 array, returning nil when absent.
func (p *Parcel) ReadInt16Array() ([]int16, error) {
	return readScalarArray[int16](p)
}

// ReadUint16Array reads a uint16 array, returning nil when absent.
func (p *Parcel) ReadUint16Array() ([]uint16, error) {
	return readScalarArray[uint16](p)
}

// ReadInt32Array reads an int32 array, returning nil when absent.
func (p *Parcel) ReadInt32Array() ([]int32, error) {
	return readScalarArray[int32](p)
}

// ReadUint32Array reads a uint32 array, returning nil when absent.
func (p *Parcel) ReadUint32Array() ([]uint32, error) {
	return readScalarArray[uint32](p)
}

// ReadInt64Array reads an int64 array, returning nil when absent.
func (p *Parcel) ReadInt64Array() ([]int64, error) {
	return readScalarArray[int64](p)
}

// ReadUint64Array reads a uint64 array, returning nil when absent.
func (p *Parcel) ReadUint64Array() ([]uint64, error) {
	return readScalarArray[uint64](p)
}

// ReadFloat32Array reads a float32 array, returning nil when absent.
func (p *Parcel) ReadFloat32Array() ([]float32, error) {
	return readScalarArray[float32](p)
}

// ReadFloat64Array reads a float64 array, returning nil when absent.
func (p *Parcel) ReadFloat64Array() ([]float64, error) {
	return readScalarArray[float64](p)
}

// WriteArray writes a length-prefixed array using write for each element.
// A nil slice is written as absent.
func WriteArray[T any](p *Parcel, values []T, write func(*Parcel, T) error) error {
	if values == nil {
		return p.WriteInt32(absentLength)
	}
	if err := p.writeLength(len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := write(p, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadArray reads an array written by WriteArray. An absent array yields nil.
func ReadArray[T any](p *Parcel, read func(*Parcel) (T, error)) ([]T, error) {
	n, present, err := p.readLength()
	if err != nil || !present {
		return nil, err
	}
	out := make([]T, 0, min(n, p.DataAvail()))
	for range n {
		v, err := read(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteString writes a present UTF-8 string.
func (p *Parcel) WriteString(s string) error {
	return p.writeBytes([]byte(s))
}

// WriteNullableString writes s, or the absent marker when s is nil.
func (p *Parcel) WriteNullableString(s *string) error {
	if s == nil {
		return p.WriteInt32(absentLength)
	}
	return p.WriteString(*s)
}

func (p *Parcel) writeBytes(b []byte) error {
	if len(b) > math.MaxInt32 {
		return status.Newf(status.BadValue, "string length %d overflows int32", len(b))
	}
	dst, err := p.reserve(4 + len(b))
	if err != nil {
		return err
	}
	putScalar(dst, int32(len(b)))
	copy(dst[4:], b)
	return nil
}

// readBytes reads a length-prefixed byte run without validating it.
func (p *Parcel) readBytes() ([]byte, bool, error) {
	n, present, err := p.readLength()
	if err != nil || !present {
		return nil, false, err
	}
	b, err := p.consume(n)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// ReadNullableString reads a string that may be absent. Invalid UTF-8 fails
// with BadValue.
func (p *Parcel) ReadNullableString() (*string, error) {
	b, present, err := p.readBytes()
	if err != nil || !present {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, status.Newf(status.BadValue, "string is not valid UTF-8")
	}
	s := string(b)
	return &s, nil
}

// ReadString reads a string that must be present; an absent one fails with
// UnexpectedNull.
func (p *Parcel) ReadString() (string, error) {
	s, err := p.ReadNullableString()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", status.FromCode(status.UnexpectedNull)
	}
	return *s, nil
}

// WriteStringArray writes an array whose elements may individually be absent.
func (p *Parcel) WriteStringArray(values []*string) error {
	return WriteArray(p, values, (*Parcel).WriteNullableString)
}

// ReadStringArray reads an array written by WriteStringArray.
func (p *Parcel) ReadStringArray() ([]*string, error) {
	return ReadArray(p, (*Parcel).ReadNullableString)
}
