package binder

import (
	"io"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

func rewind(t *testing.T, p *Parcel) {
	t.Helper()
	require.NoError(t, p.SetDataPosition(0))
}

func TestParcelPrimitives(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	require.NoError(t, p.WriteBool(true))
	require.NoError(t, p.WriteInt8(-8))
	require.NoError(t, p.WriteUint8(200))
	require.NoError(t, p.WriteInt16(math.MinInt16))
	require.NoError(t, p.WriteUint16(math.MaxUint16))
	require.NoError(t, p.WriteInt32(-123456))
	require.NoError(t, p.WriteUint32(math.MaxUint32))
	require.NoError(t, p.WriteInt64(math.MinInt64))
	require.NoError(t, p.WriteUint64(math.MaxUint64))
	require.NoError(t, p.WriteFloat32(1.5))
	require.NoError(t, p.WriteFloat64(math.Pi))
	rewind(t, p)

	b, _ := p.ReadBool()
	assert.True(t, b)
	i8, _ := p.ReadInt8()
	assert.Equal(t, int8(-8), i8)
	u8, _ := p.ReadUint8()
	assert.Equal(t, uint8(200), u8)
	i16, _ := p.ReadInt16()
	assert.Equal(t, int16(math.MinInt16), i16)
	u16, _ := p.ReadUint16()
	assert.Equal(t, uint16(math.MaxUint16), u16)
	i32, _ := p.ReadInt32()
	assert.Equal(t, int32(-123456), i32)
	u32, _ := p.ReadUint32()
	assert.Equal(t, uint32(math.MaxUint32), u32)
	i64, _ := p.ReadInt64()
	assert.Equal(t, int64(math.MinInt64), i64)
	u64, _ := p.ReadUint64()
	assert.Equal(t, uint64(math.MaxUint64), u64)
	f32, _ := p.ReadFloat32()
	assert.Equal(t, float32(1.5), f32)
	f64, err := p.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, math.Pi, f64)

	assert.Equal(t, 0, p.DataAvail())
	_, err = p.ReadInt32()
	assert.Equal(t, status.NotEnoughData, status.CodeOf(err))
}

func TestParcelArraysAbsentVersusEmpty(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	require.NoError(t, p.WriteInt32Array(nil))
	require.NoError(t, p.WriteInt32Array([]int32{}))
	require.NoError(t, p.WriteInt32Array([]int32{1, -2, 3}))
	require.NoError(t, p.WriteBoolArray([]bool{true, false}))
	rewind(t, p)

	absent, err := p.ReadInt32Array()
	require.NoError(t, err)
	assert.Nil(t, absent)

	empty, err := p.ReadInt32Array()
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	values, err := p.ReadInt32Array()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -2, 3}, values)

	bools, err := p.ReadBoolArray()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, bools)
}

func TestParcelArrayLengthExceedsData(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	require.NoError(t, p.WriteInt32(math.MaxInt32))
	rewind(t, p)
	_, err := p.ReadInt64Array()
	assert.Equal(t, status.NotEnoughData, status.CodeOf(err))

	p.Reset()
	require.NoError(t, p.WriteInt32(-5))
	rewind(t, p)
	_, err = p.ReadUint8Array()
	assert.Equal(t, status.BadValue, status.CodeOf(err))
}

func TestParcelStrings(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	hello := "héllo"
	require.NoError(t, p.WriteString(hello))
	require.NoError(t, p.WriteNullableString(nil))
	require.NoError(t, p.WriteNullableString(nil))
	require.NoError(t, p.WriteStringArray([]*string{&hello, nil}))
	require.NoError(t, p.writeBytes([]byte{0xff, 0xfe}))
	rewind(t, p)

	s, err := p.ReadString()
	require.NoError(t, err)
	assert.Equal(t, hello, s)

	ns, err := p.ReadNullableString()
	require.NoError(t, err)
	assert.Nil(t, ns)

	_, err = p.ReadString()
	assert.Equal(t, status.UnexpectedNull, status.CodeOf(err))

	arr, err := p.ReadStringArray()
	require.NoError(t, err)
	require.Len(t, arr, 2)
	assert.Equal(t, hello, *arr[0])
	assert.Nil(t, arr[1])

	_, err = p.ReadString()
	assert.Equal(t, status.BadValue, status.CodeOf(err))
}

func TestParcelGenericArray(t *testing.T) {
	type point struct{ x, y int32 }
	write := func(p *Parcel, v point) error {
		if err := p.WriteInt32(v.x); err != nil {
			return err
		}
		return p.WriteInt32(v.y)
	}
	read := func(p *Parcel) (point, error) {
		x, err := p.ReadInt32()
		if err != nil {
			return point{}, err
		}
		y, err := p.ReadInt32()
		return point{x, y}, err
	}

	p := NewParcel()
	defer p.Recycle()
	require.NoError(t, WriteArray(p, []point{{1, 2}, {3, 4}}, write))
	rewind(t, p)

	got, err := ReadArray(p, read)
	require.NoError(t, err)
	assert.Equal(t, []point{{1, 2}, {3, 4}}, got)
}

func TestParcelSetDataPosition(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()
	require.NoError(t, p.WriteInt64(7))

	assert.NoError(t, p.SetDataPosition(8))
	assert.Equal(t, status.BadValue, status.CodeOf(p.SetDataPosition(9)))
	assert.Equal(t, status.BadValue, status.CodeOf(p.SetDataPosition(-1)))
}

func TestParcelStatusHeader(t *testing.T) {
	tests := []struct {
		name   string
		status func(t *testing.T) *status.Status
	}{
		{name: "ok", status: func(*testing.T) *status.Status { return status.FromCode(status.Ok) }},
		{name: "exception with message", status: func(t *testing.T) *status.Status {
			s, err := status.FromExceptionWithMessage(status.IllegalArgument, "bad name")
			require.NoError(t, err)
			return s
		}},
		{name: "exception without message", status: func(*testing.T) *status.Status {
			return status.FromException(status.Security)
		}},
		{name: "service specific", status: func(t *testing.T) *status.Status {
			s, err := status.FromServiceSpecificErrorWithMessage(42, "quota")
			require.NoError(t, err)
			return s
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.status(t)
			p := NewParcel()
			defer p.Recycle()

			require.NoError(t, p.WriteStatus(want))
			require.NoError(t, p.WriteInt32(99))
			rewind(t, p)

			got, err := p.ReadStatus()
			require.NoError(t, err)
			assert.Equal(t, want.Exception(), got.Exception())
			assert.Equal(t, want.ServiceSpecificError(), got.ServiceSpecificError())
			assert.Equal(t, want.RawMessage(), got.RawMessage())

			trailer, err := p.ReadInt32()
			require.NoError(t, err)
			assert.Equal(t, int32(99), trailer)
		})
	}
}

func TestParcelWriteTransactionFailedStatus(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	err := p.WriteStatus(status.FromCode(status.BadValue))
	assert.Equal(t, status.BadValue, status.CodeOf(err))
	assert.Equal(t, 0, p.DataSize())
}

func TestParcelStatusReplyHeader(t *testing.T) {
	p := NewParcel()
	defer p.Recycle()

	require.NoError(t, p.WriteInt32(status.RawHasReplyHeader))
	require.NoError(t, p.WriteInt32(12))
	require.NoError(t, p.WriteInt64(0))
	require.NoError(t, p.WriteInt32(5))
	rewind(t, p)

	st, err := p.ReadStatus()
	require.NoError(t, err)
	assert.True(t, st.IsOk())

	v, err := p.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
}

func TestParcelBorrowedViews(t *testing.T) {
	owner := NewParcel()
	require.NoError(t, owner.WriteInt32(1))

	ro := owner.BorrowReadOnly()
	assert.Equal(t, status.InvalidOperation, status.CodeOf(ro.WriteInt32(2)))

	view := owner.Borrow()
	require.NoError(t, view.WriteInt32(2))
	assert.Equal(t, 8, owner.DataSize())

	require.NoError(t, view.Recycle())
	assert.Equal(t, 8, owner.DataSize())

	owner.Seal()
	assert.Equal(t, status.InvalidOperation, status.CodeOf(view.WriteInt32(3)))
	require.NoError(t, owner.Recycle())
}

func TestParcelMarshal(t *testing.T) {
	src := NewParcel()
	defer src.Recycle()
	require.NoError(t, src.WriteInt32(10))
	require.NoError(t, src.WriteString("abc"))

	buf := make([]byte, src.DataSize())
	require.NoError(t, src.Marshal(buf, 0))
	assert.Equal(t, status.BadValue, status.CodeOf(src.Marshal(make([]byte, 4), src.DataSize()-2)))

	dst := NewParcel()
	defer dst.Recycle()
	require.NoError(t, dst.WriteInt64(1))
	require.NoError(t, dst.Unmarshal(buf))
	assert.Equal(t, 0, dst.DataPosition())

	v, err := dst.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(10), v)
	s, err := dst.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "abc", s)
}

func TestParcelFileDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	p := NewParcel()
	require.NoError(t, p.WriteFile(w))
	require.NoError(t, p.WriteFileDescriptor(-1))
	require.NoError(t, w.Close())

	assert.True(t, p.HasFileDescriptors())
	assert.Equal(t, status.InvalidOperation, status.CodeOf(p.Marshal(make([]byte, 1), 0)))

	rewind(t, p)
	f, err := p.ReadFileDescriptor()
	require.NoError(t, err)
	require.NotNil(t, f)

	none, err := p.ReadFileDescriptor()
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = f.WriteString("through the parcel")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, p.Recycle())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "through the parcel", string(got))
}

func TestParcelObjectKindMismatch(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p := NewParcel()
	defer p.Recycle()
	require.NoError(t, p.WriteFile(w))
	require.NoError(t, p.WriteInt64(0))
	rewind(t, p)

	_, err = p.ReadStrongBinder()
	assert.Equal(t, status.BadType, status.CodeOf(err))

	// A plain integer that looks like a slot is not an object.
	require.NoError(t, p.SetDataPosition(slotSize))
	_, err = p.ReadFileDescriptor()
	assert.Equal(t, status.BadType, status.CodeOf(err))
}

func TestParcelAppendFrom(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	src := NewParcel()
	defer src.Recycle()
	require.NoError(t, src.WriteInt32(1))
	require.NoError(t, src.WriteFile(w))
	require.NoError(t, src.WriteInt32(2))

	dst := NewParcel()
	defer dst.Recycle()
	require.NoError(t, dst.WriteInt32(0))
	require.NoError(t, dst.AppendFrom(src, 4, slotSize+4))
	assert.Equal(t, status.BadValue, status.CodeOf(dst.AppendFrom(src, 8, src.DataSize())))

	require.NoError(t, dst.SetDataPosition(4))
	f, err := dst.ReadFileDescriptor()
	require.NoError(t, err)
	require.NotNil(t, f)
	f.Close()

	v, err := dst.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}
