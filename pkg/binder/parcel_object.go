package binder

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// ObjectKind tags an object slot in a parcel.
type ObjectKind uint32

const (
	KindBinder         ObjectKind = 's'<<24 | 'b'<<16 | '*'<<8 | 0x85
	KindFileDescriptor ObjectKind = 'f'<<24 | 'd'<<16 | '*'<<8 | 0x85
)

// slotSize is the inline footprint of an object: kind then table index.
const slotSize = 8

// FlatObject is an entry of a parcel's object table. Offset is the position
// of the object's inline slot in the payload.
type FlatObject struct {
	Kind   ObjectKind
	Offset int
	Binder Object
	FD     int
}

// Objects returns a copy of the object table. The parcel keeps ownership of
// the references and descriptors.
func (p *Parcel) Objects() []FlatObject {
	out := make([]FlatObject, len(p.st.objects))
	copy(out, p.st.objects)
	return out
}

// HasObjects reports whether the parcel carries capabilities or descriptors.
func (p *Parcel) HasObjects() bool {
	return len(p.st.objects) > 0
}

// HasFileDescriptors reports whether the parcel carries descriptors.
func (p *Parcel) HasFileDescriptors() bool {
	for _, o := range p.st.objects {
		if o.Kind == KindFileDescriptor {
			return true
		}
	}
	return false
}

// ParcelFromRaw builds an owned parcel from a payload and object table,
// adopting the strong references and descriptors in objects. Drivers use it
// to materialize inbound transactions. Each entry must point at a slot whose
// inline index matches its position in objects.
func ParcelFromRaw(data []byte, objects []FlatObject, target Object) (*Parcel, status.Code) {
	for i, o := range objects {
		if o.Offset < 0 || o.Offset+slotSize > len(data) {
			return nil, status.BadValue
		}
		if getScalar[uint32](data[o.Offset:]) != uint32(o.Kind) || getScalar[int32](data[o.Offset+4:]) != int32(i) {
			return nil, status.BadType
		}
	}
	return newOwnedParcel(&store{data: data, objects: objects, target: target}), status.Ok
}

// RawData returns the payload bytes. The slice aliases the parcel storage.
func (p *Parcel) RawData() []byte {
	return p.st.data
}

func (p *Parcel) writeSlot(kind ObjectKind, entry *FlatObject) error {
	off := p.st.pos
	b, err := p.reserve(slotSize)
	if err != nil {
		return err
	}
	putScalar(b, uint32(kind))
	if entry == nil {
		putScalar(b[4:], absentLength)
		return nil
	}
	entry.Kind = kind
	entry.Offset = off
	putScalar(b[4:], int32(len(p.st.objects)))
	p.st.objects = append(p.st.objects, *entry)
	return nil
}

// readSlot returns the table entry for the slot at the cursor, or nil for a
// null object.
func (p *Parcel) readSlot(kind ObjectKind) (*FlatObject, error) {
	off := p.st.pos
	b, err := p.consume(slotSize)
	if err != nil {
		return nil, err
	}
	if ObjectKind(getScalar[uint32](b)) != kind {
		p.st.pos = off
		return nil, status.FromCode(status.BadType)
	}
	idx := getScalar[int32](b[4:])
	if idx == absentLength {
		return nil, nil
	}
	if idx < 0 || int(idx) >= len(p.st.objects) {
		return nil, status.FromCode(status.BadType)
	}
	entry := &p.st.objects[idx]
	if entry.Offset != off || entry.Kind != kind {
		return nil, status.FromCode(status.BadType)
	}
	return entry, nil
}

// WriteStrongBinder writes a capability. A nil handle is written as null.
// The parcel holds its own strong reference until it is recycled.
func (p *Parcel) WriteStrongBinder(h *Handle) error {
	if h == nil {
		return p.writeSlot(KindBinder, nil)
	}
	defer runtime.KeepAlive(h)
	obj, err := h.object()
	if err != nil {
		return err
	}
	if err := p.writable(); err != nil {
		return err
	}
	obj.IncStrong()
	if err := p.writeSlot(KindBinder, &FlatObject{Binder: obj, FD: -1}); err != nil {
		obj.DecStrong()
		return err
	}
	return nil
}

// ReadStrongBinder reads a capability, returning nil for a null one. The
// returned handle owns a fresh strong reference.
func (p *Parcel) ReadStrongBinder() (*Handle, error) {
	entry, err := p.readSlot(KindBinder)
	if err != nil || entry == nil {
		return nil, err
	}
	entry.Binder.IncStrong()
	return newHandle(entry.Binder), nil
}

// ReadNonNullStrongBinder is ReadStrongBinder failing with UnexpectedNull
// when the capability is null.
func (p *Parcel) ReadNonNullStrongBinder() (*Handle, error) {
	h, err := p.ReadStrongBinder()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, status.FromCode(status.UnexpectedNull)
	}
	return h, nil
}

// WriteFileDescriptor writes a duplicate of fd; the caller keeps fd. A
// negative fd is written as null.
func (p *Parcel) WriteFileDescriptor(fd int) error {
	if fd < 0 {
		return p.writeSlot(KindFileDescriptor, nil)
	}
	if err := p.writable(); err != nil {
		return err
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return status.Newf(status.BadValue, "dup fd %d: %v", fd, err)
	}
	if err := p.writeSlot(KindFileDescriptor, &FlatObject{FD: dup}); err != nil {
		_ = unix.Close(dup)
		return err
	}
	return nil
}

// WriteFile writes a duplicate of f's descriptor, or null when f is nil.
func (p *Parcel) WriteFile(f *os.File) error {
	if f == nil {
		return p.WriteFileDescriptor(-1)
	}
	return p.WriteFileDescriptor(int(f.Fd()))
}

// ReadFileDescriptor reads a descriptor, returning nil for a null one. The
// caller owns the returned file.
func (p *Parcel) ReadFileDescriptor() (*os.File, error) {
	entry, err := p.readSlot(KindFileDescriptor)
	if err != nil || entry == nil {
		return nil, err
	}
	dup, err := unix.FcntlInt(uintptr(entry.FD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, status.Newf(status.BadValue, "dup fd %d: %v", entry.FD, err)
	}
	return os.NewFile(uintptr(dup), "parcel-fd"), nil
}

// AppendFrom appends length bytes of src starting at offset, along with the
// objects whose slots fall entirely inside that range.
func (p *Parcel) AppendFrom(src *Parcel, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > src.DataSize() {
		return status.Newf(status.BadValue, "range [%d, %d) outside source of %d bytes", offset, offset+length, src.DataSize())
	}
	if err := p.writable(); err != nil {
		return err
	}
	var carried []FlatObject
	for _, o := range src.st.objects {
		if o.Offset >= offset && o.Offset+slotSize <= offset+length {
			carried = append(carried, o)
		}
	}
	closeDups := func(objs []FlatObject) {
		for _, o := range objs {
			if o.Kind == KindFileDescriptor {
				_ = unix.Close(o.FD)
			}
		}
	}
	for i := range carried {
		if carried[i].Kind != KindFileDescriptor {
			continue
		}
		dup, err := unix.FcntlInt(uintptr(carried[i].FD), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			closeDups(carried[:i])
			return status.Newf(status.BadValue, "dup fd %d: %v", carried[i].FD, err)
		}
		carried[i].FD = dup
	}

	start := p.st.pos
	dst, err := p.reserve(length)
	if err != nil {
		closeDups(carried)
		return err
	}
	copy(dst, src.st.data[offset:offset+length])
	for _, o := range carried {
		if o.Kind == KindBinder {
			o.Binder.IncStrong()
		}
		o.Offset = start + (o.Offset - offset)
		putScalar(p.st.data[o.Offset+4:], int32(len(p.st.objects)))
		p.st.objects = append(p.st.objects, o)
	}
	return nil
}

// Marshal copies len(buf) payload bytes starting at offset into buf. Parcels
// carrying objects cannot be flattened and fail with InvalidOperation.
func (p *Parcel) Marshal(buf []byte, offset int) error {
	if p.HasObjects() {
		return status.FromCode(status.InvalidOperation)
	}
	if offset < 0 || offset+len(buf) > len(p.st.data) {
		return status.Newf(status.BadValue, "range [%d, %d) outside %d bytes", offset, offset+len(buf), len(p.st.data))
	}
	copy(buf, p.st.data[offset:])
	return nil
}

// Unmarshal replaces the payload with buf and rewinds the cursor.
func (p *Parcel) Unmarshal(buf []byte) error {
	if err := p.writable(); err != nil {
		return err
	}
	_ = p.st.release()
	p.st.data = append(p.st.data[:0], buf...)
	p.st.pos = 0
	return nil
}

// remoteStackTraceHeaderSize is the size written for the remote stack trace
// header; stack traces are never sent.
const remoteStackTraceHeaderSize int32 = 0

// WriteStatus writes a status header. A status carrying a transaction error
// cannot be transmitted; the write fails with that error.
func (p *Parcel) WriteStatus(st *status.Status) error {
	if c := st.Code(); c != status.Ok {
		return status.FromCode(c)
	}
	ex := st.Exception()
	if err := p.WriteInt32(ex.Raw()); err != nil {
		return err
	}
	if ex == status.None {
		return nil
	}
	if err := p.WriteNullableString(st.RawMessage()); err != nil {
		return err
	}
	if err := p.WriteInt32(remoteStackTraceHeaderSize); err != nil {
		return err
	}
	switch ex {
	case status.ServiceSpecific:
		return p.WriteInt32(st.ServiceSpecificError())
	case status.Parcelable:
		return p.WriteInt32(0)
	}
	return nil
}

// ReadStatus reads a status header written by WriteStatus. The error return
// reports a malformed header; the decoded status may itself be a failure.
func (p *Parcel) ReadStatus() (*status.Status, error) {
	raw, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if raw == status.RawHasReplyHeader {
		if err := p.skipHeader(); err != nil {
			return nil, err
		}
		raw = status.None.Raw()
	}
	if raw == status.None.Raw() {
		return status.FromCode(status.Ok), nil
	}

	msgBytes, present, err := p.readBytes()
	if err != nil {
		return nil, err
	}
	var msg *string
	if present {
		s := string(msgBytes)
		msg = &s
	}

	stackSize, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if stackSize < 0 || int(stackSize) > p.DataAvail() {
		return nil, status.Newf(status.BadValue, "stack trace header size %d", stackSize)
	}
	p.st.pos += int(stackSize)

	ex := status.ExceptionFromRaw(raw)
	var serviceSpecific int32
	switch ex {
	case status.ServiceSpecific:
		if serviceSpecific, err = p.ReadInt32(); err != nil {
			return nil, err
		}
	case status.Parcelable:
		if err := p.skipHeader(); err != nil {
			return nil, err
		}
	}
	return status.FromWire(ex, msg, serviceSpecific), nil
}

// skipHeader skips a size-prefixed block whose size includes the prefix.
func (p *Parcel) skipHeader() error {
	start := p.st.pos
	size, err := p.ReadInt32()
	if err != nil {
		return err
	}
	if size <= 4 {
		return nil
	}
	return p.SetDataPosition(start + int(size))
}
