package remote

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype sessions are negotiated with.
const codecName = "cbor"

// maxPayload bounds a decompressed transaction payload.
const maxPayload = 16 << 20

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameTransact
	frameReply
	framePing
	frameDump
	frameRelease
	frameDeath
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameTransact:
		return "transact"
	case frameReply:
		return "reply"
	case framePing:
		return "ping"
	case frameDump:
		return "dump"
	case frameRelease:
		return "release"
	case frameDeath:
		return "death"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// frame is the unit exchanged on a session stream. Requests carry a
// sequence number that their reply echoes.
type frame struct {
	Kind     frameKind    `cbor:"1,keyasint"`
	Seq      uint64       `cbor:"2,keyasint,omitempty"`
	Target   uint64       `cbor:"3,keyasint,omitempty"`
	Code     uint32       `cbor:"4,keyasint,omitempty"`
	Flags    uint32       `cbor:"5,keyasint,omitempty"`
	Status   int32        `cbor:"6,keyasint,omitempty"`
	Payload  []byte       `cbor:"7,keyasint,omitempty"`
	Zstd     bool         `cbor:"8,keyasint,omitempty"`
	Objects  []wireObject `cbor:"9,keyasint,omitempty"`
	Args     []string     `cbor:"10,keyasint,omitempty"`
	Count    uint64       `cbor:"11,keyasint,omitempty"`
	Trace    string       `cbor:"12,keyasint,omitempty"`
	Span     string       `cbor:"13,keyasint,omitempty"`
	Deadline int64        `cbor:"14,keyasint,omitempty"`
	Hello    *hello       `cbor:"15,keyasint,omitempty"`
}

type hello struct {
	Session string `cbor:"1,keyasint,omitempty"`
	Pid     int32  `cbor:"2,keyasint"`
	Uid     uint32 `cbor:"3,keyasint"`
	Root    bool   `cbor:"4,keyasint,omitempty"`
}

// wireObject locates a capability slot in a payload. Exported objects are
// owned by the frame's sender; otherwise ID names one of the receiver's own
// exports coming back.
type wireObject struct {
	Offset   uint64 `cbor:"1,keyasint"`
	ID       uint64 `cbor:"2,keyasint"`
	Exported bool   `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxNestedLevels:  8,
	}).DecMode(); err != nil {
		panic(err)
	}
	if zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		panic(err)
	}
	if zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload)); err != nil {
		panic(err)
	}
	encoding.RegisterCodec(codec{})
}

// codec carries frames as CBOR on the gRPC stream.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (codec) Name() string {
	return codecName
}

// compress returns payload, zstd-encoded when it reaches threshold and
// encoding saves space. A threshold of zero or less disables compression.
func compress(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, false
	}
	out := zenc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

func decompress(f *frame) ([]byte, error) {
	if !f.Zstd {
		return f.Payload, nil
	}
	return zdec.DecodeAll(f.Payload, nil)
}
