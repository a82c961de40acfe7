// Package id generates the prefixed ULIDs used to name remote sessions and
// trace spans in logs.
//
// IDs are k-sortable, so log lines for one session order by creation, and
// the prefix tells them apart at a glance (sess_*, trace_*, span_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a remote session.
type SessionID string

// TraceID identifies a chain of transactions.
type TraceID string

// SpanID identifies one operation within a trace.
type SpanID string

const (
	SessionPrefix = "sess"
	TracePrefix   = "trace"
	SpanPrefix    = "span"
)

// Generator produces ULIDs. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator returns a generator with monotonic entropy seeded from
// crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy returns a generator reading from entropy, for
// deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// WithPrefix creates a prefixed ULID string.
func (g *Generator) WithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

func NewSessionID() SessionID { return SessionID(Default().WithPrefix(SessionPrefix)) }
func NewTraceID() TraceID     { return TraceID(Default().WithPrefix(TracePrefix)) }
func NewSpanID() SpanID       { return SpanID(Default().WithPrefix(SpanPrefix)) }

func (id SessionID) String() string { return string(id) }
func (id TraceID) String() string   { return string(id) }
func (id SpanID) String() string    { return string(id) }

// Parse extracts the ULID from a prefixed or bare ID.
func Parse(s string) (ulid.ULID, error) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	return ulid.Parse(s)
}

// IsValid reports whether s holds a well-formed ID.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Timestamp returns the creation time encoded in an ID.
func Timestamp(s string) (time.Time, error) {
	parsed, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
