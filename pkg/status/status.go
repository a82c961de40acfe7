package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmbeddedNUL is returned when a message cannot be carried because it
	// contains a NUL byte.
	ErrEmbeddedNUL = errors.New("status: message contains NUL byte")

	// ErrInvalidMessage is returned by Message when the stored text is not
	// valid UTF-8.
	ErrInvalidMessage = errors.New("status: message is not valid UTF-8")
)

// Status is the outcome of an operation as transmitted back to a caller:
// success, a transport error code, an exception, or a service-specific
// error, optionally with a message.
//
// A nil *Status is treated as Ok by every accessor.
type Status struct {
	code            Code
	exception       Exception
	message         *string
	serviceSpecific int32
}

// FromCode returns a Status for a transport level outcome. Any code other
// than Ok is reported with the TransactionFailed exception.
func FromCode(c Code) *Status {
	if c == Ok {
		return &Status{}
	}
	return &Status{code: c, exception: TransactionFailed}
}

// FromRawCode is FromCode for a raw transport value.
func FromRawCode(raw int32) *Status {
	return FromCode(CodeFromRaw(raw))
}

// FromRaw turns a raw driver outcome into a Status, returning nil for Ok.
func FromRaw(raw int32) *Status {
	if raw == Ok.Raw() {
		return nil
	}
	return FromRawCode(raw)
}

// FromException returns a Status carrying an exception without a message.
func FromException(ex Exception) *Status {
	s := &Status{exception: ex}
	if ex == TransactionFailed {
		s.code = UnknownError
	}
	return s
}

// FromExceptionWithMessage returns a Status carrying an exception and message.
func FromExceptionWithMessage(ex Exception, msg string) (*Status, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	s := FromException(ex)
	s.message = &msg
	return s, nil
}

// FromServiceSpecificError returns a Status for an application defined error.
func FromServiceSpecificError(code int32) *Status {
	return &Status{exception: ServiceSpecific, serviceSpecific: code}
}

// FromServiceSpecificErrorWithMessage is FromServiceSpecificError with a
// message attached.
func FromServiceSpecificErrorWithMessage(code int32, msg string) (*Status, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	s := FromServiceSpecificError(code)
	s.message = &msg
	return s, nil
}

// Newf builds a transport failure carrying a formatted message. Messages
// containing NUL bytes are truncated at the first NUL.
func Newf(c Code, format string, args ...any) *Status {
	s := FromCode(c)
	msg := fmt.Sprintf(format, args...)
	if i := strings.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	s.message = &msg
	return s
}

// FromWire reconstructs a Status from its decoded header fields. Used by
// parcel readers; the message is kept as-is so that Message can report
// encoding problems.
func FromWire(ex Exception, msg *string, serviceSpecific int32) *Status {
	s := FromException(ex)
	s.message = msg
	if ex == ServiceSpecific {
		s.serviceSpecific = serviceSpecific
	}
	return s
}

func checkMessage(msg string) error {
	if i := strings.IndexByte(msg, 0); i >= 0 {
		return fmt.Errorf("%w at offset %d", ErrEmbeddedNUL, i)
	}
	return nil
}

// IsOk reports whether the status represents unqualified success.
func (s *Status) IsOk() bool {
	return s == nil || s.exception == None
}

// Code returns the transaction error. Exception and service-specific
// failures report Ok here; inspect Exception for those.
func (s *Status) Code() Code {
	if s == nil || s.exception != TransactionFailed {
		return Ok
	}
	return s.code
}

// Exception returns the exception category.
func (s *Status) Exception() Exception {
	if s == nil {
		return None
	}
	return s.exception
}

// ServiceSpecificError returns the application error code, or 0 when the
// status is not a service-specific failure.
func (s *Status) ServiceSpecificError() int32 {
	if s == nil || s.exception != ServiceSpecific {
		return 0
	}
	return s.serviceSpecific
}

// Message returns the attached message. present is false when none was set.
func (s *Status) Message() (msg string, present bool, err error) {
	if s == nil || s.message == nil {
		return "", false, nil
	}
	if !utf8.ValidString(*s.message) {
		return "", true, ErrInvalidMessage
	}
	return *s.message, true, nil
}

// RawMessage returns the message pointer without validation.
func (s *Status) RawMessage() *string {
	if s == nil {
		return nil
	}
	return s.message
}

// Err returns nil for a successful status and the status itself otherwise.
func (s *Status) Err() error {
	if s.IsOk() {
		return nil
	}
	return s
}

// Error renders the status the way binder tooling prints it.
func (s *Status) Error() string {
	if s.IsOk() {
		return "No error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Status(%d, %s): '", int32(s.exception), s.exception)
	switch s.exception {
	case TransactionFailed:
		fmt.Fprintf(&b, "%s: ", s.code)
	case ServiceSpecific:
		fmt.Fprintf(&b, "%d: ", s.serviceSpecific)
	}
	if s.message != nil {
		b.WriteString(*s.message)
	}
	b.WriteByte('\'')
	return b.String()
}

// Is reports whether target is a Status with the same code, exception and
// service-specific error. Messages are ignored.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Code() == t.Code() &&
		s.Exception() == t.Exception() &&
		s.ServiceSpecificError() == t.ServiceSpecificError()
}

// Err is the fallible-result combinator every wire call normalizes through:
// it returns fn() when s is Ok and s as the error otherwise.
func Err[T any](s *Status, fn func() T) (T, error) {
	if s.IsOk() {
		return fn(), nil
	}
	var zero T
	return zero, s
}

// Convert maps an arbitrary error onto a Status. A nil error is Ok.
func Convert(err error) *Status {
	if err == nil {
		return FromCode(Ok)
	}
	var s *Status
	if errors.As(err, &s) {
		if s == nil {
			return FromCode(Ok)
		}
		return s
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Newf(TimedOut, "%v", err)
	case errors.Is(err, context.Canceled):
		return Newf(FailedTransaction, "%v", err)
	}
	return Newf(UnknownError, "%v", err)
}

// CodeOf returns the transaction error code carried by err.
func CodeOf(err error) Code {
	return Convert(err).Code()
}

// ExceptionOf returns the exception carried by err.
func ExceptionOf(err error) Exception {
	return Convert(err).Exception()
}
