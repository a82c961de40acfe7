package status

import (
	"fmt"
	"math"
)

// Code is a transport/transaction level outcome. The raw values are the ones
// carried on the wire and returned by transport primitives.
type Code int32

const (
	Ok                 Code = 0
	UnknownError       Code = math.MinInt32
	NoMemory           Code = -12 // -ENOMEM
	InvalidOperation   Code = -38 // -ENOSYS
	BadValue           Code = -22 // -EINVAL
	BadType            Code = math.MinInt32 + 1
	NameNotFound       Code = -2  // -ENOENT
	PermissionDenied   Code = -1  // -EPERM
	NoInit             Code = -19 // -ENODEV
	AlreadyExists      Code = -17 // -EEXIST
	DeadObject         Code = -32 // -EPIPE
	FailedTransaction  Code = math.MinInt32 + 2
	BadIndex           Code = -75  // -EOVERFLOW
	NotEnoughData      Code = -61  // -ENODATA
	WouldBlock         Code = -11  // -EWOULDBLOCK
	TimedOut           Code = -110 // -ETIMEDOUT
	UnknownTransaction Code = -74  // -EBADMSG
	FdsNotAllowed      Code = math.MinInt32 + 7
	UnexpectedNull     Code = math.MinInt32 + 8
)

var codeNames = map[Code]string{
	Ok:                 "OK",
	UnknownError:       "UNKNOWN_ERROR",
	NoMemory:           "NO_MEMORY",
	InvalidOperation:   "INVALID_OPERATION",
	BadValue:           "BAD_VALUE",
	BadType:            "BAD_TYPE",
	NameNotFound:       "NAME_NOT_FOUND",
	PermissionDenied:   "PERMISSION_DENIED",
	NoInit:             "NO_INIT",
	AlreadyExists:      "ALREADY_EXISTS",
	DeadObject:         "DEAD_OBJECT",
	FailedTransaction:  "FAILED_TRANSACTION",
	BadIndex:           "BAD_INDEX",
	NotEnoughData:      "NOT_ENOUGH_DATA",
	WouldBlock:         "WOULD_BLOCK",
	TimedOut:           "TIMED_OUT",
	UnknownTransaction: "UNKNOWN_TRANSACTION",
	FdsNotAllowed:      "FDS_NOT_ALLOWED",
	UnexpectedNull:     "UNEXPECTED_NULL",
}

// CodeFromRaw maps a raw transport value onto the closed Code set. Values
// outside the set collapse to UnknownError.
func CodeFromRaw(raw int32) Code {
	c := Code(raw)
	if _, ok := codeNames[c]; ok {
		return c
	}
	return UnknownError
}

// Raw returns the wire representation of the code.
func (c Code) Raw() int32 {
	return int32(c)
}

// String returns the canonical name of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}
