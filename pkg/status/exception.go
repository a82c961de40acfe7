package status

import "fmt"

// Exception is an application/semantic level outcome.
type Exception int32

const (
	None                 Exception = 0
	Security             Exception = -1
	BadParcelable        Exception = -2
	IllegalArgument      Exception = -3
	NullPointer          Exception = -4
	IllegalState         Exception = -5
	NetworkMainThread    Exception = -6
	UnsupportedOperation Exception = -7
	ServiceSpecific      Exception = -8
	Parcelable           Exception = -9
	TransactionFailed    Exception = -129
)

// RawHasReplyHeader marks a "fat" reply header that precedes a status on the
// wire. Readers skip it and treat the status as None.
const RawHasReplyHeader int32 = -128

var exceptionNames = map[Exception]string{
	None:                 "EX_NONE",
	Security:             "EX_SECURITY",
	BadParcelable:        "EX_BAD_PARCELABLE",
	IllegalArgument:      "EX_ILLEGAL_ARGUMENT",
	NullPointer:          "EX_NULL_POINTER",
	IllegalState:         "EX_ILLEGAL_STATE",
	NetworkMainThread:    "EX_NETWORK_MAIN_THREAD",
	UnsupportedOperation: "EX_UNSUPPORTED_OPERATION",
	ServiceSpecific:      "EX_SERVICE_SPECIFIC",
	Parcelable:           "EX_PARCELABLE",
	TransactionFailed:    "EX_TRANSACTION_FAILED",
}

// ExceptionFromRaw maps a raw exception value onto the closed Exception set.
// Unrecognized values are reported as IllegalArgument.
func ExceptionFromRaw(raw int32) Exception {
	ex := Exception(raw)
	if _, ok := exceptionNames[ex]; ok {
		return ex
	}
	return IllegalArgument
}

// Raw returns the wire representation of the exception.
func (e Exception) Raw() int32 {
	return int32(e)
}

func (e Exception) String() string {
	if name, ok := exceptionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EX_UNKNOWN(%d)", int32(e))
}
