// Package status provides the outcome taxonomy shared by every layer of the
// IPC stack.
//
// Two closed enumerations describe failures:
//   - Code: transport and transaction level outcomes (DEAD_OBJECT, BAD_VALUE, ...)
//   - Exception: application level outcomes (EX_ILLEGAL_ARGUMENT, ...)
//
// A Status combines them with an optional message and a service-specific
// error code. *Status implements error; every fallible operation in the
// binder packages returns one.
//
// Example Usage:
//
//	st, _ := status.FromExceptionWithMessage(status.IllegalArgument, "bad name")
//	if err := st.Err(); err != nil {
//		return err
//	}
//
//	if status.CodeOf(err) == status.DeadObject {
//		// re-resolve the capability before retrying
//	}
package status
