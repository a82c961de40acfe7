package servicemanager

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// ErrorKind classifies registry failures.
type ErrorKind int

const (
	// InvalidName: the service name is empty, too long or contains
	// characters outside [A-Za-z0-9._/-].
	InvalidName ErrorKind = iota + 1
	// RemoteException: the registry answered with an exception.
	RemoteException
	// NotFound: no service was registered under the name before the
	// deadline.
	NotFound
	// Unavailable: the registry itself could not be reached.
	Unavailable
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidName:
		return "invalid name"
	case RemoteException:
		return "remote exception"
	case NotFound:
		return "not found"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every Client operation.
type Error struct {
	Kind      ErrorKind
	Name      string
	Exception status.Exception
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case RemoteException:
		return fmt.Sprintf("service manager: %q: remote exception %s", e.Name, e.Exception)
	case Unavailable:
		return fmt.Sprintf("service manager: %q: unavailable: %v", e.Name, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("service manager: %q: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("service manager: %q: %s", e.Name, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
