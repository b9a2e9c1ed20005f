package regiond

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a running service.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("not started")

	// ErrRegistrationRejected is returned when a rack controller's
	// registration request is invalid. The rack observes it as a
	// dropped connection.
	ErrRegistrationRejected = errors.New("registration rejected")
)

// NoConnectionError is returned by connection lookups when no live
// connection for the rack controller exists, or none arrived within the
// caller's timeout. It is recoverable; the caller decides retry policy.
type NoConnectionError struct {
	Ident    string
	TimedOut bool
}

func (e *NoConnectionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("no connection to rack controller %s arrived in time", e.Ident)
	}
	return fmt.Sprintf("no connection to rack controller %s", e.Ident)
}
