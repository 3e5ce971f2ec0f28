package transport

import (
	"errors"
	"fmt"
)

// Phase locates a transport failure: connect means the exchange never
// reached an open transport, stream means it failed mid-delivery, aborted
// means the caller cancelled it.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseStream  Phase = "stream"
	PhaseAborted Phase = "aborted"
)

type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("transport %s failure", e.Phase)
	}
	return fmt.Sprintf("transport %s failure: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func connectError(err error) error {
	return &Error{Phase: PhaseConnect, Err: err}
}

func streamError(err error) error {
	return &Error{Phase: PhaseStream, Err: err}
}

func abortError(err error) error {
	return &Error{Phase: PhaseAborted, Err: err}
}

// PhaseOf returns the failure phase of err, or "" when err is not a
// transport error.
func PhaseOf(err error) Phase {
	var te *Error
	if errors.As(err, &te) {
		return te.Phase
	}
	return ""
}

func IsConnect(err error) bool { return PhaseOf(err) == PhaseConnect }
func IsAborted(err error) bool { return PhaseOf(err) == PhaseAborted }
