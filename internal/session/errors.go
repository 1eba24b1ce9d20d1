package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies command failures.
type ErrorKind int

const (
	// Ordering: the command is not allowed in the session's current state.
	Ordering ErrorKind = iota + 1
	// Validation: unsafe or malformed fragment text or file name.
	Validation
	// Quota: staging would exceed the session's byte or file budget.
	Quota
	// Workspace: the workspace directory itself failed. The session is gone.
	Workspace
	// Transfer: the upload stream failed before it was fully read.
	Transfer
)

func (k ErrorKind) String() string {
	switch k {
	case Ordering:
		return "ordering"
	case Validation:
		return "validation"
	case Quota:
		return "quota"
	case Workspace:
		return "workspace"
	case Transfer:
		return "transfer"
	}
	return "unknown"
}

var (
	// ErrStopped is the cancellation cause for an execution ended by Stop.
	ErrStopped = errors.New("session: stopped")
	// ErrShutdown is the cancellation cause for executions ended by Close.
	ErrShutdown = errors.New("session: shutting down")
)

// Error is returned by Engine commands. Msg is phrased for the end user.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

func orderingErr(op, msg string) *Error {
	return &Error{Kind: Ordering, Op: op, Msg: msg}
}
