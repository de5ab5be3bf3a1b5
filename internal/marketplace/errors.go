package marketplace

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrValidation indicates malformed input; the caller must fix it.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds indicates a debit larger than the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotAuthorized indicates the caller may not perform the operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidState indicates the task or offer is not in the required status.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrencyConflict indicates a conditional write lost a race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound indicates a task, offer or user id that does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrPersistence indicates an unexpected store failure.
	ErrPersistence = errors.New("persistence fault")
)

// Error carries the failing operation and kind of a marketplace error.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func persistenceError(op string, err error) error {
	return &Error{Op: op, Kind: ErrPersistence, Err: err}
}

// Kind returns the marketplace error kind of err, or ErrPersistence for
// errors that carry none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrInsufficientFunds,
		ErrNotAuthorized,
		ErrInvalidState,
		ErrConcurrencyConflict,
		ErrNotFound,
		ErrPersistence,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrPersistence
}

// classify returns err unchanged when it already carries a kind, and wraps
// it as a persistence fault otherwise.
func classify(op string, err error) error {
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return persistenceError(op, err)
}
