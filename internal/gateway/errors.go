package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures for retry decisions.
type ErrorKind int

const (
	// Transient failures (network hiccup, timeout) may be retried or
	// skipped; the link itself is presumed alive.
	Transient ErrorKind = iota
	// Fatal failures mean the link or driver is gone; the enclosing
	// operation must abort and the session leaves Ready.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified gateway failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable gateway failure.
func NewTransient(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewFatal wraps err as a link-dead gateway failure.
func NewFatal(op string, err error) error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// IsFatal reports whether err carries a fatal gateway classification.
// Context deadline errors without a classification count as transient.
func IsFatal(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == Fatal
}
