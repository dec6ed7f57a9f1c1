// Package errors is a drop-in replacement for the stdlib errors package,
// backed by github.com/pkg/errors so every error carries a stack trace.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New returns an error annotated with a stack trace at the point New was
// called. Arguments are formatted printf-style when supplied.
func New(message string, args ...interface{}) error {
	if len(args) == 0 {
		return errors.New(message)
	}
	return errors.Errorf(message, args...)
}

// Wrap annotates err with a stack trace and the supplied message. Returns
// nil if err is nil.
func Wrap(err error, message string, args ...interface{}) error {
	if len(args) == 0 {
		return errors.Wrap(err, message)
	}
	return errors.Wrapf(err, message, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the underlying cause of the error, if possible.
func Cause(err error) error {
	return errors.Cause(err)
}

// StackTrace returns the innermost stack trace attached to err, or nil when
// the chain carries none.
func StackTrace(err error) errors.StackTrace {
	var st errors.StackTrace
	for err != nil {
		if tracer, ok := err.(stackTracer); ok {
			st = tracer.StackTrace()
		}
		err = stderrors.Unwrap(err)
	}
	return st
}
