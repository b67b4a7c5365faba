// Package errors provides error constructors that annotate failures with the
// file and line of the call site. Typed errors (transport, dispatch, timeout)
// are defined in the packages that produce them; this package only covers the
// wrap-and-annotate style used throughout chorus.
package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error carrying file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
