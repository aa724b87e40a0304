package gcode

import (
	"errors"
	"fmt"
)

// ErrContended is returned by Dispatcher.Execute when a foreground request
// holds or awaits the dispatch lock. The line was not executed.
var ErrContended = errors.New("gcode: dispatcher contended")

// Error is a structured command failure. Handlers return it to report a
// recoverable error for the line being executed; the message is shown to the
// operator verbatim.
type Error struct {
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errorf creates an *Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// IsError reports whether err is (or wraps) a command failure.
// Uses errors.As to handle wrapped errors.
func IsError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}

// Message returns the command failure message carried by err, or err.Error()
// for any other error.
func Message(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
