package engine

import (
	"errors"
	"fmt"
)

// Error is a structured playback failure.
//
// Codes:
//   - BUSY: the requested transition is illegal while a print is running
//   - NOT_FOUND: a file name could not be resolved against the catalog
//   - COMMAND: a dispatched line or script failed
//   - IO: opening, seeking or reading the file failed
//   - NO_FILE: the operation needs a loaded file
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// File is the affected file name, when known.
	File string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes playback errors.
type ErrorCode string

const (
	// ErrCodeBusy indicates an illegal transition while Running.
	ErrCodeBusy ErrorCode = "BUSY"

	// ErrCodeNotFound indicates an unresolvable file name.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeCommand indicates a failed command line.
	ErrCodeCommand ErrorCode = "COMMAND"

	// ErrCodeIO indicates an open, seek or read failure.
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeNoFile indicates no file is loaded.
	ErrCodeNoFile ErrorCode = "NO_FILE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.File != "" {
		msg += fmt.Sprintf(" (file=%s)", e.File)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewBusyError creates an Error for an operation refused while Running.
func NewBusyError(op string) *Error {
	return &Error{Code: ErrCodeBusy, Message: "SD busy: cannot " + op + " while printing"}
}

// NewNotFoundError creates an Error for an unresolvable file name.
func NewNotFoundError(name string, err error) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "unable to open file", File: name, Err: err}
}

// NewCommandError creates an Error for a failed command line.
func NewCommandError(msg string, err error) *Error {
	return &Error{Code: ErrCodeCommand, Message: msg, Err: err}
}

// NewIOError creates an Error for a file operation failure.
func NewIOError(op, name string, err error) *Error {
	return &Error{Code: ErrCodeIO, Message: op + " failed", File: name, Err: err}
}

// NewNoFileError creates an Error for an operation that needs a loaded file.
func NewNoFileError(op string) *Error {
	return &Error{Code: ErrCodeNoFile, Message: "no file loaded to " + op}
}

func hasCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsBusy reports whether err is a BUSY error.
// Uses errors.As to handle wrapped errors.
func IsBusy(err error) bool { return hasCode(err, ErrCodeBusy) }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsCommandError reports whether err is a COMMAND error.
func IsCommandError(err error) bool { return hasCode(err, ErrCodeCommand) }

// IsIOError reports whether err is an IO error.
func IsIOError(err error) bool { return hasCode(err, ErrCodeIO) }

// IsNoFile reports whether err is a NO_FILE error.
func IsNoFile(err error) bool { return hasCode(err, ErrCodeNoFile) }
