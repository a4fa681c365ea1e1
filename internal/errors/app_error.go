// Package errors defines the structured error type used inside the
// orchestrator. Errors stay structured internally and are flattened to a
// single human-readable string at the API boundary.
package errors

import (
	"errors"
	"fmt"
)

// Error codes, one per failure class.
const (
	// CodeValidation marks bad input rejected before any side effect.
	CodeValidation = "validation"
	// CodeExternalCommand marks a non-zero exit from an external command.
	CodeExternalCommand = "external_command"
	// CodeTransientNetwork marks a failure matched by a known transient
	// network signature; eligible for the narrow retries that reference it.
	CodeTransientNetwork = "transient_network"
	// CodeCorruptedArchive marks a malformed or path-escaping archive entry.
	CodeCorruptedArchive = "corrupted_archive"
	// CodeLockConflict marks "already installed" style conflicts.
	CodeLockConflict = "lock_conflict"
	// CodeNotInstalled marks operations that need an install ledger first.
	CodeNotInstalled = "not_installed"
)

// AppError is a structured application error.
type AppError struct {
	// Code is an internal error class string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Newf creates a new AppError with a formatted message and no cause.
func Newf(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the error class of err, or "" when err carries none.
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ""
}

// IsCode reports whether err belongs to the given error class.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
