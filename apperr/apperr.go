// Package apperr defines the error taxonomy shared by every core operation.
// Each error carries a machine-readable code that transport layers map to
// HTTP statuses; wrapping preserves the code through errors.As.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation      Code = "validation_error"
	CodeAuthorization   Code = "authorization_error"
	CodeNotFound        Code = "not_found"
	CodeAlreadyRevoked  Code = "already_revoked"
	CodeCAUnavailable   Code = "ca_unavailable"
	CodeSerialCollision Code = "serial_collision"
	CodeConflict        Code = "conflict"
	CodeCrypto          Code = "crypto_error"
	CodePersistence     Code = "persistence_error"
)

// Error is the single error type the core returns across package boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(CodeValidation, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(CodeAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, format, args...)
}

func AlreadyRevoked(format string, args ...any) *Error {
	return newf(CodeAlreadyRevoked, format, args...)
}

func CAUnavailable(format string, args ...any) *Error {
	return newf(CodeCAUnavailable, format, args...)
}

func SerialCollision(format string, args ...any) *Error {
	return newf(CodeSerialCollision, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(CodeConflict, format, args...)
}

// Crypto wraps a key decrypt or signing failure. Never retried.
func Crypto(err error, format string, args ...any) *Error {
	return &Error{Code: CodeCrypto, Message: fmt.Sprintf(format, args...), Err: err}
}

// Persistence wraps a failed transaction; the unit of work was rolled back.
func Persistence(err error, format string, args ...any) *Error {
	return &Error{Code: CodePersistence, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, or CodePersistence when the
// error did not originate in the core.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodePersistence
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
