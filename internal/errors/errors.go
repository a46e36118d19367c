package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeInternal     ErrorType = "INTERNAL"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"

	// Out-of-order editor or reporter calls. Always a caller bug.
	ErrorTypeProtocol ErrorType = "PROTOCOL"
	// Checksum mismatch while applying or closing a file.
	ErrorTypeIntegrity    ErrorType = "INTEGRITY"
	ErrorTypeConnectivity ErrorType = "CONNECTIVITY"
	// Raised before any network call when a commit cannot succeed.
	ErrorTypePrecondition ErrorType = "PRECONDITION"
	// Committed content differs from what was sent.
	ErrorTypeCorruption ErrorType = "CORRUPTION"
	ErrorTypeCancelled  ErrorType = "CANCELLED"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func Protocol(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeProtocol,
		Message: fmt.Sprintf(format, args...),
		Code:    http.StatusBadRequest,
	}
}

func Integrity(path, expected, actual string) *Error {
	return &Error{
		Type:    ErrorTypeIntegrity,
		Message: fmt.Sprintf("checksum mismatch, expected %s, actual %s", expected, actual),
		Path:    path,
		Code:    http.StatusConflict,
	}
}

func Connectivity(err error) *Error {
	return &Error{
		Type:    ErrorTypeConnectivity,
		Message: "repository unreachable",
		Code:    http.StatusBadGateway,
		Err:     err,
	}
}

func Precondition(path, message string) *Error {
	return &Error{
		Type:    ErrorTypePrecondition,
		Message: message,
		Path:    path,
		Code:    http.StatusPreconditionFailed,
	}
}

func Corruption(path, message string) *Error {
	return &Error{
		Type:    ErrorTypeCorruption,
		Message: message,
		Path:    path,
		Code:    http.StatusInternalServerError,
	}
}

func Cancelled(err error) *Error {
	return &Error{
		Type:    ErrorTypeCancelled,
		Message: "operation cancelled",
		Code:    499,
		Err:     err,
	}
}

// Check returns a cancellation error once ctx is done.
func Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// Is reports whether any error in err's chain is an *Error of type t.
func Is(err error, t ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
