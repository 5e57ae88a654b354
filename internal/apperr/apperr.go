package apperr

import (
	"errors"
	"fmt"
)

// AppError carries a stable code alongside a human readable message and an
// optional wrapped cause.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New constructs an AppError with the provided code and message.
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap constructs an AppError that preserves the underlying cause.
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArgument(message string) error {
	return New(CodeInvalidArgument, message)
}

func SizeExceeded(message string) error {
	return New(CodeSizeExceeded, message)
}

func Conflict(message string) error {
	return New(CodeConflict, message)
}

func Forbidden(message string) error {
	return New(CodePermissionDenied, message)
}

func NotFound(message string) error {
	return New(CodeNotFound, message)
}

func UploadFailed(message string, cause error) error {
	return Wrap(CodeUploadFailed, message, cause)
}

func Unavailable(message string, cause error) error {
	return Wrap(CodeUnavailable, message, cause)
}

// CodeOf extracts the application code from an error chain. Errors that are
// not AppErrors classify as CodeUnknown.
func CodeOf(err error) Code {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Code
	}
	return CodeUnknown
}

// HasCode reports whether the error chain carries the provided code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
