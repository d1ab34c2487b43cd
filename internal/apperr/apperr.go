// Package apperr defines the error taxonomy shared by the orchestration core
// and the HTTP/MCP surfaces. Every error that crosses a package boundary and
// needs a machine-readable code is an *Error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code surfaced to callers.
type Code string

const (
	// CodeProviderUnavailable means no provider is configured for a capability.
	CodeProviderUnavailable Code = "provider_unavailable"
	// CodeProviderFailure means every configured provider for a capability failed.
	CodeProviderFailure Code = "provider_failure"
	// CodeCacheMiss is a normal signal to generate; it is not a failure.
	CodeCacheMiss    Code = "cache_miss"
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeInternal     Code = "internal_error"
)

// FallbackMessage is the polite, non-technical text returned to users when a
// chat or narration request cannot be completed.
const FallbackMessage = "Sorry, I couldn't prepare a response right now. Please try again in a moment."

// Error carries a Code, a safe message and the wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error with the given code and formatted message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error with the given code wrapping err.
func Wrap(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidInput is shorthand for New(CodeInvalidInput, ...).
func InvalidInput(format string, args ...any) error {
	return New(CodeInvalidInput, format, args...)
}

// CodeOf returns the Code of the outermost *Error in err's chain, or
// CodeInternal when err carries no code.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// HTTPStatus maps a Code to the HTTP status used by the API layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound, CodeCacheMiss:
		return http.StatusNotFound
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
