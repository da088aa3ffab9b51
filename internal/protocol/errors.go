package protocol

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeNotConnected     Code = "not_connected"
	CodeNotAuthenticated Code = "not_authenticated"
	CodeNoPermission     Code = "no_permission"
	CodeTimeout          Code = "timeout"
	CodeTransport        Code = "transport_error"
	CodeInvalidRequest   Code = "invalid_request"
	CodeInternal         Code = "internal_error"
)

// Error is the typed failure of a relay operation. Two errors are equal under
// errors.Is when their codes match, so callers can test against the sentinels
// below regardless of message or wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrNotConnected     = &Error{Code: CodeNotConnected, Message: "desktop not connected"}
	ErrNotAuthenticated = &Error{Code: CodeNotAuthenticated, Message: "desktop not authenticated"}
	ErrNoPermission     = &Error{Code: CodeNoPermission, Message: "desktop control not permitted"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "command timed out"}
	ErrTransport        = &Error{Code: CodeTransport, Message: "transport error"}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// NewError builds an Error carrying code with a specific message and cause.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the relay code from err, defaulting to internal_error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return CodeInternal
}

// Body converts err into its wire representation.
func Body(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Code: CodeOf(err), Message: err.Error()}
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeNotConnected:
		return http.StatusNotFound
	case CodeNotAuthenticated, CodeNoPermission:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeTransport:
		return http.StatusBadGateway
	case CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
