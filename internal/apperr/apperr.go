package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error at the public contract of a service.
type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindForbidden          Kind = "Forbidden"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindClientBusy         Kind = "ClientBusy"
	KindConnectorBusy      Kind = "ConnectorBusy"
	KindInsufficientFunds  Kind = "InsufficientFunds"
	KindStationUnavailable Kind = "StationUnavailable"
	KindProviderFailure    Kind = "ProviderFailure"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Error carries a kind alongside a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err, defaulting to Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the message of err if it is an *Error, else a generic one.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindClientBusy, KindConnectorBusy, KindInsufficientFunds:
		return http.StatusConflict
	case KindStationUnavailable:
		return http.StatusConflict
	case KindProviderFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
