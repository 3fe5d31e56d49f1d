// Package platerr defines the platform's error kinds and their mappings
// onto the two external error surfaces: A2A JSON-RPC error codes and
// HTTP status codes.
package platerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/a2agate/a2agate/pkg/a2a"
)

// Kind classifies a platform error independent of its surface.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindNotDeployed
	KindInvalidRequest
	KindUpstreamUnreachable
	KindUpstreamTimeout
	KindUpstreamStatus
	KindTranslateRequest
	KindTranslateResponse
)

// Error is a classified platform error. StatusCode is set only for
// KindUpstreamStatus.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// UpstreamStatus creates an error for a non-success upstream HTTP status.
func UpstreamStatus(code int, body string) *Error {
	return &Error{
		Kind:       KindUpstreamStatus,
		Message:    fmt.Sprintf("upstream returned status %d: %s", code, body),
		StatusCode: code,
	}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// RPCCode maps an error onto the A2A JSON-RPC error code space.
func RPCCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return a2a.CodeAgentNotFound
	case KindForbidden, KindNotDeployed, KindUpstreamUnreachable:
		return a2a.CodeAgentUnavailable
	case KindInvalidRequest, KindTranslateRequest:
		return a2a.CodeTranslateRequest
	case KindUpstreamTimeout:
		return a2a.CodeUpstreamTimeout
	case KindUpstreamStatus:
		return a2a.CodeUpstreamStatus
	case KindTranslateResponse:
		return a2a.CodeTranslateResponse
	}
	return a2a.CodeInternal
}

// HTTPStatus maps an error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindNotDeployed:
		return http.StatusForbidden
	case KindInvalidRequest, KindTranslateRequest:
		return http.StatusBadRequest
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamStatus:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
