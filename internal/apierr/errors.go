// Package apierr carries the router's error taxonomy across the HTTP and SSE
// surfaces so both can agree on an error.type string and a status code.
package apierr

import (
	"errors"
	"net/http"
)

// Type is one of the router's well-known error.type values.
type Type string

const (
	InvalidRequest   Type = "invalid-request"
	UnknownProvider  Type = "unknown-provider"
	NoCredentials    Type = "no-credentials"
	TransformerError Type = "transformer-error"
	UpstreamError    Type = "upstream-error"
	ToolError        Type = "tool-error"
	ToolContinueErr  Type = "tool-continue-error"
	MCPUnavailable   Type = "mcp-upstream-unavailable"
	SessionNotFound  Type = "session-not-found"
	RateLimited      Type = "rate-limited"
)

// Error pairs a Type with an HTTP status and a human-readable message.
type Error struct {
	ErrType Type
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(t Type, status int, message string) *Error {
	return &Error{ErrType: t, Status: status, Message: message}
}

func Wrap(t Type, status int, message string, cause error) *Error {
	return &Error{ErrType: t, Status: status, Message: message, Cause: cause}
}

var (
	ErrInvalidModel    = New(InvalidRequest, http.StatusBadRequest, "invalid model identifier")
	ErrUnknownProvider = New(UnknownProvider, http.StatusNotFound, "unknown or disabled provider")
	ErrNoCredentials   = New(NoCredentials, http.StatusServiceUnavailable, "provider has no usable api key")
	ErrSessionNotFound = New(SessionNotFound, http.StatusNotFound, "unknown mcp session")
	ErrRateLimited     = New(RateLimited, http.StatusTooManyRequests, "provider concurrency limit exceeded")
)

// As extracts an *Error from err, synthesizing a generic upstream-error
// wrapper when err isn't already one of ours.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return Wrap(UpstreamError, http.StatusBadGateway, "upstream request failed", err)
}

// Body renders the error as the JSON object clients expect in both the
// non-stream response body and a synthesized SSE `error` event's data.
func (e *Error) Body() map[string]any {
	return map[string]any{
		"type":    "error",
		"error": map[string]any{
			"type":    string(e.ErrType),
			"message": e.Message,
		},
	}
}
