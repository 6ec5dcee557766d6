// Package gatewayerr defines the error kinds shared across the gateway
// and maps them onto HTTP statuses and WebSocket close codes.
package gatewayerr

import (
	"errors"
	"net/http"
)

// Sentinel error kinds, per the error-handling design: callers wrap
// these with fmt.Errorf("...: %w", Err...) and check with errors.Is.
var (
	ErrAuthMissing  = errors.New("auth missing")
	ErrAuthInvalid  = errors.New("auth invalid")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrUpstream     = errors.New("upstream fetch failed")
	ErrUnavailable  = errors.New("no callback url configured")
	ErrInternal     = errors.New("internal error")
)

// StatusFor maps an error kind to the HTTP status a handler should
// return. Unrecognized errors map to 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrAuthMissing):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WSCloseFor maps an error kind to a WebSocket close code and reason.
func WSCloseFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAuthMissing), errors.Is(err, ErrAuthInvalid):
		return 1008, "policy violation"
	case errors.Is(err, ErrValidation):
		return 1003, "invalid frame"
	default:
		return 1011, "internal error"
	}
}
