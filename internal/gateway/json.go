package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a gatewayerr sentinel to its HTTP status and renders
// a small JSON envelope; handlers never write raw error strings.
func writeError(w http.ResponseWriter, err error) {
	status := gatewayerr.StatusFor(err)
	writeJSON(w, status, map[string]string{"error": errorMessage(err, status)})
}

func errorMessage(err error, status int) string {
	switch {
	case errors.Is(err, gatewayerr.ErrAuthMissing):
		return "authentication required"
	case errors.Is(err, gatewayerr.ErrAuthInvalid):
		return "invalid credentials"
	case errors.Is(err, gatewayerr.ErrValidation):
		return "validation failed"
	case errors.Is(err, gatewayerr.ErrNotFound):
		return "not found"
	case errors.Is(err, gatewayerr.ErrUpstream):
		return "upstream fetch failed"
	case errors.Is(err, gatewayerr.ErrUnavailable):
		return "no callback url configured"
	default:
		if status >= 500 {
			return "internal error"
		}
		return err.Error()
	}
}
