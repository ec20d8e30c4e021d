package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/portregistry"
)

// statusFor maps the spec's error taxonomy to an HTTP status code and
// stable machine-readable code, per spec.md §7.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrNoPortsAvailable), errors.Is(err, portregistry.ErrNoPortsAvailable):
		return http.StatusServiceUnavailable, "no_ports_available"
	case errors.Is(err, lifecycle.ErrStartupTimeout):
		return http.StatusGatewayTimeout, "startup_timeout"
	case errors.Is(err, lifecycle.ErrContainerizationDisabled):
		return http.StatusNotImplemented, "containerization_disabled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": err.Error(),
		"code":  code,
	})
}
