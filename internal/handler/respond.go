package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/service"
)

const (
	realm = "tiny-idp"
	// retryAfter is sent with temporarily_unavailable, in seconds.
	retryAfter = "1"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as an OAuth error body. Anything that is not an
// OAuthError becomes server_error and its cause is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := service.AsOAuthError(err)
	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}

	switch {
	case errors.Is(oe, service.ErrServerError):
		logger.From(r.Context()).Error("request failed", logger.Err(err))
	case errors.Is(oe, service.ErrInvalidClient) && status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	case errors.Is(oe, service.ErrTemporarilyUnavailable):
		w.Header().Set("Retry-After", retryAfter)
	}
	writeJSON(w, status, oe)
}

// writeBearerError reports a protected resource error through the
// WWW-Authenticate challenge (RFC 6750 section 3).
func writeBearerError(w http.ResponseWriter, r *http.Request, err error) {
	oe := service.AsOAuthError(err)
	switch {
	case errors.Is(oe, service.ErrInvalidToken), errors.Is(oe, service.ErrInsufficientScope):
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q, error=%q, error_description=%q",
			realm, oe.Code, oe.ErrorDescription))
		writeJSON(w, oe.Status, oe)
	default:
		writeError(w, r, err)
	}
}
