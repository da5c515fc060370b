package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code             string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	// Status is the HTTP status used when the error is rendered as JSON.
	Status int `json:"-"`

	cause error
}

func (e *OAuthError) Error() string {
	if e.ErrorDescription == "" {
		return e.Code
	}
	return e.Code + ": " + e.ErrorDescription
}

// Is matches any OAuthError with the same code, so callers can write
// errors.Is(err, ErrInvalidGrant).
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	return ok && t.Code == e.Code
}

func (e *OAuthError) Unwrap() error { return e.cause }

// Error codes that can be compared with errors.Is.
var (
	ErrInvalidRequest          = &OAuthError{Code: "invalid_request", Status: http.StatusBadRequest}
	ErrInvalidClient           = &OAuthError{Code: "invalid_client", Status: http.StatusUnauthorized}
	ErrInvalidRedirectURI      = &OAuthError{Code: "invalid_redirect_uri", Status: http.StatusBadRequest}
	ErrInvalidGrant            = &OAuthError{Code: "invalid_grant", Status: http.StatusBadRequest}
	ErrUnauthorizedClient      = &OAuthError{Code: "unauthorized_client", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType    = &OAuthError{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
	ErrUnsupportedResponseType = &OAuthError{Code: "unsupported_response_type", Status: http.StatusBadRequest}
	ErrInvalidScope            = &OAuthError{Code: "invalid_scope", Status: http.StatusBadRequest}
	ErrAccessDenied            = &OAuthError{Code: "access_denied", Status: http.StatusForbidden}
	ErrInvalidToken            = &OAuthError{Code: "invalid_token", Status: http.StatusUnauthorized}
	ErrInsufficientScope       = &OAuthError{Code: "insufficient_scope", Status: http.StatusForbidden}
	ErrTemporarilyUnavailable  = &OAuthError{Code: "temporarily_unavailable", Status: http.StatusServiceUnavailable}
	ErrServerError             = &OAuthError{Code: "server_error", Status: http.StatusInternalServerError}
)

func newError(kind *OAuthError, description string) *OAuthError {
	return &OAuthError{Code: kind.Code, ErrorDescription: description, Status: kind.Status}
}

// OAuth 2.0 error constructors
func NewInvalidRequestError(description string) *OAuthError {
	return newError(ErrInvalidRequest, description)
}

func NewInvalidClientError(description string) *OAuthError {
	return newError(ErrInvalidClient, description)
}

// NewUnknownClientError is the invalid_client shown to the user at the
// authorization endpoint. No credentials were offered, so there is no
// challenge and the status is 400.
func NewUnknownClientError(description string) *OAuthError {
	e := newError(ErrInvalidClient, description)
	e.Status = http.StatusBadRequest
	return e
}

func NewInvalidRedirectURIError(description string) *OAuthError {
	return newError(ErrInvalidRedirectURI, description)
}

func NewInvalidGrantError(description string) *OAuthError {
	return newError(ErrInvalidGrant, description)
}

func NewUnauthorizedClientError(description string) *OAuthError {
	return newError(ErrUnauthorizedClient, description)
}

func NewUnsupportedGrantTypeError(description string) *OAuthError {
	return newError(ErrUnsupportedGrantType, description)
}

func NewUnsupportedResponseTypeError(description string) *OAuthError {
	return newError(ErrUnsupportedResponseType, description)
}

func NewInvalidScopeError(description string) *OAuthError {
	return newError(ErrInvalidScope, description)
}

func NewInvalidTokenError(description string) *OAuthError {
	return newError(ErrInvalidToken, description)
}

func NewInsufficientScopeError(description string) *OAuthError {
	return newError(ErrInsufficientScope, description)
}

// NewTemporarilyUnavailableError wraps a store failure the client may retry.
func NewTemporarilyUnavailableError(cause error) *OAuthError {
	e := newError(ErrTemporarilyUnavailable, "the service is temporarily unavailable, retry later")
	e.cause = cause
	return e
}

// NewServerError wraps an unexpected failure. The cause is never rendered.
func NewServerError(cause error) *OAuthError {
	e := newError(ErrServerError, "internal error")
	e.cause = cause
	return e
}

// AsOAuthError returns err as an OAuthError, treating anything else as a
// server error.
func AsOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return NewServerError(err)
}

// RedirectError is an authorization error that is reported to the client by
// redirecting the user agent. It is only produced once the redirect_uri has
// been matched against the registration.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         *OAuthError
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location is the redirect target carrying error, error_description and state.
func (e *RedirectError) Location() string {
	params := map[string]string{"error": e.Err.Code}
	if e.Err.ErrorDescription != "" {
		params["error_description"] = e.Err.ErrorDescription
	}
	if e.State != "" {
		params["state"] = e.State
	}
	return appendQuery(e.RedirectURI, params)
}

// storeGuard bounds store calls and classifies their failures.
type storeGuard struct {
	timeout time.Duration
	metrics *metrics.Metrics
}

func (g storeGuard) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// transient logs and counts an unexpected store failure and converts it into
// a retryable error.
func (g storeGuard) transient(ctx context.Context, op string, err error) error {
	g.metrics.StoreError(op)
	logger.From(ctx).Error("store call failed", logger.Op(op), logger.Layer("service"), logger.Err(err))
	return NewTemporarilyUnavailableError(err)
}
