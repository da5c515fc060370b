package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/repository"
)

// AccessToken is a validated access token, whichever form it was issued in.
type AccessToken struct {
	SubjectID string
	ClientID  string
	GrantID   string
	Scopes    []string
	Audience  []string
	AuthTime  time.Time
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Claims are the subject claims embedded at issuance.
	Claims map[string][]string
	// Reference is true for opaque handles resolved through the store.
	Reference bool
}

// HasScope reports whether scope was granted.
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// Validator checks access tokens. It has no side effects.
type Validator struct {
	tokens *jwt.TokenManager
	store  repository.TokenStore
	guard  storeGuard
	now    func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(tm *jwt.TokenManager, store repository.TokenStore, storeTimeout time.Duration, m *metrics.Metrics) *Validator {
	return &Validator{
		tokens: tm,
		store:  store,
		guard:  storeGuard{timeout: storeTimeout, metrics: m},
		now:    time.Now,
	}
}

// ValidateAccessToken accepts a JWT or a reference handle. When audience is
// set the token must have been issued for it. Invalid tokens yield an
// invalid_token error, store failures temporarily_unavailable.
func (v *Validator) ValidateAccessToken(ctx context.Context, token, audience string) (*AccessToken, error) {
	if token == "" {
		return nil, NewInvalidTokenError("token is missing")
	}
	if isJWT(token) {
		return v.validateJWT(ctx, token, audience)
	}
	return v.validateReference(ctx, token, audience)
}

func (v *Validator) validateJWT(ctx context.Context, token, audience string) (*AccessToken, error) {
	c, err := v.tokens.Parse(ctx, token, audience)
	if err != nil {
		logger.From(ctx).Debug("jwt rejected", logger.Op("validator.jwt"), logger.Err(err))
		return nil, invalidToken(err)
	}
	clientID, _ := c["client_id"].(string)
	if clientID == "" {
		// identity tokens carry no client_id and are not access tokens
		return nil, NewInvalidTokenError("not an access token")
	}

	at := &AccessToken{ClientID: clientID, Claims: map[string][]string{}}
	at.SubjectID, _ = c.GetSubject()
	at.Audience, _ = c.GetAudience()
	if scope, ok := c["scope"].(string); ok {
		at.Scopes = strings.Fields(scope)
	}
	if exp, _ := c.GetExpirationTime(); exp != nil {
		at.ExpiresAt = exp.Time
	}
	if iat, _ := c.GetIssuedAt(); iat != nil {
		at.IssuedAt = iat.Time
	}
	if t, ok := c["auth_time"].(float64); ok {
		at.AuthTime = time.Unix(int64(t), 0).UTC()
	}
	for k, val := range c {
		if isReservedJWTClaim(k) {
			continue
		}
		switch x := val.(type) {
		case string:
			at.Claims[k] = []string{x}
		case []interface{}:
			for _, item := range x {
				if s, ok := item.(string); ok {
					at.Claims[k] = append(at.Claims[k], s)
				}
			}
		}
	}
	return at, nil
}

func (v *Validator) validateReference(ctx context.Context, handle, audience string) (*AccessToken, error) {
	t, err := v.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	if t.Kind != domain.TokenKindReference {
		return nil, NewInvalidTokenError("not an access token")
	}
	if !t.Active(v.now()) {
		return nil, NewInvalidTokenError("token is revoked")
	}
	if audience != "" && !slices.Contains(t.Audience, audience) {
		return nil, NewInvalidTokenError("token was not issued for this audience")
	}
	return &AccessToken{
		SubjectID: t.SubjectID,
		ClientID:  t.ClientID,
		GrantID:   t.GrantID,
		Scopes:    t.Scopes,
		Audience:  t.Audience,
		AuthTime:  t.AuthTime,
		ExpiresAt: t.ExpiresAt,
		IssuedAt:  t.CreatedAt,
		Claims:    t.Claims,
		Reference: true,
	}, nil
}

// lookup loads a stored token by handle. Absent and expired records are
// invalid_token.
func (v *Validator) lookup(ctx context.Context, handle string) (*domain.Token, error) {
	sctx, cancel := v.guard.ctx(ctx)
	defer cancel()
	t, err := v.store.Get(sctx, crypto.HashHandle(handle), v.now())
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		return nil, NewInvalidTokenError("token is unknown or expired")
	case err != nil:
		return nil, v.guard.transient(ctx, "token.get", err)
	}
	return t, nil
}

func invalidToken(cause error) *OAuthError {
	e := NewInvalidTokenError("token validation failed")
	e.cause = cause
	return e
}

func isJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func isReservedJWTClaim(name string) bool {
	switch name {
	case "iss", "sub", "aud", "exp", "iat", "nbf", "jti", "auth_time", "client_id", "scope":
		return true
	}
	return false
}
