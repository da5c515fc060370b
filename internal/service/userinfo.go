package service

import (
	"context"
	"errors"
	"time"

	"github.com/dlddu/tiny-idp/internal/claims"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/registry"
)

// UserInfoService serves the claims of the subject behind an access token.
type UserInfoService struct {
	validator *Validator
	registry  *registry.Store
	users     ClaimsSource
	policy    *claims.Policy
	guard     storeGuard
}

// NewUserInfoService creates a UserInfoService.
func NewUserInfoService(v *Validator, reg *registry.Store, users ClaimsSource, policy *claims.Policy, storeTimeout time.Duration, m *metrics.Metrics) *UserInfoService {
	if policy == nil {
		policy = claims.DefaultPolicy()
	}
	return &UserInfoService{
		validator: v,
		registry:  reg,
		users:     users,
		policy:    policy,
		guard:     storeGuard{timeout: storeTimeout, metrics: m},
	}
}

// UserInfo returns sub and the identity claims of the scopes granted to the
// token, read fresh from the user store.
func (s *UserInfoService) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	at, err := s.validator.ValidateAccessToken(ctx, accessToken, "")
	if err != nil {
		return nil, err
	}
	if !at.HasScope(domain.ScopeOpenID) {
		return nil, NewInsufficientScopeError("the openid scope is required")
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()
	userClaims, err := s.users.Claims(sctx, at.SubjectID)
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrUserInactive):
		return nil, NewInvalidTokenError("subject is no longer active")
	case err != nil:
		return nil, s.guard.transient(ctx, "user.claims", err)
	}

	allowed := s.registry.Current().IdentityClaims(at.Scopes)
	out := claims.Flatten(s.policy.Project(userClaims, allowed))
	out["sub"] = at.SubjectID
	return out, nil
}
