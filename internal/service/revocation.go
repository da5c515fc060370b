package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/repository"
)

// RevocationService implements RFC 7009 token revocation.
type RevocationService struct {
	clients *ClientService
	store   repository.TokenStore
	guard   storeGuard
	now     func() time.Time
}

// NewRevocationService creates a RevocationService.
func NewRevocationService(clients *ClientService, store repository.TokenStore, storeTimeout time.Duration, m *metrics.Metrics) *RevocationService {
	return &RevocationService{
		clients: clients,
		store:   store,
		guard:   storeGuard{timeout: storeTimeout, metrics: m},
		now:     time.Now,
	}
}

// Revoke revokes a reference access token or a refresh token owned by the
// authenticated client. Revoking a refresh token revokes its whole grant.
// Unknown tokens, tokens of other clients and JWTs succeed without effect.
func (s *RevocationService) Revoke(ctx context.Context, creds auth.Credentials, token string) error {
	client, err := s.clients.AuthenticateClient(ctx, creds)
	if err != nil {
		return err
	}
	if token == "" {
		return NewInvalidRequestError("token is required")
	}
	if isJWT(token) {
		// self-contained tokens expire on their own
		return nil
	}

	hash := crypto.HashHandle(token)
	now := s.now()

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()

	t, err := s.store.Get(sctx, hash, now)
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		return nil
	case err != nil:
		return s.guard.transient(ctx, "token.get", err)
	}
	if t.ClientID != client.ClientID {
		logger.From(ctx).Warn("revocation of a token owned by another client",
			logger.ClientID(client.ClientID), logger.GrantID(t.GrantID), logger.Op("token.revoke"))
		return nil
	}

	if t.Kind == domain.TokenKindRefresh {
		n, err := s.store.RevokeGrant(sctx, t.GrantID, domain.RevokedByClient, now)
		if err != nil {
			return s.guard.transient(ctx, "token.revoke_grant", err)
		}
		logger.From(ctx).Info("grant revoked by client",
			logger.ClientID(client.ClientID), logger.GrantID(t.GrantID), logger.Op("token.revoke"),
			zap.Int64("revoked_tokens", n))
		return nil
	}
	if err := s.store.Revoke(sctx, hash, domain.RevokedByClient, now); err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		return s.guard.transient(ctx, "token.revoke", err)
	}
	return nil
}
