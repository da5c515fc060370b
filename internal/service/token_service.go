package service

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/pkce"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
)

// TokenRequest represents a request to the token endpoint
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Credentials  auth.Credentials
}

// TokenService implements the authorization_code and refresh_token grants.
type TokenService struct {
	clients  *ClientService
	registry *registry.Store
	codes    repository.AuthorizationCodeStore
	tokens   repository.TokenStore
	issuer   *Issuer
	users    ClaimsSource
	audit    AuditSink
	guard    storeGuard
	metrics  *metrics.Metrics
	now      func() time.Time
}

// TokenServiceDeps groups the collaborators of a TokenService.
type TokenServiceDeps struct {
	Clients      *ClientService
	Registry     *registry.Store
	Codes        repository.AuthorizationCodeStore
	Tokens       repository.TokenStore
	Issuer       *Issuer
	Users        ClaimsSource
	Audit        AuditSink
	Metrics      *metrics.Metrics
	StoreTimeout time.Duration
}

// NewTokenService creates a TokenService. A nil Audit sink logs events only.
func NewTokenService(d TokenServiceDeps) *TokenService {
	sink := d.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &TokenService{
		clients:  d.Clients,
		registry: d.Registry,
		codes:    d.Codes,
		tokens:   d.Tokens,
		issuer:   d.Issuer,
		users:    d.Users,
		audit:    sink,
		guard:    storeGuard{timeout: d.StoreTimeout, metrics: d.Metrics},
		metrics:  d.Metrics,
		now:      time.Now,
	}
}

// Exchange authenticates the client and dispatches on grant_type.
func (s *TokenService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType == "" {
		return nil, NewInvalidRequestError("grant_type is required")
	}

	client, err := s.clients.AuthenticateClient(ctx, req.Credentials)
	if err != nil {
		s.emit(ctx, audit.Event{
			Type:     audit.ClientAuthFailure,
			ClientID: req.Credentials.ClientID,
			Detail:   map[string]string{"method": string(req.Credentials.Method)},
		})
		return nil, err
	}
	ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.ClientID(client.ClientID), logger.GrantType(req.GrantType)))

	switch req.GrantType {
	case domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken:
	default:
		return nil, NewUnsupportedGrantTypeError("grant_type " + req.GrantType + " is not supported")
	}
	if !client.AllowsGrant(req.GrantType) {
		return nil, NewUnauthorizedClientError("client may not use grant_type " + req.GrantType)
	}

	if req.GrantType == domain.GrantTypeAuthorizationCode {
		return s.exchangeCode(ctx, client, req)
	}
	return s.exchangeRefresh(ctx, client, req)
}

func (s *TokenService) exchangeCode(ctx context.Context, client *domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, NewInvalidRequestError("code is required")
	}

	sctx, cancel := s.guard.ctx(ctx)
	code, err := s.codes.Consume(sctx, crypto.HashHandle(req.Code), s.now())
	cancel()
	switch {
	case errors.Is(err, repository.ErrCodeAlreadyConsumed):
		s.codeReplayed(ctx, client, code)
		return nil, NewInvalidGrantError("authorization code was already used")
	case errors.Is(err, repository.ErrCodeNotFound):
		return nil, NewInvalidGrantError("authorization code is invalid or expired")
	case err != nil:
		return nil, s.guard.transient(ctx, "code.consume", err)
	}

	if code.ClientID != client.ClientID {
		logger.From(ctx).Warn("authorization code presented by another client",
			logger.GrantID(code.GrantID), logger.Op("token.code"))
		return nil, NewInvalidGrantError("authorization code was issued to another client")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, NewInvalidGrantError("redirect_uri does not match the authorization request")
	}
	if err := s.checkVerifier(ctx, client, code, req.CodeVerifier); err != nil {
		return nil, err
	}

	userClaims, err := s.subjectClaims(ctx, code.SubjectID)
	if err != nil {
		return nil, err
	}

	resp, err := s.issuer.Issue(ctx, IssueRequest{
		Client:     client,
		GrantType:  domain.GrantTypeAuthorizationCode,
		GrantID:    code.GrantID,
		SubjectID:  code.SubjectID,
		Scopes:     code.Scopes,
		AuthTime:   code.AuthTime,
		Nonce:      code.Nonce,
		UserClaims: userClaims,
	})
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Info("authorization code redeemed",
		logger.SubjectID(code.SubjectID), logger.GrantID(code.GrantID), logger.Scopes(code.Scopes))
	return resp, nil
}

func (s *TokenService) checkVerifier(ctx context.Context, client *domain.Client, code *domain.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return NewInvalidGrantError("code_verifier sent for a code issued without a challenge")
		}
		return nil
	}
	if verifier == "" {
		return NewInvalidGrantError("code_verifier is required")
	}
	if !pkce.Verify(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
		s.emit(ctx, audit.Event{
			Type:      audit.PKCEFailure,
			ClientID:  client.ClientID,
			SubjectID: code.SubjectID,
			GrantID:   code.GrantID,
			Detail:    map[string]string{"method": code.CodeChallengeMethod},
		})
		return NewInvalidGrantError("code_verifier does not match the code_challenge")
	}
	return nil
}

// codeReplayed treats a second redemption as a stolen code and revokes every
// token already issued under the grant.
func (s *TokenService) codeReplayed(ctx context.Context, client *domain.Client, code *domain.AuthorizationCode) {
	revoked := s.revokeGrant(ctx, code.GrantID, domain.RevokedCodeReplay)
	s.emit(ctx, audit.Event{
		Type:      audit.CodeReplay,
		ClientID:  client.ClientID,
		SubjectID: code.SubjectID,
		GrantID:   code.GrantID,
		Detail:    map[string]string{"issued_to": code.ClientID, "revoked_tokens": strconv.FormatInt(revoked, 10)},
	})
}

func (s *TokenService) exchangeRefresh(ctx context.Context, client *domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, NewInvalidRequestError("refresh_token is required")
	}
	hash := crypto.HashHandle(req.RefreshToken)
	now := s.now()

	sctx, cancel := s.guard.ctx(ctx)
	stored, err := s.tokens.Get(sctx, hash, now)
	cancel()
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		return nil, NewInvalidGrantError("refresh token is invalid or expired")
	case err != nil:
		return nil, s.guard.transient(ctx, "token.get", err)
	}
	if stored.Kind != domain.TokenKindRefresh || stored.ClientID != client.ClientID {
		return nil, NewInvalidGrantError("refresh token is invalid or expired")
	}
	if stored.RevokedAt != nil {
		s.refreshRevoked(ctx, stored)
		return nil, NewInvalidGrantError("refresh token was revoked")
	}

	granted := s.registry.Current().ValidateScopes(ctx, client, stored.Scopes)
	if len(granted) == 0 {
		return nil, NewInvalidGrantError("no scope of the grant is still allowed for the client")
	}
	scopes := granted
	if req.Scope != "" {
		requested := strings.Fields(req.Scope)
		for _, sc := range requested {
			if !slices.Contains(granted, sc) {
				return nil, NewInvalidScopeError("scope " + sc + " exceeds the original grant")
			}
		}
		scopes = requested
	}

	issue := IssueRequest{
		Client:           client,
		GrantType:        domain.GrantTypeRefreshToken,
		GrantID:          stored.GrantID,
		SubjectID:        stored.SubjectID,
		Scopes:           scopes,
		RefreshScopes:    granted,
		AuthTime:         stored.AuthTime,
		Nonce:            stored.Nonce,
		UserClaims:       stored.Claims,
		RefreshExpiresAt: stored.ExpiresAt,
		ParentHash:       hash,
	}

	if client.UpdateAccessTokenClaimsOnRefresh {
		if issue.UserClaims, err = s.subjectClaims(ctx, stored.SubjectID); err != nil {
			return nil, err
		}
	}

	reuse := client.RefreshTokenUsage == domain.RefreshTokenReUse
	if reuse {
		issue.ReuseRefreshToken = req.RefreshToken
	}

	// The old token is consumed only once its successor exists, so a failed
	// issuance leaves it usable.
	resp, err := s.issuer.Issue(ctx, issue)
	if err != nil {
		return nil, err
	}
	if !reuse {
		sctx, cancel := s.guard.ctx(ctx)
		consumed, err := s.tokens.Consume(sctx, hash, domain.RevokedRotated, now)
		cancel()
		if err != nil {
			s.discardIssued(ctx, client, resp)
		}
		switch {
		case errors.Is(err, repository.ErrTokenAlreadyConsumed):
			s.refreshRevoked(ctx, consumed)
			return nil, NewInvalidGrantError("refresh token was revoked")
		case errors.Is(err, repository.ErrTokenNotFound):
			return nil, NewInvalidGrantError("refresh token is invalid or expired")
		case err != nil:
			return nil, s.guard.transient(ctx, "token.consume", err)
		}
	}
	logger.From(ctx).Info("refresh token redeemed",
		logger.SubjectID(stored.SubjectID), logger.GrantID(stored.GrantID), logger.Scopes(scopes))
	return resp, nil
}

// refreshRevoked handles a refresh token that is no longer active. Presenting
// a token that was already rotated means two parties hold it, so the whole
// grant is revoked.
func (s *TokenService) refreshRevoked(ctx context.Context, t *domain.Token) {
	if t == nil || t.RevokedReason != domain.RevokedRotated {
		return
	}
	revoked := s.revokeGrant(ctx, t.GrantID, domain.RevokedRefreshReuse)
	s.emit(ctx, audit.Event{
		Type:      audit.RefreshTokenReuse,
		ClientID:  t.ClientID,
		SubjectID: t.SubjectID,
		GrantID:   t.GrantID,
		Detail:    map[string]string{"revoked_tokens": strconv.FormatInt(revoked, 10)},
	})
}

func (s *TokenService) revokeGrant(ctx context.Context, grantID, reason string) int64 {
	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()
	n, err := s.tokens.RevokeGrant(sctx, grantID, reason, s.now())
	if err != nil {
		// the request still fails with invalid_grant
		_ = s.guard.transient(ctx, "token.revoke_grant", err)
		s.emit(ctx, audit.Event{
			Type:    audit.GrantRevocationFailed,
			GrantID: grantID,
			Detail:  map[string]string{"reason": reason},
		})
	}
	return n
}

// discardIssued revokes the stored tokens of a response that is never
// returned. JWT access tokens are not stored and simply expire.
func (s *TokenService) discardIssued(ctx context.Context, client *domain.Client, resp *TokenResponse) {
	handles := []string{resp.RefreshToken}
	if client.AccessTokenType == domain.AccessTokenReference {
		handles = append(handles, resp.AccessToken)
	}
	for _, h := range handles {
		if h == "" {
			continue
		}
		sctx, cancel := s.guard.ctx(ctx)
		err := s.tokens.Revoke(sctx, crypto.HashHandle(h), domain.RevokedRotated, s.now())
		cancel()
		if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
			logger.From(ctx).Warn("discard unreturned token", logger.Op("token.refresh"), logger.Err(err))
		}
	}
}

func (s *TokenService) subjectClaims(ctx context.Context, subjectID string) (map[string][]string, error) {
	c, err := s.users.Claims(ctx, subjectID)
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrUserInactive):
		return nil, NewInvalidGrantError("subject is no longer active")
	case err != nil:
		return nil, s.guard.transient(ctx, "user.claims", err)
	}
	return c, nil
}

// emit sends a security event to the audit sink and counts it. Sink failures
// are logged and never fail the request.
func (s *TokenService) emit(ctx context.Context, e audit.Event) {
	emitEvent(ctx, s.audit, s.metrics, s.now(), e)
}

func emitEvent(ctx context.Context, sink AuditSink, m *metrics.Metrics, now time.Time, e audit.Event) {
	e.Time = now.UTC()
	e.RequestID = middleware.GetReqID(ctx)
	m.SecurityEvent(e.Type)
	if err := sink.Emit(ctx, e); err != nil {
		logger.From(ctx).Error("audit sink failed", logger.Op("audit.emit"), logger.Err(err))
	}
}
