package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dlddu/tiny-idp/internal/claims"
	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
)

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IssueRequest describes a grant that passed validation.
type IssueRequest struct {
	Client    *domain.Client
	GrantType string
	GrantID   string
	SubjectID string
	Scopes    []string
	AuthTime  time.Time
	Nonce     string
	// UserClaims are the subject claims before projection.
	UserClaims map[string][]string

	// RefreshExpiresAt carries the absolute expiry of a rotated refresh
	// token. Zero starts a new absolute lifetime.
	RefreshExpiresAt time.Time
	// ParentHash links a rotated refresh token to its predecessor.
	ParentHash string
	// ReuseRefreshToken is returned unchanged for clients with reusable
	// refresh tokens.
	ReuseRefreshToken string
	// RefreshScopes are stored on a new refresh token. Nil means Scopes. A
	// refresh request that narrows the scope keeps the original grant here.
	RefreshScopes []string
}

func (r IssueRequest) refreshScopes() []string {
	if r.RefreshScopes != nil {
		return r.RefreshScopes
	}
	return r.Scopes
}

// Issuer mints identity, access and refresh tokens. It signs only through the
// key provider held by the token manager.
type Issuer struct {
	tokens   *jwt.TokenManager
	store    repository.TokenStore
	registry *registry.Store
	policy   *claims.Policy
	guard    storeGuard
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(tm *jwt.TokenManager, store repository.TokenStore, reg *registry.Store, policy *claims.Policy, storeTimeout time.Duration, m *metrics.Metrics) *Issuer {
	if policy == nil {
		policy = claims.DefaultPolicy()
	}
	return &Issuer{
		tokens:   tm,
		store:    store,
		registry: reg,
		policy:   policy,
		guard:    storeGuard{timeout: storeTimeout, metrics: m},
		metrics:  m,
		now:      time.Now,
	}
}

// Issue produces the token response for req. An id token is added when
// openid was granted, a refresh token when offline_access was granted.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*TokenResponse, error) {
	now := i.now().UTC()
	reg := i.registry.Current()
	client := req.Client

	accessClaims := i.policy.Project(req.UserClaims, reg.APIClaims(req.Scopes))
	access, err := i.accessToken(ctx, req, now, reg.Audiences(req.Scopes), accessClaims)
	if err != nil {
		return nil, err
	}
	i.metrics.TokenIssued("access_token", req.GrantType)

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenLifetime / time.Second),
		Scope:       strings.Join(req.Scopes, " "),
	}

	if slices.Contains(req.Scopes, domain.ScopeOpenID) {
		idClaims := i.policy.Project(req.UserClaims, reg.IdentityClaims(req.Scopes))
		if resp.IDToken, err = i.idToken(ctx, req, now, access, idClaims); err != nil {
			return nil, err
		}
		i.metrics.TokenIssued("id_token", req.GrantType)
	}

	switch {
	case req.ReuseRefreshToken != "":
		resp.RefreshToken = req.ReuseRefreshToken
	case i.refreshAllowed(req):
		scopes := req.refreshScopes()
		snapshot := i.policy.Project(req.UserClaims,
			append(reg.IdentityClaims(scopes), reg.APIClaims(scopes)...))
		if resp.RefreshToken, err = i.refreshToken(ctx, req, now, snapshot); err != nil {
			return nil, err
		}
		i.metrics.TokenIssued("refresh_token", req.GrantType)
	}
	return resp, nil
}

func (i *Issuer) refreshAllowed(req IssueRequest) bool {
	return slices.Contains(req.refreshScopes(), domain.ScopeOfflineAccess) &&
		req.Client.AllowOfflineAccess &&
		req.Client.AllowsGrant(domain.GrantTypeRefreshToken)
}

func (i *Issuer) accessToken(ctx context.Context, req IssueRequest, now time.Time, audience []string, userClaims map[string][]string) (string, error) {
	exp := now.Add(req.Client.AccessTokenLifetime)

	if req.Client.AccessTokenType == domain.AccessTokenReference {
		handle, err := crypto.NewHandle()
		if err != nil {
			return "", NewServerError(err)
		}
		err = i.save(ctx, "token.save_reference", &domain.Token{
			HandleHash: crypto.HashHandle(handle),
			Kind:       domain.TokenKindReference,
			GrantID:    req.GrantID,
			ClientID:   req.Client.ClientID,
			SubjectID:  req.SubjectID,
			Scopes:     slices.Clone(req.Scopes),
			Audience:   audience,
			Claims:     userClaims,
			AuthTime:   req.AuthTime,
			CreatedAt:  now,
			ExpiresAt:  exp,
		})
		if err != nil {
			return "", err
		}
		return handle, nil
	}

	c := jwt.Claims{
		"sub":       req.SubjectID,
		"client_id": req.Client.ClientID,
		"scope":     strings.Join(req.Scopes, " "),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       exp.Unix(),
		"auth_time": req.AuthTime.Unix(),
		"jti":       uuid.NewString(),
	}
	if len(audience) > 0 {
		c["aud"] = audience
	}
	for k, v := range claims.Flatten(userClaims) {
		c[k] = v
	}
	signed, err := i.tokens.Sign(ctx, jwt.TypeAccessToken, c)
	if err != nil {
		return "", NewServerError(err)
	}
	return signed, nil
}

func (i *Issuer) idToken(ctx context.Context, req IssueRequest, now time.Time, accessToken string, userClaims map[string][]string) (string, error) {
	c := jwt.Claims{
		"sub":       req.SubjectID,
		"aud":       req.Client.ClientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(req.Client.IdentityTokenLifetime).Unix(),
		"auth_time": req.AuthTime.Unix(),
		"jti":       uuid.NewString(),
		"idp":       "local",
		"amr":       []string{"pwd"},
		"at_hash":   leftHalfHash(accessToken),
	}
	if req.Nonce != "" {
		c["nonce"] = req.Nonce
	}
	for k, v := range claims.Flatten(userClaims) {
		c[k] = v
	}
	signed, err := i.tokens.Sign(ctx, jwt.TypeIDToken, c)
	if err != nil {
		return "", NewServerError(err)
	}
	return signed, nil
}

func (i *Issuer) refreshToken(ctx context.Context, req IssueRequest, now time.Time, snapshot map[string][]string) (string, error) {
	exp := req.RefreshExpiresAt
	if exp.IsZero() {
		exp = now.Add(req.Client.AbsoluteRefreshTokenLifetime)
	}
	handle, err := crypto.NewHandle()
	if err != nil {
		return "", NewServerError(err)
	}
	err = i.save(ctx, "token.save_refresh", &domain.Token{
		HandleHash: crypto.HashHandle(handle),
		Kind:       domain.TokenKindRefresh,
		GrantID:    req.GrantID,
		ClientID:   req.Client.ClientID,
		SubjectID:  req.SubjectID,
		Scopes:     slices.Clone(req.refreshScopes()),
		Claims:     snapshot,
		AuthTime:   req.AuthTime,
		Nonce:      req.Nonce,
		ParentHash: req.ParentHash,
		CreatedAt:  now,
		ExpiresAt:  exp,
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (i *Issuer) save(ctx context.Context, op string, t *domain.Token) error {
	sctx, cancel := i.guard.ctx(ctx)
	defer cancel()
	if err := i.store.Save(sctx, t); err != nil {
		return i.guard.transient(ctx, op, err)
	}
	return nil
}

// leftHalfHash is the at_hash of an RS256 token: base64url of the left half
// of the SHA-256 digest.
func leftHalfHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
