package service

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/pkce"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
)

const responseTypeCode = "code"

// AuthorizeRequest holds the query parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ParseAuthorizeRequest reads the request parameters from a query.
func ParseAuthorizeRequest(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// ValidatedAuthorization is an authorization request that passed every
// check and only waits for an authenticated subject.
type ValidatedAuthorization struct {
	Client  *domain.Client
	Request AuthorizeRequest
	// Scopes is the granted subset of the requested scopes.
	Scopes []string
	// Method is the PKCE method with the RFC default applied, empty when no
	// challenge was sent.
	Method string
}

// SuccessLocation is the redirect carrying the code and the unchanged state.
func (v *ValidatedAuthorization) SuccessLocation(code string) string {
	params := map[string]string{"code": code}
	if v.Request.State != "" {
		params["state"] = v.Request.State
	}
	return appendQuery(v.Request.RedirectURI, params)
}

func (v *ValidatedAuthorization) fail(err *OAuthError) *RedirectError {
	return &RedirectError{RedirectURI: v.Request.RedirectURI, State: v.Request.State, Err: err}
}

// AuthorizeService validates authorization requests and issues codes.
type AuthorizeService struct {
	registry *registry.Store
	codes    repository.AuthorizationCodeStore
	guard    storeGuard
	now      func() time.Time
}

// NewAuthorizeService creates an AuthorizeService.
func NewAuthorizeService(reg *registry.Store, codes repository.AuthorizationCodeStore, storeTimeout time.Duration, m *metrics.Metrics) *AuthorizeService {
	return &AuthorizeService{
		registry: reg,
		codes:    codes,
		guard:    storeGuard{timeout: storeTimeout, metrics: m},
		now:      time.Now,
	}
}

// Validate checks req. Problems found before the redirect_uri is trusted are
// returned as *OAuthError and must be shown to the user. Later problems are
// returned as *RedirectError.
func (s *AuthorizeService) Validate(ctx context.Context, req AuthorizeRequest) (*ValidatedAuthorization, error) {
	if req.ClientID == "" {
		return nil, NewInvalidRequestError("client_id is required")
	}
	reg := s.registry.Current()
	client, err := reg.LookupClient(req.ClientID)
	if err != nil {
		return nil, NewUnknownClientError("unknown client")
	}
	if !reg.ValidateRedirect(client, req.RedirectURI) {
		logger.From(ctx).Warn("unregistered redirect_uri",
			logger.ClientID(client.ClientID), logger.Op("authorize.validate"))
		return nil, NewInvalidRedirectURIError("redirect_uri is not registered for the client")
	}

	v := &ValidatedAuthorization{Client: client, Request: req}

	switch req.ResponseType {
	case responseTypeCode:
	case "":
		return nil, v.fail(NewInvalidRequestError("response_type is required"))
	default:
		return nil, v.fail(NewUnsupportedResponseTypeError("only response_type=code is supported"))
	}
	if !client.AllowsGrant(domain.GrantTypeAuthorizationCode) {
		return nil, v.fail(NewUnauthorizedClientError("client may not use the authorization code grant"))
	}

	v.Scopes = reg.ValidateScopes(ctx, client, strings.Fields(req.Scope))
	if len(v.Scopes) == 0 {
		return nil, v.fail(NewInvalidScopeError("no requested scope is allowed for the client"))
	}
	identity := reg.IdentityScopes(v.Scopes)
	if len(identity) > 0 && !slices.Contains(v.Scopes, domain.ScopeOpenID) {
		return nil, v.fail(NewInvalidScopeError("identity scopes require the openid scope"))
	}

	switch {
	case req.CodeChallenge != "":
		if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod, client.AllowPlainPKCE); err != nil {
			return nil, v.fail(NewInvalidRequestError(err.Error()))
		}
		v.Method = pkce.NormalizeMethod(req.CodeChallengeMethod)
	case client.RequirePKCE || !client.IsConfidential():
		return nil, v.fail(NewInvalidRequestError(pkce.ErrMissingChallenge.Error()))
	}
	return v, nil
}

// IssueCode stores a new authorization code for subjectID and returns the
// handle sent to the client. Every code starts a new grant.
func (s *AuthorizeService) IssueCode(ctx context.Context, v *ValidatedAuthorization, subjectID string, authTime time.Time) (string, error) {
	handle, err := crypto.NewHandle()
	if err != nil {
		return "", v.fail(NewServerError(err))
	}

	now := s.now().UTC()
	code := &domain.AuthorizationCode{
		CodeHash:            crypto.HashHandle(handle),
		GrantID:             uuid.NewString(),
		ClientID:            v.Client.ClientID,
		SubjectID:           subjectID,
		RedirectURI:         v.Request.RedirectURI,
		Scopes:              slices.Clone(v.Scopes),
		CodeChallenge:       v.Request.CodeChallenge,
		CodeChallengeMethod: v.Method,
		Nonce:               v.Request.Nonce,
		AuthTime:            authTime.UTC(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(v.Client.AuthorizationCodeLifetime),
	}

	sctx, cancel := s.guard.ctx(ctx)
	defer cancel()
	if err := s.codes.Create(sctx, code); err != nil {
		if errors.Is(err, repository.ErrCodeExists) {
			return "", v.fail(NewServerError(err))
		}
		return "", v.fail(AsOAuthError(s.guard.transient(ctx, "code.create", err)))
	}

	logger.From(ctx).Info("authorization code issued",
		logger.ClientID(code.ClientID),
		logger.SubjectID(subjectID),
		logger.GrantID(code.GrantID),
		logger.Scopes(code.Scopes),
		zap.Bool("consent_implied", v.Client.RequireConsent),
	)
	return handle, nil
}

// appendQuery adds params to the query of base, keeping any query the
// registered URI already has.
func appendQuery(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
