package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/claims"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/repository"
)

// IntrospectionResponse is the RFC 7662 response. Inactive tokens carry only
// active=false.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`

	// Claims are merged into the top level object without shadowing the
	// fields above.
	Claims map[string]any `json:"-"`
}

func (r IntrospectionResponse) MarshalJSON() ([]byte, error) {
	type plain IntrospectionResponse
	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Claims) == 0 {
		return base, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for k, v := range r.Claims {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// IntrospectionService answers introspection calls from API resources and
// clients.
type IntrospectionService struct {
	clients   *ClientService
	validator *Validator
	tokens    *jwt.TokenManager
	store     repository.TokenStore
	now       func() time.Time
}

// NewIntrospectionService creates an IntrospectionService.
func NewIntrospectionService(clients *ClientService, validator *Validator, tm *jwt.TokenManager, store repository.TokenStore) *IntrospectionService {
	return &IntrospectionService{
		clients:   clients,
		validator: validator,
		tokens:    tm,
		store:     store,
		now:       time.Now,
	}
}

// caller is whoever authenticated at the introspection endpoint.
type caller struct {
	clientID string
	api      *domain.APIResource
}

// sees reports whether the caller may learn about a token. An API resource
// sees tokens issued for it, a client sees its own tokens.
func (c caller) sees(clientID string, audience []string) bool {
	if c.api != nil {
		return slices.Contains(audience, c.api.Name)
	}
	return c.clientID == clientID
}

// authenticate accepts an API resource first and falls back to a client.
func (s *IntrospectionService) authenticate(ctx context.Context, creds auth.Credentials) (caller, error) {
	if api, err := s.clients.AuthenticateResource(ctx, creds); err == nil {
		return caller{api: api}, nil
	}
	client, err := s.clients.AuthenticateClient(ctx, creds)
	if err != nil {
		return caller{}, err
	}
	if !client.IsConfidential() {
		return caller{}, NewInvalidClientError("public clients may not introspect")
	}
	return caller{clientID: client.ClientID}, nil
}

// Introspect returns the token state. Unknown, expired, revoked and foreign
// tokens are all reported as inactive. Only caller authentication failures
// and store outages are errors.
func (s *IntrospectionService) Introspect(ctx context.Context, creds auth.Credentials, token, hint string) (*IntrospectionResponse, error) {
	who, err := s.authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive, nil
	}

	if hint == "refresh_token" && !isJWT(token) {
		if resp, err := s.refresh(ctx, who, token); err != nil || resp.Active {
			return resp, err
		}
	}

	at, err := s.validator.ValidateAccessToken(ctx, token, "")
	switch {
	case errors.Is(err, ErrTemporarilyUnavailable):
		return nil, err
	case errors.Is(err, ErrInvalidToken) && !isJWT(token) && hint != "refresh_token":
		return s.refresh(ctx, who, token)
	case err != nil:
		return inactive, nil
	}
	if !who.sees(at.ClientID, at.Audience) {
		return inactive, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     strings.Join(at.Scopes, " "),
		ClientID:  at.ClientID,
		Subject:   at.SubjectID,
		TokenType: "Bearer",
		Issuer:    s.tokens.Issuer(),
		Audience:  at.Audience,
		ExpiresAt: at.ExpiresAt.Unix(),
		IssuedAt:  at.IssuedAt.Unix(),
		Claims:    claims.Flatten(at.Claims),
	}
	if !at.AuthTime.IsZero() {
		resp.AuthTime = at.AuthTime.Unix()
	}
	return resp, nil
}

// refresh reports on a refresh token. Only the owning client sees it.
func (s *IntrospectionService) refresh(ctx context.Context, who caller, handle string) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{Active: false}
	t, err := s.validator.lookup(ctx, handle)
	switch {
	case errors.Is(err, ErrTemporarilyUnavailable):
		return nil, err
	case err != nil:
		return inactive, nil
	}
	if t.Kind != domain.TokenKindRefresh || !t.Active(s.now()) || who.api != nil || who.clientID != t.ClientID {
		return inactive, nil
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     strings.Join(t.Scopes, " "),
		ClientID:  t.ClientID,
		Subject:   t.SubjectID,
		TokenType: "refresh_token",
		Issuer:    s.tokens.Issuer(),
		ExpiresAt: t.ExpiresAt.Unix(),
		IssuedAt:  t.CreatedAt.Unix(),
		AuthTime:  t.AuthTime.Unix(),
	}, nil
}
