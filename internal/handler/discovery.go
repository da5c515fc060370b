package handler

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/service"
)

// Endpoint paths relative to the issuer.
const (
	PathAuthorize  = "/authorize"
	PathToken      = "/token"
	PathIntrospect = "/introspect"
	PathRevoke     = "/revoke"
	PathUserInfo   = "/userinfo"
	PathEndSession = "/endsession"
	PathLogin      = "/login"
	PathDiscovery  = "/.well-known/openid-configuration"
	PathJWKS       = "/.well-known/jwks.json"
	PathHealth     = "/healthz"
	PathMetrics    = "/metrics"
)

// Discovery is the OpenID Provider metadata document.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Pinger is a dependency whose reachability is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetadataHandler serves discovery, JWKS and health.
type MetadataHandler struct {
	issuer   string
	registry *registry.Store
	keys     jwt.KeyProvider
	checks   map[string]Pinger
}

func NewMetadataHandler(issuer string, reg *registry.Store, keys jwt.KeyProvider, checks map[string]Pinger) *MetadataHandler {
	return &MetadataHandler{issuer: issuer, registry: reg, keys: keys, checks: checks}
}

// Discovery handles GET /.well-known/openid-configuration. The scope and
// claim lists follow the current registry snapshot.
func (h *MetadataHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	reg := h.registry.Current()
	writeJSON(w, http.StatusOK, Discovery{
		Issuer:                 h.issuer,
		AuthorizationEndpoint:  h.issuer + PathAuthorize,
		TokenEndpoint:          h.issuer + PathToken,
		UserInfoEndpoint:       h.issuer + PathUserInfo,
		JWKSURI:                h.issuer + PathJWKS,
		EndSessionEndpoint:     h.issuer + PathEndSession,
		IntrospectionEndpoint:  h.issuer + PathIntrospect,
		RevocationEndpoint:     h.issuer + PathRevoke,
		ScopesSupported:        reg.SupportedScopes(),
		ClaimsSupported:        reg.SupportedClaims(),
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			domain.GrantTypeAuthorizationCode,
			domain.GrantTypeRefreshToken,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{jwt.AlgorithmRS256},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
		CodeChallengeMethodsSupported: []string{domain.ChallengeMethodS256, domain.ChallengeMethodPlain},
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *MetadataHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := jwt.JWKS(r.Context(), h.keys)
	if err != nil {
		logger.From(r.Context()).Error("load validation keys failed", logger.Err(err))
		writeError(w, r, service.NewTemporarilyUnavailableError(err))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

// Health handles GET /healthz. Every dependency is pinged concurrently and
// any failure turns the response into 503.
func (h *MetadataHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	failures := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			failures[i] = h.checks[name].Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status, state := http.StatusOK, "ok"
	results := make(map[string]string, len(names))
	for i, name := range names {
		if failures[i] == nil {
			results[name] = "up"
			continue
		}
		logger.From(r.Context()).Warn("health check failed", logger.Component(name), logger.Err(failures[i]))
		results[name] = "down"
		status, state = http.StatusServiceUnavailable, "degraded"
	}
	if status != http.StatusOK {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}
