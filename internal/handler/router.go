package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dlddu/tiny-idp/internal/metrics"
)

// RouterDeps are the handlers mounted by NewRouter.
type RouterDeps struct {
	Auth     *AuthHandler
	Tokens   *TokenHandler
	Metadata *MetadataHandler
	Metrics  *metrics.Metrics
}

// NewRouter builds the HTTP surface. Middleware runs in this order:
//
//  1. RequestID assigns or propagates X-Request-Id.
//  2. RealIP rewrites RemoteAddr from X-Forwarded-For / X-Real-IP.
//  3. RequestLogger puts the scoped logger into the context and logs the
//     outcome, so everything below can log with the request id.
//  4. Recoverer turns panics into a logged 500 server_error.
//  5. Metrics counts the request under its route pattern.
//  6. SecurityHeaders applies to every response.
//
// Endpoints handing out codes, tokens or credentials add NoStore.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(SecurityHeaders)

	r.Get(PathDiscovery, d.Metadata.Discovery)
	r.Get(PathJWKS, d.Metadata.JWKS)
	r.Get(PathHealth, d.Metadata.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(NoStore)

		r.Get(PathAuthorize, d.Auth.Authorize)
		r.Get(PathLogin, d.Auth.ShowLoginForm)
		r.Post(PathLogin, d.Auth.HandleLoginSubmit)
		r.Get(PathEndSession, d.Auth.EndSession)

		r.Post(PathToken, d.Tokens.Token)
		r.Post(PathIntrospect, d.Tokens.Introspect)
		r.Post(PathRevoke, d.Tokens.Revoke)
		r.Get(PathUserInfo, d.Tokens.UserInfo)
		r.Post(PathUserInfo, d.Tokens.UserInfo)
	})

	return r
}
