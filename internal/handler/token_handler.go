package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/service"
)

// maxFormBytes bounds form bodies on every POST endpoint.
const maxFormBytes = 64 << 10

// TokenExchanger redeems grants at the token endpoint.
type TokenExchanger interface {
	Exchange(ctx context.Context, req service.TokenRequest) (*service.TokenResponse, error)
}

// Introspector answers RFC 7662 introspection requests.
type Introspector interface {
	Introspect(ctx context.Context, creds auth.Credentials, token, hint string) (*service.IntrospectionResponse, error)
}

// Revoker answers RFC 7009 revocation requests.
type Revoker interface {
	Revoke(ctx context.Context, creds auth.Credentials, token string) error
}

// UserInfoProvider resolves the claims behind a bearer token.
type UserInfoProvider interface {
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
}

// TokenHandler handles the back channel endpoints called by clients and APIs.
type TokenHandler struct {
	tokens     TokenExchanger
	introspect Introspector
	revoke     Revoker
	userinfo   UserInfoProvider
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(tokens TokenExchanger, introspect Introspector, revoke Revoker, userinfo UserInfoProvider) *TokenHandler {
	return &TokenHandler{
		tokens:     tokens,
		introspect: introspect,
		revoke:     revoke,
		userinfo:   userinfo,
	}
}

// Token handles POST /token.
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	form := r.PostForm
	resp, err := h.tokens.Exchange(r.Context(), service.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Credentials:  creds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Introspect handles POST /introspect.
func (h *TokenHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeError(w, r, service.NewInvalidRequestError("token is required"))
		return
	}

	resp, err := h.introspect.Introspect(r.Context(), creds, token, r.PostForm.Get("token_type_hint"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Revoke handles POST /revoke. Unknown tokens are answered with 200.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := clientCredentials(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.revoke.Revoke(r.Context(), creds, r.PostForm.Get("token")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UserInfo handles GET and POST /userinfo.
func (h *TokenHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, err := h.userinfo.UserInfo(r.Context(), token)
	if err != nil {
		writeBearerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return service.NewInvalidRequestError("the request body could not be parsed")
	}
	return nil
}

// clientCredentials maps credential extraction failures to OAuth errors.
// Presenting credentials twice is a malformed request, everything else is a
// failed authentication.
func clientCredentials(r *http.Request) (auth.Credentials, error) {
	creds, err := auth.ClientCredentials(r)
	if err == nil {
		return creds, nil
	}
	logger.From(r.Context()).Info("client credentials rejected", logger.Err(err))
	if errors.Is(err, auth.ErrMultipleMethods) {
		return auth.Credentials{}, service.NewInvalidRequestError(err.Error())
	}
	return auth.Credentials{}, service.NewInvalidClientError("client authentication failed")
}
