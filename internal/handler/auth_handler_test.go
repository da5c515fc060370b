package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/registry"
)

func TestAuthorize_ErrorsShownToUser(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		wantError string
	}{
		{
			name:      "unknown client",
			query:     url.Values{"client_id": {"nope"}, "redirect_uri": {galleryRedirect}, "response_type": {"code"}},
			wantError: "invalid_client",
		},
		{
			name: "unregistered redirect_uri",
			query: url.Values{
				"client_id":     {registry.ImageGalleryClientID},
				"redirect_uri":  {"https://evil.example/cb"},
				"response_type": {"code"},
			},
			wantError: "invalid_redirect_uri",
		},
		{
			name:      "missing client_id",
			query:     url.Values{"redirect_uri": {galleryRedirect}, "response_type": {"code"}},
			wantError: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newStack(t)

			// Act
			resp, err := s.browser.Get(s.srv.URL + PathAuthorize + "?" + tt.query.Encode())
			require.NoError(t, err)
			defer resp.Body.Close()

			// Assert
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, resp.Header.Get("Location"))
			assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestAuthorize_ErrorsRedirectedWithState(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "unsupported response_type",
			mutate:    func(q url.Values) { q.Set("response_type", "token") },
			wantError: "unsupported_response_type",
		},
		{
			name:      "no allowed scope",
			mutate:    func(q url.Values) { q.Set("scope", "email") },
			wantError: "invalid_scope",
		},
		{
			name: "missing code_challenge",
			mutate: func(q url.Values) {
				q.Del("code_challenge")
				q.Del("code_challenge_method")
			},
			wantError: "invalid_request",
		},
		{
			name:      "plain PKCE",
			mutate:    func(q url.Values) { q.Set("code_challenge_method", "plain") },
			wantError: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newStack(t)
			q := galleryQuery("openid profile")
			tt.mutate(q)

			// Act
			resp, err := s.browser.Get(s.srv.URL + PathAuthorize + "?" + q.Encode())
			require.NoError(t, err)
			resp.Body.Close()

			// Assert
			require.Equal(t, http.StatusFound, resp.StatusCode)
			loc, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "localhost:44389", loc.Host)
			assert.Equal(t, tt.wantError, loc.Query().Get("error"))
			assert.Equal(t, testState, loc.Query().Get("state"))
			assert.Empty(t, loc.Query().Get("code"))
		})
	}
}

func TestAuthorize_WithoutSessionParksRequest(t *testing.T) {
	// Arrange
	s := newStack(t)
	s.browser.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	// Act
	resp, err := s.browser.Get(s.srv.URL + PathAuthorize + "?" + galleryQuery("openid profile").Encode())
	require.NoError(t, err)
	resp.Body.Close()

	// Assert
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, PathLogin, loc.Path)
	id := loc.Query().Get("login_request")
	require.NotEmpty(t, id)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var bound bool
	for _, c := range resp.Cookies() {
		if c.Name == loginCookie {
			bound = c.Value == id && c.HttpOnly
		}
	}
	assert.True(t, bound, "login request cookie not set")
}

func TestLogin_SuccessReturnsToClientWithCode(t *testing.T) {
	// Arrange
	s := newStack(t)

	// Act
	callback := s.authorize(t, s.srv.URL+PathAuthorize+"?"+galleryQuery("openid profile").Encode())

	// Assert
	assert.Equal(t, "/signin-oidc", callback.Path)
	assert.NotEmpty(t, callback.Query().Get("code"))
	assert.Equal(t, testState, callback.Query().Get("state"))

	// an existing session skips the login page
	resp, err := s.browser.Get(s.srv.URL + PathAuthorize + "?" + galleryQuery("openid").Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
	assert.NotEqual(t, callback.Query().Get("code"), loc.Query().Get("code"))
}

func TestLogin_FormShowsClientAndScopes(t *testing.T) {
	// Arrange
	s := newStack(t)
	id := s.startLogin(t, s.srv.URL+PathAuthorize+"?"+galleryQuery("openid imagegalleryapi").Encode())

	// Act
	resp, err := s.browser.Get(s.srv.URL + PathLogin + "?login_request=" + url.QueryEscape(id))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "Image Gallery")
	assert.Contains(t, string(body), "imagegalleryapi")
	assert.Contains(t, string(body), `name="login_request" value="`+id+`"`)
}

func TestLogin_WrongPasswordIsAudited(t *testing.T) {
	// Arrange
	s := newStack(t)
	id := s.startLogin(t, s.srv.URL+PathAuthorize+"?"+galleryQuery("openid").Encode())

	// Act
	resp := s.submitLogin(t, id, "Frank", "wrong")

	// Assert
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Invalid username or password.")
	assert.Equal(t, []string{audit.LoginFailure}, s.eventTypes())
	assert.Equal(t, registry.ImageGalleryClientID, s.audit.Events()[0].ClientID)

	// the parked request survives a failed attempt
	retry := s.submitLogin(t, id, "Frank", "password")
	assert.Equal(t, http.StatusFound, retry.StatusCode)
}

func TestLogin_RejectsRequestFromAnotherBrowser(t *testing.T) {
	// Arrange
	s := newStack(t)
	id := s.startLogin(t, s.srv.URL+PathAuthorize+"?"+galleryQuery("openid").Encode())

	// Act
	resp, err := http.PostForm(s.srv.URL+PathLogin, url.Values{
		"login_request": {id},
		"username":      {"Frank"},
		"password":      {"password"},
	})
	require.NoError(t, err)
	resp.Body.Close()

	// Assert
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLogin_UnknownRequest(t *testing.T) {
	// Arrange
	s := newStack(t)

	// Act
	resp, err := s.browser.Get(s.srv.URL + PathLogin + "?login_request=unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "expired")
	assert.NotContains(t, string(body), "<form")
}

func TestLogin_RequestCannotBeResumedTwice(t *testing.T) {
	// Arrange
	s := newStack(t)
	id := s.startLogin(t, s.srv.URL+PathAuthorize+"?"+galleryQuery("openid").Encode())
	require.Equal(t, http.StatusFound, s.submitLogin(t, id, "Frank", "password").StatusCode)

	// Act
	resp, err := s.browser.Get(s.srv.URL + PathLogin + "?login_request=" + url.QueryEscape(id))
	require.NoError(t, err)
	resp.Body.Close()

	// Assert
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndSession(t *testing.T) {
	tests := []struct {
		name         string
		query        url.Values
		wantStatus   int
		wantLocation string
	}{
		{
			name:       "no redirect stays on the provider",
			query:      url.Values{},
			wantStatus: http.StatusOK,
		},
		{
			name: "registered redirect with client_id",
			query: url.Values{
				"client_id":                {registry.ImageGalleryClientID},
				"post_logout_redirect_uri": {galleryLogout},
				"state":                    {"s1"},
			},
			wantStatus:   http.StatusFound,
			wantLocation: galleryLogout + "?state=s1",
		},
		{
			name: "unregistered redirect",
			query: url.Values{
				"client_id":                {registry.ImageGalleryClientID},
				"post_logout_redirect_uri": {"https://evil.example/"},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "redirect without a client",
			query:      url.Values{"post_logout_redirect_uri": {galleryLogout}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newStack(t)

			// Act
			resp, err := s.browser.Get(s.srv.URL + PathEndSession + "?" + tt.query.Encode())
			require.NoError(t, err)
			resp.Body.Close()

			// Assert
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantLocation, resp.Header.Get("Location"))
		})
	}
}
