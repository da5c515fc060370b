package handler

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/cache"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/pkce"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
	"github.com/dlddu/tiny-idp/internal/service"
	"github.com/dlddu/tiny-idp/internal/session"
)

const (
	galleryRedirect = "https://localhost:44389/signin-oidc"
	galleryLogout   = "https://localhost:44389/signout-callback-oidc"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testState       = "af0ifjsldkj"
	testNonce       = "n-0S6_WzA2Mj"
)

var (
	sharedOnce     sync.Once
	sharedContents registry.Contents
	sharedUsers    *repository.MemoryUserRepository
	sharedKey      *rsa.PrivateKey
	sharedErr      error
)

// shared hashes the seed secrets and generates the signing key once.
func shared(t *testing.T) {
	t.Helper()
	sharedOnce.Do(func() {
		if sharedContents, sharedErr = registry.ImageGallery(); sharedErr != nil {
			return
		}
		sharedUsers = repository.NewMemoryUserRepository()
		users := service.NewUserService(sharedUsers, service.BcryptHasher{})
		if sharedErr = users.SeedUsers(context.Background(), service.TestUsers()); sharedErr != nil {
			return
		}
		sharedKey, sharedErr = jwt.GenerateKey(jwt.MinKeyBits)
	})
	require.NoError(t, sharedErr)
}

// stack is the whole provider behind an httptest server.
type stack struct {
	srv    *httptest.Server
	audit  *audit.Recorder
	tokens *repository.MemoryTokenStore
	keys   *jwt.StaticProvider
	// browser keeps cookies and stops at redirects leaving the provider.
	browser *http.Client
}

func newStack(t *testing.T) *stack {
	t.Helper()
	shared(t)

	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	reg, err := registry.New(sharedContents)
	require.NoError(t, err)
	regStore := registry.NewStore(reg)
	keys, err := jwt.NewStaticProvider(sharedKey)
	require.NoError(t, err)
	tm, err := jwt.NewTokenManager(keys, srv.URL)
	require.NoError(t, err)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	s := &stack{
		srv:    srv,
		audit:  &audit.Recorder{},
		tokens: repository.NewMemoryTokenStore(),
		keys:   keys,
	}
	codes := repository.NewMemoryCodeStore()
	users := service.NewUserService(sharedUsers, service.BcryptHasher{})
	clients := service.NewClientService(regStore, service.BcryptHasher{})
	validator := service.NewValidator(tm, s.tokens, time.Second, m)
	issuer := service.NewIssuer(tm, s.tokens, regStore, nil, time.Second, m)

	sessionCache := cache.NewMemory("test:", time.Minute)
	t.Cleanup(func() { _ = sessionCache.Close() })
	sessions := session.NewManager(sessionCache, session.Options{})

	h = NewRouter(RouterDeps{
		Auth: NewAuthHandler(AuthHandlerDeps{
			Authorizer: service.NewAuthorizeService(regStore, codes, time.Second, m),
			Users:      users,
			Clients:    clients,
			EndSession: service.NewEndSessionService(regStore, tm),
			Sessions:   sessions,
			Audit:      s.audit,
			Metrics:    m,
		}),
		Tokens: NewTokenHandler(
			service.NewTokenService(service.TokenServiceDeps{
				Clients:      clients,
				Registry:     regStore,
				Codes:        codes,
				Tokens:       s.tokens,
				Issuer:       issuer,
				Users:        users,
				Audit:        s.audit,
				Metrics:      m,
				StoreTimeout: time.Second,
			}),
			service.NewIntrospectionService(clients, validator, tm, s.tokens),
			service.NewRevocationService(clients, s.tokens, time.Second, m),
			service.NewUserInfoService(validator, regStore, users, nil, time.Second, m),
		),
		Metadata: NewMetadataHandler(srv.URL, regStore, keys, map[string]Pinger{"sessions": sessionCache}),
		Metrics:  m,
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	host := srv.Listener.Addr().String()
	s.browser = &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Host != host {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return s
}

func galleryQuery(scope string) url.Values {
	return url.Values{
		"client_id":             {registry.ImageGalleryClientID},
		"redirect_uri":          {galleryRedirect},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {testState},
		"nonce":                 {testNonce},
		"code_challenge":        {pkce.ChallengeS256(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// startLogin opens an authorization URL in the browser and returns the
// login_request id the provider parked it under.
func (s *stack) startLogin(t *testing.T, authorizeURL string) string {
	t.Helper()
	resp, err := s.browser.Get(authorizeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, PathLogin, resp.Request.URL.Path)
	id := resp.Request.URL.Query().Get("login_request")
	require.NotEmpty(t, id)
	return id
}

// submitLogin posts credentials and returns the last response, which is the
// redirect back to the client on success.
func (s *stack) submitLogin(t *testing.T, id, username, password string) *http.Response {
	t.Helper()
	resp, err := s.browser.PostForm(s.srv.URL+PathLogin, url.Values{
		"login_request": {id},
		"username":      {username},
		"password":      {password},
	})
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// authorize signs Frank in and returns the redirect back to the client.
func (s *stack) authorize(t *testing.T, authorizeURL string) *url.URL {
	t.Helper()
	id := s.startLogin(t, authorizeURL)
	resp := s.submitLogin(t, id, "Frank", "password")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func (s *stack) eventTypes() []string {
	var out []string
	for _, e := range s.audit.Events() {
		out = append(out, e.Type)
	}
	return out
}
