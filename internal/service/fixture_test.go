package service

import (
	"context"
	"crypto/rsa"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/pkce"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
)

const (
	testIssuer      = "https://localhost:44321"
	galleryRedirect = "https://localhost:44389/signin-oidc"
	spaClientID     = "spa"
	spaRedirect     = "http://localhost:3000/callback"
	frankSubject    = "d860efca-22d9-47fd-8249-791ba61b07c7"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var (
	seedOnce     sync.Once
	seedContents registry.Contents
	seedUsers    *repository.MemoryUserRepository
	seedKey      *rsa.PrivateKey
	otherKey     *rsa.PrivateKey
	seedErr      error
)

// shared builds the bcrypt hashes and RSA keys once for the whole package.
func shared(t *testing.T) {
	t.Helper()
	seedOnce.Do(func() {
		if seedContents, seedErr = registry.ImageGallery(); seedErr != nil {
			return
		}
		seedContents.Clients = append(seedContents.Clients, domain.Client{
			ClientID:           spaClientID,
			ClientName:         "Single page app",
			GrantTypes:         []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken},
			RedirectURIs:       []string{spaRedirect},
			AllowedScopes:      []string{"openid", "profile", "imagegalleryapi"},
			RequirePKCE:        true,
			AllowOfflineAccess: true,
			AccessTokenType:    domain.AccessTokenJWT,
			RefreshTokenUsage:  domain.RefreshTokenReUse,
		})

		seedUsers = repository.NewMemoryUserRepository()
		if seedErr = NewUserService(seedUsers, BcryptHasher{}).SeedUsers(context.Background(), TestUsers()); seedErr != nil {
			return
		}
		if seedKey, seedErr = jwt.GenerateKey(jwt.MinKeyBits); seedErr != nil {
			return
		}
		otherKey, seedErr = jwt.GenerateKey(jwt.MinKeyBits)
	})
	require.NoError(t, seedErr)
}

type fixture struct {
	at     time.Time
	reg    *registry.Store
	codes  *repository.MemoryCodeStore
	tokens *repository.MemoryTokenStore
	users  *UserService
	tm     *jwt.TokenManager
	audit  *audit.Recorder

	authz      *AuthorizeService
	issuer     *Issuer
	validator  *Validator
	tokenSvc   *TokenService
	introspect *IntrospectionService
	revocation *RevocationService
	userinfo   *UserInfoService
	endSession *EndSessionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shared(t)

	r, err := registry.New(seedContents)
	require.NoError(t, err)
	keys, err := jwt.NewStaticProvider(seedKey)
	require.NoError(t, err)

	f := &fixture{
		at:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		reg:    registry.NewStore(r),
		codes:  repository.NewMemoryCodeStore(),
		tokens: repository.NewMemoryTokenStore(),
		users:  NewUserService(seedUsers, BcryptHasher{}),
		audit:  &audit.Recorder{},
	}
	f.tm, err = jwt.NewTokenManager(keys, testIssuer, jwt.WithClock(f.clock))
	require.NoError(t, err)

	clients := NewClientService(f.reg, BcryptHasher{})
	f.authz = NewAuthorizeService(f.reg, f.codes, time.Second, nil)
	f.authz.now = f.clock
	f.issuer = NewIssuer(f.tm, f.tokens, f.reg, nil, time.Second, nil)
	f.issuer.now = f.clock
	f.validator = NewValidator(f.tm, f.tokens, time.Second, nil)
	f.validator.now = f.clock
	f.tokenSvc = NewTokenService(TokenServiceDeps{
		Clients:      clients,
		Registry:     f.reg,
		Codes:        f.codes,
		Tokens:       f.tokens,
		Issuer:       f.issuer,
		Users:        f.users,
		Audit:        f.audit,
		StoreTimeout: time.Second,
	})
	f.tokenSvc.now = f.clock
	f.introspect = NewIntrospectionService(clients, f.validator, f.tm, f.tokens)
	f.introspect.now = f.clock
	f.revocation = NewRevocationService(clients, f.tokens, time.Second, nil)
	f.revocation.now = f.clock
	f.userinfo = NewUserInfoService(f.validator, f.reg, f.users, nil, time.Second, nil)
	f.endSession = NewEndSessionService(f.reg, f.tm)
	return f
}

func (f *fixture) clock() time.Time { return f.at }

func (f *fixture) advance(d time.Duration) { f.at = f.at.Add(d) }

func galleryCreds() auth.Credentials {
	return auth.Credentials{ClientID: registry.ImageGalleryClientID, ClientSecret: "secret", Method: auth.MethodBasic}
}

func spaCreds() auth.Credentials {
	return auth.Credentials{ClientID: spaClientID, Method: auth.MethodNone}
}

func authorizeQuery(clientID, redirectURI, scope string) url.Values {
	return url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {"af0ifjsldkj"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {pkce.ChallengeS256(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// issueCode runs a successful authorization for Frank and returns the code.
func (f *fixture) issueCode(t *testing.T, clientID, redirectURI, scope string) string {
	t.Helper()
	ctx := context.Background()
	v, err := f.authz.Validate(ctx, ParseAuthorizeRequest(authorizeQuery(clientID, redirectURI, scope)))
	require.NoError(t, err)
	code, err := f.authz.IssueCode(ctx, v, frankSubject, f.at.Add(-time.Minute))
	require.NoError(t, err)
	return code
}

func (f *fixture) redeem(creds auth.Credentials, code, redirectURI string) (*TokenResponse, error) {
	return f.tokenSvc.Exchange(context.Background(), TokenRequest{
		GrantType:    domain.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: testVerifier,
		Credentials:  creds,
	})
}

// galleryTokens runs the image gallery code flow end to end.
func (f *fixture) galleryTokens(t *testing.T, scope string) *TokenResponse {
	t.Helper()
	code := f.issueCode(t, registry.ImageGalleryClientID, galleryRedirect, scope)
	resp, err := f.redeem(galleryCreds(), code, galleryRedirect)
	require.NoError(t, err)
	return resp
}

func (f *fixture) refresh(creds auth.Credentials, token, scope string) (*TokenResponse, error) {
	return f.tokenSvc.Exchange(context.Background(), TokenRequest{
		GrantType:    domain.GrantTypeRefreshToken,
		RefreshToken: token,
		Scope:        scope,
		Credentials:  creds,
	})
}

func eventTypes(r *audit.Recorder) []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}
