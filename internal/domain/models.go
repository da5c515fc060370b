package domain

import (
	"slices"
	"time"
)

// Grant types a client may be allowed to use.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Well known scopes with protocol meaning.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// PKCE challenge methods.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// AccessTokenType selects how access tokens are represented for a client.
type AccessTokenType string

const (
	// AccessTokenJWT is a self-contained signed token.
	AccessTokenJWT AccessTokenType = "jwt"
	// AccessTokenReference is an opaque handle resolved by introspection.
	AccessTokenReference AccessTokenType = "reference"
)

// RefreshTokenUsage controls what happens to a refresh token on redemption.
type RefreshTokenUsage string

const (
	RefreshTokenOneTime RefreshTokenUsage = "one_time"
	RefreshTokenReUse   RefreshTokenUsage = "reuse"
)

// Client represents a registered relying party
type Client struct {
	ClientID         string   `json:"client_id" yaml:"client_id"`
	ClientName       string   `json:"client_name" yaml:"client_name"`
	ClientSecretHash string   `json:"-" yaml:"client_secret_hash"`
	GrantTypes       []string `json:"grant_types" yaml:"grant_types"`
	RedirectURIs     []string `json:"redirect_uris" yaml:"redirect_uris"`
	// PostLogoutRedirectURIs are matched exactly at end session.
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris" yaml:"post_logout_redirect_uris"`
	AllowedScopes          []string `json:"allowed_scopes" yaml:"allowed_scopes"`

	RequirePKCE        bool `json:"require_pkce" yaml:"require_pkce"`
	AllowPlainPKCE     bool `json:"allow_plain_pkce" yaml:"allow_plain_pkce"`
	RequireConsent     bool `json:"require_consent" yaml:"require_consent"`
	AllowOfflineAccess bool `json:"allow_offline_access" yaml:"allow_offline_access"`
	// UpdateAccessTokenClaimsOnRefresh re-reads subject claims when refreshing.
	UpdateAccessTokenClaimsOnRefresh bool `json:"update_access_token_claims_on_refresh" yaml:"update_access_token_claims_on_refresh"`

	AccessTokenType   AccessTokenType   `json:"access_token_type" yaml:"access_token_type"`
	RefreshTokenUsage RefreshTokenUsage `json:"refresh_token_usage" yaml:"refresh_token_usage"`

	AccessTokenLifetime          time.Duration `json:"access_token_lifetime" yaml:"access_token_lifetime"`
	IdentityTokenLifetime        time.Duration `json:"identity_token_lifetime" yaml:"identity_token_lifetime"`
	AuthorizationCodeLifetime    time.Duration `json:"authorization_code_lifetime" yaml:"authorization_code_lifetime"`
	AbsoluteRefreshTokenLifetime time.Duration `json:"absolute_refresh_token_lifetime" yaml:"absolute_refresh_token_lifetime"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsConfidential reports whether the client must present a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientSecretHash != ""
}

// AllowsGrant reports whether grantType is registered for the client.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// IdentityResource is a named group of user claims requested through a scope.
type IdentityResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	UserClaims  []string `yaml:"user_claims"`
}

// APIScope is a scope that grants access to an API.
type APIScope struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	UserClaims  []string `yaml:"user_claims"`
}

// APIResource groups scopes under an audience. Its secret authenticates
// introspection calls made by the API.
type APIResource struct {
	Name       string   `yaml:"name"`
	Scopes     []string `yaml:"scopes"`
	UserClaims []string `yaml:"user_claims"`
	SecretHash string   `yaml:"secret_hash"`
}

// User is a locally stored subject that can sign in.
type User struct {
	SubjectID    string              `json:"sub"`
	Username     string              `json:"username"`
	PasswordHash string              `json:"-"`
	IsActive     bool                `json:"is_active"`
	Claims       map[string][]string `json:"claims"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// AuthorizationCode represents a single-use code issued at the authorization endpoint
type AuthorizationCode struct {
	// CodeHash is the SHA-256 of the handle handed to the client.
	CodeHash            string     `json:"code_hash"`
	GrantID             string     `json:"grant_id"`
	ClientID            string     `json:"client_id"`
	SubjectID           string     `json:"sub"`
	RedirectURI         string     `json:"redirect_uri"`
	Scopes              []string   `json:"scopes"`
	CodeChallenge       string     `json:"code_challenge,omitempty"`
	CodeChallengeMethod string     `json:"code_challenge_method,omitempty"`
	Nonce               string     `json:"nonce,omitempty"`
	AuthTime            time.Time  `json:"auth_time"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	ConsumedAt          *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the code is past its lifetime at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenKind distinguishes persisted token records.
type TokenKind string

const (
	TokenKindReference TokenKind = "reference"
	TokenKindRefresh   TokenKind = "refresh"
)

// Token is a persisted reference access token or refresh token.
type Token struct {
	HandleHash string    `json:"handle_hash"`
	Kind       TokenKind `json:"kind"`
	GrantID    string    `json:"grant_id"`
	ClientID   string    `json:"client_id"`
	SubjectID  string    `json:"sub"`
	Scopes     []string  `json:"scopes"`
	// Audience is only set for reference access tokens.
	Audience []string `json:"aud,omitempty"`
	// Claims holds the subject claims embedded at issuance.
	Claims   map[string][]string `json:"claims,omitempty"`
	AuthTime time.Time           `json:"auth_time"`
	// Nonce is carried on refresh tokens so refreshed id tokens can echo it.
	Nonce         string     `json:"nonce,omitempty"`
	ParentHash    string     `json:"parent_hash,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// Active reports whether the token is neither expired nor revoked at now.
func (t *Token) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Reasons recorded on revoked tokens.
const (
	RevokedRotated      = "rotated"
	RevokedByClient     = "revoked_by_client"
	RevokedCodeReplay   = "authorization_code_replay"
	RevokedRefreshReuse = "refresh_token_reuse"
)
