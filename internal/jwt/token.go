package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the JOSE "typ" header.
const (
	TypeIDToken     = "JWT"
	TypeAccessToken = "at+jwt"
)

// Claims is the claim set of a token being signed or one that was parsed.
type Claims = jwt.MapClaims

// TokenManager signs and verifies tokens with keys from a KeyProvider. It
// never holds key material itself, so a rotated key is used on the next call.
type TokenManager struct {
	keys   KeyProvider
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option customises a TokenManager.
type Option func(*TokenManager)

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) Option {
	return func(tm *TokenManager) { tm.leeway = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(tm *TokenManager) { tm.now = now }
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(keys KeyProvider, issuer string, opts ...Option) (*TokenManager, error) {
	if keys == nil {
		return nil, errors.New("key provider is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}

	tm := &TokenManager{keys: keys, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(tm)
	}
	return tm, nil
}

// Issuer returns the iss value stamped on and required of every token.
func (tm *TokenManager) Issuer() string {
	return tm.issuer
}

// Sign signs claims with the current signing key. iss is always set to the
// manager's issuer. The kid header names the key used.
func (tm *TokenManager) Sign(ctx context.Context, typ string, claims Claims) (string, error) {
	key, err := tm.keys.CurrentSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}
	if key == nil || key.Key == nil {
		return "", ErrNoSigningKey
	}

	claims["iss"] = tm.issuer

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID
	if typ != "" {
		token.Header["typ"] = typ
	}

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature against the trusted key named by kid, then
// checks exp and iss, and aud when audience is not empty.
func (tm *TokenManager) Parse(ctx context.Context, tokenString, audience string) (Claims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	trusted, err := tm.keys.TrustedValidationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation keys: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{AlgorithmRS256}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tm.leeway),
		jwt.WithTimeFunc(tm.now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, keyfunc(trusted), opts...); err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	return claims, nil
}

// ParseHint verifies the signature and issuer of a token the provider issued
// earlier but ignores its lifetime. It serves id_token_hint, which is usually
// presented after the id token expired.
func (tm *TokenManager) ParseHint(ctx context.Context, tokenString string) (Claims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	trusted, err := tm.keys.TrustedValidationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation keys: %w", err)
	}

	claims := Claims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, keyfunc(trusted),
		jwt.WithValidMethods([]string{AlgorithmRS256}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if iss, _ := claims.GetIssuer(); iss != tm.issuer {
		return nil, fmt.Errorf("failed to validate token: %w", jwt.ErrTokenInvalidIssuer)
	}
	return claims, nil
}

// keyfunc resolves the kid header among the trusted keys.
func keyfunc(trusted []*ValidationKey) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		for _, k := range trusted {
			if k.KeyID == kid {
				return k.PublicKey, nil
			}
		}
		return nil, ErrUnknownKeyID
	}
}
