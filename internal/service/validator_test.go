package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/registry"
)

func spaAccessToken(t *testing.T, f *fixture, scope string) *TokenResponse {
	t.Helper()
	code := f.issueCode(t, spaClientID, spaRedirect, scope)
	resp, err := f.redeem(spaCreds(), code, spaRedirect)
	require.NoError(t, err)
	return resp
}

func TestValidator_JWT(t *testing.T) {
	// Arrange
	f := newFixture(t)
	resp := spaAccessToken(t, f, "openid imagegalleryapi")

	// Act
	at, err := f.validator.ValidateAccessToken(context.Background(), resp.AccessToken, "imagegalleryapi")

	// Assert
	require.NoError(t, err)
	assert.False(t, at.Reference)
	assert.Equal(t, frankSubject, at.SubjectID)
	assert.Equal(t, spaClientID, at.ClientID)
	assert.Equal(t, []string{"openid", "imagegalleryapi"}, at.Scopes)
	assert.True(t, at.HasScope("imagegalleryapi"))
	assert.Equal(t, []string{"FreeUser"}, at.Claims["role"])
	assert.Equal(t, f.at.Add(time.Hour).Unix(), at.ExpiresAt.Unix())
}

func TestValidator_RejectsWrongAudience(t *testing.T) {
	f := newFixture(t)
	jwtResp := spaAccessToken(t, f, "openid imagegalleryapi")
	refResp := f.galleryTokens(t, "openid imagegalleryapi")

	_, err := f.validator.ValidateAccessToken(context.Background(), jwtResp.AccessToken, "otherapi")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.validator.ValidateAccessToken(context.Background(), refResp.AccessToken, "otherapi")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_RejectsExpiredJWT(t *testing.T) {
	// Arrange
	f := newFixture(t)
	resp := spaAccessToken(t, f, "openid")

	// Act
	f.advance(time.Hour + time.Second)
	_, err := f.validator.ValidateAccessToken(context.Background(), resp.AccessToken, "")

	// Assert
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_RejectsUntrustedKey(t *testing.T) {
	// Arrange
	f := newFixture(t)
	rogueKeys, err := jwt.NewStaticProvider(otherKey)
	require.NoError(t, err)
	rogue, err := jwt.NewTokenManager(rogueKeys, testIssuer)
	require.NoError(t, err)
	forged, err := rogue.Sign(context.Background(), jwt.TypeAccessToken, jwt.Claims{
		"sub":       frankSubject,
		"client_id": spaClientID,
		"scope":     "openid",
		"exp":       f.at.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	// Act
	_, err = f.validator.ValidateAccessToken(context.Background(), forged, "")

	// Assert
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_RejectsIDTokenAsAccessToken(t *testing.T) {
	f := newFixture(t)
	resp := f.galleryTokens(t, "openid")

	_, err := f.validator.ValidateAccessToken(context.Background(), resp.IDToken, "")

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_RejectsRefreshTokenAsAccessToken(t *testing.T) {
	f := newFixture(t)
	resp := f.galleryTokens(t, "openid offline_access")

	_, err := f.validator.ValidateAccessToken(context.Background(), resp.RefreshToken, "")

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_UnknownHandle(t *testing.T) {
	f := newFixture(t)

	_, err := f.validator.ValidateAccessToken(context.Background(), "not-a-token", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.validator.ValidateAccessToken(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_ProtocolClaimsWinOverUserClaims(t *testing.T) {
	// Arrange
	f := newFixture(t)
	client, err := f.reg.Current().LookupClient(registry.ImageGalleryClientID)
	require.NoError(t, err)

	// Act
	resp, err := f.issuer.Issue(context.Background(), IssueRequest{
		Client:    client,
		GrantType: "authorization_code",
		GrantID:   "grant-1",
		SubjectID: frankSubject,
		Scopes:    []string{"openid", "profile"},
		AuthTime:  f.at,
		UserClaims: map[string][]string{
			"given_name": {"Frank"},
			"sub":        {"someone-else"},
			"idp":        {"upstream"},
			"amr":        {"mfa"},
			"auth_time":  {"0"},
		},
	})

	// Assert
	require.NoError(t, err)
	c, err := f.tm.Parse(context.Background(), resp.IDToken, registry.ImageGalleryClientID)
	require.NoError(t, err)
	assert.Equal(t, frankSubject, c["sub"])
	assert.Equal(t, "local", c["idp"])
	assert.Equal(t, []any{"pwd"}, c["amr"])
	assert.Equal(t, float64(f.at.Unix()), c["auth_time"])
	assert.Equal(t, "Frank", c["given_name"])
	assert.Empty(t, resp.RefreshToken, "offline_access was not granted")
}
