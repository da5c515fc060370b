package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
)

func TestRevoke_ReferenceAccessToken(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	resp := f.galleryTokens(t, "openid offline_access imagegalleryapi")

	// Act
	err := f.revocation.Revoke(ctx, galleryCreds(), resp.AccessToken)

	// Assert
	require.NoError(t, err)
	_, err = f.validator.ValidateAccessToken(ctx, resp.AccessToken, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.refresh(galleryCreds(), resp.RefreshToken, "")
	assert.NoError(t, err, "revoking an access token leaves the refresh token alone")
}

func TestRevoke_RefreshTokenRevokesGrant(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	resp := f.galleryTokens(t, "openid offline_access imagegalleryapi")

	// Act
	err := f.revocation.Revoke(ctx, galleryCreds(), resp.RefreshToken)

	// Assert
	require.NoError(t, err)
	stored, err := f.tokens.Get(ctx, crypto.HashHandle(resp.RefreshToken), f.at)
	require.NoError(t, err)
	assert.Equal(t, domain.RevokedByClient, stored.RevokedReason)
	_, err = f.validator.ValidateAccessToken(ctx, resp.AccessToken, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Empty(t, f.audit.Events(), "revocation by the owner is not a security event")
}

func TestRevoke_NoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.galleryTokens(t, "openid imagegalleryapi")
	jwtResp := spaAccessToken(t, f, "openid")

	assert.NoError(t, f.revocation.Revoke(ctx, galleryCreds(), "unknown"))
	assert.NoError(t, f.revocation.Revoke(ctx, galleryCreds(), jwtResp.AccessToken))
	assert.NoError(t, f.revocation.Revoke(ctx, spaCreds(), resp.AccessToken))

	_, err := f.validator.ValidateAccessToken(ctx, resp.AccessToken, "")
	assert.NoError(t, err, "another client cannot revoke the token")
	_, err = f.validator.ValidateAccessToken(ctx, jwtResp.AccessToken, "")
	assert.NoError(t, err)
}

func TestRevoke_RequiresClientAndToken(t *testing.T) {
	f := newFixture(t)
	creds := galleryCreds()
	creds.ClientSecret = "wrong"

	assert.ErrorIs(t, f.revocation.Revoke(context.Background(), creds, "x"), ErrInvalidClient)
	assert.ErrorIs(t, f.revocation.Revoke(context.Background(), galleryCreds(), ""), ErrInvalidRequest)
}
