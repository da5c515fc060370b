package registry

import (
	"fmt"
	"time"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
)

// ImageGalleryClientID is the relying party shipped with the seed.
const ImageGalleryClientID = "imagegalleryclient"

// StandardIdentityResources are the OpenID Connect scopes plus the custom
// identity scopes used by the image gallery.
func StandardIdentityResources() []domain.IdentityResource {
	return []domain.IdentityResource{
		{Name: "openid", DisplayName: "Your user identifier", UserClaims: []string{"sub"}},
		{Name: "profile", DisplayName: "User profile", UserClaims: []string{
			"name", "family_name", "given_name", "middle_name", "nickname",
			"preferred_username", "profile", "picture", "website", "gender",
			"birthdate", "zoneinfo", "locale", "updated_at",
		}},
		{Name: "address", DisplayName: "Your postal address", UserClaims: []string{"address"}},
		{Name: "roles", DisplayName: "Your role(s)", UserClaims: []string{"role"}},
		{Name: "country", DisplayName: "The country you're living in", UserClaims: []string{"country"}},
		{Name: "subscriptionlevel", DisplayName: "Your subscription level", UserClaims: []string{"subscriptionlevel"}},
	}
}

// ImageGallery returns the seed registry contents. Secrets are hashed here so
// plain values never reach the registry.
func ImageGallery() (Contents, error) {
	clientSecret, err := crypto.HashPassword("secret")
	if err != nil {
		return Contents{}, fmt.Errorf("hash client secret: %w", err)
	}
	apiSecret, err := crypto.HashPassword("apisecret")
	if err != nil {
		return Contents{}, fmt.Errorf("hash api secret: %w", err)
	}

	return Contents{
		IdentityResources: StandardIdentityResources(),
		APIScopes: []domain.APIScope{
			{Name: "imagegalleryapi", DisplayName: "Image Gallery API", UserClaims: []string{"role"}},
		},
		APIResources: []domain.APIResource{
			{Name: "imagegalleryapi", Scopes: []string{"imagegalleryapi"}, SecretHash: apiSecret},
		},
		Clients: []domain.Client{{
			ClientID:               ImageGalleryClientID,
			ClientName:             "Image Gallery",
			ClientSecretHash:       clientSecret,
			GrantTypes:             []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken},
			RedirectURIs:           []string{"https://localhost:44389/signin-oidc"},
			PostLogoutRedirectURIs: []string{"https://localhost:44389/signout-callback-oidc"},
			AllowedScopes: []string{
				"openid", "profile", "address", "roles",
				"imagegalleryapi", "country", "subscriptionlevel",
			},
			RequirePKCE:                      true,
			RequireConsent:                   true,
			AllowOfflineAccess:               true,
			UpdateAccessTokenClaimsOnRefresh: true,
			AccessTokenType:                  domain.AccessTokenReference,
			RefreshTokenUsage:                domain.RefreshTokenOneTime,
			AccessTokenLifetime:              120 * time.Second,
			IdentityTokenLifetime:            300 * time.Second,
			AuthorizationCodeLifetime:        300 * time.Second,
			AbsoluteRefreshTokenLifetime:     30 * 24 * time.Hour,
		}},
	}, nil
}

// Seed builds the seed registry.
func Seed() (*Registry, error) {
	c, err := ImageGallery()
	if err != nil {
		return nil, err
	}
	return New(c)
}
