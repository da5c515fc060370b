package registry

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dlddu/tiny-idp/internal/domain"
)

// Client defaults for settings a registration leaves unset.
const (
	DefaultAccessTokenLifetime          = time.Hour
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
)

func applyDefaults(c *domain.Client) {
	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.IdentityTokenLifetime == 0 {
		c.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if c.AuthorizationCodeLifetime == 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime == 0 {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.AccessTokenType == "" {
		c.AccessTokenType = domain.AccessTokenJWT
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = domain.RefreshTokenOneTime
	}
}

func validate(c Contents) error {
	var result *multierror.Error

	scopes := make(map[string]bool)
	for _, ir := range c.IdentityResources {
		if ir.Name == "" {
			result = multierror.Append(result, fmt.Errorf("identity resource without name"))
			continue
		}
		if scopes[ir.Name] {
			result = multierror.Append(result, fmt.Errorf("scope %q defined twice", ir.Name))
		}
		scopes[ir.Name] = true
	}
	for _, as := range c.APIScopes {
		if as.Name == "" {
			result = multierror.Append(result, fmt.Errorf("api scope without name"))
			continue
		}
		if scopes[as.Name] {
			result = multierror.Append(result, fmt.Errorf("scope %q defined twice", as.Name))
		}
		scopes[as.Name] = true
	}
	if scopes[domain.ScopeOfflineAccess] {
		result = multierror.Append(result, fmt.Errorf("%s is reserved", domain.ScopeOfflineAccess))
	}

	for _, api := range c.APIResources {
		if api.Name == "" {
			result = multierror.Append(result, fmt.Errorf("api resource without name"))
		}
		for _, s := range api.Scopes {
			if !scopes[s] {
				result = multierror.Append(result, fmt.Errorf("api resource %q: unknown scope %q", api.Name, s))
			}
		}
	}

	seen := make(map[string]bool)
	for i := range c.Clients {
		result = multierror.Append(result, validateClient(&c.Clients[i], scopes, seen)...)
	}

	return result.ErrorOrNil()
}

func validateClient(c *domain.Client, scopes map[string]bool, seen map[string]bool) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("client %q: "+format, append([]any{c.ClientID}, args...)...))
	}

	if c.ClientID == "" {
		fail("client_id is required")
	}
	if seen[c.ClientID] {
		fail("registered twice")
	}
	seen[c.ClientID] = true

	if len(c.GrantTypes) == 0 {
		fail("at least one grant type is required")
	}
	for _, gt := range c.GrantTypes {
		switch gt {
		case domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken:
		default:
			fail("unsupported grant type %q", gt)
		}
	}
	if c.AllowsGrant(domain.GrantTypeRefreshToken) && !c.AllowsGrant(domain.GrantTypeAuthorizationCode) {
		fail("refresh_token requires authorization_code")
	}

	if c.AllowsGrant(domain.GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		fail("authorization_code clients need a redirect uri")
	}
	for _, u := range c.RedirectURIs {
		if err := checkRedirect(u); err != nil {
			fail("redirect uri %q: %v", u, err)
		}
	}
	for _, u := range c.PostLogoutRedirectURIs {
		if err := checkRedirect(u); err != nil {
			fail("post logout redirect uri %q: %v", u, err)
		}
	}

	for _, s := range c.AllowedScopes {
		if !scopes[s] {
			fail("allowed scope %q is not defined", s)
		}
	}

	switch c.AccessTokenType {
	case domain.AccessTokenJWT, domain.AccessTokenReference:
	default:
		fail("unknown access token type %q", c.AccessTokenType)
	}
	switch c.RefreshTokenUsage {
	case domain.RefreshTokenOneTime, domain.RefreshTokenReUse:
	default:
		fail("unknown refresh token usage %q", c.RefreshTokenUsage)
	}

	if !c.IsConfidential() && !c.RequirePKCE {
		fail("public clients must require PKCE")
	}
	if c.AccessTokenLifetime < 0 || c.IdentityTokenLifetime < 0 || c.AuthorizationCodeLifetime < 0 || c.AbsoluteRefreshTokenLifetime < 0 {
		fail("lifetimes must be positive")
	}
	return errs
}

func checkRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	return nil
}
