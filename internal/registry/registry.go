// Package registry holds the immutable set of clients and resources the
// provider knows about.
package registry

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
)

var (
	ErrClientNotFound   = errors.New("client not found")
	ErrResourceNotFound = errors.New("api resource not found")
)

// Registry is a validated, read-only snapshot. Every accessor returns copies
// so callers cannot mutate shared state.
type Registry struct {
	clients   map[string]*domain.Client
	identity  []domain.IdentityResource
	apiScopes []domain.APIScope
	apis      []domain.APIResource
}

// Contents is the raw material a Registry is built from.
type Contents struct {
	Clients           []domain.Client            `yaml:"clients"`
	IdentityResources []domain.IdentityResource `yaml:"identity_resources"`
	APIScopes         []domain.APIScope         `yaml:"api_scopes"`
	APIResources      []domain.APIResource      `yaml:"api_resources"`
}

// New validates contents, applies client defaults and returns a snapshot.
// All problems are reported together.
func New(c Contents) (*Registry, error) {
	clients := make([]domain.Client, len(c.Clients))
	for i := range c.Clients {
		clients[i] = cloneClient(&c.Clients[i])
		applyDefaults(&clients[i])
	}
	c.Clients = clients

	if err := validate(c); err != nil {
		return nil, err
	}

	r := &Registry{
		clients:   make(map[string]*domain.Client, len(clients)),
		identity:  slices.Clone(c.IdentityResources),
		apiScopes: slices.Clone(c.APIScopes),
		apis:      slices.Clone(c.APIResources),
	}
	for i := range clients {
		r.clients[clients[i].ClientID] = &clients[i]
	}
	return r, nil
}

// Contents returns a copy of what the registry was built from, for
// copy-on-write updates.
func (r *Registry) Contents() Contents {
	out := Contents{
		IdentityResources: slices.Clone(r.identity),
		APIScopes:         slices.Clone(r.apiScopes),
		APIResources:      slices.Clone(r.apis),
	}
	for _, id := range r.clientIDs() {
		out.Clients = append(out.Clients, cloneClient(r.clients[id]))
	}
	return out
}

func (r *Registry) clientIDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LookupClient returns the registered client with clientID.
func (r *Registry) LookupClient(clientID string) (*domain.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	copied := cloneClient(c)
	return &copied, nil
}

// ValidateRedirect is an exact string comparison against the registered
// redirect URIs. No normalisation or wildcard matching happens.
func (r *Registry) ValidateRedirect(c *domain.Client, uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// ValidatePostLogoutRedirect is the end-session counterpart of ValidateRedirect.
func (r *Registry) ValidatePostLogoutRedirect(c *domain.Client, uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// ValidateScopes returns the requested scopes the client may receive, in
// request order without duplicates. Anything else is dropped and logged.
// offline_access is granted only to clients allowing offline access.
func (r *Registry) ValidateScopes(ctx context.Context, c *domain.Client, requested []string) []string {
	granted := make([]string, 0, len(requested))
	var dropped []string
	for _, s := range requested {
		if s == "" || slices.Contains(granted, s) {
			continue
		}
		if r.allowed(c, s) {
			granted = append(granted, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	if len(dropped) > 0 {
		logger.From(ctx).Info("dropped scopes not allowed for client",
			logger.ClientID(c.ClientID), zap.Strings("dropped", dropped), logger.Scopes(granted))
	}
	return granted
}

func (r *Registry) allowed(c *domain.Client, scope string) bool {
	if scope == domain.ScopeOfflineAccess {
		return c.AllowOfflineAccess && c.AllowsGrant(domain.GrantTypeRefreshToken)
	}
	return slices.Contains(c.AllowedScopes, scope) && r.defined(scope)
}

func (r *Registry) defined(scope string) bool {
	return r.identityResource(scope) != nil || r.apiScope(scope) != nil
}

func (r *Registry) identityResource(name string) *domain.IdentityResource {
	for i := range r.identity {
		if r.identity[i].Name == name {
			return &r.identity[i]
		}
	}
	return nil
}

func (r *Registry) apiScope(name string) *domain.APIScope {
	for i := range r.apiScopes {
		if r.apiScopes[i].Name == name {
			return &r.apiScopes[i]
		}
	}
	return nil
}

// IdentityScopes filters scopes down to identity resources.
func (r *Registry) IdentityScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if r.identityResource(s) != nil {
			out = append(out, s)
		}
	}
	return out
}

// IdentityClaims is the union of user claims of the identity resources among
// scopes.
func (r *Registry) IdentityClaims(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if ir := r.identityResource(s); ir != nil {
			out = appendUnique(out, ir.UserClaims...)
		}
	}
	return out
}

// APIClaims is the union of user claims of the API scopes among scopes and of
// the API resources owning them.
func (r *Registry) APIClaims(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if as := r.apiScope(s); as != nil {
			out = appendUnique(out, as.UserClaims...)
		}
	}
	for _, api := range r.apis {
		if intersects(api.Scopes, scopes) {
			out = appendUnique(out, api.UserClaims...)
		}
	}
	return out
}

// Audiences names the API resources granted through scopes.
func (r *Registry) Audiences(scopes []string) []string {
	var out []string
	for _, api := range r.apis {
		if intersects(api.Scopes, scopes) {
			out = append(out, api.Name)
		}
	}
	return out
}

// LookupAPIResource returns the API resource called name.
func (r *Registry) LookupAPIResource(name string) (*domain.APIResource, error) {
	for _, api := range r.apis {
		if api.Name == name {
			copied := api
			copied.Scopes = slices.Clone(api.Scopes)
			copied.UserClaims = slices.Clone(api.UserClaims)
			return &copied, nil
		}
	}
	return nil, ErrResourceNotFound
}

// SupportedScopes lists every scope name, for discovery.
func (r *Registry) SupportedScopes() []string {
	var out []string
	for _, ir := range r.identity {
		out = append(out, ir.Name)
	}
	for _, as := range r.apiScopes {
		out = append(out, as.Name)
	}
	return append(out, domain.ScopeOfflineAccess)
}

// SupportedClaims lists every user claim type, for discovery.
func (r *Registry) SupportedClaims() []string {
	out := []string{"sub"}
	for _, ir := range r.identity {
		out = appendUnique(out, ir.UserClaims...)
	}
	return out
}

// Store publishes the current Registry. Readers never block; Replace swaps in
// a new snapshot.
type Store struct {
	current atomic.Pointer[Registry]
}

func NewStore(r *Registry) *Store {
	s := &Store{}
	s.current.Store(r)
	return s
}

func (s *Store) Current() *Registry {
	return s.current.Load()
}

// Replace validates next and publishes it.
func (s *Store) Replace(next Contents) error {
	r, err := New(next)
	if err != nil {
		return err
	}
	s.current.Store(r)
	return nil
}

// Update applies fn to a copy of the current contents and publishes the
// result.
func (s *Store) Update(fn func(*Contents)) error {
	c := s.Current().Contents()
	fn(&c)
	return s.Replace(c)
}

func cloneClient(c *domain.Client) domain.Client {
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	return out
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
