package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
)

// fileClient lets a registry file carry either a plain secret, hashed on
// load, or a precomputed hash.
type fileClient struct {
	domain.Client `yaml:",inline"`
	ClientSecret  string `yaml:"client_secret"`
}

type fileAPIResource struct {
	domain.APIResource `yaml:",inline"`
	Secret             string `yaml:"secret"`
}

type fileContents struct {
	Clients           []fileClient              `yaml:"clients"`
	IdentityResources []domain.IdentityResource `yaml:"identity_resources"`
	APIScopes         []domain.APIScope         `yaml:"api_scopes"`
	APIResources      []fileAPIResource         `yaml:"api_resources"`
}

// LoadFile reads registry contents from a YAML document. Durations use Go
// syntax ("120s"). When the file defines no identity resources the standard
// set is used.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	c, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(c)
}

// ParseYAML decodes registry contents, hashing plain secrets.
func ParseYAML(data []byte) (Contents, error) {
	var fc fileContents
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Contents{}, fmt.Errorf("decode registry: %w", err)
	}

	out := Contents{
		IdentityResources: fc.IdentityResources,
		APIScopes:         fc.APIScopes,
	}
	if len(out.IdentityResources) == 0 {
		out.IdentityResources = StandardIdentityResources()
	}

	for _, c := range fc.Clients {
		if c.ClientSecret != "" {
			hash, err := crypto.HashPassword(c.ClientSecret)
			if err != nil {
				return Contents{}, fmt.Errorf("client %q: hash secret: %w", c.ClientID, err)
			}
			c.Client.ClientSecretHash = hash
		}
		out.Clients = append(out.Clients, c.Client)
	}
	for _, api := range fc.APIResources {
		if api.Secret != "" {
			hash, err := crypto.HashPassword(api.Secret)
			if err != nil {
				return Contents{}, fmt.Errorf("api resource %q: hash secret: %w", api.Name, err)
			}
			api.APIResource.SecretHash = hash
		}
		out.APIResources = append(out.APIResources, api.APIResource)
	}
	return out, nil
}

// ClientLister is satisfied by the Postgres client repository.
type ClientLister interface {
	List(ctx context.Context) ([]domain.Client, error)
}

// FromRepository replaces the clients of base with those stored in a
// repository, keeping base's resources.
func FromRepository(ctx context.Context, repo ClientLister, base Contents) (*Registry, error) {
	clients, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	base.Clients = clients
	return New(base)
}
