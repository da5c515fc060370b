package service

import (
	"context"
	"errors"

	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/registry"
)

// ClientService authenticates clients and API resources against the
// registry.
type ClientService struct {
	registry *registry.Store
	hasher   Hasher
}

// NewClientService creates a new ClientService instance
func NewClientService(reg *registry.Store, hasher Hasher) *ClientService {
	return &ClientService{
		registry: reg,
		hasher:   hasher,
	}
}

// AuthenticateClient verifies client credentials. Confidential clients must
// present their secret. Public clients present only their id.
func (s *ClientService) AuthenticateClient(ctx context.Context, creds auth.Credentials) (*domain.Client, error) {
	client, err := s.registry.Current().LookupClient(creds.ClientID)
	if err != nil {
		return nil, NewInvalidClientError("unknown client")
	}

	if !client.IsConfidential() {
		if creds.ClientSecret != "" {
			return nil, NewInvalidClientError("public clients do not authenticate with a secret")
		}
		return client, nil
	}

	if creds.Method == auth.MethodNone || creds.ClientSecret == "" {
		return nil, NewInvalidClientError("client authentication required")
	}
	if err := s.hasher.VerifyPassword(client.ClientSecretHash, creds.ClientSecret); err != nil {
		logger.From(ctx).Info("client secret mismatch", logger.ClientID(client.ClientID), logger.Op("client.authenticate"))
		return nil, NewInvalidClientError("client authentication failed")
	}
	return client, nil
}

// AuthenticateResource verifies the credentials of an API resource, used by
// APIs calling introspection.
func (s *ClientService) AuthenticateResource(ctx context.Context, creds auth.Credentials) (*domain.APIResource, error) {
	api, err := s.registry.Current().LookupAPIResource(creds.ClientID)
	if err != nil {
		return nil, NewInvalidClientError("unknown api resource")
	}
	if api.SecretHash == "" || creds.ClientSecret == "" {
		return nil, NewInvalidClientError("api resource authentication required")
	}
	if err := s.hasher.VerifyPassword(api.SecretHash, creds.ClientSecret); err != nil {
		logger.From(ctx).Info("api resource secret mismatch", logger.ClientID(api.Name), logger.Op("resource.authenticate"))
		return nil, NewInvalidClientError("api resource authentication failed")
	}
	return api, nil
}

// GetClientByID retrieves a client by its client_id
func (s *ClientService) GetClientByID(_ context.Context, clientID string) (*domain.Client, error) {
	if clientID == "" {
		return nil, errors.New("client_id cannot be empty")
	}
	return s.registry.Current().LookupClient(clientID)
}
