package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/auth"
	"github.com/dlddu/tiny-idp/internal/registry"
)

// MockHasher is a mock implementation of Hasher
type MockHasher struct {
	HashPasswordFunc   func(password string) (string, error)
	VerifyPasswordFunc func(hash, password string) error
}

func (m *MockHasher) HashPassword(password string) (string, error) {
	if m.HashPasswordFunc != nil {
		return m.HashPasswordFunc(password)
	}
	return "hashed_" + password, nil
}

func (m *MockHasher) VerifyPassword(hash, password string) error {
	if m.VerifyPasswordFunc != nil {
		return m.VerifyPasswordFunc(hash, password)
	}
	if hash == "hashed_"+password {
		return nil
	}
	return errors.New("mismatch")
}

func newClientService(t *testing.T) *ClientService {
	t.Helper()
	shared(t)
	r, err := registry.New(seedContents)
	require.NoError(t, err)
	return NewClientService(registry.NewStore(r), BcryptHasher{})
}

func TestClientService_AuthenticateClient(t *testing.T) {
	tests := []struct {
		name    string
		creds   auth.Credentials
		wantErr bool
	}{
		{"confidential basic", galleryCreds(), false},
		{"confidential post", auth.Credentials{ClientID: registry.ImageGalleryClientID, ClientSecret: "secret", Method: auth.MethodPost}, false},
		{"wrong secret", auth.Credentials{ClientID: registry.ImageGalleryClientID, ClientSecret: "nope", Method: auth.MethodBasic}, true},
		{"missing secret", auth.Credentials{ClientID: registry.ImageGalleryClientID, Method: auth.MethodNone}, true},
		{"unknown client", auth.Credentials{ClientID: "ghost", ClientSecret: "secret", Method: auth.MethodBasic}, true},
		{"public client", spaCreds(), false},
		{"public client with secret", auth.Credentials{ClientID: spaClientID, ClientSecret: "x", Method: auth.MethodPost}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := newClientService(t)

			// Act
			client, err := s.AuthenticateClient(context.Background(), tt.creds)

			// Assert
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClient)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.creds.ClientID, client.ClientID)
		})
	}
}

func TestClientService_AuthenticateResource(t *testing.T) {
	s := newClientService(t)

	api, err := s.AuthenticateResource(context.Background(), apiCreds())
	require.NoError(t, err)
	assert.Equal(t, "imagegalleryapi", api.Name)

	_, err = s.AuthenticateResource(context.Background(), galleryCreds())
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestClientService_GetClientByID(t *testing.T) {
	s := newClientService(t)

	_, err := s.GetClientByID(context.Background(), "")
	assert.Error(t, err)

	_, err = s.GetClientByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrClientNotFound)
}
