package jwt

import (
	"context"

	"github.com/go-jose/go-jose/v4"
)

// JWKS renders the trusted validation keys as a JSON Web Key Set.
func JWKS(ctx context.Context, keys KeyProvider) (*jose.JSONWebKeySet, error) {
	trusted, err := keys.TrustedValidationKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(trusted))}
	for _, k := range trusted {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
