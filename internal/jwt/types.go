package jwt

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// AlgorithmRS256 is the only signing algorithm issued and accepted.
const AlgorithmRS256 = "RS256"

var (
	ErrNoSigningKey = errors.New("no signing key available")
	ErrUnknownKeyID = errors.New("token signed with an untrusted key")
	ErrMissingKeyID = errors.New("token header has no kid")
)

// SigningKey is the private key used for new tokens.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       *rsa.PrivateKey
	CreatedAt time.Time
}

// ValidationKey is a public key tokens may be verified against.
type ValidationKey struct {
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
}

// KeyProvider supplies keys to the issuer and validator. The signing key is
// always among the trusted validation keys, retired keys stay trusted until
// they are removed from the provider.
type KeyProvider interface {
	CurrentSigningKey(ctx context.Context) (*SigningKey, error)
	TrustedValidationKeys(ctx context.Context) ([]*ValidationKey, error)
}

// KeyID derives a stable kid from the RFC 7638 thumbprint of the public key.
func KeyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

func newSigningKey(priv *rsa.PrivateKey) (*SigningKey, error) {
	kid, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: kid, Algorithm: AlgorithmRS256, Key: priv, CreatedAt: time.Now()}, nil
}

func newValidationKey(pub *rsa.PublicKey) (*ValidationKey, error) {
	kid, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &ValidationKey{KeyID: kid, Algorithm: AlgorithmRS256, PublicKey: pub}, nil
}

// validationKey returns the public half of a signing key.
func (k *SigningKey) validationKey() *ValidationKey {
	return &ValidationKey{KeyID: k.KeyID, Algorithm: k.Algorithm, PublicKey: &k.Key.PublicKey}
}
