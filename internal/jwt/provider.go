package jwt

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/logger"
)

// StaticProvider serves a fixed signing key plus retired validation keys.
type StaticProvider struct {
	signing *SigningKey
	trusted []*ValidationKey
}

var _ KeyProvider = (*StaticProvider)(nil)

// NewStaticProvider builds a provider from in-memory keys.
func NewStaticProvider(signing *rsa.PrivateKey, retired ...*rsa.PublicKey) (*StaticProvider, error) {
	if signing == nil {
		return nil, ErrNoSigningKey
	}
	sk, err := newSigningKey(signing)
	if err != nil {
		return nil, err
	}

	trusted := []*ValidationKey{sk.validationKey()}
	for _, pub := range retired {
		vk, err := newValidationKey(pub)
		if err != nil {
			return nil, err
		}
		if vk.KeyID == sk.KeyID {
			continue
		}
		trusted = append(trusted, vk)
	}
	return &StaticProvider{signing: sk, trusted: trusted}, nil
}

// NewFileProvider loads the signing key and any retired keys from PEM files.
func NewFileProvider(signingKeyFile string, retiredKeyFiles ...string) (*StaticProvider, error) {
	signing, err := LoadPrivateKeyFromFile(signingKeyFile)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", signingKeyFile, err)
	}

	retired := make([]*rsa.PublicKey, 0, len(retiredKeyFiles))
	for _, path := range retiredKeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", path, err)
		}
		pub, err := parseValidationPEM(data)
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", path, err)
		}
		retired = append(retired, pub)
	}
	return NewStaticProvider(signing, retired...)
}

func (p *StaticProvider) CurrentSigningKey(context.Context) (*SigningKey, error) {
	k := *p.signing
	return &k, nil
}

func (p *StaticProvider) TrustedValidationKeys(context.Context) ([]*ValidationKey, error) {
	out := make([]*ValidationKey, len(p.trusted))
	copy(out, p.trusted)
	return out, nil
}

// GeneratingProvider creates an ephemeral key on first use. Tokens do not
// survive a restart, so it is meant for development.
type GeneratingProvider struct {
	bits int
	mu   sync.Mutex
	key  *SigningKey
}

var _ KeyProvider = (*GeneratingProvider)(nil)

func NewGeneratingProvider(bits int) *GeneratingProvider {
	if bits < MinKeyBits {
		bits = MinKeyBits
	}
	return &GeneratingProvider{bits: bits}
}

func (p *GeneratingProvider) CurrentSigningKey(ctx context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		priv, err := GenerateKey(p.bits)
		if err != nil {
			return nil, err
		}
		sk, err := newSigningKey(priv)
		if err != nil {
			return nil, err
		}
		logger.From(ctx).Warn("generated ephemeral signing key, tokens will not survive a restart",
			logger.KeyID(sk.KeyID), zap.Int("bits", p.bits))
		p.key = sk
	}
	k := *p.key
	return &k, nil
}

func (p *GeneratingProvider) TrustedValidationKeys(ctx context.Context) ([]*ValidationKey, error) {
	sk, err := p.CurrentSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*ValidationKey{sk.validationKey()}, nil
}
