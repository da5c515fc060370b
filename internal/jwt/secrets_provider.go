package jwt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dlddu/tiny-idp/internal/logger"
)

// SecretsClient is the subset of the Secrets Manager API the provider needs.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManagerClient builds a client from the default AWS credential chain.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// SecretsManagerProvider reads PEM keys stored as Secrets Manager secret
// strings. The signing secret holds a private key. Retired secrets may hold
// either half of a key pair. Reload picks up a rotated secret without a
// restart.
type SecretsManagerProvider struct {
	client    SecretsClient
	signingID string
	retiredID []string

	mu      sync.RWMutex
	current *StaticProvider
}

var _ KeyProvider = (*SecretsManagerProvider)(nil)

func NewSecretsManagerProvider(ctx context.Context, client SecretsClient, signingSecretID string, retiredSecretIDs ...string) (*SecretsManagerProvider, error) {
	if signingSecretID == "" {
		return nil, errors.New("signing secret id is required")
	}
	p := &SecretsManagerProvider{client: client, signingID: signingSecretID, retiredID: retiredSecretIDs}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload fetches every configured secret and swaps the key set atomically.
func (p *SecretsManagerProvider) Reload(ctx context.Context) error {
	signingPEM, err := p.fetch(ctx, p.signingID)
	if err != nil {
		return err
	}
	signing, err := ParsePrivateKey(signingPEM)
	if err != nil {
		return fmt.Errorf("secret %s: %w", p.signingID, err)
	}

	retired := make([]*rsa.PublicKey, 0, len(p.retiredID))
	for _, id := range p.retiredID {
		data, err := p.fetch(ctx, id)
		if err != nil {
			return err
		}
		pub, err := parseValidationPEM(data)
		if err != nil {
			return fmt.Errorf("secret %s: %w", id, err)
		}
		retired = append(retired, pub)
	}

	next, err := NewStaticProvider(signing, retired...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = next
	p.mu.Unlock()

	logger.From(ctx).Info("loaded signing keys from secrets manager",
		logger.KeyID(next.signing.KeyID), logger.Component("keys"))
	return nil
}

func (p *SecretsManagerProvider) fetch(ctx context.Context, id string) ([]byte, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(id),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch secret %s: %w", id, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("secret %s is empty", id)
}

func (p *SecretsManagerProvider) CurrentSigningKey(ctx context.Context) (*SigningKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.CurrentSigningKey(ctx)
}

func (p *SecretsManagerProvider) TrustedValidationKeys(ctx context.Context) ([]*ValidationKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.TrustedValidationKeys(ctx)
}
