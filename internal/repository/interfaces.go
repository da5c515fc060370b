package repository

import (
	"context"
	"errors"
	"time"

	"github.com/dlddu/tiny-idp/internal/domain"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")

	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeExists          = errors.New("authorization code already exists")
	ErrCodeAlreadyConsumed = errors.New("authorization code already consumed")

	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenExists          = errors.New("token already exists")
	ErrTokenAlreadyConsumed = errors.New("token already consumed")
)

// AuthorizationCodeStore persists authorization codes keyed by the hash of
// the handle.
type AuthorizationCodeStore interface {
	Create(ctx context.Context, code *domain.AuthorizationCode) error
	// Consume atomically marks the code used. Exactly one caller wins for a
	// given code. An absent or expired code yields ErrCodeNotFound. A code
	// consumed earlier yields the stored record together with
	// ErrCodeAlreadyConsumed so the caller can revoke the grant.
	Consume(ctx context.Context, codeHash string, now time.Time) (*domain.AuthorizationCode, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenStore persists reference access tokens and refresh tokens keyed by
// the hash of the handle.
type TokenStore interface {
	Save(ctx context.Context, token *domain.Token) error
	// Get returns the record, revoked or not. Absent or expired tokens yield
	// ErrTokenNotFound.
	Get(ctx context.Context, handleHash string, now time.Time) (*domain.Token, error)
	// Consume atomically revokes an active token and returns it. A token
	// revoked earlier yields the record with ErrTokenAlreadyConsumed.
	Consume(ctx context.Context, handleHash, reason string, now time.Time) (*domain.Token, error)
	// Revoke marks a token revoked. Revoking twice is not an error.
	Revoke(ctx context.Context, handleHash, reason string, now time.Time) error
	// RevokeGrant revokes every active token issued under grantID.
	RevokeGrant(ctx context.Context, grantID, reason string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetBySubject(ctx context.Context, subjectID string) (*domain.User, error)
}

// ClientRepository defines the interface for client data access
type ClientRepository interface {
	Create(ctx context.Context, client *domain.Client) error
	GetByClientID(ctx context.Context, clientID string) (*domain.Client, error)
	List(ctx context.Context) ([]domain.Client, error)
	Delete(ctx context.Context, clientID string) error
}
