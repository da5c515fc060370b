package service

import (
	"context"
	"errors"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/crypto"
	"github.com/dlddu/tiny-idp/internal/domain"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserInactive       = errors.New("user is inactive")
	ErrInvalidUsername    = errors.New("invalid username format")
)

// Hasher defines the interface for password hashing operations
type Hasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) error
}

// BcryptHasher is the production Hasher.
type BcryptHasher struct{}

func (BcryptHasher) HashPassword(password string) (string, error) {
	return crypto.HashPassword(password)
}

func (BcryptHasher) VerifyPassword(hash, password string) error {
	return crypto.VerifyPassword(hash, password)
}

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetBySubject(ctx context.Context, subjectID string) (*domain.User, error)
}

// ClaimsSource resolves the current claims of a subject.
type ClaimsSource interface {
	Claims(ctx context.Context, subjectID string) (map[string][]string, error)
}

// AuditSink receives security events.
type AuditSink = audit.Sink
