package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/repository"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// decoyPassword is hashed once per service. Unknown usernames are verified
// against it so they cost the same as a wrong password.
const decoyPassword = "tiny-idp-decoy"

// UserService authenticates local users and resolves their claims. It stands
// in for an external user store.
type UserService struct {
	repo   UserRepository
	hasher Hasher

	decoyOnce sync.Once
	decoyHash string
}

// NewUserService creates a new UserService instance
func NewUserService(repo UserRepository, hasher Hasher) *UserService {
	return &UserService{
		repo:   repo,
		hasher: hasher,
	}
}

// Register creates a user. The subject id is generated when empty.
func (s *UserService) Register(ctx context.Context, subjectID, username, password string, claims map[string][]string) (*domain.User, error) {
	if err := s.ValidateUsername(username); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}

	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, err
	}

	if subjectID == "" {
		subjectID = uuid.NewString()
	}
	now := time.Now().UTC()
	user := &domain.User{
		SubjectID:    subjectID,
		Username:     username,
		PasswordHash: passwordHash,
		IsActive:     true,
		Claims:       claims,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}
	return user, nil
}

// Authenticate verifies user credentials and returns the user if valid
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrUserNotFound) {
		_ = s.hasher.VerifyPassword(s.decoy(), password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := s.hasher.VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	return user, nil
}

func (s *UserService) decoy() string {
	s.decoyOnce.Do(func() {
		hash, err := s.hasher.HashPassword(decoyPassword)
		if err != nil {
			return
		}
		s.decoyHash = hash
	})
	return s.decoyHash
}

// Claims returns the claims of an active subject.
func (s *UserService) Claims(ctx context.Context, subjectID string) (map[string][]string, error) {
	user, err := s.repo.GetBySubject(ctx, subjectID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	return user.Claims, nil
}

// ValidateUsername validates username format
func (s *UserService) ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// TestUser is a seed user with a plain-text password, hashed when seeded.
type TestUser struct {
	SubjectID string
	Username  string
	Password  string
	Claims    map[string][]string
}

// TestUsers are Frank and Claire Underwood.
func TestUsers() []TestUser {
	return []TestUser{
		{
			SubjectID: "d860efca-22d9-47fd-8249-791ba61b07c7",
			Username:  "Frank",
			Password:  "password",
			Claims: map[string][]string{
				"given_name":        {"Frank"},
				"family_name":       {"Underwood"},
				"address":           {"Main Road 1"},
				"role":              {"FreeUser"},
				"subscriptionlevel": {"FreeUser"},
				"country":           {"nl"},
			},
		},
		{
			SubjectID: "b7539694-97e7-4dfe-84da-b4256e1ff5c7",
			Username:  "Claire",
			Password:  "password",
			Claims: map[string][]string{
				"given_name":        {"Claire"},
				"family_name":       {"Underwood"},
				"address":           {"Big Street 2"},
				"role":              {"PayingUser"},
				"subscriptionlevel": {"PayingUser"},
				"country":           {"be"},
			},
		},
	}
}

// SeedUsers registers users that do not exist yet.
func (s *UserService) SeedUsers(ctx context.Context, users []TestUser) error {
	for _, u := range users {
		_, err := s.Register(ctx, u.SubjectID, u.Username, u.Password, u.Claims)
		if err != nil && !errors.Is(err, ErrUserAlreadyExists) {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}
	return nil
}
