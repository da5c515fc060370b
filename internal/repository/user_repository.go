package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dlddu/tiny-idp/internal/domain"
)

type pgUserRepository struct {
	db DB
}

// NewPgUserRepository creates a new PostgreSQL-based UserRepository
func NewPgUserRepository(db DB) UserRepository {
	return &pgUserRepository{db: db}
}

const userColumns = `subject_id, username, password_hash, is_active, claims, created_at, updated_at`

// Create creates a new user in the database
func (r *pgUserRepository) Create(ctx context.Context, user *domain.User) error {
	claims := user.Claims
	if claims == nil {
		claims = map[string][]string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.SubjectID,
		user.Username,
		user.PasswordHash,
		user.IsActive,
		claims,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if uniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

// GetByUsername retrieves a user by username
func (r *pgUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	if username == "" {
		return nil, ErrUserNotFound
	}
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// GetBySubject retrieves a user by subject identifier
func (r *pgUserRepository) GetBySubject(ctx context.Context, subjectID string) (*domain.User, error) {
	if subjectID == "" {
		return nil, ErrUserNotFound
	}
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE subject_id = $1`, subjectID)
}

func (r *pgUserRepository) get(ctx context.Context, query, arg string) (*domain.User, error) {
	user := &domain.User{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&user.SubjectID,
		&user.Username,
		&user.PasswordHash,
		&user.IsActive,
		&user.Claims,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
