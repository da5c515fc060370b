package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dlddu/tiny-idp/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// EnsureSchema creates the tables if they are missing. It is idempotent and
// does not migrate existing tables.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// uniqueViolation reports a primary key or unique constraint conflict.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgCodeStore struct {
	db DB
}

// NewPgCodeStore creates a PostgreSQL-based AuthorizationCodeStore
func NewPgCodeStore(db DB) AuthorizationCodeStore {
	return &pgCodeStore{db: db}
}

const codeColumns = `code_hash, grant_id, client_id, subject_id, redirect_uri, scopes,
	code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at, consumed_at`

func scanCode(row pgx.Row) (*domain.AuthorizationCode, error) {
	c := &domain.AuthorizationCode{}
	err := row.Scan(
		&c.CodeHash, &c.GrantID, &c.ClientID, &c.SubjectID, &c.RedirectURI, &c.Scopes,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.AuthTime, &c.CreatedAt, &c.ExpiresAt, &c.ConsumedAt,
	)
	return c, err
}

func (s *pgCodeStore) Create(ctx context.Context, c *domain.AuthorizationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO authorization_codes (`+codeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
		c.CodeHash, c.GrantID, c.ClientID, c.SubjectID, c.RedirectURI, c.Scopes,
		c.CodeChallenge, c.CodeChallengeMethod, c.Nonce, c.AuthTime, c.CreatedAt, c.ExpiresAt,
	)
	if uniqueViolation(err) {
		return ErrCodeExists
	}
	return err
}

// Consume relies on the row lock taken by UPDATE: of two concurrent
// redemptions only one sees consumed_at IS NULL.
func (s *pgCodeStore) Consume(ctx context.Context, codeHash string, now time.Time) (*domain.AuthorizationCode, error) {
	c, err := scanCode(s.db.QueryRow(ctx, `
		UPDATE authorization_codes SET consumed_at = $2
		WHERE code_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING `+codeColumns,
		codeHash, now,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Nothing updated: either absent, expired or already consumed.
	c, err = scanCode(s.db.QueryRow(ctx, `
		SELECT `+codeColumns+` FROM authorization_codes
		WHERE code_hash = $1 AND expires_at > $2`,
		codeHash, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.ConsumedAt == nil {
		return nil, ErrCodeNotFound
	}
	return c, ErrCodeAlreadyConsumed
}

func (s *pgCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type pgTokenStore struct {
	db DB
}

// NewPgTokenStore creates a PostgreSQL-based TokenStore
func NewPgTokenStore(db DB) TokenStore {
	return &pgTokenStore{db: db}
}

const tokenColumns = `handle_hash, kind, grant_id, client_id, subject_id, scopes, audience, claims,
	auth_time, nonce, parent_hash, created_at, expires_at, revoked_at, revoked_reason`

func scanToken(row pgx.Row) (*domain.Token, error) {
	t := &domain.Token{}
	var kind string
	err := row.Scan(
		&t.HandleHash, &kind, &t.GrantID, &t.ClientID, &t.SubjectID, &t.Scopes, &t.Audience, &t.Claims,
		&t.AuthTime, &t.Nonce, &t.ParentHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.RevokedReason,
	)
	t.Kind = domain.TokenKind(kind)
	return t, err
}

func (s *pgTokenStore) Save(ctx context.Context, t *domain.Token) error {
	claims := t.Claims
	if claims == nil {
		claims = map[string][]string{}
	}
	audience := t.Audience
	if audience == nil {
		audience = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, '')`,
		t.HandleHash, string(t.Kind), t.GrantID, t.ClientID, t.SubjectID, t.Scopes, audience, claims,
		t.AuthTime, t.Nonce, t.ParentHash, t.CreatedAt, t.ExpiresAt,
	)
	if uniqueViolation(err) {
		return ErrTokenExists
	}
	return err
}

func (s *pgTokenStore) Get(ctx context.Context, handleHash string, now time.Time) (*domain.Token, error) {
	t, err := scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE handle_hash = $1 AND expires_at > $2`,
		handleHash, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *pgTokenStore) Consume(ctx context.Context, handleHash, reason string, now time.Time) (*domain.Token, error) {
	t, err := scanToken(s.db.QueryRow(ctx, `
		UPDATE tokens SET revoked_at = $2, revoked_reason = $3
		WHERE handle_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING `+tokenColumns,
		handleHash, now, reason,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	t, err = s.Get(ctx, handleHash, now)
	if err != nil {
		return nil, err
	}
	if t.RevokedAt == nil {
		return nil, ErrTokenNotFound
	}
	return t, ErrTokenAlreadyConsumed
}

func (s *pgTokenStore) Revoke(ctx context.Context, handleHash, reason string, now time.Time) error {
	_, err := s.Consume(ctx, handleHash, reason, now)
	if errors.Is(err, ErrTokenAlreadyConsumed) {
		return nil
	}
	return err
}

func (s *pgTokenStore) RevokeGrant(ctx context.Context, grantID, reason string, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE tokens SET revoked_at = $2, revoked_reason = $3
		WHERE grant_id = $1 AND revoked_at IS NULL AND expires_at > $2`,
		grantID, now, reason,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
