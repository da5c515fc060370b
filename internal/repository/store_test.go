package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlddu/tiny-idp/internal/domain"
)

type storeBackend struct {
	name   string
	codes  func(t *testing.T) AuthorizationCodeStore
	tokens func(t *testing.T) TokenStore
}

func newRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// newPgPool connects to TEST_DATABASE_URL and truncates the tables, or skips.
func newPgPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE authorization_codes, tokens, users, clients`)
	require.NoError(t, err)
	return pool
}

func backends() []storeBackend {
	return []storeBackend{
		{
			name:   "memory",
			codes:  func(*testing.T) AuthorizationCodeStore { return NewMemoryCodeStore() },
			tokens: func(*testing.T) TokenStore { return NewMemoryTokenStore() },
		},
		{
			name:   "redis",
			codes:  func(t *testing.T) AuthorizationCodeStore { return NewRedisCodeStore(newRedisClient(t), "test:") },
			tokens: func(t *testing.T) TokenStore { return NewRedisTokenStore(newRedisClient(t), "test:") },
		},
		{
			name:   "postgres",
			codes:  func(t *testing.T) AuthorizationCodeStore { return NewPgCodeStore(newPgPool(t)) },
			tokens: func(t *testing.T) TokenStore { return NewPgTokenStore(newPgPool(t)) },
		},
	}
}

func newCode(hash string, now time.Time) *domain.AuthorizationCode {
	return &domain.AuthorizationCode{
		CodeHash:            hash,
		GrantID:             "grant-1",
		ClientID:            "imagegalleryclient",
		SubjectID:           "d860efca-22d9-47fd-8249-791ba61b07c7",
		RedirectURI:         "https://localhost:44389/signin-oidc",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: domain.ChallengeMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
		AuthTime:            now.Add(-time.Minute),
		CreatedAt:           now,
		ExpiresAt:           now.Add(5 * time.Minute),
	}
}

func newToken(hash, grantID string, kind domain.TokenKind, now time.Time) *domain.Token {
	return &domain.Token{
		HandleHash: hash,
		Kind:       kind,
		GrantID:    grantID,
		ClientID:   "imagegalleryclient",
		SubjectID:  "d860efca-22d9-47fd-8249-791ba61b07c7",
		Scopes:     []string{"openid", "imagegalleryapi"},
		Audience:   []string{"imagegalleryapi"},
		Claims:     map[string][]string{"role": {"FreeUser"}},
		AuthTime:   now.Add(-time.Minute),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestCodeStore_ConsumeOnce(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			store := b.codes(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Create(ctx, newCode("h1", now)))

			// Act
			first, err := store.Consume(ctx, "h1", now)
			require.NoError(t, err)
			second, replayErr := store.Consume(ctx, "h1", now.Add(time.Second))

			// Assert
			assert.Equal(t, "grant-1", first.GrantID)
			assert.Equal(t, []string{"openid", "profile"}, first.Scopes)
			assert.Equal(t, "n-0S6_WzA2Mj", first.Nonce)
			require.NotNil(t, first.ConsumedAt)
			assert.ErrorIs(t, replayErr, ErrCodeAlreadyConsumed)
			require.NotNil(t, second)
			assert.Equal(t, "grant-1", second.GrantID)
		})
	}
}

func TestCodeStore_UnknownAndExpired(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.codes(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Create(ctx, newCode("h1", now)))

			_, err := store.Consume(ctx, "missing", now)
			assert.ErrorIs(t, err, ErrCodeNotFound)

			_, err = store.Consume(ctx, "h1", now.Add(5*time.Minute))
			assert.ErrorIs(t, err, ErrCodeNotFound)
		})
	}
}

func TestCodeStore_DuplicateCreate(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.codes(t)
			now := time.Now().UTC()
			require.NoError(t, store.Create(ctx, newCode("h1", now)))

			err := store.Create(ctx, newCode("h1", now))

			assert.ErrorIs(t, err, ErrCodeExists)
		})
	}
}

func TestCodeStore_ConcurrentConsume(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			store := b.codes(t)
			now := time.Now().UTC()
			require.NoError(t, store.Create(ctx, newCode("h1", now)))

			// Act
			const workers = 16
			var wins, replays atomic.Int32
			var wg sync.WaitGroup
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Consume(ctx, "h1", now)
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrCodeAlreadyConsumed):
						replays.Add(1)
					}
				}()
			}
			wg.Wait()

			// Assert
			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(workers-1), replays.Load())
		})
	}
}

func TestCodeStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCodeStore()
	now := time.Now()
	require.NoError(t, store.Create(ctx, newCode("h1", now)))
	old := newCode("h2", now.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, old))

	n, err := store.DeleteExpired(ctx, now)

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Consume(ctx, "h1", now)
	assert.NoError(t, err)
}

func TestTokenStore_SaveGet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.tokens(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, newToken("t1", "g1", domain.TokenKindReference, now)))

			got, err := store.Get(ctx, "t1", now)

			require.NoError(t, err)
			assert.Equal(t, domain.TokenKindReference, got.Kind)
			assert.Equal(t, []string{"imagegalleryapi"}, got.Audience)
			assert.Equal(t, []string{"FreeUser"}, got.Claims["role"])
			assert.True(t, got.Active(now))
			assert.ErrorIs(t, store.Save(ctx, newToken("t1", "g1", domain.TokenKindReference, now)), ErrTokenExists)

			_, err = store.Get(ctx, "t1", now.Add(time.Hour))
			assert.ErrorIs(t, err, ErrTokenNotFound)
			_, err = store.Get(ctx, "nope", now)
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestTokenStore_ConsumeRotation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.tokens(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, newToken("r1", "g1", domain.TokenKindRefresh, now)))

			got, err := store.Consume(ctx, "r1", domain.RevokedRotated, now)
			require.NoError(t, err)
			assert.Equal(t, "g1", got.GrantID)

			again, err := store.Consume(ctx, "r1", domain.RevokedRotated, now)
			assert.ErrorIs(t, err, ErrTokenAlreadyConsumed)
			require.NotNil(t, again)
			assert.Equal(t, domain.RevokedRotated, again.RevokedReason)

			stored, err := store.Get(ctx, "r1", now)
			require.NoError(t, err)
			assert.False(t, stored.Active(now))
		})
	}
}

func TestTokenStore_RevokeIsIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.tokens(t)
			now := time.Now().UTC()
			require.NoError(t, store.Save(ctx, newToken("t1", "g1", domain.TokenKindReference, now)))

			require.NoError(t, store.Revoke(ctx, "t1", domain.RevokedByClient, now))
			require.NoError(t, store.Revoke(ctx, "t1", domain.RevokedByClient, now))
			assert.ErrorIs(t, store.Revoke(ctx, "missing", domain.RevokedByClient, now), ErrTokenNotFound)
		})
	}
}

func TestTokenStore_RevokeGrant(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			store := b.tokens(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, newToken("a1", "g1", domain.TokenKindReference, now)))
			require.NoError(t, store.Save(ctx, newToken("r1", "g1", domain.TokenKindRefresh, now)))
			require.NoError(t, store.Save(ctx, newToken("other", "g2", domain.TokenKindReference, now)))

			// Act
			n, err := store.RevokeGrant(ctx, "g1", domain.RevokedCodeReplay, now)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			for _, h := range []string{"a1", "r1"} {
				got, err := store.Get(ctx, h, now)
				require.NoError(t, err)
				assert.False(t, got.Active(now), h)
				assert.Equal(t, domain.RevokedCodeReplay, got.RevokedReason)
			}
			other, err := store.Get(ctx, "other", now)
			require.NoError(t, err)
			assert.True(t, other.Active(now))
		})
	}
}

func TestMemoryTokenStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	now := time.Now()
	require.NoError(t, store.Save(ctx, newToken("live", "g1", domain.TokenKindRefresh, now)))
	require.NoError(t, store.Save(ctx, newToken("dead", "g1", domain.TokenKindRefresh, now.Add(-2*time.Hour))))

	n, err := store.DeleteExpired(ctx, now)

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	revoked, err := store.RevokeGrant(ctx, "g1", domain.RevokedRefreshReuse, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
}

func TestUserRepository(t *testing.T) {
	repos := []struct {
		name string
		repo func(t *testing.T) UserRepository
	}{
		{"memory", func(*testing.T) UserRepository { return NewMemoryUserRepository() }},
		{"postgres", func(t *testing.T) UserRepository { return NewPgUserRepository(newPgPool(t)) }},
	}
	for _, r := range repos {
		t.Run(r.name, func(t *testing.T) {
			ctx := context.Background()
			repo := r.repo(t)
			now := time.Now().UTC().Truncate(time.Millisecond)
			user := &domain.User{
				SubjectID:    "b7539694-97e7-4dfe-84da-b4256e1ff5c7",
				Username:     "Claire",
				PasswordHash: "$2a$10$hash",
				IsActive:     true,
				Claims:       map[string][]string{"given_name": {"Claire"}, "role": {"PayingUser"}},
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			require.NoError(t, repo.Create(ctx, user))
			assert.ErrorIs(t, repo.Create(ctx, user), ErrUserExists)

			byName, err := repo.GetByUsername(ctx, "Claire")
			require.NoError(t, err)
			assert.Equal(t, user.SubjectID, byName.SubjectID)
			assert.Equal(t, []string{"PayingUser"}, byName.Claims["role"])

			bySub, err := repo.GetBySubject(ctx, user.SubjectID)
			require.NoError(t, err)
			assert.Equal(t, "Claire", bySub.Username)

			_, err = repo.GetByUsername(ctx, "Frank")
			assert.ErrorIs(t, err, ErrUserNotFound)
		})
	}
}

func TestPgClientRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewClientRepository(newPgPool(t))
	now := time.Now().UTC().Truncate(time.Millisecond)
	client := &domain.Client{
		ClientID:            "spa",
		ClientName:          "SPA",
		ClientSecretHash:    "$2a$10$secret",
		GrantTypes:          []string{domain.GrantTypeAuthorizationCode},
		RedirectURIs:        []string{"https://spa.example.com/cb"},
		AllowedScopes:       []string{"openid"},
		RequirePKCE:         true,
		AccessTokenLifetime: time.Hour,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, repo.Create(ctx, client))

	got, err := repo.GetByClientID(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$secret", got.ClientSecretHash)
	assert.Equal(t, time.Hour, got.AccessTokenLifetime)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "spa"))
	assert.ErrorIs(t, repo.Delete(ctx, "spa"), ErrClientNotFound)
	_, err = repo.GetByClientID(ctx, "spa")
	assert.ErrorIs(t, err, ErrClientNotFound)
}
