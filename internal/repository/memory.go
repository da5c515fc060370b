package repository

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dlddu/tiny-idp/internal/domain"
)

// MemoryCodeStore keeps authorization codes in process. Consume holds the
// write lock across check and mark.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*domain.AuthorizationCode
}

var _ AuthorizationCodeStore = (*MemoryCodeStore)(nil)

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]*domain.AuthorizationCode)}
}

func (s *MemoryCodeStore) Create(_ context.Context, code *domain.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code.CodeHash]; ok {
		return ErrCodeExists
	}
	s.codes[code.CodeHash] = cloneCode(code)
	return nil
}

func (s *MemoryCodeStore) Consume(_ context.Context, codeHash string, now time.Time) (*domain.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok || code.Expired(now) {
		return nil, ErrCodeNotFound
	}
	if code.ConsumedAt != nil {
		return cloneCode(code), ErrCodeAlreadyConsumed
	}
	consumed := now
	code.ConsumedAt = &consumed
	return cloneCode(code), nil
}

func (s *MemoryCodeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

func cloneCode(c *domain.AuthorizationCode) *domain.AuthorizationCode {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return &out
}

// MemoryTokenStore keeps reference and refresh tokens in process, with an
// index by grant for bulk revocation.
type MemoryTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]*domain.Token
	byGrant map[string]map[string]struct{}
}

var _ TokenStore = (*MemoryTokenStore)(nil)

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens:  make(map[string]*domain.Token),
		byGrant: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryTokenStore) Save(_ context.Context, t *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.HandleHash]; ok {
		return ErrTokenExists
	}
	s.tokens[t.HandleHash] = cloneToken(t)
	if t.GrantID != "" {
		if s.byGrant[t.GrantID] == nil {
			s.byGrant[t.GrantID] = make(map[string]struct{})
		}
		s.byGrant[t.GrantID][t.HandleHash] = struct{}{}
	}
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, handleHash string, now time.Time) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[handleHash]
	if !ok || !now.Before(t.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	return cloneToken(t), nil
}

func (s *MemoryTokenStore) Consume(_ context.Context, handleHash, reason string, now time.Time) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[handleHash]
	if !ok || !now.Before(t.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	if t.RevokedAt != nil {
		return cloneToken(t), ErrTokenAlreadyConsumed
	}
	revoke(t, reason, now)
	return cloneToken(t), nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, handleHash, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[handleHash]
	if !ok || !now.Before(t.ExpiresAt) {
		return ErrTokenNotFound
	}
	if t.RevokedAt == nil {
		revoke(t, reason, now)
	}
	return nil
}

func (s *MemoryTokenStore) RevokeGrant(_ context.Context, grantID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h := range s.byGrant[grantID] {
		if t, ok := s.tokens[h]; ok && t.Active(now) {
			revoke(t, reason, now)
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, t := range s.tokens {
		if now.Before(t.ExpiresAt) {
			continue
		}
		delete(s.tokens, h)
		if idx := s.byGrant[t.GrantID]; idx != nil {
			delete(idx, h)
			if len(idx) == 0 {
				delete(s.byGrant, t.GrantID)
			}
		}
		n++
	}
	return n, nil
}

func revoke(t *domain.Token, reason string, now time.Time) {
	at := now
	t.RevokedAt = &at
	t.RevokedReason = reason
}

func cloneToken(t *domain.Token) *domain.Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	out.Audience = slices.Clone(t.Audience)
	if t.Claims != nil {
		out.Claims = make(map[string][]string, len(t.Claims))
		for k, v := range t.Claims {
			out.Claims[k] = slices.Clone(v)
		}
	}
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		out.RevokedAt = &at
	}
	return &out
}

// MemoryUserRepository is an in-process user store, used for the seeded
// test users.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

var _ UserRepository = (*MemoryUserRepository)(nil)

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]*domain.User)}
}

func (r *MemoryUserRepository) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.SubjectID]; ok {
		return ErrUserExists
	}
	for _, u := range r.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	r.users[user.SubjectID] = cloneUser(user)
	return nil
}

func (r *MemoryUserRepository) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUserRepository) GetBySubject(_ context.Context, subjectID string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[subjectID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func cloneUser(u *domain.User) *domain.User {
	out := *u
	out.Claims = maps.Clone(u.Claims)
	for k, v := range out.Claims {
		out.Claims[k] = slices.Clone(v)
	}
	return &out
}
