// Package session correlates browser requests with an authenticated subject
// and parks authorization requests while the user signs in.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dlddu/tiny-idp/internal/cache"
	"github.com/dlddu/tiny-idp/internal/crypto"
)

var (
	ErrNoSession           = errors.New("no active session")
	ErrUnknownLoginRequest = errors.New("unknown or expired login request")
)

const (
	keySession      = "session:"
	keyLoginRequest = "login_request:"
)

// Session is the state behind the browser cookie.
type Session struct {
	ID        string    `json:"-"`
	SubjectID string    `json:"sub"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Options configures the cookie and lifetimes.
type Options struct {
	CookieName      string
	Lifetime        time.Duration
	Secure          bool
	LoginRequestTTL time.Duration
}

// Manager issues and resolves session cookies. Session ids are stored hashed,
// the cache never holds a usable cookie value.
type Manager struct {
	cache cache.Client
	opts  Options
	now   func() time.Time
}

// NewManager creates a Manager backed by c.
func NewManager(c cache.Client, opts Options) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "idp.session"
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = 8 * time.Hour
	}
	if opts.LoginRequestTTL <= 0 {
		opts.LoginRequestTTL = 10 * time.Minute
	}
	return &Manager{cache: c, opts: opts, now: time.Now}
}

// Create starts a session for subjectID and sets the cookie on w.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, subjectID string) (*Session, error) {
	id, err := crypto.NewHandle()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s := &Session{
		ID:        id,
		SubjectID: subjectID,
		AuthTime:  now,
		ExpiresAt: now.Add(m.opts.Lifetime),
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := m.cache.Set(ctx, keySession+crypto.HashHandle(id), string(data), m.opts.Lifetime); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   int(m.opts.Lifetime.Seconds()),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

// Current resolves the session named by the request cookie.
func (m *Manager) Current(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	raw, err := m.cache.Get(ctx, keySession+crypto.HashHandle(cookie.Value))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	s := &Session{}
	if err := json.Unmarshal([]byte(raw), s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !m.now().Before(s.ExpiresAt) {
		return nil, ErrNoSession
	}
	s.ID = cookie.Value
	return s, nil
}

// Destroy removes the server side state and clears the cookie. It succeeds
// when there is no session.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return m.cache.Delete(ctx, keySession+crypto.HashHandle(cookie.Value))
}

// ParkLoginRequest stores the original authorization query and returns the
// id the login page carries.
func (m *Manager) ParkLoginRequest(ctx context.Context, query url.Values) (string, error) {
	id, err := crypto.NewHandle()
	if err != nil {
		return "", err
	}
	if err := m.cache.Set(ctx, keyLoginRequest+id, query.Encode(), m.opts.LoginRequestTTL); err != nil {
		return "", fmt.Errorf("park login request: %w", err)
	}
	return id, nil
}

// PeekLoginRequest returns the parked query without consuming it.
func (m *Manager) PeekLoginRequest(ctx context.Context, id string) (url.Values, error) {
	raw, err := m.cache.Get(ctx, keyLoginRequest+id)
	return decodeQuery(raw, err)
}

// ResumeLoginRequest returns the parked query and forgets it.
func (m *Manager) ResumeLoginRequest(ctx context.Context, id string) (url.Values, error) {
	raw, err := m.cache.Take(ctx, keyLoginRequest+id)
	return decodeQuery(raw, err)
}

func decodeQuery(raw string, err error) (url.Values, error) {
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrUnknownLoginRequest
	}
	if err != nil {
		return nil, fmt.Errorf("load login request: %w", err)
	}
	return url.ParseQuery(raw)
}
