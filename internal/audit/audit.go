// Package audit records security relevant events such as authorization code
// replay and refresh token reuse.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/logger"
)

// Event types.
const (
	CodeReplay        = "authorization_code_replay"
	RefreshTokenReuse = "refresh_token_reuse"
	PKCEFailure       = "pkce_verification_failed"
	ClientAuthFailure = "client_authentication_failed"
	LoginFailure      = "login_failed"

	// GrantRevocationFailed means a grant that had to be revoked is still
	// live.
	GrantRevocationFailed = "grant_revocation_failed"
)

// Event is a single security event.
type Event struct {
	Type      string            `json:"type"`
	Time      time.Time         `json:"time"`
	ClientID  string            `json:"client_id,omitempty"`
	SubjectID string            `json:"sub,omitempty"`
	GrantID   string            `json:"grant_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Sink receives events. Emit must not block request handling for long.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// LogSink writes events to the context logger at warn level.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event", e.Type),
		logger.ClientID(e.ClientID),
		logger.SubjectID(e.SubjectID),
		logger.GrantID(e.GrantID),
	}
	for k, v := range e.Detail {
		fields = append(fields, zap.String(k, v))
	}
	logger.From(ctx).With(logger.Component("audit")).Warn("security event", fields...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
