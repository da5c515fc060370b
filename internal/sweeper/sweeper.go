// Package sweeper deletes expired authorization codes and tokens in the
// background. Lookups already ignore expired records, so sweeping only
// reclaims space.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Minute

// Expirer is a store that can drop records expired at now.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically calls DeleteExpired on its stores.
type Sweeper struct {
	stores   map[string]Expirer
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Sweeper over named stores. The name labels logs and metrics.
func New(stores map[string]Expirer, interval, timeout time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		stores:   stores,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("sweeper"))
	log.Info("sweeper started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Warn("sweep failed", logger.Err(err))
			}
		}
	}
}

// SweepOnce deletes expired records from every store. Every store is swept
// even when an earlier one fails.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	var result *multierror.Error
	now := s.now()
	for name, store := range s.stores {
		n, err := s.sweep(ctx, store, now)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.metrics.Swept(name, n)
		if n > 0 {
			logger.From(ctx).Debug("expired records deleted", logger.Component("sweeper"),
				zap.String("store", name), zap.Int64("deleted", n))
		}
	}
	return result.ErrorOrNil()
}

func (s *Sweeper) sweep(ctx context.Context, store Expirer, now time.Time) (int64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return store.DeleteExpired(ctx, now)
}
