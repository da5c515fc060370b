package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/cache"
	"github.com/dlddu/tiny-idp/internal/config"
	"github.com/dlddu/tiny-idp/internal/handler"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/registry"
	"github.com/dlddu/tiny-idp/internal/repository"
	"github.com/dlddu/tiny-idp/internal/service"
)

const (
	registrySourceFile     = "file"
	registrySourcePostgres = "postgres"

	// sessionCleanupInterval only applies to the in-memory session cache.
	sessionCleanupInterval = time.Minute
)

// backends holds the stores selected by configuration and the health checks
// that cover them.
type backends struct {
	codes    repository.AuthorizationCodeStore
	tokens   repository.TokenStore
	users    service.UserRepository
	clients  repository.ClientRepository
	sessions cache.Client
	checks   map[string]handler.Pinger

	closers []func() error
}

func (b *backends) close(log *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn("close backend", logger.Err(err))
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, promReg *prometheus.Registry) (*backends, error) {
	b := &backends{checks: map[string]handler.Pinger{}}

	var rdb *redis.Client
	if cfg.Store.Backend == config.BackendRedis || cfg.Session.Backend == config.BackendRedis {
		client, err := connectRedis(ctx, cfg.Redis, cfg.Store.ConnectBudget)
		if err != nil {
			return nil, err
		}
		rdb = client
		b.closers = append(b.closers, client.Close)
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := connectPostgres(ctx, cfg.Database, cfg.Store.ConnectBudget)
		if err != nil {
			b.close(logger.From(ctx))
			return nil, err
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			b.close(logger.From(ctx))
			return nil, err
		}
		if err := metrics.RegisterPool(promReg, pool); err != nil {
			b.close(logger.From(ctx))
			return nil, err
		}
		b.codes = repository.NewPgCodeStore(pool)
		b.tokens = repository.NewPgTokenStore(pool)
		b.users = repository.NewPgUserRepository(pool)
		b.clients = repository.NewClientRepository(pool)
		b.checks["store"] = pool
	case config.BackendRedis:
		codes := repository.NewRedisCodeStore(rdb, cfg.Redis.KeyPrefix)
		b.codes = codes
		b.tokens = repository.NewRedisTokenStore(rdb, cfg.Redis.KeyPrefix)
		b.users = repository.NewMemoryUserRepository()
		b.checks["store"] = codes
	default:
		b.codes = repository.NewMemoryCodeStore()
		b.tokens = repository.NewMemoryTokenStore()
		b.users = repository.NewMemoryUserRepository()
	}

	if cfg.Session.Backend == config.BackendRedis {
		b.sessions = cache.NewRedis(rdb, cfg.Redis.KeyPrefix+"session:")
	} else {
		b.sessions = cache.NewMemory("session:", sessionCleanupInterval)
	}
	b.closers = append(b.closers, b.sessions.Close)
	b.checks["sessions"] = b.sessions
	return b, nil
}

func retryConnect(ctx context.Context, what string, budget time.Duration, ping func(context.Context) error) error {
	log := logger.From(ctx).With(logger.Component(what))
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, ping(pingCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(budget),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("not reachable yet, retrying", logger.Err(err), zap.Duration("retry_in", d))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", what, err)
	}
	log.Info("connected")
	return nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, budget time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retryConnect(ctx, "redis", budget, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig, budget time.Duration) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := retryConnect(ctx, "postgres", budget, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// loadRegistry builds the client registry from the configured source.
// A Postgres registry with no stored clients is seeded first.
func loadRegistry(ctx context.Context, cfg *config.Config, b *backends) (*registry.Store, error) {
	var (
		reg *registry.Registry
		err error
	)
	switch cfg.Registry.Source {
	case registrySourceFile:
		reg, err = registry.LoadFile(cfg.Registry.File)
	case registrySourcePostgres:
		reg, err = registryFromPostgres(ctx, b.clients)
	default:
		reg, err = registry.Seed()
	}
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return registry.NewStore(reg), nil
}

func registryFromPostgres(ctx context.Context, repo repository.ClientRepository) (*registry.Registry, error) {
	if repo == nil {
		return nil, fmt.Errorf("REGISTRY_SOURCE=%s requires STORE_BACKEND=%s", registrySourcePostgres, config.BackendPostgres)
	}
	base, err := registry.ImageGallery()
	if err != nil {
		return nil, err
	}
	stored, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		for i := range base.Clients {
			if err := repo.Create(ctx, &base.Clients[i]); err != nil {
				return nil, fmt.Errorf("seed client %s: %w", base.Clients[i].ClientID, err)
			}
		}
		logger.From(ctx).Info("seeded client registry", zap.Int("clients", len(base.Clients)))
	}
	return registry.FromRepository(ctx, repo, base)
}

// reloader re-reads one piece of configuration in place.
type reloader func(ctx context.Context) error

// hangupReloaders lists what SIGHUP refreshes: the registry when it comes
// from a file and the signing keys when their provider can reload.
func hangupReloaders(cfg *config.Config, store *registry.Store, keys jwt.KeyProvider) map[string]reloader {
	out := map[string]reloader{}
	if cfg.Registry.Source == registrySourceFile {
		out["registry"] = func(context.Context) error {
			next, err := registry.LoadFile(cfg.Registry.File)
			if err != nil {
				return err
			}
			return store.Replace(next.Contents())
		}
	}
	if r, ok := keys.(interface{ Reload(context.Context) error }); ok {
		out["keys"] = r.Reload
	}
	return out
}

// reloadOnHangup runs every reloader on SIGHUP. A failed reload keeps the
// current state.
func reloadOnHangup(ctx context.Context, reloaders map[string]reloader) error {
	log := logger.Named("reload")
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			for name, reload := range reloaders {
				if err := reload(ctx); err != nil {
					log.Error("reload rejected", zap.String("target", name), logger.Err(err))
					continue
				}
				log.Info("reloaded", zap.String("target", name))
			}
		}
	}
}

func loadKeys(ctx context.Context, cfg config.KeysConfig) (jwt.KeyProvider, error) {
	switch cfg.Source {
	case config.KeySourceFile:
		return jwt.NewFileProvider(cfg.SigningKeyFile, cfg.RetiredKeyFiles...)
	case config.KeySourceAWSSecret:
		client, err := jwt.NewSecretsManagerClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return jwt.NewSecretsManagerProvider(ctx, client, cfg.AWSSecretID, cfg.AWSRetiredSecretIDs...)
	default:
		return jwt.NewGeneratingProvider(jwt.MinKeyBits), nil
	}
}

// openAudit always logs events and also publishes them when a broker is
// configured.
func openAudit(cfg config.AuditConfig, b *backends) (audit.Sink, error) {
	sinks := audit.Multi{audit.LogSink{}}
	if cfg.AMQPURL == "" {
		return sinks, nil
	}
	pub, err := audit.DialAMQP(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, pub.Close)
	return append(sinks, pub), nil
}
