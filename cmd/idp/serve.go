package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dlddu/tiny-idp/internal/claims"
	"github.com/dlddu/tiny-idp/internal/config"
	"github.com/dlddu/tiny-idp/internal/handler"
	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/service"
	"github.com/dlddu/tiny-idp/internal/session"
	"github.com/dlddu/tiny-idp/internal/sweeper"
)

func newServeCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "tiny-idp"})
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(logger.ToContext(ctx, logger.L()), cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.From(ctx)

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	b, err := openBackends(ctx, cfg, promReg)
	if err != nil {
		return err
	}
	defer b.close(log)

	regStore, err := loadRegistry(ctx, cfg, b)
	if err != nil {
		return err
	}
	keys, err := loadKeys(ctx, cfg.Keys)
	if err != nil {
		return err
	}
	tm, err := jwt.NewTokenManager(keys, cfg.Server.Issuer, jwt.WithLeeway(cfg.OAuth.ClockSkew))
	if err != nil {
		return err
	}
	sink, err := openAudit(cfg.Audit, b)
	if err != nil {
		return err
	}

	users := service.NewUserService(b.users, service.BcryptHasher{})
	if err := users.SeedUsers(ctx, service.TestUsers()); err != nil {
		return err
	}

	sessions := session.NewManager(b.sessions, session.Options{
		CookieName:      cfg.Session.CookieName,
		Lifetime:        cfg.Session.Lifetime,
		Secure:          cfg.Session.Secure,
		LoginRequestTTL: cfg.OAuth.LoginRequestTTL,
	})

	timeout := cfg.Store.Timeout
	policy := claims.DefaultPolicy()
	clients := service.NewClientService(regStore, service.BcryptHasher{})
	validator := service.NewValidator(tm, b.tokens, timeout, m)
	issuer := service.NewIssuer(tm, b.tokens, regStore, policy, timeout, m)

	router := handler.NewRouter(handler.RouterDeps{
		Auth: handler.NewAuthHandler(handler.AuthHandlerDeps{
			Authorizer:    service.NewAuthorizeService(regStore, b.codes, timeout, m),
			Users:         users,
			Clients:       clients,
			EndSession:    service.NewEndSessionService(regStore, tm),
			Sessions:      sessions,
			Audit:         sink,
			Metrics:       m,
			SecureCookies: cfg.Session.Secure,
		}),
		Tokens: handler.NewTokenHandler(
			service.NewTokenService(service.TokenServiceDeps{
				Clients:      clients,
				Registry:     regStore,
				Codes:        b.codes,
				Tokens:       b.tokens,
				Issuer:       issuer,
				Users:        users,
				Audit:        sink,
				Metrics:      m,
				StoreTimeout: timeout,
			}),
			service.NewIntrospectionService(clients, validator, tm, b.tokens),
			service.NewRevocationService(clients, b.tokens, timeout, m),
			service.NewUserInfoService(validator, regStore, users, policy, timeout, m),
		),
		Metadata: handler.NewMetadataHandler(cfg.Server.Issuer, regStore, keys, b.checks),
		Metrics:  m,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sw := sweeper.New(map[string]sweeper.Expirer{
		"codes":  b.codes,
		"tokens": b.tokens,
	}, cfg.Store.SweepInterval, timeout, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("issuer", cfg.Server.Issuer),
			zap.String("store", cfg.Store.Backend),
			zap.String("sessions", cfg.Session.Backend),
			zap.String("keys", cfg.Keys.Source),
			zap.String("registry", cfg.Registry.Source))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	if reloaders := hangupReloaders(cfg, regStore, keys); len(reloaders) > 0 {
		g.Go(func() error {
			return reloadOnHangup(gctx, reloaders)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}
