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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventportal/auth"
	"eventportal/config"
	"eventportal/db"
	"eventportal/janitor"
	"eventportal/logging"
	"eventportal/migrations"
	"eventportal/ratelimit"
	"eventportal/review"
	"eventportal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	reviewRepo := review.NewRepository(pool)
	locks := review.NewLockManager(pool, reviewRepo, cfg.Review.LockTimeout).WithLogger(logger)
	reviews := review.NewService(pool, reviewRepo, locks, cfg.Review.FormKey).WithLogger(logger)
	registry := session.NewRegistry(pool, auth.NewRepository(), session.NewRepository(), locks).WithLogger(logger)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)

	server := NewServer(reviews, registry, verifier, logger).WithHealthCheck(pool)

	if cfg.Redis.Address != "" {
		client, err := ratelimit.NewClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("rate limiting disabled", zap.Error(err))
		} else {
			defer client.Close()
			server.WithRateLimit(ratelimit.New(client, "portal:ratelimit", time.Minute), cfg.RateLimit)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	sweeper := janitor.New(locks, registry, cfg.Review.SweepInterval, cfg.Review.SessionIdleTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin review api listening",
			zap.String("address", cfg.Server.Address),
			zap.String("form_key", cfg.Review.FormKey),
			zap.Duration("lock_timeout", locks.Timeout()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
