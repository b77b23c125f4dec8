/*
main.go - Application entry point

PURPOSE:
  Starts the balance engine demo server: opens the SQLite repository, builds
  the Coordinator, bootstraps balances from the stored accounts and
  transactions, and serves the HTTP surface.

STARTUP SEQUENCE:
  1. Load configuration from environment
  2. Open SQLite repository
  3. Build Coordinator and register stored accounts
  4. RecalculateAll from the stored history
  5. Serve HTTP with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Flush and stop the update queue
  3. Close the repository
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/balance-engine/api"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/config"
	"github.com/warp/balance-engine/observability"
	"github.com/warp/balance-engine/repo/sqlite"
)

func main() {
	cfg := config.Load()

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Int("queue_capacity", cfg.QueueCapacity),
		zap.Int("cache_capacity", cfg.CacheCapacity),
		zap.Duration("debounce_high", cfg.DebounceHigh),
		zap.Duration("debounce_normal", cfg.DebounceNormal),
	)

	metrics := observability.NewMetrics()

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open repository", zap.Error(err))
	}
	defer repo.Close()

	coordinator := balance.NewCoordinator(balance.Options{
		Queue: balance.QueueConfig{
			Capacity:       cfg.QueueCapacity,
			DebounceHigh:   cfg.DebounceHigh,
			DebounceNormal: cfg.DebounceNormal,
		},
		CacheCapacity: cfg.CacheCapacity,
		Logger:        logger.Named("balance"),
		Metrics:       metrics,
	})
	defer coordinator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, coordinator, repo, logger); err != nil {
		logger.Fatal("failed to bootstrap balances", zap.Error(err))
	}

	handler := api.NewHandler(coordinator, repo, repo, logger.Named("api"))
	router := api.NewRouter(handler, logger.Named("http"), metrics)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// bootstrap reconstructs every balance from the durable accounts and
// transaction history.
func bootstrap(ctx context.Context, coordinator *balance.Coordinator, repo *sqlite.Repository, logger *zap.Logger) error {
	accounts, err := repo.Accounts(ctx)
	if err != nil {
		return err
	}
	history, err := repo.Transactions(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		logger.Info("no stored accounts, starting empty")
		return nil
	}

	coordinator.RegisterAccounts(accounts)
	if err := coordinator.RecalculateAll(ctx, accounts, history); err != nil {
		return err
	}
	logger.Info("balances reconstructed",
		zap.Int("accounts", len(accounts)),
		zap.Int("transactions", len(history)))
	return nil
}
