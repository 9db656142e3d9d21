// Package main provides the entry point for the coordination server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/admin"
	"github.com/kneutral-org/coordination/internal/config"
	"github.com/kneutral-org/coordination/internal/lock"
	"github.com/kneutral-org/coordination/internal/logging"
	"github.com/kneutral-org/coordination/internal/overlay"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

const serviceName = "coordination"

func main() {
	cfg := config.Load()
	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.CacheBackend).Msg("failed to open shared cache")
	}
	defer be.close()
	logStartup(logger, cfg)

	client := sharedcache.NewInstrumented(be.client)

	var cleanup *sharedcache.CleanupJob
	if be.cleaner != nil && cfg.CacheCleanupInterval > 0 {
		cleanup = sharedcache.NewCleanupJob(be.cleaner, cfg.CacheBackend, cfg.CacheCleanupInterval, logger)
		cleanup.Start(ctx)
	}

	managerOpts := []lock.ManagerOption{
		lock.WithLogger(logging.ComponentLogger(logger, "lock")),
		lock.WithCASMaxAttempts(uint(cfg.LockCASMaxAttempts)),
		lock.WithBackoff(cfg.LockBackoffBase, cfg.LockBackoffMax),
		lock.WithAcquireTimeout(cfg.LockAcquireTimeout),
	}

	var keeper *lock.Keeper
	if cfg.LockKeepAliveInterval > 0 {
		keeper = lock.NewKeeper(logging.ComponentLogger(logger, "keeper"),
			lock.WithKeepAliveInterval(cfg.LockKeepAliveInterval),
			lock.WithOnExtendFailure(func(l lock.Lease, err error) {
				if lock.IsRetryable(err) {
					return
				}
				logger.Error().Err(err).Str("lock", l.Name()).Msg("lock lease could not be extended")
			}),
		)
		keeper.Start(ctx)
		managerOpts = append(managerOpts, lock.WithKeeper(keeper))
	}

	manager := lock.NewManager(client, managerOpts...)
	mirror := overlay.New(client, overlay.WithLogger(logging.ComponentLogger(logger, "overlay")))
	store := overlay.NewStore(mirror,
		overlay.WithLocalSize(cfg.LocalCacheSize),
		overlay.WithLocalTTL(cfg.LocalCacheTTL),
		overlay.WithSharedPrefixes(cfg.SharedKeyPrefixes...),
		overlay.WithReservedPrefixes(manager.KeyPrefix()),
	)

	// HTTP diagnostics
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := admin.NewHandler(manager, client, store, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      admin.NewRouter(handler, mirror, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	// gRPC health
	reporter := admin.NewHealthReporter(client, logger, admin.DefaultHealthInterval)
	reporter.Start(ctx)
	grpcServer := admin.NewGRPCServer(reporter, logging.ComponentLogger(logger, "grpc"))

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reporter.Stop()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if keeper != nil {
		keeper.Stop()
	}
	if cleanup != nil {
		cleanup.Stop()
	}

	logger.Info().Msg("server exited properly")
}

// logStartup reports the effective lock settings once the backend is up.
func logStartup(logger zerolog.Logger, cfg *config.Config) {
	logger.Info().
		Str("backend", cfg.CacheBackend).
		Str("keyPrefix", cfg.CacheKeyPrefix).
		Dur("entryTTL", cfg.CacheEntryTTL).
		Int("casMaxAttempts", cfg.LockCASMaxAttempts).
		Dur("keepAlive", cfg.LockKeepAliveInterval).
		Strs("sharedPrefixes", cfg.SharedKeyPrefixes).
		Msg("shared cache ready")
}
