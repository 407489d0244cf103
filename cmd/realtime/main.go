package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/broadcast"
	"github.com/quickchat/realtime-service/internal/broker"
	"github.com/quickchat/realtime-service/internal/cache"
	"github.com/quickchat/realtime-service/internal/config"
	"github.com/quickchat/realtime-service/internal/gateway"
	"github.com/quickchat/realtime-service/internal/history"
	"github.com/quickchat/realtime-service/internal/identity"
	"github.com/quickchat/realtime-service/internal/observability"
	"github.com/quickchat/realtime-service/internal/presence"
	"github.com/quickchat/realtime-service/internal/registry"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("history store init failed")
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set; event history kept in memory only")
	}

	snapshots := cache.NewDisabled()
	if cfg.RedisAddr != "" {
		snapshots, err = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      2 * cfg.PresenceStaleThreshold,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("presence cache init failed")
		}
	} else {
		logger.Warn().Msg("REDIS_ADDR not set; presence snapshots stay node-local")
	}
	defer snapshots.Close()

	bus := broker.New()
	defer bus.Close()
	bc := broadcast.New(bus, store, metrics, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	reg := registry.New(runCtx, metrics, logger)
	sweeper := presence.NewSweeper(reg, cfg.PresenceSweepInterval, cfg.PresenceStaleThreshold, metrics, logger)
	sweeper.Start(runCtx)

	verifier := identity.NewStaticVerifier(cfg.StaticTokens)
	if cfg.StaticTokens == "" {
		logger.Warn().Msg("AUTH_STATIC_TOKENS not set; every connection will be rejected")
	}

	api := gateway.New(cfg, reg, bus, bc, snapshots, verifier, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	// Actors drain after the base context is cancelled; calls emit their
	// terminal notices before the process exits.
	runCancel()
	reg.Wait()

	logger.Info().Msg("shutdown complete")
}
