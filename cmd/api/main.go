// Package main is the entry point for the relay API server.
//
// Relay sits between API callers and LLM providers, enforcing
// authentication, rate limits, request validation and balance accounting
// before any request reaches an upstream. The server is designed for
// production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health check endpoint for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes:
// 1. Redis (rate-limit counters) and PostgreSQL (catalogue and audit)
// 2. First-start seeding of the model catalogue and default credentials
// 3. Provider adapters for each configured upstream
// 4. The request pipeline and HTTP router
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/billing"
	"github.com/kelpejol/relay/internal/config"
	"github.com/kelpejol/relay/internal/counter"
	"github.com/kelpejol/relay/internal/models"
	"github.com/kelpejol/relay/internal/pipeline"
	"github.com/kelpejol/relay/internal/provider"
	"github.com/kelpejol/relay/internal/ratelimit"
	"github.com/kelpejol/relay/internal/server"
	"github.com/kelpejol/relay/internal/store"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting relay api server")

	redisClient := counter.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	pg, err := store.NewPostgresStore(cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize postgres store")
	}
	defer pg.Close()
	logger.Info().Msg("postgres store initialized")

	manager := models.NewManager(pg, logger)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Seed(seedCtx, models.SeedDefaults{
		AdminAPIKey:  cfg.AdminAPIKey,
		APIKeyPrefix: cfg.APIKeyPrefix,
		RateLimits:   cfg.DefaultRateLimits,
		Retry:        cfg.DefaultRetry,
	})
	seedCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("first-start seeding failed")
	}

	limiter := ratelimit.NewLimiter(counter.NewRedisStore(redisClient), logger)
	ledger := billing.NewLedger(pg, logger)

	providers := provider.Registry{}
	providers.Add(provider.NewOpenAI(cfg.OpenAIAPIKey, "", cfg.UpstreamTimeout))
	providers.Add(provider.NewAnthropic(cfg.AnthropicAPIKey, "", cfg.UpstreamTimeout))
	providers.Add(provider.NewXAI(cfg.XAIAPIKey, "", cfg.UpstreamTimeout))

	pipe := pipeline.New(pg, limiter, manager, ledger, providers, cfg.UpstreamTimeout, logger)
	srv := server.New(pipe, manager, cfg.AdminAPIKey, cfg.APIKeyPrefix, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),

		ReadTimeout: 30 * time.Second,
		// Upstream completions can run for minutes; the write timeout
		// must outlast the per-attempt upstream timeout.
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output.
	// In production, use JSON for structured logging.
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "relay-api").
		Str("environment", environment).
		Logger()
}
