package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sessionkv/internal/config"
	"github.com/gosuda/sessionkv/internal/events"
	"github.com/gosuda/sessionkv/internal/kv"
	"github.com/gosuda/sessionkv/internal/kv/memory"
	"github.com/gosuda/sessionkv/internal/server"
	"github.com/gosuda/sessionkv/internal/session"
	"github.com/gosuda/sessionkv/internal/store/postgres"
	redisstore "github.com/gosuda/sessionkv/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("SESSIONKV_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("SESSIONKV_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	backend, broker, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing backend")
		}
	}()

	store := session.New(backend, broker, session.Options{
		MaxTries:        uint(cfg.Commit.MaxRetries), //nolint:gosec // validated >= 1
		MaxElapsed:      cfg.Commit.MaxElapsed,
		InitialInterval: session.DefaultOptions().InitialInterval,
		MaxInterval:     session.DefaultOptions().MaxInterval,
	})

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(cfg, store, backend, broker)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Backend).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

// openBackend connects the configured storage backend and the broker that
// carries its change events. Redis uses its own pub/sub so feeds span
// processes; the other backends fan out in-process.
func openBackend(ctx context.Context, cfg *config.Config) (kv.Backend, events.Broker, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.PubSub(), nil

	case config.BackendPostgres:
		if cfg.Database.MaxConns > math.MaxInt32 {
			return nil, nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, events.NewLocal(), nil

	default:
		return memory.New(), events.NewLocal(), nil
	}
}
