package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/api"
	"github.com/eldtechnologies/circle/internal/api/middleware"
	"github.com/eldtechnologies/circle/internal/chat"
	"github.com/eldtechnologies/circle/internal/config"
	"github.com/eldtechnologies/circle/internal/friends"
	"github.com/eldtechnologies/circle/internal/handlers"
	"github.com/eldtechnologies/circle/internal/identity"
	"github.com/eldtechnologies/circle/internal/media"
	"github.com/eldtechnologies/circle/internal/presence"
	"github.com/eldtechnologies/circle/internal/realtime"
	"github.com/eldtechnologies/circle/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	db, err := openDataStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	var registryOpts []presence.Option
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()

		// No session survives a restart.
		if err := redisStore.ResetPresence(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to reset presence mirror")
		}
		registryOpts = append(registryOpts, presence.WithSink(redisStore))
		logger.Info().Msg("connected to Redis")
	}

	uploads, err := media.NewDiskStorage(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("upload directory unavailable")
	}

	registry := presence.NewRegistry(logger, registryOpts...)
	presence.NewBroadcaster(registry, logger).Attach(registry)

	gate := identity.NewJWTGate(cfg.JWTSecret)
	router := chat.NewRouter(chat.NewStore(db), registry, logger)
	friendService := friends.NewService(db, logger)

	hub := realtime.NewHub(registry, router, friendService, gate, realtime.Config{
		SendBuffer:     cfg.WSSendBuffer,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	mux := api.NewRouter(logger, api.Options{
		Handlers: handlers.Deps{
			DB:       db,
			Redis:    redisStore,
			Registry: registry,
			Router:   router,
			Friends:  friendService,
			Media:    uploads,
			Sockets:  hub,
			Logger:   logger,
		},
		Gate:           gate,
		Socket:         hub,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server. Sockets manage their own deadlines once upgraded.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting Circle server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked connections are invisible to srv.Shutdown, so close them first.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// openDataStore picks Postgres, then MongoDB, then SQLite.
func openDataStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return s, nil
	case cfg.MongoURI != "":
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")
		return s, nil
	default:
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
		return s, nil
	}
}
