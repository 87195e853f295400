package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"talkspace/server/blob"
	"talkspace/server/chat"
	"talkspace/server/config"
	"talkspace/server/handler"
	"talkspace/server/notify"
	"talkspace/server/poll"
	"talkspace/server/ratelimit"
	"talkspace/server/room"
	"talkspace/server/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	blobs, err := blob.Open(ctx, cfg.BlobURL, cfg.PublicBaseURL, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.BlobURL).Msg("failed to open blob store")
	}
	defer blobs.Close()

	checks := map[string]handler.Pinger{"store": st, "blob": blobs}

	var limiter ratelimit.Limiter = ratelimit.NewLocal(cfg.RateLimitEvents, cfg.RateLimitWindow)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup, limiter will fail open")
		}
		limiter = ratelimit.NewRedis(client, cfg.RateLimitEvents, cfg.RateLimitWindow, logger)
		checks["redis"] = redisPinger{client}
		logger.Info().Msg("connected to Redis")
	}

	rooms := room.NewManager(logger)
	srv := handler.NewServer(handler.Deps{
		Rooms:          rooms,
		Chat:           chat.NewManager(st, rooms, logger, chat.WithWindow(cfg.EditWindow)),
		Polls:          poll.NewEngine(st, rooms, logger),
		Notify:         notify.NewEngine(st, rooms, logger),
		Blobs:          blobs,
		Limiter:        limiter,
		Checks:         checks,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Handler:           srv.Router(),
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("ListenAndServe error")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exiting")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return store.OpenSQL(ctx, store.DriverSQLite, cfg.SQLiteDSN())
	case config.StorePostgres:
		return store.OpenSQL(ctx, store.DriverPostgres, cfg.DatabaseURL)
	default:
		return store.NewMemory(), nil
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
