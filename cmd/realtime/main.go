package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-chat/config"
	"github.com/mossy-p/realtime-chat/internal/calls"
	"github.com/mossy-p/realtime-chat/internal/handlers"
	"github.com/mossy-p/realtime-chat/internal/lifecycle"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/presence"
	"github.com/mossy-p/realtime-chat/internal/redis"
	"github.com/mossy-p/realtime-chat/internal/store"
	"github.com/mossy-p/realtime-chat/internal/typing"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("redis connection established")

	rooms := redis.NewRoomStore(redisClient)
	lastSeen := redis.NewLastSeenStore(redisClient)

	g, gctx := errgroup.WithContext(ctx)

	var sink messaging.Sink = store.NopSink{}
	if cfg.Postgres.URL != "" {
		pool, err := store.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("postgres connection established")

		persist := store.NewSink(store.NewMessageRepository(pool), cfg.Postgres.QueueSize, cfg.Postgres.SaveTimeout, logger)
		g.Go(func() error { return persist.Run(gctx) })
		sink = persist
	} else {
		logger.Warn("DATABASE_URL not set, messages will not be persisted")
	}

	registry := presence.NewRegistry(
		presence.WithLastSeenStore(lastSeen),
		presence.WithLogger(logger),
	)
	router := messaging.NewRouter(registry, rooms, sink, logger)
	typingCoordinator := typing.NewCoordinator(cfg.Realtime.TypingTTL, registry, rooms, logger)
	callCoordinator := calls.NewCoordinator(registry, cfg.Realtime.RingTimeout, logger)
	manager := lifecycle.NewManager(registry, router, typingCoordinator, callCoordinator,
		lifecycle.Options{AuthRequired: cfg.AuthRequired}, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if !cfg.AuthRequired {
		logger.Warn("AUTH_REQUIRED=false, clients may register as any user")
	}

	engine := handlers.NewRouter(cfg,
		handlers.NewRealtimeHandler(manager, cfg.AuthRequired, cfg.Realtime.OutboundBuffer, logger),
		handlers.NewRoomHandler(rooms, logger),
		handlers.NewPresenceHandler(registry, lastSeen, logger),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting realtime server", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
