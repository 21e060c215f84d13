package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/handlers"
	"github.com/mossy-p/callrelay/internal/logger"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/redis"
	"github.com/mossy-p/callrelay/internal/registry"
	"github.com/mossy-p/callrelay/internal/relay"
)

func main() {
	// Load configuration
	cfg := config.Load()

	zl, err := logger.New(cfg.Log, !cfg.IsProduction())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	deps := handlers.Deps{Metrics: m, Log: zl}

	var presence relay.Presence
	if cfg.Presence == config.PresenceRedis {
		// Connect to Redis
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			zl.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer client.Close()
		zl.Info("Redis connection established", zap.String("host", cfg.Redis.Host))

		store := redis.NewPresence(client)
		presence = store
		deps.Presence = store
	} else {
		zl.Info("presence mirror disabled")
	}

	deps.Relay = relay.New(registry.New(), presence, m, zl.Named("relay"))
	defer deps.Relay.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("Starting signaling relay", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown", zap.Error(err))
	}
}
