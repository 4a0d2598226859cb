package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/api"
	"github.com/sirosfoundation/go-wallet-handshake/internal/klip"
	"github.com/sirosfoundation/go-wallet-handshake/internal/server"
	"github.com/sirosfoundation/go-wallet-handshake/internal/service"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/internal/websocket"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/logging"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/middleware"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Wallet Handshake Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	clock := clockwork.NewRealClock()

	// Initialize session store
	store, err := session.NewStore(cfg.SessionStore, clock, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Session store initialized", zap.String("type", cfg.SessionStore.Type))

	client := klip.NewClient(klip.Options{
		BaseURL:     cfg.Klip.BaseURL,
		CardBaseURL: cfg.Klip.CardBaseURL,
		Timeout:     cfg.Klip.HTTPTimeout(),
		RequestTTL:  cfg.Handshake.RequestTTL,
		Clock:       clock,
	}, logger)

	sink := session.NewSink(store, cfg.SessionStore.DefaultTTL(), clock, logger)
	bridge := websocket.NewManager(cfg.Server.AllowedOrigins, websocket.DefaultAckTimeout, logger)
	registry := api.NewRegistry(cfg.Handshake, client, sink, bridge, clock, logger)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
	}
	handlers := api.NewHandlers(registry, store, bridge, limiter, logger)

	cleanup := service.NewCleanupWorker(cfg.Cleanup, registry, store, clock, logger)
	cleanup.Start()

	srv := server.NewManager(cfg.Server, cfg.Logging.Level, logger)
	srv.AddProvider(handlers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cleanup.Stop()
	bridge.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	registry.Close()

	logger.Info("Server exited")
}
