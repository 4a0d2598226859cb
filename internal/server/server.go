// Package server runs the HTTP server. Route providers contribute routes;
// the manager adds the shared middleware and owns the server lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/middleware"
)

// RouteProvider contributes routes to the shared router.
type RouteProvider interface {
	// RegisterRoutes adds this provider's routes to the router.
	RegisterRoutes(router *gin.Engine)

	// Name returns the provider name for logging
	Name() string
}

// Manager builds the router from its providers and runs the HTTP server
type Manager struct {
	cfg          config.ServerConfig
	loggingLevel string
	logger       *zap.Logger

	providers []RouteProvider

	httpServer *http.Server
	router     *gin.Engine
}

// NewManager creates a new server manager
func NewManager(cfg config.ServerConfig, loggingLevel string, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		loggingLevel: loggingLevel,
		logger:       logger.Named("server"),
		providers:    make([]RouteProvider, 0),
	}
}

// AddProvider adds a RouteProvider to the manager.
// Call this before Start() to register all routes.
func (m *Manager) AddProvider(p RouteProvider) {
	m.providers = append(m.providers, p)
	m.logger.Debug("Added route provider", zap.String("name", p.Name()))
}

// Router builds the router on first use.
func (m *Manager) Router() *gin.Engine {
	if m.router == nil {
		m.router = m.buildRouter()
		for _, p := range m.providers {
			m.logger.Info("Registering HTTP routes", zap.String("provider", p.Name()))
			p.RegisterRoutes(m.router)
		}
	}
	return m.router
}

// Start builds the router and starts the http server
func (m *Manager) Start(ctx context.Context) error {
	if m.loggingLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := m.cfg.Address()
	m.httpServer = &http.Server{
		Addr:        addr,
		Handler:     m.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the page WebSocket is long-lived.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("HTTP server listening", zap.String("address", addr))
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("HTTP server error", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully shuts down the server
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	if err := m.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

// buildRouter creates a new router with common middleware
func (m *Manager) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(m.logger))
	router.Use(cors.New(corsConfig(m.cfg.AllowedOrigins)))
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
