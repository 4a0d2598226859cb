// Package service holds the background workers of the handshake service.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

// Reaper removes finished or abandoned handshakes.
type Reaper interface {
	Reap(ctx context.Context, retention time.Duration) (int, error)
}

// CleanupWorker periodically closes abandoned handshakes and drops expired
// sessions, so pages that never come back do not leak timers or storage.
type CleanupWorker struct {
	config config.CleanupConfig
	reaper Reaper
	store  session.Store
	clock  clockwork.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(cfg config.CleanupConfig, reaper Reaper, store session.Store, clock clockwork.Clock, logger *zap.Logger) *CleanupWorker {
	cfg.SetDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CleanupWorker{
		config: cfg,
		reaper: reaper,
		store:  store,
		clock:  clock,
		logger: logger.Named("cleanup"),
	}
}

// Start begins the cleanup worker in the background
func (w *CleanupWorker) Start() {
	if !w.config.Enabled {
		w.logger.Info("Cleanup worker disabled")
		return
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)

	go w.run()

	w.logger.Info("Cleanup worker started",
		zap.Int("interval_seconds", w.config.IntervalSeconds),
		zap.Int("retention_seconds", w.config.RetentionSeconds),
	)
}

// Stop gracefully stops the cleanup worker
func (w *CleanupWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Cleanup worker stopped")
}

// run is the main worker loop
func (w *CleanupWorker) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(time.Duration(w.config.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	// Run once immediately on startup
	w.cleanup()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.Chan():
			w.cleanup()
		}
	}
}

// cleanup performs a single cleanup pass
func (w *CleanupWorker) cleanup() {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("Cleanup pass failed", zap.Error(err))
		return
	}

	w.logger.Debug("Completed cleanup pass")
}

// RunOnce runs a single cleanup pass (useful for testing)
func (w *CleanupWorker) RunOnce(ctx context.Context) error {
	retention := time.Duration(w.config.RetentionSeconds) * time.Second
	if w.reaper != nil {
		if _, err := w.reaper.Reap(ctx, retention); err != nil {
			return err
		}
	}
	if w.store != nil {
		removed, err := w.store.Cleanup(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			w.logger.Info("Removed expired sessions", zap.Int64("count", removed))
		}
	}
	return nil
}
