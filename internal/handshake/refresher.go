package handshake

import (
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

func (o *Orchestrator) startRefreshLocked(gen uint64) {
	o.refresh = o.timers.Every("refresh", o.cfg.RefreshInterval, func() {
		o.refreshTick(gen)
	})
}

func (o *Orchestrator) stopRefreshLocked() {
	o.refresh.Stop()
	o.refresh = nil
}

// refreshTick replaces the idle request, or expires the handshake once the
// refresh budget is spent. A failed refresh keeps the previous request.
func (o *Orchestrator) refreshTick(gen uint64) {
	o.mu.Lock()
	if o.closed || o.gen != gen || o.state.Phase != domain.PhaseIdle {
		o.mu.Unlock()
		return
	}
	if o.state.Refresh.Tick() {
		o.stopRefreshLocked()
		o.state.Request = nil
		herr := domain.NewError(domain.KindExpired, "refresh", nil)
		o.logger.Info("Credential request expired", zap.Int("refreshes", o.state.Refresh.Count))
		if o.transitionLocked(domain.PhaseExpired, herr, nil) {
			o.queueFailureLocked(herr)
		}
		o.mu.Unlock()
		o.flush()
		return
	}
	count := o.state.Refresh.Count
	o.mu.Unlock()

	req, err := o.issuer.Issue(o.ctx)

	o.mu.Lock()
	if o.closed || o.gen != gen || o.state.Phase != domain.PhaseIdle {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("Refresh failed, keeping previous request", zap.Int("refresh", count), zap.Error(err))
		return
	}
	o.state.Request = req
	o.notifyLocked()
	o.mu.Unlock()
	o.flush()

	o.logger.Debug("Credential request refreshed",
		zap.Int("refresh", count),
		zap.String("request_id", req.RequestID))
}
