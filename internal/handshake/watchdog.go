package handshake

import (
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/delivery"
	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// startWatchdogLocked polls the delivery window and, for popups, closes it
// once the grace period is over.
func (o *Orchestrator) startWatchdogLocked(gen uint64, d *delivery.Delivery) {
	w := d.Window
	o.poll = o.timers.Every("popup-poll", o.cfg.PopupPollInterval, func() {
		o.pollWindow(gen, w)
	})
	if d.Grace > 0 {
		o.grace = o.timers.After("popup-grace", d.Grace, func() {
			o.closeAfterGrace(gen, w)
		})
	}
}

// pollWindow treats a window the user closed before the grace period as a
// cancellation that returns the handshake to Idle.
func (o *Orchestrator) pollWindow(gen uint64, w delivery.Window) {
	o.mu.Lock()
	if o.gen != gen || o.settling || o.graceFired || o.state.Phase != domain.PhaseAwaitingConfirmation {
		o.mu.Unlock()
		return
	}
	if !w.Closed() {
		o.mu.Unlock()
		return
	}
	o.logger.Info("Delivery window closed by user")
	o.finishLocked(domain.PhaseIdle, domain.NewError(domain.KindUserCancelled, "watch", nil), nil)
	o.mu.Unlock()
	o.flush()
}

// closeAfterGrace releases the popup and stops polling. The state is left
// alone: the confirmation is still pending. A popup the user already closed
// counts as a cancellation even if the poll has not seen it yet.
func (o *Orchestrator) closeAfterGrace(gen uint64, w delivery.Window) {
	o.mu.Lock()
	if o.gen != gen || o.settling || o.state.Phase != domain.PhaseAwaitingConfirmation {
		o.mu.Unlock()
		return
	}
	if w.Closed() && o.adapter.Current() == w {
		o.logger.Info("Delivery window closed by user", zap.Duration("grace", o.cfg.PopupGrace))
		o.finishLocked(domain.PhaseIdle, domain.NewError(domain.KindUserCancelled, "watch", nil), nil)
		o.mu.Unlock()
		o.flush()
		return
	}
	o.graceFired = true
	o.grace = nil
	o.poll.Stop()
	o.poll = nil
	if o.adapter.ReleaseIf(w) {
		o.logger.Debug("Closed delivery window after grace period", zap.Duration("grace", o.cfg.PopupGrace))
	}
	o.mu.Unlock()
}
