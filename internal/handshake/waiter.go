package handshake

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// startWaiterLocked starts the single confirmation call of the attempt and
// its absolute deadline.
func (o *Orchestrator) startWaiterLocked(gen uint64, req *domain.CredentialRequest) {
	ctx, cancel := context.WithCancelCause(o.ctx)
	o.cancelWait = cancel
	o.deadline = o.timers.After("confirm-deadline", o.cfg.ConfirmTimeout, func() {
		cancel(errConfirmDeadline)
		o.fail(gen, domain.NewError(domain.KindTimeout, "confirm", errConfirmDeadline))
	})
	go o.wait(ctx, gen, req)
}

func (o *Orchestrator) wait(ctx context.Context, gen uint64, req *domain.CredentialRequest) {
	res, err := o.confirmer.Confirm(ctx, req)
	if err == nil && res == nil {
		err = domain.NewError(domain.KindProtocol, "confirm", errors.New("empty confirmation"))
	}
	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errConfirmDeadline):
			err = domain.NewError(domain.KindTimeout, "confirm", cause)
		case errors.Is(cause, errAttemptFinished):
			o.logger.Debug("Confirmation abandoned", zap.Error(err))
			return
		}
		o.fail(gen, domain.Normalize(err))
		return
	}
	o.succeed(gen, res)
}

// succeed claims the attempt, hands the result off and settles it as
// Confirmed, or as Failed when the hand-off is refused.
func (o *Orchestrator) succeed(gen uint64, res *domain.Result) {
	o.mu.Lock()
	if o.gen != gen || o.settling || o.state.Phase != domain.PhaseAwaitingConfirmation {
		o.mu.Unlock()
		o.logger.Debug("Dropping late confirmation")
		return
	}
	o.settling = true
	o.deadline.Stop()
	o.deadline = nil
	o.mu.Unlock()

	err := o.handoff.Forward(context.WithoutCancel(o.ctx), res)

	o.mu.Lock()
	o.settling = false
	if err != nil {
		herr := domain.Normalize(err)
		o.logger.Warn("Result hand-off failed", zap.Error(err))
		o.finishLocked(domain.PhaseFailed, herr, nil)
	} else {
		o.finishLocked(domain.PhaseConfirmed, nil, res)
	}
	o.mu.Unlock()
	o.flush()
}

// fail ends the in-flight attempt with herr. Late failures are dropped.
func (o *Orchestrator) fail(gen uint64, herr *domain.Error) {
	o.mu.Lock()
	if o.gen != gen || o.settling || !o.state.Phase.InFlight() {
		o.mu.Unlock()
		o.logger.Debug("Dropping late failure", zap.String("reason", string(herr.Kind)))
		return
	}
	o.logger.Info("Handshake failed", zap.String("reason", string(herr.Kind)), zap.Error(herr))

	to := domain.PhaseFailed
	if herr.Kind == domain.KindCancelled {
		to = domain.PhaseCancelled
	}
	o.finishLocked(to, herr, nil)
	o.mu.Unlock()
	o.flush()
}
