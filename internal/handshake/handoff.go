package handshake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// SessionSink is the application session boundary. It is only ever called
// with a confirmed result.
type SessionSink interface {
	EstablishLogin(ctx context.Context, session *domain.LoginSession) error
	RecordClaim(ctx context.Context, receipt *domain.ClaimReceipt) error
}

// Hooks is the exit surface of an orchestrator. Hooks run in event order on
// the goroutine that caused the event and must not call back into the
// orchestrator.
type Hooks struct {
	OnSuccess    func(result domain.Result)
	OnFailure    func(err *domain.Error)
	OnTransition func(state domain.State)
}

// Handoff forwards confirmed results to the session sink and reports
// outcomes through Hooks.
type Handoff struct {
	sink   SessionSink
	hooks  Hooks
	logger *zap.Logger
}

// NewHandoff creates a Handoff. A nil sink accepts every result.
func NewHandoff(sink SessionSink, hooks Hooks, logger *zap.Logger) *Handoff {
	return &Handoff{
		sink:   sink,
		hooks:  hooks,
		logger: logger,
	}
}

// Forward hands a confirmed result to the session sink.
func (h *Handoff) Forward(ctx context.Context, res *domain.Result) error {
	if res == nil {
		return domain.NewError(domain.KindProtocol, "handoff", errors.New("empty result"))
	}
	switch res.Variant {
	case domain.VariantLogin:
		if res.Login == nil {
			return domain.NewError(domain.KindProtocol, "handoff", errors.New("login result without session"))
		}
		if h.sink == nil {
			return nil
		}
		if err := h.sink.EstablishLogin(ctx, res.Login); err != nil {
			return domain.NewError(domain.KindNetwork, "handoff", fmt.Errorf("establishing login session: %w", err))
		}
	case domain.VariantClaim:
		if res.Claim == nil {
			return domain.NewError(domain.KindProtocol, "handoff", errors.New("claim result without receipt"))
		}
		if h.sink == nil {
			return nil
		}
		if err := h.sink.RecordClaim(ctx, res.Claim); err != nil {
			return domain.NewError(domain.KindNetwork, "handoff", fmt.Errorf("recording claim: %w", err))
		}
	default:
		return domain.NewError(domain.KindProtocol, "handoff", fmt.Errorf("unknown variant %q", res.Variant))
	}
	return nil
}

func (h *Handoff) succeeded(res domain.Result) {
	h.logger.Info("Handshake confirmed", zap.String("variant", string(res.Variant)))
	if h.hooks.OnSuccess != nil {
		h.hooks.OnSuccess(res)
	}
}

func (h *Handoff) failed(err *domain.Error) {
	if h.hooks.OnFailure != nil {
		h.hooks.OnFailure(err)
	}
}

func (h *Handoff) transitioned(state domain.State) {
	if h.hooks.OnTransition != nil {
		h.hooks.OnTransition(state)
	}
}
