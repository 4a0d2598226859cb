// Package handshake runs the wallet-linked credential handshake: it keeps a
// credential request fresh while idle, delivers it to the user, waits for the
// wallet to confirm it and hands the result to the session boundary.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/delivery"
	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/timer"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

// Issuer obtains fresh credential requests.
type Issuer interface {
	Issue(ctx context.Context) (*domain.CredentialRequest, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Issuer    Issuer
	Confirmer Confirmer
	// Opener is required for mobile profiles; desktop delivery never opens a window.
	Opener delivery.Opener
	Sink   SessionSink
	// Tokens enables the token callback for login handshakes.
	Tokens TokenExchanger
	Hooks  Hooks
	Clock  clockwork.Clock
}

// Orchestrator owns one handshake: its state, its single delivery window,
// its timers and its single in-flight confirmation.
//
// Every transition happens under mu. Each attempt gets a generation number
// and callbacks from an older generation are dropped. Once a confirmation
// starts handing off its result (settling), nothing else can end the attempt.
type Orchestrator struct {
	id        string
	cfg       config.HandshakeConfig
	issuer    Issuer
	confirmer Confirmer
	tokens    TokenExchanger
	adapter   *delivery.Adapter
	handoff   *Handoff
	timers    *timer.Group
	clock     clockwork.Clock
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	flushMu sync.Mutex

	mu         sync.Mutex
	state      domain.State
	gen        uint64
	closed     bool
	settling   bool
	graceFired bool
	refresh    *timer.Handle
	poll       *timer.Handle
	grace      *timer.Handle
	deadline   *timer.Handle
	cancelWait context.CancelCauseFunc
	callback   *TokenCallback
	settled    chan struct{}
	events     []func()
}

// New creates an idle orchestrator.
func New(id string, cfg config.HandshakeConfig, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Issuer == nil {
		return nil, errors.New("issuer is required")
	}
	if deps.Confirmer == nil {
		return nil, errors.New("confirmer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handshake config: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger = logger.Named("handshake").With(
		zap.String("handshake_id", id),
		zap.String("variant", string(deps.Confirmer.Variant())),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		id:        id,
		cfg:       cfg,
		issuer:    deps.Issuer,
		confirmer: deps.Confirmer,
		tokens:    deps.Tokens,
		adapter:   delivery.NewAdapter(deps.Opener, cfg.PopupGrace, logger),
		handoff:   NewHandoff(deps.Sink, deps.Hooks, logger),
		timers:    timer.NewGroup(clock),
		clock:     clock,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state: domain.State{
			Phase:     domain.PhaseIdle,
			Refresh:   domain.RefreshCounter{Max: cfg.MaxRefreshCount},
			ChangedAt: clock.Now(),
		},
	}, nil
}

// ID returns the handshake id.
func (o *Orchestrator) ID() string {
	return o.id
}

// Variant returns the handshake variant.
func (o *Orchestrator) Variant() domain.Variant {
	return o.confirmer.Variant()
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() domain.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Pending returns the number of live timers.
func (o *Orchestrator) Pending() int {
	return o.timers.Pending()
}

// Refreshing reports whether the idle refresher is still running.
func (o *Orchestrator) Refreshing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refresh != nil
}

// Window returns the live delivery window, or nil.
func (o *Orchestrator) Window() delivery.Window {
	return o.adapter.Current()
}

// Prepare issues a request and keeps it fresh while the handshake stays idle.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.settling || o.state.Phase.InFlight() {
		o.mu.Unlock()
		return ErrInProgress
	}
	o.resetLocked()
	o.stopRefreshLocked()
	o.gen++
	gen := o.gen
	o.state.Refresh.Reset()
	o.mu.Unlock()
	o.flush()

	req, err := o.issuer.Issue(ctx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.gen != gen || o.state.Phase != domain.PhaseIdle {
		o.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("Failed to issue credential request", zap.Error(err))
		return domain.Normalize(err)
	}
	o.state.Request = req
	o.notifyLocked()
	o.startRefreshLocked(gen)
	o.mu.Unlock()
	o.flush()

	o.logger.Debug("Credential request prepared", zap.String("request_id", req.RequestID))
	return nil
}

// Begin starts a user-initiated attempt: it reuses the held request while it
// is still usable, delivers it for profile and starts the watchdog and the
// completion wait. A finished attempt is reset first.
func (o *Orchestrator) Begin(ctx context.Context, profile domain.DeviceProfile) (*delivery.Delivery, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.settling || o.state.Phase.InFlight() {
		o.mu.Unlock()
		return nil, ErrInProgress
	}
	o.resetLocked()
	o.stopRefreshLocked()
	o.gen++
	gen := o.gen
	o.state.Attempt++
	o.state.Refresh.Reset()
	o.settled = make(chan struct{})
	held := o.state.Request
	o.transitionLocked(domain.PhaseRequested, nil, nil)
	o.mu.Unlock()
	o.flush()

	req := held
	if !held.Usable(o.clock.Now()) {
		issued, err := o.issuer.Issue(ctx)
		if err != nil {
			herr := domain.Normalize(err)
			o.fail(gen, herr)
			return nil, herr
		}
		req = issued
	}

	o.mu.Lock()
	if o.gen != gen || o.state.Phase != domain.PhaseRequested {
		o.mu.Unlock()
		return nil, domain.NewError(domain.KindCancelled, "begin", ErrSuperseded)
	}
	o.state.Request = req
	if o.acceptsTokens() {
		o.callback = NewTokenCallback(o.clock)
	}

	d, err := o.adapter.Deliver(req, profile)
	if err != nil {
		herr := domain.Normalize(err)
		o.logger.Info("Delivery failed", zap.String("reason", string(herr.Kind)), zap.Error(err))
		o.finishLocked(domain.PhaseFailed, herr, nil)
		o.mu.Unlock()
		o.flush()
		return nil, herr
	}
	o.transitionLocked(domain.PhaseDelivered, nil, nil)

	o.startWaiterLocked(gen, req)
	if d.HasWindow() {
		o.startWatchdogLocked(gen, d)
	}
	o.transitionLocked(domain.PhaseAwaitingConfirmation, nil, nil)
	o.mu.Unlock()
	o.flush()

	o.logger.Info("Handshake delivered",
		zap.String("request_id", req.RequestID),
		zap.String("channel", string(d.Channel)))
	return d, nil
}

// Wait blocks until the current attempt ends and returns the state it ended
// in. Without an attempt in flight it returns the current state.
func (o *Orchestrator) Wait(ctx context.Context) (domain.State, error) {
	o.mu.Lock()
	ch := o.settled
	if ch == nil {
		s := o.state
		o.mu.Unlock()
		return s, nil
	}
	o.mu.Unlock()

	select {
	case <-ch:
		return o.State(), nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// Reset returns a finished handshake to Idle so it can be retried.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.settling || o.state.Phase.InFlight() {
		o.mu.Unlock()
		return ErrInProgress
	}
	o.resetLocked()
	o.mu.Unlock()
	o.flush()
	return nil
}

// Cancel aborts the in-flight attempt, if any, and stops the idle refresher.
// A confirmation that is already being handed off is not overturned.
func (o *Orchestrator) Cancel() {
	o.logger.Info("Handshake cancelled")
	o.Cleanup()
}

// Cleanup releases the window, every timer, the pending confirmation and the
// token callback. An attempt still in flight ends as Cancelled. Cleanup is
// idempotent and safe in any state.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.state.Phase.InFlight() && !o.settling {
		o.finishLocked(domain.PhaseCancelled, domain.NewError(domain.KindCancelled, "cleanup", nil), nil)
	} else {
		o.releaseLocked()
	}
	o.mu.Unlock()
	o.flush()
}

// Close tears the handshake down for good.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.Cleanup()

	o.mu.Lock()
	o.gen++
	o.mu.Unlock()
	o.cancel()
	o.logger.Debug("Handshake closed")
}

// Closed reports whether Close was called.
func (o *Orchestrator) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) acceptsTokens() bool {
	return o.tokens != nil && o.cfg.AcceptTokenCallback && o.confirmer.Variant() == domain.VariantLogin
}

func (o *Orchestrator) resetLocked() {
	switch {
	case o.state.Phase.Terminal():
		o.transitionLocked(domain.PhaseIdle, nil, nil)
	case o.state.Err != nil:
		o.state.Err = nil
		o.notifyLocked()
	}
}

func (o *Orchestrator) transitionLocked(to domain.Phase, herr *domain.Error, res *domain.Result) bool {
	from := o.state.Phase
	if !domain.CanTransition(from, to) {
		o.logger.Warn("Dropping illegal transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false
	}
	o.state.Phase = to
	o.state.Err = herr
	o.state.Result = res
	o.state.ChangedAt = o.clock.Now()
	o.logger.Debug("Handshake transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	o.notifyLocked()
	return true
}

// finishLocked ends the current attempt. The request is single-use and is
// dropped with the attempt.
func (o *Orchestrator) finishLocked(to domain.Phase, herr *domain.Error, res *domain.Result) {
	o.releaseLocked()
	o.state.Request = nil

	if o.transitionLocked(to, herr, res) {
		if to == domain.PhaseConfirmed && res != nil {
			result := *res
			o.events = append(o.events, func() { o.handoff.succeeded(result) })
		} else if herr != nil {
			o.queueFailureLocked(herr)
		}
	}

	if ch := o.settled; ch != nil {
		o.settled = nil
		o.events = append(o.events, func() { close(ch) })
	}
}

func (o *Orchestrator) releaseLocked() {
	o.timers.StopAll()
	o.refresh, o.poll, o.grace, o.deadline = nil, nil, nil, nil
	o.graceFired = false

	if o.cancelWait != nil {
		o.cancelWait(errAttemptFinished)
		o.cancelWait = nil
	}
	o.adapter.Release()
	if o.callback != nil {
		o.callback.Detach()
		o.callback = nil
	}
}

func (o *Orchestrator) notifyLocked() {
	snapshot := o.state
	o.events = append(o.events, func() { o.handoff.transitioned(snapshot) })
}

func (o *Orchestrator) queueFailureLocked(herr *domain.Error) {
	o.events = append(o.events, func() { o.handoff.failed(herr) })
}

// flush runs queued hook events in order, outside mu.
func (o *Orchestrator) flush() {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	for {
		o.mu.Lock()
		events := o.events
		o.events = nil
		o.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, fn := range events {
			fn()
		}
	}
}
