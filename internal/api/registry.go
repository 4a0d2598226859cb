package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/handshake"
	"github.com/sirosfoundation/go-wallet-handshake/internal/websocket"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

var (
	ErrHandshakeNotFound = errors.New("handshake not found")
	ErrInvalidVariant    = errors.New("invalid handshake variant")
	ErrMissingClaimIDs   = errors.New("claim handshakes need insurance_id and card_id")
)

// Backend is everything a handshake needs from the credential backend.
type Backend interface {
	handshake.Issuer
	handshake.LoginBackend
	handshake.ClaimBackend
	handshake.TokenExchanger
}

// CreateRequest describes a new handshake.
type CreateRequest struct {
	Variant     domain.Variant `json:"variant" binding:"required"`
	InsuranceID string         `json:"insurance_id,omitempty"`
	CardID      string         `json:"card_id,omitempty"`
}

// Validate checks the request fields.
func (r *CreateRequest) Validate() error {
	if !r.Variant.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVariant, r.Variant)
	}
	if r.Variant == domain.VariantClaim && (r.InsuranceID == "" || r.CardID == "") {
		return ErrMissingClaimIDs
	}
	return nil
}

// Registry owns the live orchestrators of the service, one per page.
type Registry struct {
	cfg     config.HandshakeConfig
	backend Backend
	sink    handshake.SessionSink
	bridge  *websocket.Manager
	clock   clockwork.Clock
	logger  *zap.Logger

	mu         sync.RWMutex
	handshakes map[string]*handshake.Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.HandshakeConfig, backend Backend, sink handshake.SessionSink, bridge *websocket.Manager, clock clockwork.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		cfg:        cfg,
		backend:    backend,
		sink:       sink,
		bridge:     bridge,
		clock:      clock,
		logger:     logger.Named("registry"),
		handshakes: make(map[string]*handshake.Orchestrator),
	}
}

// Create builds an orchestrator for req and prepares its first credential
// request. The orchestrator is only registered once that succeeded.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*handshake.Orchestrator, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	deps := handshake.Deps{
		Issuer: r.backend,
		Sink:   r.sink,
		Clock:  r.clock,
	}
	if r.bridge != nil {
		deps.Opener = r.bridge.Opener(id)
		deps.Hooks.OnTransition = func(state domain.State) {
			r.bridge.PushState(id, state.View())
		}
	}

	switch req.Variant {
	case domain.VariantLogin:
		deps.Confirmer = &handshake.LoginConfirmer{Backend: r.backend}
		deps.Tokens = r.backend
	case domain.VariantClaim:
		deps.Confirmer = &handshake.ClaimConfirmer{
			Backend:     r.backend,
			InsuranceID: req.InsuranceID,
			CardID:      req.CardID,
		}
	}

	orch, err := handshake.New(id, r.cfg, deps, r.logger)
	if err != nil {
		return nil, fmt.Errorf("creating handshake: %w", err)
	}
	if err := orch.Prepare(ctx); err != nil {
		orch.Close()
		return nil, err
	}

	r.mu.Lock()
	r.handshakes[id] = orch
	r.mu.Unlock()

	r.logger.Info("Handshake created",
		zap.String("handshake_id", id),
		zap.String("variant", string(req.Variant)))
	return orch, nil
}

// Get returns the orchestrator with id.
func (r *Registry) Get(id string) (*handshake.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orch, ok := r.handshakes[id]
	if !ok {
		return nil, ErrHandshakeNotFound
	}
	return orch, nil
}

// Remove tears down the orchestrator with id and disconnects its page.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	orch, ok := r.handshakes[id]
	delete(r.handshakes, id)
	r.mu.Unlock()

	if !ok {
		return ErrHandshakeNotFound
	}
	orch.Close()
	if r.bridge != nil {
		r.bridge.Disconnect(id)
	}
	return nil
}

// Len returns the number of registered handshakes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handshakes)
}

// Reap removes handshakes that are closed, or have had no attempt in flight
// and no live refresher for at least retention. It returns how many were
// removed.
func (r *Registry) Reap(ctx context.Context, retention time.Duration) (int, error) {
	now := r.clock.Now()

	r.mu.RLock()
	var stale []string
	for id, orch := range r.handshakes {
		if err := ctx.Err(); err != nil {
			r.mu.RUnlock()
			return 0, err
		}
		state := orch.State()
		if orch.Closed() || (!state.Phase.InFlight() && !orch.Refreshing() && now.Sub(state.ChangedAt) >= retention) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := r.Remove(id); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Reaped handshakes", zap.Int("count", removed))
	}
	return removed, nil
}

// Close tears down every handshake.
func (r *Registry) Close() {
	r.mu.Lock()
	handshakes := r.handshakes
	r.handshakes = make(map[string]*handshake.Orchestrator)
	r.mu.Unlock()

	for _, orch := range handshakes {
		orch.Close()
	}
}
