package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// Sink writes confirmed handshake results into a Store.
type Sink struct {
	store  Store
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewSink creates a Sink. Sessions live for ttl unless the wallet token
// expires earlier.
func NewSink(store Store, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *Sink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sink{
		store:  store,
		ttl:    ttl,
		clock:  clock,
		logger: logger.Named("session_sink"),
	}
}

// EstablishLogin stores a login session.
func (s *Sink) EstablishLogin(ctx context.Context, login *domain.LoginSession) error {
	now := s.clock.Now()
	expires := now.Add(s.ttl)
	if login.ExpiresAt != nil && login.ExpiresAt.Before(expires) {
		expires = *login.ExpiresAt
	}

	data := &SessionData{
		ID:        uuid.NewString(),
		Kind:      KindLogin,
		RequestID: login.RequestID,
		Subject:   login.Subject,
		Token:     login.Token,
		Cookies:   login.Cookies,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if err := s.store.Put(ctx, data); err != nil {
		return fmt.Errorf("storing login session: %w", err)
	}

	s.logger.Info("Login session established",
		zap.String("session_id", data.ID),
		zap.String("request_id", data.RequestID))
	return nil
}

// RecordClaim stores a claim receipt.
func (s *Sink) RecordClaim(ctx context.Context, receipt *domain.ClaimReceipt) error {
	now := s.clock.Now()
	data := &SessionData{
		ID:          uuid.NewString(),
		Kind:        KindClaim,
		RequestID:   receipt.RequestID,
		InsuranceID: receipt.InsuranceID,
		CardID:      receipt.CardID,
		Address:     receipt.Address,
		TxHash:      receipt.TxHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, data); err != nil {
		return fmt.Errorf("storing claim receipt: %w", err)
	}

	s.logger.Info("Claim recorded",
		zap.String("session_id", data.ID),
		zap.String("insurance_id", data.InsuranceID),
		zap.String("address", data.Address))
	return nil
}
