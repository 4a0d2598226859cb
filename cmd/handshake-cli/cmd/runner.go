package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/handshake"
	"github.com/sirosfoundation/go-wallet-handshake/internal/klip"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

// Outcome is what a finished CLI handshake reports.
type Outcome struct {
	ID        string           `json:"id"`
	Variant   domain.Variant   `json:"variant"`
	State     domain.StateView `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
}

// runner drives one desktop handshake: the request is always delivered as a
// QR code, since a terminal cannot open windows.
type runner struct {
	cfg    *config.Config
	store  session.Store
	clock  clockwork.Clock
	out    io.Writer
	status io.Writer
	logger *zap.Logger
}

func (r *runner) client() *klip.Client {
	return klip.NewClient(klip.Options{
		BaseURL:     r.cfg.Klip.BaseURL,
		CardBaseURL: r.cfg.Klip.CardBaseURL,
		Timeout:     r.cfg.Klip.HTTPTimeout(),
		RequestTTL:  r.cfg.Handshake.RequestTTL,
		Clock:       r.clock,
	}, r.logger)
}

func (r *runner) confirmer(variant domain.Variant, insuranceID, cardID string) (handshake.Confirmer, error) {
	client := r.client()
	switch variant {
	case domain.VariantLogin:
		return &handshake.LoginConfirmer{Backend: client}, nil
	case domain.VariantClaim:
		if insuranceID == "" || cardID == "" {
			return nil, errors.New("--insurance-id and --card-id are required")
		}
		return &handshake.ClaimConfirmer{Backend: client, InsuranceID: insuranceID, CardID: cardID}, nil
	default:
		return nil, fmt.Errorf("unknown variant %q", variant)
	}
}

// run performs the handshake and waits for it to end. Cancelling ctx
// cancels the handshake.
func (r *runner) run(ctx context.Context, confirmer handshake.Confirmer) (*Outcome, error) {
	sink := session.NewSink(r.store, r.cfg.SessionStore.DefaultTTL(), r.clock, r.logger)
	orch, err := handshake.New(uuid.New().String(), r.cfg.Handshake, handshake.Deps{
		Issuer:    r.client(),
		Confirmer: confirmer,
		Sink:      sink,
		Clock:     r.clock,
		Hooks: handshake.Hooks{
			OnTransition: func(state domain.State) {
				fmt.Fprintf(r.status, "• %s\n", state.Phase)
			},
		},
	}, r.logger)
	if err != nil {
		return nil, err
	}
	defer orch.Close()

	d, err := orch.Begin(ctx, domain.DeviceProfile{})
	if err != nil {
		return nil, fmt.Errorf("starting handshake: %s", userMessage(err))
	}

	qr, err := d.QR.Terminal()
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(r.status, qr)
	fmt.Fprintf(r.status, "Scan the code with the wallet app, or open:\n  %s\n\n", d.QR.Content)

	state, err := orch.Wait(ctx)
	if err != nil {
		orch.Cancel()
		return nil, fmt.Errorf("handshake interrupted: %w", err)
	}

	outcome := &Outcome{ID: orch.ID(), Variant: orch.Variant(), State: state.View()}
	if state.Phase != domain.PhaseConfirmed {
		return outcome, fmt.Errorf("handshake %s: %s", state.Phase, state.Message())
	}

	if data, err := r.store.GetByRequest(ctx, state.Result.RequestID()); err == nil {
		outcome.SessionID = data.ID
	}
	return outcome, nil
}

func (r *runner) report(outcome *Outcome) error {
	if output == "json" {
		return printJSON(r.out, outcome)
	}

	fmt.Fprintf(r.out, "Handshake %s: %s\n", outcome.ID, outcome.State.Phase)
	if res := outcome.State.Result; res != nil {
		if res.Subject != "" {
			fmt.Fprintf(r.out, "Subject:    %s\n", res.Subject)
		}
		if res.Claim != nil {
			fmt.Fprintf(r.out, "Address:    %s\n", res.Claim.Address)
			if res.Claim.TxHash != "" {
				fmt.Fprintf(r.out, "Tx hash:    %s\n", res.Claim.TxHash)
			}
		}
	}
	if outcome.SessionID != "" {
		fmt.Fprintf(r.out, "Session ID: %s\n", outcome.SessionID)
	}
	return nil
}

func userMessage(err error) string {
	return domain.Normalize(err).UserMessage()
}
