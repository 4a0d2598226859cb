package handshake

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/klip"
)

// Confirmer is the completion wait of one handshake variant. Confirm is
// called once per attempt and must return when ctx is cancelled.
type Confirmer interface {
	Variant() domain.Variant
	Confirm(ctx context.Context, req *domain.CredentialRequest) (*domain.Result, error)
}

// LoginBackend confirms login handshakes.
type LoginBackend interface {
	ConfirmLogin(ctx context.Context, requestID string) (*domain.LoginSession, error)
}

// ClaimBackend resolves wallet addresses and transfers certificates.
type ClaimBackend interface {
	ResolveAddress(ctx context.Context, requestID string) (string, error)
	Transfer(ctx context.Context, insuranceID, cardID, address string) (*klip.TransferResponse, error)
}

// LoginConfirmer waits for the wallet to approve a login.
type LoginConfirmer struct {
	Backend LoginBackend
}

func (c *LoginConfirmer) Variant() domain.Variant {
	return domain.VariantLogin
}

func (c *LoginConfirmer) Confirm(ctx context.Context, req *domain.CredentialRequest) (*domain.Result, error) {
	session, err := c.Backend.ConfirmLogin(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	return &domain.Result{Variant: domain.VariantLogin, Login: session}, nil
}

// ClaimConfirmer waits for the wallet address, then transfers the
// certificate to it. A failed transfer is reported as a transfer error; no
// partially claimed result is ever returned.
type ClaimConfirmer struct {
	Backend     ClaimBackend
	InsuranceID string
	CardID      string
}

func (c *ClaimConfirmer) Variant() domain.Variant {
	return domain.VariantClaim
}

func (c *ClaimConfirmer) Confirm(ctx context.Context, req *domain.CredentialRequest) (*domain.Result, error) {
	address, err := c.Backend.ResolveAddress(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	resp, err := c.Backend.Transfer(ctx, c.InsuranceID, c.CardID, address)
	if err != nil {
		var herr *domain.Error
		if errors.As(err, &herr) && herr.Kind == domain.KindTransfer {
			return nil, err
		}
		return nil, domain.NewError(domain.KindTransfer, "transfer", err)
	}

	receipt := &domain.ClaimReceipt{
		RequestID:   req.RequestID,
		InsuranceID: c.InsuranceID,
		CardID:      c.CardID,
		Address:     address,
	}
	if resp != nil {
		receipt.TxHash = resp.TxHash
	}
	return &domain.Result{Variant: domain.VariantClaim, Claim: receipt}, nil
}
