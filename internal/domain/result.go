package domain

import "time"

// Variant identifies which handshake specialization produced a result.
type Variant string

const (
	VariantLogin Variant = "login"
	VariantClaim Variant = "claim"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantLogin || v == VariantClaim
}

// LoginSession is the payload handed to session state after a login handshake.
type LoginSession struct {
	RequestID string            `json:"request_id,omitempty"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	Message   string            `json:"message,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// ClaimReceipt records a certificate transferred to a wallet address.
type ClaimReceipt struct {
	RequestID   string `json:"request_id"`
	InsuranceID string `json:"insurance_id"`
	CardID      string `json:"card_id"`
	Address     string `json:"address"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// Result is the confirmed outcome of a handshake. Exactly one of Login or
// Claim is set, matching Variant.
type Result struct {
	Variant Variant       `json:"variant"`
	Login   *LoginSession `json:"login,omitempty"`
	Claim   *ClaimReceipt `json:"claim,omitempty"`
}
