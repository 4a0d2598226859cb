package domain

import (
	"errors"
	"time"
)

var (
	ErrMissingRequestID = errors.New("credential request has no request id")
	ErrMissingDeepLink  = errors.New("credential request has no deep link")
	ErrInvalidLifetime  = errors.New("credential request expires before it was issued")
)

// CredentialRequest is a short-lived handshake token issued by the backend.
// A request is never mutated; a refresh replaces it with a new one.
type CredentialRequest struct {
	RequestID string    `json:"request_id"`
	DeepLink  string    `json:"deep_link"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewCredentialRequest builds a request valid for ttl from issuedAt.
func NewCredentialRequest(requestID, deepLink string, issuedAt time.Time, ttl time.Duration) (*CredentialRequest, error) {
	req := &CredentialRequest{
		RequestID: requestID,
		DeepLink:  deepLink,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the request invariants.
func (r *CredentialRequest) Validate() error {
	if r.RequestID == "" {
		return ErrMissingRequestID
	}
	if r.DeepLink == "" {
		return ErrMissingDeepLink
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return ErrInvalidLifetime
	}
	return nil
}

// Usable reports whether the request can still be delivered at now.
func (r *CredentialRequest) Usable(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// RefreshCounter bounds how many times an idle request is re-issued.
type RefreshCounter struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

// Tick records one refresh tick and reports whether the budget is spent.
func (c *RefreshCounter) Tick() (exhausted bool) {
	c.Count++
	return c.Exhausted()
}

// Exhausted reports whether no refresh budget remains.
func (c *RefreshCounter) Exhausted() bool {
	return c.Count >= c.Max
}

// Reset zeroes the counter for a new user-initiated handshake.
func (c *RefreshCounter) Reset() {
	c.Count = 0
}
