package domain

import "time"

// StateView is the client-facing shape of a State. Login tokens and
// cookies never leave the server through it.
type StateView struct {
	Phase     Phase       `json:"phase"`
	Attempt   uint64      `json:"attempt"`
	Reason    Kind        `json:"reason,omitempty"`
	Message   string      `json:"message,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	DeepLink  string      `json:"deep_link,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Refreshes int         `json:"refreshes"`
	Result    *ResultView `json:"result,omitempty"`
	ChangedAt time.Time   `json:"changed_at"`
}

// ResultView is the client-facing shape of a confirmed Result.
type ResultView struct {
	Variant   Variant       `json:"variant"`
	RequestID string        `json:"request_id,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	Claim     *ClaimReceipt `json:"claim,omitempty"`
}

// View builds the client-facing view of s.
func (s State) View() StateView {
	v := StateView{
		Phase:     s.Phase,
		Attempt:   s.Attempt,
		Reason:    s.Reason(),
		Message:   s.Message(),
		Refreshes: s.Refresh.Count,
		ChangedAt: s.ChangedAt,
	}
	if s.Err != nil {
		v.Retryable = s.Err.Retryable()
	}
	if s.Request != nil {
		expires := s.Request.ExpiresAt
		v.RequestID = s.Request.RequestID
		v.DeepLink = s.Request.DeepLink
		v.ExpiresAt = &expires
	}
	if s.Result != nil {
		v.Result = s.Result.View()
	}
	return v
}

// View builds the client-facing view of r.
func (r *Result) View() *ResultView {
	v := &ResultView{Variant: r.Variant, RequestID: r.RequestID()}
	switch {
	case r.Login != nil:
		v.Subject = r.Login.Subject
	case r.Claim != nil:
		claim := *r.Claim
		v.Claim = &claim
	}
	return v
}

// RequestID returns the request id the result was confirmed for.
func (r *Result) RequestID() string {
	switch {
	case r == nil:
		return ""
	case r.Login != nil:
		return r.Login.RequestID
	case r.Claim != nil:
		return r.Claim.RequestID
	}
	return ""
}
