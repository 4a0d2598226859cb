package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure a handshake can end with.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindProtocol      Kind = "protocol"
	KindTimeout       Kind = "timeout"
	KindPopupBlocked  Kind = "popup_blocked"
	KindUserCancelled Kind = "user_cancelled"
	KindTransfer      Kind = "transfer"
	KindExpired       Kind = "expired"
	KindCancelled     Kind = "cancelled"
)

// ExpiredMessage is shown once the idle refresh budget is spent.
const ExpiredMessage = "The wallet request has expired. Please reload the page to try again."

var userMessages = map[Kind]string{
	KindNetwork:       "Could not reach the wallet service. Please check your connection and try again.",
	KindProtocol:      "The wallet service returned an unexpected response. Please start again.",
	KindTimeout:       "The wallet did not respond in time. Please try again.",
	KindPopupBlocked:  "Your browser blocked the wallet window. Please allow pop-ups for this site and try again.",
	KindUserCancelled: "The wallet window was closed before the request was completed.",
	KindTransfer:      "The certificate could not be transferred to your wallet. Please start the claim again.",
	KindExpired:       ExpiredMessage,
	KindCancelled:     "The wallet request was cancelled.",
}

// Error is the normalized handshake error. Transport and decoding errors are
// kept in Err for logs and never reach users.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrPopupBlocked  = &Error{Kind: KindPopupBlocked}
	ErrUserCancelled = &Error{Kind: KindUserCancelled}
	ErrTransfer      = &Error{Kind: KindTransfer}
	ErrExpired       = &Error{Kind: KindExpired}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

// NewError wraps err with a kind and the failing operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, ErrTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage is the only text that may be shown to an end user.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindNetwork]
}

// Retryable reports whether re-invoking the handshake from Idle can succeed
// without the user changing anything.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindPopupBlocked:
		return false
	default:
		return true
	}
}

// Normalize maps any error into the handshake taxonomy. Unknown errors are
// treated as network failures.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var herr *Error
	if errors.As(err, &herr) {
		return herr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, "", err)
	}
	return NewError(KindNetwork, "", err)
}

// KindOf returns the taxonomy kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Normalize(err).Kind
}
