package handshake

import "errors"

var (
	ErrClosed     = errors.New("handshake is closed")
	ErrInProgress = errors.New("handshake attempt already in progress")
	ErrSuperseded = errors.New("handshake attempt was superseded")

	ErrCallbackDetached = errors.New("token callback is not attached")
	ErrInvalidToken     = errors.New("token is not a well-formed JWT")
	ErrTokenExpired     = errors.New("token has expired")
)

var (
	errConfirmDeadline = errors.New("confirmation deadline exceeded")
	errAttemptFinished = errors.New("attempt finished")
)
