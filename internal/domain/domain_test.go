package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentialRequest(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	req, err := NewCredentialRequest("req-1", "kakaotalk://klipwallet/open?url=x", now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), req.ExpiresAt)
	assert.True(t, req.Usable(now))
	assert.True(t, req.Usable(now.Add(4*time.Minute)))
	assert.False(t, req.Usable(req.ExpiresAt))
}

func TestNewCredentialRequest_Invalid(t *testing.T) {
	now := time.Now()

	_, err := NewCredentialRequest("", "link", now, time.Minute)
	assert.ErrorIs(t, err, ErrMissingRequestID)

	_, err = NewCredentialRequest("id", "", now, time.Minute)
	assert.ErrorIs(t, err, ErrMissingDeepLink)

	_, err = NewCredentialRequest("id", "link", now, 0)
	assert.ErrorIs(t, err, ErrInvalidLifetime)
}

func TestCredentialRequest_UsableNil(t *testing.T) {
	var req *CredentialRequest
	assert.False(t, req.Usable(time.Now()))
}

func TestRefreshCounter(t *testing.T) {
	c := RefreshCounter{Max: 3}
	assert.False(t, c.Tick())
	assert.False(t, c.Tick())
	assert.True(t, c.Tick())
	assert.True(t, c.Exhausted())

	c.Reset()
	assert.Equal(t, 0, c.Count)
	assert.False(t, c.Exhausted())
}

func TestProfileFromUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		want    DeviceProfile
		channel Channel
	}{
		{
			name:    "iphone",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148",
			want:    DeviceProfile{IsMobile: true, IsIOS: true},
			channel: ChannelTab,
		},
		{
			name:    "android",
			ua:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36",
			want:    DeviceProfile{IsMobile: true},
			channel: ChannelPopup,
		},
		{
			name:    "desktop",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
			want:    DeviceProfile{},
			channel: ChannelQR,
		},
		{
			name:    "empty",
			ua:      "",
			want:    DeviceProfile{},
			channel: ChannelQR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProfileFromUserAgent(tt.ua)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.channel, got.Channel())
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseIdle, PhaseRequested))
	assert.True(t, CanTransition(PhaseIdle, PhaseExpired))
	assert.True(t, CanTransition(PhaseAwaitingConfirmation, PhaseConfirmed))
	assert.True(t, CanTransition(PhaseAwaitingConfirmation, PhaseIdle))
	assert.True(t, CanTransition(PhaseFailed, PhaseIdle))

	assert.False(t, CanTransition(PhaseConfirmed, PhaseFailed), "a confirmed result is never overwritten")
	assert.False(t, CanTransition(PhaseIdle, PhaseConfirmed))
	assert.False(t, CanTransition(PhaseCancelled, PhaseAwaitingConfirmation))
	assert.False(t, CanTransition(PhaseExpired, PhaseRequested))
}

func TestPhase_Terminal(t *testing.T) {
	for _, p := range []Phase{PhaseConfirmed, PhaseExpired, PhaseFailed, PhaseCancelled} {
		assert.True(t, p.Terminal(), p)
		assert.False(t, p.InFlight(), p)
	}
	for _, p := range []Phase{PhaseRequested, PhaseDelivered, PhaseAwaitingConfirmation} {
		assert.False(t, p.Terminal(), p)
		assert.True(t, p.InFlight(), p)
	}
	assert.False(t, PhaseIdle.Terminal())
	assert.False(t, PhaseIdle.InFlight())
}

func TestError_IsByKind(t *testing.T) {
	err := NewError(KindTimeout, "confirm", context.DeadlineExceeded)
	wrapped := fmt.Errorf("handshake: %w", err)

	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrNetwork)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Equal(t, "timeout: confirm: context deadline exceeded", err.Error())
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, KindTimeout, Normalize(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindCancelled, Normalize(context.Canceled).Kind)
	assert.Equal(t, KindNetwork, Normalize(errors.New("connection reset")).Kind)

	orig := NewError(KindTransfer, "transfer", errors.New("500"))
	assert.Same(t, orig, Normalize(fmt.Errorf("wrap: %w", orig)))

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindProtocol, KindOf(ErrProtocol))
}

func TestError_UserMessageHidesCause(t *testing.T) {
	err := NewError(KindProtocol, "issue", errors.New("json: cannot unmarshal secret internals"))
	assert.NotContains(t, err.UserMessage(), "json")
	assert.NotEmpty(t, err.UserMessage())

	expired := NewError(KindExpired, "", nil)
	assert.Equal(t, ExpiredMessage, expired.UserMessage())
	assert.Contains(t, ExpiredMessage, "reload")
}

func TestError_Retryable(t *testing.T) {
	assert.False(t, ErrPopupBlocked.Retryable())
	assert.True(t, ErrTimeout.Retryable())
	assert.True(t, ErrUserCancelled.Retryable())
}

func TestState_Reason(t *testing.T) {
	s := State{Phase: PhaseFailed, Err: NewError(KindTimeout, "", nil)}
	assert.Equal(t, KindTimeout, s.Reason())
	assert.NotEmpty(t, s.Message())

	assert.Equal(t, Kind(""), State{Phase: PhaseIdle}.Reason())
	assert.Empty(t, State{Phase: PhaseIdle}.Message())
}

func TestVariant_Valid(t *testing.T) {
	assert.True(t, VariantLogin.Valid())
	assert.True(t, VariantClaim.Valid())
	assert.False(t, Variant("purchase").Valid())
}
