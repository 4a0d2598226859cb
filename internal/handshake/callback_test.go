package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

type fakeTokens struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakeTokens) ExchangeToken(ctx context.Context, token string) (*domain.LoginSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.LoginSession{
		Token:   token,
		Cookies: map[string]string{"trip_session": "s1"},
	}, nil
}

func (f *fakeTokens) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestTokenCallback_OneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewTokenCallback(clock)
	require.True(t, cb.Attached())

	claims, err := cb.Invoke(signedToken(t, "user-1", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.False(t, cb.Attached())

	_, err = cb.Invoke(signedToken(t, "user-2", clock.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrCallbackDetached)
}

func TestTokenCallback_Validation(t *testing.T) {
	clock := clockwork.NewFakeClock()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrInvalidToken},
		{"not a jwt", "opaque-token", ErrInvalidToken},
		{"garbage segments", "a.b.c", ErrInvalidToken},
		{"expired", signedToken(t, "user-1", clock.Now().Add(-time.Minute)), ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewTokenCallback(clock)
			_, err := cb.Invoke(tt.token)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, cb.Attached(), "an invalid token still detaches the callback")
		})
	}
}

func TestTokenCallback_Detach(t *testing.T) {
	cb := NewTokenCallback(clockwork.NewFakeClock())
	cb.Detach()
	cb.Detach()

	_, err := cb.Invoke("x.y.z")
	assert.ErrorIs(t, err, ErrCallbackDetached)
}

func TestReceiveToken_ConfirmsLogin(t *testing.T) {
	tokens := &fakeTokens{}
	h := newHarness(t, withTokens(tokens))

	_, err := h.o.Begin(context.Background(), desktop)
	require.NoError(t, err)

	exp := h.clock.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, "user-1", exp)
	require.NoError(t, h.o.ReceiveToken(context.Background(), token))

	s := h.o.State()
	require.Equal(t, domain.PhaseConfirmed, s.Phase)
	assert.Equal(t, []string{token}, tokens.Tokens())

	logins := h.sink.Logins()
	require.Len(t, logins, 1)
	assert.Equal(t, "user-1", logins[0].Subject)
	assert.Equal(t, "req-1", logins[0].RequestID)
	assert.Equal(t, token, logins[0].Token)
	require.NotNil(t, logins[0].ExpiresAt)
	assert.True(t, exp.Equal(*logins[0].ExpiresAt))

	require.Eventually(t, func() bool { return h.confirmer.Abandoned() == 1 }, waitFor, tick,
		"the long wait is cancelled once the token confirms the login")

	err = h.o.ReceiveToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrCallbackDetached)
	assert.Len(t, h.events.Successes(), 1)
}

func TestReceiveToken_InvalidTokenKeepsWaiting(t *testing.T) {
	tokens := &fakeTokens{}
	h := newHarness(t, withTokens(tokens))

	_, err := h.o.Begin(context.Background(), desktop)
	require.NoError(t, err)

	err = h.o.ReceiveToken(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, domain.PhaseAwaitingConfirmation, h.o.State().Phase)
	assert.Empty(t, tokens.Tokens())

	err = h.o.ReceiveToken(context.Background(), signedToken(t, "user-1", h.clock.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrCallbackDetached)

	h.confirm(loginOutcome("req-1"))
	h.eventuallyPhase(domain.PhaseConfirmed)
}

func TestReceiveToken_ExchangeFailure(t *testing.T) {
	tokens := &fakeTokens{err: domain.NewError(domain.KindProtocol, "exchange token", errBoom)}
	h := newHarness(t, withTokens(tokens))

	_, err := h.o.Begin(context.Background(), desktop)
	require.NoError(t, err)

	err = h.o.ReceiveToken(context.Background(), signedToken(t, "user-1", h.clock.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Equal(t, domain.PhaseFailed, h.o.State().Phase)
	assert.Zero(t, h.o.Pending())
}

func TestReceiveToken_NotArmed(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, withTokens(&fakeTokens{}))
		assert.ErrorIs(t, h.o.ReceiveToken(context.Background(), "x"), ErrCallbackDetached)
	})

	t.Run("no exchanger", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.o.Begin(context.Background(), desktop)
		require.NoError(t, err)
		assert.ErrorIs(t, h.o.ReceiveToken(context.Background(), "x"), ErrCallbackDetached)
	})

	t.Run("claim variant", func(t *testing.T) {
		h := newHarness(t,
			withTokens(&fakeTokens{}),
			withConfirmer(&fakeConfirmer{variant: domain.VariantClaim, outcomes: make(chan outcome)}),
		)
		_, err := h.o.Begin(context.Background(), desktop)
		require.NoError(t, err)
		assert.ErrorIs(t, h.o.ReceiveToken(context.Background(), "x"), ErrCallbackDetached)
	})

	t.Run("after cancel", func(t *testing.T) {
		h := newHarness(t, withTokens(&fakeTokens{}))
		_, err := h.o.Begin(context.Background(), desktop)
		require.NoError(t, err)
		h.o.Cancel()
		assert.ErrorIs(t, h.o.ReceiveToken(context.Background(), "x"), ErrCallbackDetached)
	})
}
