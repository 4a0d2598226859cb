package handshake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// TokenExchanger turns a wallet token into an application session.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, token string) (*domain.LoginSession, error)
}

// TokenCallback is a one-shot receiver for a token pushed by the wallet
// window. It detaches on its first invocation, valid or not.
type TokenCallback struct {
	clock  clockwork.Clock
	parser *jwt.Parser

	mu       sync.Mutex
	attached bool
}

// NewTokenCallback returns an attached callback.
func NewTokenCallback(clock clockwork.Clock) *TokenCallback {
	return &TokenCallback{
		clock:    clock,
		parser:   jwt.NewParser(),
		attached: true,
	}
}

// Invoke consumes the callback and validates token. The signature is left to
// the session endpoint; only shape and expiry are checked here.
func (c *TokenCallback) Invoke(token string) (*jwt.RegisteredClaims, error) {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil, ErrCallbackDetached
	}
	c.attached = false
	c.mu.Unlock()

	return c.validate(token)
}

func (c *TokenCallback) validate(token string) (*jwt.RegisteredClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := c.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt != nil && !c.clock.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Detach makes every later Invoke fail. Safe to call repeatedly.
func (c *TokenCallback) Detach() {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
}

// Attached reports whether the callback can still be invoked.
func (c *TokenCallback) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// ReceiveToken delivers a token from the wallet window to the in-flight
// login attempt. The token is exchanged for a session and, if that works,
// confirms the attempt ahead of the long wait.
func (o *Orchestrator) ReceiveToken(ctx context.Context, token string) error {
	o.mu.Lock()
	cb, gen := o.callback, o.gen
	o.mu.Unlock()

	if cb == nil {
		return ErrCallbackDetached
	}

	claims, err := cb.Invoke(token)
	if err != nil {
		o.logger.Warn("Rejected token callback", zap.Error(err))
		return err
	}

	session, err := o.tokens.ExchangeToken(ctx, token)
	if err != nil {
		herr := domain.Normalize(err)
		o.fail(gen, herr)
		return herr
	}

	session.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		session.ExpiresAt = &exp
	}

	o.mu.Lock()
	if o.gen == gen && o.state.Request != nil {
		session.RequestID = o.state.Request.RequestID
	}
	o.mu.Unlock()

	o.succeed(gen, &domain.Result{Variant: domain.VariantLogin, Login: session})
	return nil
}
