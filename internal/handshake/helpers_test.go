package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/delivery"
	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

var (
	android = domain.DeviceProfile{IsMobile: true}
	iphone  = domain.DeviceProfile{IsMobile: true, IsIOS: true}
	desktop = domain.DeviceProfile{}
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeIssuer struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu    sync.Mutex
	calls int
	errs  map[int]error
}

func (i *fakeIssuer) Issue(ctx context.Context) (*domain.CredentialRequest, error) {
	i.mu.Lock()
	i.calls++
	n := i.calls
	err := i.errs[n]
	i.mu.Unlock()

	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("req-%d", n)
	return domain.NewCredentialRequest(id, "kakaotalk://klipwallet/open?request_key="+id, i.clock.Now(), i.ttl)
}

func (i *fakeIssuer) failOn(call int, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.errs == nil {
		i.errs = make(map[int]error)
	}
	i.errs[call] = err
}

func (i *fakeIssuer) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

type outcome struct {
	res *domain.Result
	err error
}

type fakeConfirmer struct {
	variant  domain.Variant
	outcomes chan outcome

	mu        sync.Mutex
	calls     int
	abandoned int
}

func (c *fakeConfirmer) Variant() domain.Variant {
	return c.variant
}

func (c *fakeConfirmer) Confirm(ctx context.Context, req *domain.CredentialRequest) (*domain.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	select {
	case out := <-c.outcomes:
		return out.res, out.err
	case <-ctx.Done():
		c.mu.Lock()
		c.abandoned++
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *fakeConfirmer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConfirmer) Abandoned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

type fakeWindow struct {
	mu     sync.Mutex
	closed bool
	closes int
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closes++
}

// userClose simulates the user closing the window themselves.
func (w *fakeWindow) userClose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *fakeWindow) Closes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closes
}

type fakeOpener struct {
	mu      sync.Mutex
	specs   []delivery.WindowSpec
	windows []*fakeWindow
	err     error
}

func (o *fakeOpener) Open(spec delivery.WindowSpec) (delivery.Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs = append(o.specs, spec)
	if o.err != nil {
		return nil, o.err
	}
	w := &fakeWindow{}
	o.windows = append(o.windows, w)
	return w, nil
}

func (o *fakeOpener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.windows)
}

func (o *fakeOpener) Window(i int) *fakeWindow {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.windows[i]
}

type fakeSink struct {
	mu     sync.Mutex
	logins []*domain.LoginSession
	claims []*domain.ClaimReceipt
	err    error
}

func (s *fakeSink) EstablishLogin(ctx context.Context, session *domain.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logins = append(s.logins, session)
	return nil
}

func (s *fakeSink) RecordClaim(ctx context.Context, receipt *domain.ClaimReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.claims = append(s.claims, receipt)
	return nil
}

func (s *fakeSink) Logins() []*domain.LoginSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.LoginSession(nil), s.logins...)
}

func (s *fakeSink) Claims() []*domain.ClaimReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ClaimReceipt(nil), s.claims...)
}

type recorder struct {
	mu          sync.Mutex
	successes   []domain.Result
	failures    []*domain.Error
	transitions []domain.Phase
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnSuccess: func(res domain.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, res)
		},
		OnFailure: func(err *domain.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
		OnTransition: func(s domain.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, s.Phase)
		},
	}
}

func (r *recorder) Successes() []domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Result(nil), r.successes...)
}

func (r *recorder) Failures() []*domain.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Error(nil), r.failures...)
}

func (r *recorder) Transitions() []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Phase(nil), r.transitions...)
}

type harness struct {
	t         *testing.T
	cfg       config.HandshakeConfig
	clock     *clockwork.FakeClock
	issuer    *fakeIssuer
	confirmer *fakeConfirmer
	opener    *fakeOpener
	sink      *fakeSink
	events    *recorder
	o         *Orchestrator
}

type harnessOption func(*harness, *Deps)

func withTokens(tokens TokenExchanger) harnessOption {
	return func(h *harness, d *Deps) {
		d.Tokens = tokens
	}
}

func withConfirmer(c Confirmer) harnessOption {
	return func(h *harness, d *Deps) {
		d.Confirmer = c
	}
}

func withIssuer(i Issuer) harnessOption {
	return func(h *harness, d *Deps) {
		d.Issuer = i
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	h := &harness{
		t:         t,
		cfg:       config.DefaultHandshakeConfig(),
		clock:     clock,
		issuer:    &fakeIssuer{clock: clock, ttl: 5 * time.Minute},
		confirmer: &fakeConfirmer{variant: domain.VariantLogin, outcomes: make(chan outcome)},
		opener:    &fakeOpener{},
		sink:      &fakeSink{},
		events:    &recorder{},
	}

	deps := Deps{
		Issuer:    h.issuer,
		Confirmer: h.confirmer,
		Opener:    h.opener,
		Sink:      h.sink,
		Hooks:     h.events.hooks(),
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(h, &deps)
	}

	o, err := New("hs-test", h.cfg, deps, zap.NewNop())
	require.NoError(t, err)
	h.o = o
	t.Cleanup(o.Close)
	return h
}

// confirm hands the pending confirmation its outcome.
func (h *harness) confirm(out outcome) {
	h.t.Helper()
	select {
	case h.confirmer.outcomes <- out:
	case <-time.After(waitFor):
		h.t.Fatal("no confirmation in flight")
	}
}

func loginOutcome(requestID string) outcome {
	return outcome{res: &domain.Result{
		Variant: domain.VariantLogin,
		Login:   &domain.LoginSession{RequestID: requestID, Message: "ok"},
	}}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
}

func (h *harness) eventuallyPhase(p domain.Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.o.State().Phase == p
	}, waitFor, tick, "expected phase %s, got %s", p, h.o.State().Phase)
}

func (h *harness) eventuallyIdle() {
	h.eventuallyPhase(domain.PhaseIdle)
}

func (h *harness) eventuallyNoTimers() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.o.Pending() == 0
	}, waitFor, tick, "timers still live: %v", h.o.timers.Names())
}

var errBoom = errors.New("boom")
