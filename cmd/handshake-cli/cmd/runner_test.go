package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/klip"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

type backendOptions struct {
	block          bool
	transferStatus int
}

func newBackend(t *testing.T, opts backendOptions) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(klip.PathIssue, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"request_id": "req-1", "deep_link": "kakaotalk://klipwallet/open?request_key=req-1"},
		})
	})
	mux.HandleFunc(klip.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		if opts.block {
			<-r.Context().Done()
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc(klip.PathResult, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"klaytn_address": "0xabc"})
	})
	mux.HandleFunc("/card-api/v1"+klip.PathTransfer, func(w http.ResponseWriter, r *http.Request) {
		if opts.transferStatus != 0 {
			w.WriteHeader(opts.transferStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xfeed"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server.URL
}

func newRunner(t *testing.T, baseURL string) (*runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Klip.BaseURL = baseURL
	cfg.Klip.CardBaseURL = baseURL + "/card-api/v1"

	clock := clockwork.NewRealClock()
	var out, status bytes.Buffer
	return &runner{
		cfg:    cfg,
		store:  session.NewMemoryStore(clock, zap.NewNop()),
		clock:  clock,
		out:    &out,
		status: &status,
		logger: zap.NewNop(),
	}, &out, &status
}

func TestRunner_Login(t *testing.T) {
	r, out, status := newRunner(t, newBackend(t, backendOptions{}))

	confirmer, err := r.confirmer(domain.VariantLogin, "", "")
	require.NoError(t, err)

	outcome, err := r.run(context.Background(), confirmer)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseConfirmed, outcome.State.Phase)
	assert.NotEmpty(t, outcome.SessionID)

	assert.Contains(t, status.String(), "request_key=req-1", "the deep link is printed")
	assert.Contains(t, status.String(), "█", "the QR code is printed")
	assert.Contains(t, status.String(), string(domain.PhaseAwaitingConfirmation))

	require.NoError(t, r.report(outcome))
	assert.Contains(t, out.String(), "confirmed")
	assert.Contains(t, out.String(), outcome.SessionID)
}

func TestRunner_Claim(t *testing.T) {
	r, out, _ := newRunner(t, newBackend(t, backendOptions{}))

	confirmer, err := r.confirmer(domain.VariantClaim, "ins-1", "card-1")
	require.NoError(t, err)

	outcome, err := r.run(context.Background(), confirmer)
	require.NoError(t, err)

	output = "json"
	defer func() { output = "text" }()
	require.NoError(t, r.report(outcome))

	var decoded Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, domain.VariantClaim, decoded.Variant)
	require.NotNil(t, decoded.State.Result)
	assert.Equal(t, "0xfeed", decoded.State.Result.Claim.TxHash)
}

func TestRunner_ClaimTransferFails(t *testing.T) {
	r, _, _ := newRunner(t, newBackend(t, backendOptions{transferStatus: http.StatusBadGateway}))

	confirmer, err := r.confirmer(domain.VariantClaim, "ins-1", "card-1")
	require.NoError(t, err)

	outcome, err := r.run(context.Background(), confirmer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.ErrTransfer.UserMessage())
	require.NotNil(t, outcome)
	assert.Equal(t, domain.PhaseFailed, outcome.State.Phase)
	assert.Equal(t, domain.KindTransfer, outcome.State.Reason)
}

func TestRunner_Interrupted(t *testing.T) {
	r, _, _ := newRunner(t, newBackend(t, backendOptions{block: true}))

	confirmer, err := r.confirmer(domain.VariantLogin, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcome, err := r.run(ctx, confirmer)
	assert.Nil(t, outcome)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "handshake interrupted"))
}

func TestRunner_ConfirmerValidation(t *testing.T) {
	r, _, _ := newRunner(t, "http://127.0.0.1:0")

	_, err := r.confirmer(domain.VariantClaim, "ins-1", "")
	assert.Error(t, err)

	_, err = r.confirmer("purchase", "", "")
	assert.Error(t, err)
}
