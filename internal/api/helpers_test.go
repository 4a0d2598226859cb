package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/klip"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/internal/websocket"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	desktopUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"
	androidUA  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/120.0 Mobile Safari/537.36"
	walletAddr = "0x52e8bd9a9b4e0c8d2b5c4d4cd3c7f1d1e5c6a0b1"
)

// fakeKlip serves the credential backend endpoints.
type fakeKlip struct {
	mu             sync.Mutex
	issued         int
	issueStatus    int
	transferStatus int
	release        chan struct{}
}

func newFakeKlip() *fakeKlip {
	return &fakeKlip{release: make(chan struct{})}
}

// confirmAll lets every pending and future confirmation succeed.
func (f *fakeKlip) confirmAll() {
	close(f.release)
}

func (f *fakeKlip) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(klip.PathIssue, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.issueStatus
		f.issued++
		n := f.issued
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		id := fmt.Sprintf("req-%d", n)
		writeJSON(w, map[string]any{
			"data": map[string]string{
				"request_id": id,
				"deep_link":  "kakaotalk://klipwallet/open?request_key=" + id,
			},
		})
	})
	mux.HandleFunc(klip.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		if !f.wait(r) {
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "session-" + r.URL.Query().Get("requestId")})
		writeJSON(w, map[string]any{"success": true, "message": "ok"})
	})
	mux.HandleFunc(klip.PathResult, func(w http.ResponseWriter, r *http.Request) {
		if !f.wait(r) {
			return
		}
		writeJSON(w, map[string]string{"klaytn_address": walletAddr})
	})
	mux.HandleFunc("/card-api/v1"+klip.PathTransfer, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.transferStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, map[string]string{"tx_hash": "0xfeed"})
	})
	mux.HandleFunc(klip.PathGetCookie, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "from-token"})
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeKlip) wait(r *http.Request) bool {
	select {
	case <-f.release:
		return true
	case <-r.Context().Done():
		return false
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type testEnv struct {
	backend  *fakeKlip
	registry *Registry
	store    *session.MemoryStore
	bridge   *websocket.Manager
	router   *gin.Engine
}

type envOption func(*envOptions)

type envOptions struct {
	limiter *middleware.RateLimiter
	cfg     config.HandshakeConfig
}

func withLimiter(rl *middleware.RateLimiter) envOption {
	return func(o *envOptions) { o.limiter = rl }
}

func setupTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	o := envOptions{cfg: config.DefaultHandshakeConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zap.NewNop()
	backend := newFakeKlip()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	client := klip.NewClient(klip.Options{
		BaseURL:     server.URL,
		CardBaseURL: server.URL + "/card-api/v1",
		Timeout:     2 * time.Second,
		RequestTTL:  o.cfg.RequestTTL,
	}, logger)

	store := session.NewMemoryStore(nil, logger)
	sink := session.NewSink(store, time.Hour, nil, logger)
	bridge := websocket.NewManager(nil, time.Second, logger)
	registry := NewRegistry(o.cfg, client, sink, bridge, nil, logger)
	t.Cleanup(func() {
		registry.Close()
		bridge.Close()
	})

	router := gin.New()
	NewHandlers(registry, store, bridge, o.limiter, logger).RegisterRoutes(router)

	return &testEnv{
		backend:  backend,
		registry: registry,
		store:    store,
		bridge:   bridge,
		router:   router,
	}
}

func (e *testEnv) do(method, path string, body any, ua string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T, body any) HandshakeResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/handshakes", body, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[HandshakeResponse](t, w)
}

func (e *testEnv) get(t *testing.T, id string) HandshakeResponse {
	t.Helper()
	w := e.do(http.MethodGet, "/handshakes/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[HandshakeResponse](t, w)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
