package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/delivery"
	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
	"github.com/sirosfoundation/go-wallet-handshake/internal/handshake"
	"github.com/sirosfoundation/go-wallet-handshake/internal/session"
	"github.com/sirosfoundation/go-wallet-handshake/internal/websocket"
	"github.com/sirosfoundation/go-wallet-handshake/pkg/middleware"
)

const (
	minQRSize = 64
	maxQRSize = 1024
)

// HandshakeResponse describes one handshake.
type HandshakeResponse struct {
	ID        string           `json:"id"`
	Variant   domain.Variant   `json:"variant"`
	State     domain.StateView `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
}

// BeginResponse tells the page how the request was delivered.
type BeginResponse struct {
	Channel   domain.Channel       `json:"channel"`
	RequestID string               `json:"request_id"`
	DeepLink  string               `json:"deep_link"`
	Window    *delivery.WindowSpec `json:"window,omitempty"`
	QRURL     string               `json:"qr_url,omitempty"`
}

// TokenRequest carries a token pushed by the wallet window.
type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	registry *Registry
	store    session.Store
	bridge   *websocket.Manager
	limiter  *middleware.RateLimiter
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance. A nil limiter disables rate
// limiting.
func NewHandlers(registry *Registry, store session.Store, bridge *websocket.Manager, limiter *middleware.RateLimiter, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		store:    store,
		bridge:   bridge,
		limiter:  limiter,
		logger:   logger.Named("handlers"),
	}
}

// Name returns the route provider name.
func (h *Handlers) Name() string {
	return "handshake"
}

// RegisterRoutes adds the handshake routes to router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)

	create := []gin.HandlerFunc{h.CreateHandshake}
	if h.limiter != nil {
		create = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(h.limiter)}, create...)
	}

	hs := router.Group("/handshakes")
	hs.POST("", create...)
	hs.GET("/:id", h.GetHandshake)
	hs.DELETE("/:id", h.DeleteHandshake)
	hs.POST("/:id/begin", h.BeginHandshake)
	hs.GET("/:id/qr.png", h.QRCode)
	hs.POST("/:id/cancel", h.CancelHandshake)
	hs.POST("/:id/token", h.ReceiveToken)
	hs.GET("/:id/ws", h.Connect)
}

// Health handles the /health endpoint
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Service:      "wallet-handshake",
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
		Handshakes:   h.registry.Len(),
	})
}

// CreateHandshake creates a handshake and prepares its first request
func (h *Handlers) CreateHandshake(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	orch, err := h.registry.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, h.describe(c, orch))
}

// GetHandshake returns the state of a handshake
func (h *Handlers) GetHandshake(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.describe(c, orch))
}

// BeginHandshake starts an attempt, delivering the request for the
// caller's device.
func (h *Handlers) BeginHandshake(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	profile := domain.ProfileFromUserAgent(c.GetHeader("User-Agent"))
	d, err := orch.Begin(c.Request.Context(), profile)
	if err != nil {
		h.respondError(c, "begin", err)
		return
	}

	resp := BeginResponse{
		Channel:   d.Channel,
		RequestID: d.RequestID,
		Window:    d.Spec,
	}
	if state := orch.State(); state.Request != nil {
		resp.DeepLink = state.Request.DeepLink
	}
	if d.QR != nil {
		resp.DeepLink = d.QR.Content
		resp.QRURL = "/handshakes/" + orch.ID() + "/qr.png"
	}
	c.JSON(http.StatusOK, resp)
}

// QRCode renders the current deep link as a PNG
func (h *Handlers) QRCode(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	state := orch.State()
	if state.Request == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_request", "message": "The handshake holds no credential request."})
		return
	}

	size := delivery.DefaultQRSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_size", "message": "size must be between 64 and 1024"})
			return
		}
		size = n
	}

	png, err := delivery.NewQRPayload(state.Request.DeepLink).PNG(size)
	if err != nil {
		h.logger.Error("Failed to render QR code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_failed"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// CancelHandshake aborts the attempt in flight
func (h *Handlers) CancelHandshake(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}
	orch.Cancel()
	c.JSON(http.StatusOK, h.describe(c, orch))
}

// ReceiveToken accepts a token pushed by the wallet window
func (h *Handlers) ReceiveToken(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := orch.ReceiveToken(c.Request.Context(), req.Token); err != nil {
		h.respondError(c, "token", err)
		return
	}
	c.JSON(http.StatusOK, h.describe(c, orch))
}

// DeleteHandshake tears a handshake down
func (h *Handlers) DeleteHandshake(c *gin.Context) {
	if err := h.registry.Remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Handshake not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Connect attaches the page WebSocket to a handshake
func (h *Handlers) Connect(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}
	if h.bridge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bridge_unavailable"})
		return
	}
	if err := h.bridge.HandleConnection(c.Writer, c.Request, orch.ID()); err != nil {
		return
	}
	h.bridge.PushState(orch.ID(), orch.State().View())
}

func (h *Handlers) lookup(c *gin.Context) (*handshake.Orchestrator, bool) {
	orch, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Handshake not found"})
		return nil, false
	}
	return orch, true
}

func (h *Handlers) describe(c *gin.Context, orch *handshake.Orchestrator) HandshakeResponse {
	state := orch.State()
	resp := HandshakeResponse{
		ID:      orch.ID(),
		Variant: orch.Variant(),
		State:   state.View(),
	}
	if state.Phase == domain.PhaseConfirmed && h.store != nil {
		if data, err := h.store.GetByRequest(c.Request.Context(), state.Result.RequestID()); err == nil {
			resp.SessionID = data.ID
		} else if !errors.Is(err, session.ErrSessionNotFound) {
			h.logger.Warn("Failed to look up session", zap.Error(err))
		}
	}
	return resp
}

func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Handshake request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Info("Handshake request rejected", zap.String("op", op), zap.Error(err))
	}
	c.JSON(status, body)
}

// errorResponse maps an error to a status code and a body that never
// carries transport or server text.
func errorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, ErrInvalidVariant), errors.Is(err, ErrMissingClaimIDs):
		return http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()}
	case errors.Is(err, ErrHandshakeNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found", "message": "Handshake not found"}
	case errors.Is(err, handshake.ErrClosed):
		return http.StatusGone, gin.H{"error": "closed", "message": "The handshake was closed."}
	case errors.Is(err, handshake.ErrInProgress), errors.Is(err, handshake.ErrSuperseded):
		return http.StatusConflict, gin.H{"error": "in_progress", "message": "A wallet request is already in progress."}
	case errors.Is(err, handshake.ErrCallbackDetached):
		return http.StatusConflict, gin.H{"error": "callback_detached", "message": "No wallet request is waiting for a token."}
	case errors.Is(err, handshake.ErrInvalidToken):
		return http.StatusBadRequest, gin.H{"error": "invalid_token", "message": "The token is malformed."}
	case errors.Is(err, handshake.ErrTokenExpired):
		return http.StatusUnauthorized, gin.H{"error": "token_expired", "message": "The token has expired."}
	}

	herr := domain.Normalize(err)
	return statusForKind(herr.Kind), gin.H{"error": string(herr.Kind), "message": herr.UserMessage()}
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindPopupBlocked, domain.KindUserCancelled, domain.KindCancelled:
		return http.StatusConflict
	case domain.KindExpired:
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}
