// Package websocket bridges a handshake to the browser page that started it:
// it pushes state changes and asks the page to open and close the wallet
// window on the server's behalf.
package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/delivery"
	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

var (
	ErrNotConnected   = errors.New("handshake page not connected")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrTimeout        = errors.New("operation timed out")
)

// Message types.
const (
	TypeState       = "state"
	TypeOpenWindow  = "open_window"
	TypeCloseWindow = "close_window"

	TypeWindowOpened  = "window_opened"
	TypeWindowBlocked = "window_blocked"
	TypeWindowClosed  = "window_closed"
)

// DefaultAckTimeout bounds how long Open waits for the page to report the
// outcome of window.open.
const DefaultAckTimeout = 5 * time.Second

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
)

// ServerMessage represents a message sent from server to client
type ServerMessage struct {
	MessageID string               `json:"message_id,omitempty"`
	Type      string               `json:"type"`
	Window    *delivery.WindowSpec `json:"window,omitempty"`
	State     *domain.StateView    `json:"state,omitempty"`
}

// ClientMessage represents a message received from client. MessageID echoes
// the open_window message the event refers to.
type ClientMessage struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
}

// clientConnection represents the connected page of one handshake
type clientConnection struct {
	conn        *websocket.Conn
	handshakeID string
	send        chan ServerMessage
	done        chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	pending map[string]chan string
	windows map[string]*remoteWindow
}

func (c *clientConnection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *clientConnection) enqueue(msg ServerMessage, wait time.Duration) error {
	if wait <= 0 {
		select {
		case <-c.done:
			return ErrNotConnected
		case c.send <- msg:
			return nil
		default:
			return ErrSendBufferFull
		}
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-c.done:
		return ErrNotConnected
	case c.send <- msg:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// Manager handles the WebSocket connections of live handshakes
type Manager struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	ackTimeout time.Duration

	clientsMu sync.RWMutex
	clients   map[string]*clientConnection // handshakeID -> connection
}

// NewManager creates a new WebSocket manager. An empty allowedOrigins or one
// containing "*" accepts any origin.
func NewManager(allowedOrigins []string, ackTimeout time.Duration, logger *zap.Logger) *Manager {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Manager{
		logger:     logger.Named("websocket-manager"),
		ackTimeout: ackTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients: make(map[string]*clientConnection),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleConnection upgrades the request and attaches the page to
// handshakeID, replacing any earlier page of the same handshake.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, handshakeID string) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return err
	}

	client := &clientConnection{
		conn:        conn,
		handshakeID: handshakeID,
		send:        make(chan ServerMessage, sendBuffer),
		done:        make(chan struct{}),
		pending:     make(map[string]chan string),
		windows:     make(map[string]*remoteWindow),
	}

	m.clientsMu.Lock()
	if existing, ok := m.clients[handshakeID]; ok {
		existing.close()
	}
	m.clients[handshakeID] = client
	m.clientsMu.Unlock()

	m.logger.Info("WebSocket client connected", zap.String("handshake_id", handshakeID))

	go m.writeLoop(client)
	go m.readLoop(client)
	return nil
}

func (m *Manager) writeLoop(client *clientConnection) {
	for {
		select {
		case <-client.done:
			return
		case msg := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(msg); err != nil {
				m.logger.Warn("WebSocket write failed",
					zap.String("handshake_id", client.handshakeID),
					zap.Error(err))
				client.close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(client *clientConnection) {
	defer m.disconnect(client)

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			m.logger.Error("Failed to parse message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeWindowOpened, TypeWindowBlocked:
			client.mu.Lock()
			reply, ok := client.pending[msg.MessageID]
			client.mu.Unlock()
			if ok {
				select {
				case reply <- msg.Type:
				default:
				}
			}
		case TypeWindowClosed:
			client.mu.Lock()
			w, ok := client.windows[msg.MessageID]
			delete(client.windows, msg.MessageID)
			client.mu.Unlock()
			if ok {
				w.closed.Store(true)
			}
		default:
			m.logger.Debug("Ignoring message", zap.String("type", msg.Type))
		}
	}
}

// disconnect drops the page. Windows it opened count as closed since
// nothing can observe them any more.
func (m *Manager) disconnect(client *clientConnection) {
	client.close()

	m.clientsMu.Lock()
	if existing, ok := m.clients[client.handshakeID]; ok && existing == client {
		delete(m.clients, client.handshakeID)
	}
	m.clientsMu.Unlock()

	client.mu.Lock()
	for id, w := range client.windows {
		w.closed.Store(true)
		delete(client.windows, id)
	}
	client.mu.Unlock()

	m.logger.Info("WebSocket client disconnected", zap.String("handshake_id", client.handshakeID))
}

func (m *Manager) client(handshakeID string) *clientConnection {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return m.clients[handshakeID]
}

// IsConnected checks if a handshake page is currently connected
func (m *Manager) IsConnected(handshakeID string) bool {
	return m.client(handshakeID) != nil
}

// PushState sends a state snapshot to the page without blocking. It reports
// whether the message was queued.
func (m *Manager) PushState(handshakeID string, view domain.StateView) bool {
	client := m.client(handshakeID)
	if client == nil {
		return false
	}
	if err := client.enqueue(ServerMessage{Type: TypeState, State: &view}, 0); err != nil {
		m.logger.Debug("Dropped state push",
			zap.String("handshake_id", handshakeID),
			zap.Error(err))
		return false
	}
	return true
}

// Opener returns a delivery.Opener that opens windows through the page of
// handshakeID.
func (m *Manager) Opener(handshakeID string) delivery.Opener {
	return &remoteOpener{manager: m, handshakeID: handshakeID}
}

// Disconnect closes the page connection of handshakeID, if any.
func (m *Manager) Disconnect(handshakeID string) {
	if client := m.client(handshakeID); client != nil {
		client.close()
	}
}

// Close closes all connections
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for _, client := range m.clients {
		client.close()
	}
	m.clients = make(map[string]*clientConnection)
}

type remoteOpener struct {
	manager     *Manager
	handshakeID string
}

// Open asks the page to call window.open and waits for its answer.
func (o *remoteOpener) Open(spec delivery.WindowSpec) (delivery.Window, error) {
	client := o.manager.client(o.handshakeID)
	if client == nil {
		return nil, ErrNotConnected
	}

	messageID := uuid.New().String()
	reply := make(chan string, 1)
	w := &remoteWindow{client: client, messageID: messageID}

	client.mu.Lock()
	client.pending[messageID] = reply
	client.windows[messageID] = w
	client.mu.Unlock()

	defer func() {
		client.mu.Lock()
		delete(client.pending, messageID)
		client.mu.Unlock()
	}()

	forget := func() {
		client.mu.Lock()
		delete(client.windows, messageID)
		client.mu.Unlock()
	}

	timeout := o.manager.ackTimeout
	if err := client.enqueue(ServerMessage{MessageID: messageID, Type: TypeOpenWindow, Window: &spec}, timeout); err != nil {
		forget()
		return nil, err
	}

	o.manager.logger.Debug("Sent open window request",
		zap.String("handshake_id", o.handshakeID),
		zap.String("message_id", messageID),
		zap.String("target", string(spec.Target)))

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-client.done:
		forget()
		return nil, ErrNotConnected
	case <-t.C:
		forget()
		return nil, ErrTimeout
	case kind := <-reply:
		if kind == TypeWindowBlocked {
			forget()
			return nil, delivery.ErrPopupBlocked
		}
		return w, nil
	}
}

// remoteWindow is a window held by the page.
type remoteWindow struct {
	client    *clientConnection
	messageID string
	closed    atomic.Bool
}

func (w *remoteWindow) Closed() bool {
	return w.closed.Load()
}

func (w *remoteWindow) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.client.mu.Lock()
	delete(w.client.windows, w.messageID)
	w.client.mu.Unlock()
	_ = w.client.enqueue(ServerMessage{MessageID: w.messageID, Type: TypeCloseWindow}, 0)
}
