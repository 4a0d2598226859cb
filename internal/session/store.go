// Package session keeps the sessions and claim receipts produced by
// confirmed handshakes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Kind tells login sessions and claim receipts apart.
type Kind string

const (
	KindLogin Kind = "login"
	KindClaim Kind = "claim"
)

// SessionData represents serializable session state.
type SessionData struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	RequestID string            `json:"request_id"`
	Subject   string            `json:"subject,omitempty"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`

	InsuranceID string `json:"insurance_id,omitempty"`
	CardID      string `json:"card_id,omitempty"`
	Address     string `json:"address,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store provides session storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a session by ID.
	Get(ctx context.Context, sessionID string) (*SessionData, error)

	// GetByRequest retrieves the session created by a handshake request.
	GetByRequest(ctx context.Context, requestID string) (*SessionData, error)

	// Put stores a session. Returns ErrSessionExists if session already exists.
	Put(ctx context.Context, session *SessionData) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, sessionID string) error

	// Cleanup removes expired sessions.
	Cleanup(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

// NewStore builds the store selected by cfg.
func NewStore(cfg config.SessionStoreConfig, clock clockwork.Clock, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(clock, logger), nil
	case "redis":
		return NewRedisStore(&RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			DefaultTTL: cfg.DefaultTTL(),
		}, clock, logger)
	default:
		return nil, fmt.Errorf("unknown session store type: %s", cfg.Type)
	}
}

// MemoryStore is an in-memory session store for development and the CLI.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*SessionData
	requestIndex map[string]string // requestID -> sessionID
	clock        clockwork.Clock
	logger       *zap.Logger
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(clock clockwork.Clock, logger *zap.Logger) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		sessions:     make(map[string]*SessionData),
		requestIndex: make(map[string]string),
		clock:        clock,
		logger:       logger.Named("memory_store"),
	}
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*SessionData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok || !m.clock.Now().Before(session.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (m *MemoryStore) GetByRequest(ctx context.Context, requestID string) (*SessionData, error) {
	m.mu.RLock()
	sessionID, ok := m.requestIndex[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.Get(ctx, sessionID)
}

func (m *MemoryStore) Put(ctx context.Context, session *SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrSessionExists
	}

	m.sessions[session.ID] = session
	if session.RequestID != "" {
		m.requestIndex[session.RequestID] = session.ID
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil // Idempotent
	}

	delete(m.requestIndex, session.RequestID)
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := m.clock.Now()
	for id, session := range m.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(m.requestIndex, session.RequestID)
			delete(m.sessions, id)
			count++
		}
	}

	if count > 0 {
		m.logger.Debug("Cleaned up expired sessions", zap.Int64("count", count))
	}
	return count, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// RedisStore stores sessions in Redis so several servers can share them.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
}

// RedisConfig configures a Redis session store.
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	KeyPrefix  string
	DefaultTTL time.Duration
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(cfg *RedisConfig, clock clockwork.Clock, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "handshake:session:"
	}

	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RedisStore{
		client:     client,
		keyPrefix:  prefix,
		defaultTTL: ttl,
		clock:      clock,
		logger:     logger.Named("redis_store"),
	}, nil
}

func (r *RedisStore) sessionKey(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisStore) requestKey(requestID string) string {
	return r.keyPrefix + "request:" + requestID
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*SessionData, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var session SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}

	if !r.clock.Now().Before(session.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (r *RedisStore) GetByRequest(ctx context.Context, requestID string) (*SessionData, error) {
	sessionID, err := r.client.Get(ctx, r.requestKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, sessionID)
}

func (r *RedisStore) Put(ctx context.Context, session *SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	ttl := session.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(session.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrSessionExists
	}
	if session.RequestID != "" {
		if err := r.client.Set(ctx, r.requestKey(session.RequestID), session.ID, ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	session, err := r.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil // Idempotent
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(sessionID))
	if session.RequestID != "" {
		pipe.Del(ctx, r.requestKey(session.RequestID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup is a no-op: Redis expires keys on its own.
func (r *RedisStore) Cleanup(ctx context.Context) (int64, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
