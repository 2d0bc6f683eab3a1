package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/transcript"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Engine is the template for every session's transcript engine.
	Engine transcript.Config

	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	MaxSessions      int // 0 means unlimited
	SubscriberBuffer int
}

// Manager tracks all live sessions and expires idle ones.
type Manager struct {
	cfg       ManagerConfig
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Handler

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	once    sync.Once
}

// NewManager creates a manager and starts its cleanup routine.
// A nil publisher disables Kafka forwarding.
func NewManager(cfg ManagerConfig, publisher Publisher) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		publisher: publisher,
		logger:    logging.WithComponent("session-manager"),
		metrics:   metrics.DefaultMetrics,
		sessions:  make(map[string]*Handler),
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}
	go m.startCleanupRoutine()
	return m
}

// Create starts a session under a fresh id.
func (m *Manager) Create() (*Handler, error) {
	h, _, err := m.GetOrCreate(uuid.NewString())
	return h, err
}

// GetOrCreate returns the session with id, creating it when missing.
// The boolean reports whether a new session was created.
func (m *Manager) GetOrCreate(id string) (*Handler, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false, ErrSessionClosed
	}
	if h, ok := m.sessions[id]; ok {
		return h, false, nil
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.metrics.RecordSessionLimit()
		m.logger.Warn().
			Int("maxSessions", m.cfg.MaxSessions).
			Str("sessionId", id).
			Msg("Session limit reached")
		return nil, false, ErrTooManySessions
	}

	h := NewHandler(id, m.cfg.Engine, m.publisher, m.cfg.SubscriberBuffer)
	m.sessions[id] = h
	m.metrics.RecordSessionCreated()

	m.logger.Info().
		Str("sessionId", id).
		Int("activeSessions", len(m.sessions)).
		Msg("Created session")
	return h, true, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

// Remove closes and forgets the session with id.
func (m *Manager) Remove(id, reason string) error {
	m.mu.Lock()
	h, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	h.Close()
	m.metrics.RecordSessionClosed(reason)
	m.logger.Info().
		Str("sessionId", id).
		Str("reason", reason).
		Msg("Session removed")
	return nil
}

// List returns a summary of every live session ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	handlers := make([]*Handler, 0, len(m.sessions))
	for _, h := range m.sessions {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop closes every session and stops the cleanup routine. Idempotent.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.logger.Info().Msg("Stopping session manager")
		m.cancel()
		<-m.cleanup

		m.mu.Lock()
		handlers := m.sessions
		m.sessions = make(map[string]*Handler)
		m.mu.Unlock()

		for _, h := range handlers {
			h.Close()
			m.metrics.RecordSessionClosed("shutdown")
		}
		m.logger.Info().Int("closed", len(handlers)).Msg("Session manager stopped")
	})
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug().
		Dur("idleTimeout", m.cfg.IdleTimeout).
		Dur("interval", m.cfg.CleanupInterval).
		Msg("Session cleanup routine started")

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions idle for longer than IdleTimeout.
func (m *Manager) cleanupExpiredSessions() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()

	var expired []string
	m.mu.RLock()
	for id, h := range m.sessions {
		if now.Sub(h.LastActivity()) > m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	m.logger.Info().Int("expired", len(expired)).Msg("Cleaning up idle sessions")
	for _, id := range expired {
		_ = m.Remove(id, "idle")
	}
}
