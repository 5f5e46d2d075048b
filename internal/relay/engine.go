package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
	"github.com/kaichen/piggy-bank-agent/internal/upstream"
)

// Engine creates and tracks relay sessions. One engine serves the whole
// process; each accepted client WebSocket becomes one session.
type Engine struct {
	cfg       *config.Config
	connector *upstream.Connector
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates a relay engine using the given upstream connector.
func NewEngine(cfg *config.Config, connector *upstream.Connector, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		connector: connector,
		logger:    logger,
		metrics:   m,
		sessions:  make(map[string]*Session),
	}
}

// ServeClient runs a relay session over the given client connection and
// blocks until the session ends. The client connection is always closed
// before returning. Cancelling ctx tears the session down.
func (e *Engine) ServeClient(ctx context.Context, client *websocket.Conn) {
	session := newSession(e.cfg, e.connector, client, e.logger, e.metrics)

	e.register(session)
	defer e.unregister(session)

	e.metrics.RecordSessionStart()
	defer func() {
		e.metrics.RecordSessionEnd(time.Since(session.started).Seconds())
	}()

	session.run(ctx)
}

// SessionInfo is a point-in-time snapshot of a session for the HTTP API.
type SessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Sessions returns a snapshot of all active sessions, oldest first.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		infos = append(infos, SessionInfo{
			ID:        s.id,
			State:     s.State(),
			StartedAt: s.started,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})

	return infos
}

// ActiveCount returns the number of sessions currently running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) register(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.id] = s
}

func (e *Engine) unregister(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s.id)
}

func newSessionID() string {
	return uuid.New().String()
}
