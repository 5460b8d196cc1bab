package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("too many active sessions")

// Manager tracks the controllers of connected pages.
type Manager struct {
	pipeline *Pipeline
	limit    int
	logger   *slog.Logger
	hooks    []Observer

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager creates a manager; limit <= 0 means unlimited. Every hook is
// attached to each controller the manager creates.
func NewManager(p *Pipeline, limit int, logger *slog.Logger, hooks ...Observer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pipeline: p,
		limit:    limit,
		logger:   logger.With(slog.String("component", "session-manager")),
		hooks:    hooks,
		sessions: make(map[string]*Controller),
	}
}

// Open creates a controller for a newly connected page.
func (m *Manager) Open() (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && len(m.sessions) >= m.limit {
		return nil, ErrTooManySessions
	}
	ctrl := NewController(uuid.NewString(), m.pipeline)
	for _, hook := range m.hooks {
		ctrl.Observe(hook)
	}
	m.sessions[ctrl.ID()] = ctrl
	m.logger.Debug("session opened", slog.String("session_id", ctrl.ID()), slog.Int("active", len(m.sessions)))
	return ctrl, nil
}

// Get returns the controller for id.
func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[id]
	return ctrl, ok
}

// Close closes and forgets the controller for id.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	ctrl := m.sessions[id]
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()
	if ctrl == nil {
		return
	}
	ctrl.Close()
	m.logger.Debug("session closed", slog.String("session_id", id), slog.Int("active", active))
}

// CloseAll closes every controller, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()
	for _, ctrl := range sessions {
		ctrl.Close()
	}
	if len(sessions) > 0 {
		m.logger.Info("closed sessions", slog.Int("count", len(sessions)))
	}
}

// Count reports the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
