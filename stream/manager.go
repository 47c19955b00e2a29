package stream

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a session registered with a Manager.
type Entry struct {
	Key       string
	StartedAt time.Time
	Session   *Session
}

// Manager tracks the active pull sessions by key.
type Manager struct {
	log     *slog.Logger
	factory EngineFactory
	opts    []Option

	mu       sync.RWMutex
	sessions map[string]*Entry
}

// NewManager creates a manager whose sessions use factory and opts. If log
// is nil, slog.Default() is used.
func NewManager(factory EngineFactory, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		factory:  factory,
		opts:     append([]Option{WithLogger(log)}, opts...),
		sessions: make(map[string]*Entry),
	}
}

// Create registers a new, unopened session. Returns the entry and true if
// created, or nil and false if a session with this key already exists.
func (m *Manager) Create(key string, cfg Config) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	e := &Entry{
		Key:       key,
		StartedAt: time.Now(),
		Session:   NewSession(cfg, m.factory, m.opts...),
	}
	m.sessions[key] = e
	m.log.Info("session created", "key", key, "url", cfg.URL)
	return e, true
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[key]
	return e, ok
}

// Remove closes and unregisters a session.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		if err := e.Session.Close(); err != nil {
			m.log.Warn("session close failed", "key", key, "error", err)
		}
		m.log.Info("session removed", "key", key)
	}
}

// List returns all registered sessions.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	return entries
}

// CloseAll closes and unregisters every session.
func (m *Manager) CloseAll() {
	for _, e := range m.List() {
		m.Remove(e.Key)
	}
}
