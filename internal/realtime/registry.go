package realtime

import (
	"log/slog"
	"sync"
)

// Registry holds one Manager per browser tab, grouped by session key.
type Registry struct {
	dialer Dialer
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]map[string]*registration
}

// registration counts the relays currently holding a manager.
type registration struct {
	mgr  *Manager
	refs int
}

// NewRegistry creates an empty registry whose managers dial through d.
func NewRegistry(d Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer: d,
		logger: logger,
		active: make(map[string]map[string]*registration),
	}
}

// Acquire returns the manager for a session tab, creating it if needed.
// Every Acquire must be paired with a Release.
func (r *Registry) Acquire(sessionKey, tabID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabs, ok := r.active[sessionKey]
	if !ok {
		tabs = make(map[string]*registration)
		r.active[sessionKey] = tabs
	}
	if reg, ok := tabs[tabID]; ok {
		reg.refs++
		return reg.mgr
	}
	m := NewManager(r.dialer, r.logger)
	tabs[tabID] = &registration{mgr: m, refs: 1}
	r.logger.Info("Agent channel manager registered", "session_key", sessionKey, "tab_id", tabID)
	return m
}

// Get returns the manager for a session tab or nil.
func (r *Registry) Get(sessionKey, tabID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.active[sessionKey][tabID]; ok {
		return reg.mgr
	}
	return nil
}

// Release gives back a manager obtained from Acquire. The manager is dropped
// once no relay holds it and it no longer has a channel.
func (r *Registry) Release(sessionKey, tabID string, m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabs, ok := r.active[sessionKey]
	if !ok {
		return
	}
	reg, exists := tabs[tabID]
	if !exists || reg.mgr != m {
		return
	}
	if reg.refs > 0 {
		reg.refs--
	}
	if reg.refs > 0 || m.Current() != nil {
		return
	}
	delete(tabs, tabID)
	if len(tabs) == 0 {
		delete(r.active, sessionKey)
	}
	r.logger.Info("Agent channel manager released", "session_key", sessionKey, "tab_id", tabID)
}

// CloseSession disconnects every tab of a session.
func (r *Registry) CloseSession(sessionKey string) {
	r.mu.Lock()
	tabs := r.active[sessionKey]
	delete(r.active, sessionKey)
	r.mu.Unlock()

	for tabID, reg := range tabs {
		reg.mgr.Disconnect()
		r.logger.Info("Agent channel closed for session", "session_key", sessionKey, "tab_id", tabID)
	}
}

// CloseAll disconnects every manager. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]map[string]*registration)
	r.mu.Unlock()

	for _, tabs := range all {
		for _, reg := range tabs {
			reg.mgr.Disconnect()
		}
	}
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tabs := range r.active {
		n += len(tabs)
	}
	return n
}
