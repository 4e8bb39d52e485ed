package realtime

import (
	"log/slog"
	"sync"

	"github.com/elysium-atlas/atlas/internal/identity"
)

// Manager owns at most one live Channel.
type Manager struct {
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	current *Channel
}

// NewManager creates a manager that dials through d.
func NewManager(d Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dialer: d, logger: logger}
}

// ConnectOption configures a channel before it starts dialing.
type ConnectOption func(*Channel)

// WithHandler subscribes h before the dial begins, so early events such as
// connect or unauthenticated are not missed.
func WithHandler(eventType string, h Handler) ConnectOption {
	return func(c *Channel) {
		c.On(eventType, h)
	}
}

// Connect opens a channel with credentials and returns it without waiting
// for the connection. A channel that is already open is closed first, so at
// most one is ever live.
func (m *Manager) Connect(credentials map[string]string, opts ...ConnectOption) *Channel {
	ch := newChannel(m.dialer, credentials, m.logger)
	for _, opt := range opts {
		opt(ch)
	}

	m.mu.Lock()
	prev := m.current
	m.current = ch
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("Replacing agent channel", "previous_channel_id", prev.ID(), "channel_id", ch.ID())
		prev.Close()
	}
	ch.start()
	return ch
}

// Disconnect closes the current channel, if any, and waits for teardown to
// finish. It is always safe to call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	ch := m.current
	m.current = nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// DisconnectChannel closes ch and clears it as the current channel only if
// it still is. A newer Connect is left untouched.
func (m *Manager) DisconnectChannel(ch *Channel) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	if m.current == ch {
		m.current = nil
	}
	m.mu.Unlock()
	ch.Close()
}

// Mount connects with the credentials resolved from src and returns the
// matching unmount. Unmount runs at most once and only tears down the
// channel this mount opened.
func (m *Manager) Mount(src identity.TokenSource, opts ...ConnectOption) (*Channel, func()) {
	ch := m.Connect(identity.Credentials(src), opts...)
	return ch, sync.OnceFunc(func() { m.DisconnectChannel(ch) })
}

// Current returns the live channel or nil.
func (m *Manager) Current() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connected reports whether the current channel is established.
func (m *Manager) Connected() bool {
	ch := m.Current()
	return ch != nil && ch.Connected()
}

// Subscribe registers h on the current channel. Without a channel it
// returns a no-op unsubscribe.
func (m *Manager) Subscribe(eventType string, h Handler) func() {
	ch := m.Current()
	if ch == nil {
		return func() {}
	}
	return ch.On(eventType, h)
}
