package realtime

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

const emitTimeout = 10 * time.Second

// Channel is one connection attempt to the agent runtime and, once dialed,
// the live connection. A Channel is used once: after Close it never
// reconnects and never dispatches again.
type Channel struct {
	id          string
	credentials map[string]string
	dialer      Dialer
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.RWMutex
	conn      Conn
	started   bool
	connected bool
	closed    bool
	handlers  map[string]map[uint64]Handler
	nextSubID uint64
}

func newChannel(dialer Dialer, credentials map[string]string, logger *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	creds := make(map[string]string, len(credentials))
	maps.Copy(creds, credentials)
	return &Channel{
		id:          uuid.NewString(),
		credentials: creds,
		dialer:      dialer,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		handlers:    make(map[string]map[uint64]Handler),
	}
}

// ID identifies the channel in logs.
func (c *Channel) ID() string {
	return c.id
}

// Credentials returns a copy of the payload the channel was opened with.
func (c *Channel) Credentials() map[string]string {
	return maps.Clone(c.credentials)
}

// Authenticated reports whether the channel was opened with a session token.
func (c *Channel) Authenticated() bool {
	return len(c.credentials) > 0
}

// Connected reports whether the connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// On registers h for eventType (or AllEvents) and returns a function that
// removes it. Subscribing to a closed channel is a no-op.
func (c *Channel) On(eventType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || h == nil {
		return func() {}
	}

	c.nextSubID++
	id := c.nextSubID
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[uint64]Handler)
	}
	c.handlers[eventType][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
		if len(c.handlers[eventType]) == 0 {
			delete(c.handlers, eventType)
		}
	}
}

// Emit sends ev to the runtime.
func (c *Channel) Emit(ctx context.Context, ev Event) error {
	c.mu.RLock()
	conn, connected, closed := c.conn, c.connected, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrChannelClosed
	}
	if !connected || conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	return conn.WriteEvent(ctx, ev)
}

func (c *Channel) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
}

func (c *Channel) run() {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(c.ctx, c.credentials)
	if err != nil {
		if c.ctx.Err() != nil {
			// Torn down before the dial resolved.
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Warn("Agent channel rejected", "channel_id", c.id, "error", err)
			c.dispatch(NewEvent(EventUnauthenticated, map[string]string{"error": err.Error()}))
			return
		}
		c.logger.Warn("Agent channel connect failed", "channel_id", c.id, "error", err)
		c.dispatch(NewEvent(EventConnectError, map[string]string{"error": err.Error()}))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Debug("Failed to close late agent connection", "channel_id", c.id, "error", closeErr)
		}
		return
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Agent channel connected", "channel_id", c.id, "authenticated", c.Authenticated())
	c.dispatch(Event{Type: EventConnect})

	for {
		ev, err := conn.ReadEvent(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			if c.ctx.Err() == nil {
				c.logger.Info("Agent channel lost", "channel_id", c.id, "error", err)
				c.dispatch(NewEvent(EventDisconnect, map[string]string{"reason": err.Error()}))
			}
			return
		}
		c.dispatch(ev)
	}
}

// dispatch runs only on the reader goroutine, so Close's wait covers any
// delivery already in progress.
func (c *Channel) dispatch(ev Event) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.logger.Debug("Dropping event after teardown", "channel_id", c.id, "type", ev.Type)
		return
	}
	var targets []Handler
	for _, h := range c.handlers[ev.Type] {
		targets = append(targets, h)
	}
	if ev.Type != AllEvents {
		for _, h := range c.handlers[AllEvents] {
			targets = append(targets, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
}

// Close tears the channel down and waits for its goroutine to exit, even
// when the dial has not resolved yet. Close is idempotent.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.connected = false
		c.handlers = make(map[string]map[uint64]Handler)
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Debug("Failed to close agent connection", "channel_id", c.id, "error", err)
			}
		}
		c.wg.Wait()
		c.logger.Info("Agent channel closed", "channel_id", c.id)
	})
}
