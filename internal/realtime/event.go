// Package realtime owns the socket channel between the dashboard and the
// agent runtime.
//
// A Manager holds at most one live Channel. Connect never blocks on the
// network and never fails: dial errors, authentication rejections and lost
// connections are delivered as events on the channel. There are no automatic
// retries; a new channel requires a fresh Connect, which the relay issues on
// the next browser mount.
package realtime

import (
	"encoding/json"
	"errors"
)

// Event types produced by the channel itself. Every other type is whatever
// the agent runtime sends.
const (
	EventConnect         = "connect"
	EventConnectError    = "connect_error"
	EventUnauthenticated = "unauthenticated"
	EventDisconnect      = "disconnect"
	EventAuth            = "auth"
	EventError           = "error"
	EventPing            = "ping"
	EventPong            = "pong"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

var (
	// ErrUnauthorized is returned by a Dialer when the runtime rejects the credentials.
	ErrUnauthorized = errors.New("agent runtime rejected credentials")
	// ErrNotConnected is returned by Emit before the channel is established or after it is lost.
	ErrNotConnected = errors.New("channel not connected")
	// ErrChannelClosed is returned by Emit after teardown.
	ErrChannelClosed = errors.New("channel closed")
)

// Event is one frame exchanged over the channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives events. Handlers run on the channel's reader goroutine and
// must not call Disconnect or Close on the channel that invoked them.
type Handler func(Event)

// NewEvent builds an event with a JSON-encoded payload. A payload that cannot
// be encoded is dropped.
func NewEvent(eventType string, payload any) Event {
	ev := Event{Type: eventType}
	if payload == nil {
		return ev
	}
	if data, err := json.Marshal(payload); err == nil {
		ev.Payload = data
	}
	return ev
}
