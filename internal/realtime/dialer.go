package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Conn is an established connection to the agent runtime.
type Conn interface {
	ReadEvent(ctx context.Context) (Event, error)
	WriteEvent(ctx context.Context, ev Event) error
	Close() error
}

// Dialer opens connections to the agent runtime.
type Dialer interface {
	Dial(ctx context.Context, credentials map[string]string) (Conn, error)
}

// WebSocketDialer dials the runtime over a WebSocket and sends the
// credentials as the first "auth" frame. An empty credential map is sent
// as-is: the runtime decides how to treat anonymous channels.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	ReadLimit  int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, credentials map[string]string) (Conn, error) {
	dialCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	c, resp, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", d.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}

	if credentials == nil {
		credentials = map[string]string{}
	}
	if err := wsjson.Write(dialCtx, c, NewEvent(EventAuth, credentials)); err != nil {
		_ = c.Close(websocket.StatusInternalError, "auth handshake failed")
		return nil, fmt.Errorf("send auth frame: %w", err)
	}

	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadEvent(ctx context.Context) (Event, error) {
	var ev Event
	if err := wsjson.Read(ctx, w.c, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (w *wsConn) WriteEvent(ctx context.Context, ev Event) error {
	return wsjson.Write(ctx, w.c, ev)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}
