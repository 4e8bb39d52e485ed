package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/elysium-atlas/atlas/internal/identity"
)

// TabQueryParam carries the browser tab identifier on the socket URL.
const TabQueryParam = "tab"

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RelayHandler bridges a browser WebSocket to the agent runtime channel.
//
// Accepting the browser socket is the mount: it connects the tab's manager
// with the session credentials. The browser socket closing is the unmount:
// the channel is disconnected and the call returns only after teardown.
type RelayHandler struct {
	registry      *Registry
	allowedOrigin string
	isDev         bool
	queueSize     int
	logger        *slog.Logger
}

// NewRelayHandler creates a relay over registry.
func NewRelayHandler(registry *Registry, allowedOrigin string, isDev bool, queueSize int, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     queueSize,
		logger:        logger,
	}
}

func tabIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.URL.Query().Get(TabQueryParam))
	if id == "" || !tabIDPattern.MatchString(id) {
		return uuid.NewString()
	}
	return id
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())
	tabID := tabIDFromRequest(r)
	h.logger.Info("Agent socket mount", "session_key", sessionKey, "tab_id", tabID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_key", sessionKey)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_key", sessionKey)
		}
	}()

	mgr := h.registry.Acquire(sessionKey, tabID)
	defer h.registry.Release(sessionKey, tabID, mgr)

	out := newOutbox(ws, h.queueSize, h.logger)
	defer out.Close()

	ch, unmount := mgr.Mount(identity.FromContext(r.Context()), WithHandler(AllEvents, out.Send))
	defer unmount()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.inputLoop(ctx, ws, ch, out, sessionKey)
	h.logger.Info("Agent socket unmount", "session_key", sessionKey, "tab_id", tabID, "channel_id", ch.ID())
}

func (h *RelayHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *RelayHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ch *Channel, out *outbox, sessionKey string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Browser socket closed", "session_key", sessionKey)
			} else {
				h.logger.Warn("Browser socket read error", "error", err, "session_key", sessionKey)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			out.Send(NewEvent(EventError, map[string]string{"error": "invalid frame"}))
			continue
		}

		switch ev.Type {
		case EventPing:
			out.Send(Event{Type: EventPong})
		case EventAuth:
			// Credentials come from the session cookie, never from the browser frame.
			out.Send(NewEvent(EventError, map[string]string{"error": "auth frames are not accepted"}))
		default:
			if err := ch.Emit(ctx, ev); err != nil {
				out.Send(NewEvent(EventError, map[string]string{"error": err.Error(), "type": ev.Type}))
			}
		}
	}
}
