// Package ws carries the lock protocol over WebSocket text frames.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-adlock/v1/broadcast"
	"github.com/mirkobrombin/go-adlock/v1/coordinator"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Handler upgrades HTTP requests to lock protocol sessions.
//
// The optional "session" query parameter selects the client identity and
// defaults to a random id. The optional "resource" parameter restricts lock
// updates to a single resource and triggers an initial snapshot.
type Handler struct {
	coord    *coordinator.Coordinator
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// NewHandler returns a Handler dispatching intents to coord and delivering
// events registered on hub.
func NewHandler(coord *coordinator.Coordinator, hub *broadcast.Hub, opts ...HandlerOption) *Handler {
	h := &Handler{coord: coord, hub: hub, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		session = uuid.NewString()
	}
	resource := q.Get("resource")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	send, unregister := h.hub.Register(connID, resource)
	defer unregister()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.logger.With("conn", connID, "session", session)
	logger.Debug("adlock: client connected", "resource", resource)

	go h.writePump(ctx, cancel, conn, send)

	if err := h.hub.Unicast(ctx, connID, protocol.SessionEvent{SessionID: session}); err != nil {
		return
	}
	if resource != "" {
		// Resynchronize before relying on incremental updates.
		_ = h.coord.SendSnapshot(ctx, connID, resource)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("adlock: read failed", "error", err)
			}
			return
		}
		in, err := protocol.DecodeIntent(data)
		if err != nil {
			logger.Debug("adlock: invalid intent", "error", err)
			_ = h.hub.Unicast(ctx, connID, protocol.ErrorEvent{Message: protocol.MsgInvalidIntent})
			continue
		}
		if in.Requester() != session {
			logger.Warn("adlock: intent for foreign requester", "requester", in.Requester())
			_ = h.hub.Unicast(ctx, connID, protocol.ErrorEvent{Message: protocol.MsgInvalidIntent})
			continue
		}
		if err := h.coord.Handle(ctx, connID, in); err != nil {
			logger.Debug("adlock: intent failed", "intent", in.Name(), "error", err)
		}
	}
}

// writePump owns all writes to conn. It ends the session when a write fails
// or the hub closes the send channel.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		// Unblock the read loop.
		_ = conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
