package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
)

// TurnSubmitter runs one conversation turn against the upstream service.
type TurnSubmitter interface {
	SubmitTurn(ctx context.Context, conversationID, text string) error
}

// Finalizer ends a conversation.
type Finalizer interface {
	RequestEnd(ctx context.Context, conversationID string) error
}

// WSHandler serves one client websocket endpoint. The text and voice
// endpoints are two instances of this handler with different default
// channels; the wire protocol is identical.
type WSHandler struct {
	DefaultChannel string
	Store          *conversation.Store
	Registry       *registry.Registry
	Bridge         TurnSubmitter
	Finalizer      Finalizer
	Logger         *slog.Logger

	PingInterval time.Duration
	WriteTimeout time.Duration
}

// wsTransport adapts a gorilla connection to the registry's transport,
// applying a write deadline per frame. Frame writes are already serialized
// by registry.Connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteJSON(v any) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (h WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = h.DefaultChannel
	}
	if !protocol.ValidChannel(channel) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	transport := &wsTransport{conn: ws, writeTimeout: writeTimeout}

	conn, unregister := h.Registry.Register(transport, channel)
	defer unregister()
	defer ws.Close()

	h.logger().Info("client connected", "connection_id", conn.ID, "channel", channel)

	stopPing := h.startPing(ws)
	defer stopPing()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger().Info("client disconnected", "connection_id", conn.ID, "error", err)
			return
		}

		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				_ = conn.Send(badRequestFrame(de.Message, de.Param))
			} else {
				_ = conn.Send(badRequestFrame("invalid message", ""))
			}
			continue
		}

		switch msg := decoded.(type) {
		case protocol.ClientTurnSubmit:
			h.handleTurnSubmit(conn, channel, msg)
		case protocol.ClientConversationEnd:
			h.handleConversationEnd(conn, msg)
		}
	}
}

// handleTurnSubmit resolves the conversation synchronously so rejections
// come back in submit order, then runs the turn in the background. The
// bridge's per-conversation gate keeps concurrent submits strictly ordered.
func (h WSHandler) handleTurnSubmit(conn *registry.Connection, channel string, msg protocol.ClientTurnSubmit) {
	if msg.Channel != "" {
		channel = msg.Channel
	}
	snap, err := h.Store.GetOrCreate(msg.ConversationID, channel)
	if err != nil {
		_ = conn.Send(errorFrame(msg.ConversationID, err))
		return
	}
	h.Registry.BindToConversation(conn, snap.ID)

	go func() {
		if err := h.Bridge.SubmitTurn(context.Background(), snap.ID, msg.Text); err != nil {
			h.logger().Warn("turn failed", "conversation_id", snap.ID, "error", err)
			h.Registry.Broadcast(snap.ID, errorFrame(snap.ID, err))
		}
	}()
}

func (h WSHandler) handleConversationEnd(conn *registry.Connection, msg protocol.ClientConversationEnd) {
	go func() {
		if err := h.Finalizer.RequestEnd(context.Background(), msg.ConversationID); err != nil {
			h.logger().Warn("end request failed", "conversation_id", msg.ConversationID, "error", err)
			_ = conn.Send(errorFrame(msg.ConversationID, err))
		}
	}()
}

func (h WSHandler) startPing(ws *websocket.Conn) func() {
	interval := h.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (h WSHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
