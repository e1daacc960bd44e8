// Package registry tracks open client connections and fans server frames out
// to the connections observing a conversation.
package registry

import (
	"log/slog"
	"strconv"
	"sync"
)

// Transport is the write side of a client connection. The registry tracks
// transports but never owns their lifecycle.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Connection is one registered client connection. A connection belongs to at
// most one conversation at a time, bound lazily on its first meaningful
// message.
type Connection struct {
	ID      string
	Channel string
	conn    Transport

	mu             sync.Mutex
	conversationID string
}

func (c *Connection) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Send writes one frame to the transport. Serialized per connection so
// concurrent broadcasts never interleave partial writes.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	seq   int
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

// Register tracks a connection and returns it together with an unregister
// closure. Unregistering the last connection of a conversation does not
// finalize it; finalization is only ever explicit.
func (r *Registry) Register(conn Transport, channel string) (*Connection, func()) {
	r.mu.Lock()
	r.seq++
	id := connID(r.seq)
	c := &Connection{ID: id, Channel: channel, conn: conn}
	r.conns[id] = c
	r.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.conns, id)
			r.mu.Unlock()
		})
	}
}

// BindToConversation associates a connection with a conversation, replacing
// any previous association.
func (r *Registry) BindToConversation(c *Connection, conversationID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.conversationID = conversationID
	c.mu.Unlock()
}

// Broadcast delivers a frame to every connection bound to the conversation.
// A dead transport is logged and skipped; it never blocks delivery to the
// rest. Returns the number of successful deliveries.
func (r *Registry) Broadcast(conversationID string, message any) int {
	return r.deliver(message, func(c *Connection) bool {
		return c.ConversationID() == conversationID
	})
}

// BroadcastAll delivers a frame to every registered connection.
func (r *Registry) BroadcastAll(message any) int {
	return r.deliver(message, func(*Connection) bool { return true })
}

func (r *Registry) deliver(message any, match func(*Connection) bool) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(message); err != nil {
			r.logger.Warn("broadcast to dead transport skipped", "connection_id", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll drops every tracked connection, closing its transport. Used by the
// session-reset collaborator and process teardown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.conn.Close(); err != nil {
			r.logger.Warn("closing tracked connection failed", "connection_id", c.ID, "error", err)
		}
	}
	return len(targets)
}

func connID(seq int) string {
	return "conn_" + strconv.Itoa(seq)
}
