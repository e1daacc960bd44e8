package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adamd9/delegate1/pkg/core"
)

// Conn is one live upstream realtime connection. Events is a single-consumer
// sequence of decoded server events; it closes when the transport drops.
type Conn interface {
	Send(ctx context.Context, frame any) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Dialer opens upstream connections. Injectable so tests can supply a fake
// upstream.
type Dialer interface {
	Dial(ctx context.Context, model string) (Conn, error)
}

type WSDialer struct {
	BaseURL      string
	APIKey       string
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, model string) (Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, core.NewAPIError("upstream api key is not configured")
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, core.NewAPIError(fmt.Sprintf("invalid upstream base url: %v", err))
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired) {
			return nil, core.NewRateLimitError(fmt.Sprintf("upstream refused connection (status %d)", resp.StatusCode), 0)
		}
		return nil, core.NewTransportError("failed to dial upstream realtime service", err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &wsConn{
		ws:           ws,
		logger:       d.Logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	events       chan Event
	done         chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *wsConn) Send(ctx context.Context, frame any) error {
	if err := ctx.Err(); err != nil {
		return core.Classify(err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return core.NewTransportError("upstream write failed", err)
	}
	return nil
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = core.NewTransportError("upstream connection lost", err)
			}
			c.mu.Unlock()
			return
		}
		ev, decErr := DecodeServerEvent(data)
		if decErr != nil {
			if c.logger != nil {
				c.logger.Warn("undecodable upstream frame skipped", "error", decErr)
			}
			continue
		}
		if ev == nil {
			continue
		}
		// The consumer may have abandoned the turn; Close unsticks a send
		// blocked on a full buffer.
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
