// Package realtime owns the upstream side of every conversation: one live
// realtime connection per conversation, context replay on open, and the
// streamed event loop that turns model output into client frames and tool
// dispatches.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
	"github.com/adamd9/delegate1/pkg/bridge/tools"
	"github.com/adamd9/delegate1/pkg/bridge/upstream"
	"github.com/adamd9/delegate1/pkg/core"
)

// Options tunes the bridge. Zero values fall back to conservative defaults.
type Options struct {
	Model        string
	Instructions string
	TurnTimeout  time.Duration
}

const defaultInstructions = "You are a helpful realtime assistant. Answer briefly. " +
	"For anything requiring deep reasoning, current facts, or research, call " +
	tools.EscalationToolName + " instead of guessing."

// Bridge multiplexes conversations onto upstream realtime connections.
// Each conversation holds at most one upstream connection and processes at
// most one turn at a time; turns for different conversations run freely in
// parallel.
type Bridge struct {
	opts   Options
	dialer upstream.Dialer
	store  *conversation.Store
	reg    *registry.Registry
	router *tools.Router
	logger *slog.Logger

	mu    sync.Mutex
	links map[string]*link
}

// link is the per-conversation upstream attachment. gate serializes turns;
// conn is nil between a transport fault and the next lazy redial.
type link struct {
	gate sync.Mutex
	conn upstream.Conn
}

func New(opts Options, dialer upstream.Dialer, store *conversation.Store, reg *registry.Registry, router *tools.Router, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 60 * time.Second
	}
	if opts.Instructions == "" {
		opts.Instructions = defaultInstructions
	}
	return &Bridge{
		opts:   opts,
		dialer: dialer,
		store:  store,
		reg:    reg,
		router: router,
		logger: logger,
		links:  make(map[string]*link),
	}
}

func (b *Bridge) linkFor(conversationID string) *link {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[conversationID]
	if !ok {
		l = &link{}
		b.links[conversationID] = l
	}
	return l
}

// OpenFor ensures the conversation has a live upstream connection, dialing
// and replaying trimmed history if needed.
func (b *Bridge) OpenFor(ctx context.Context, conversationID string) error {
	l := b.linkFor(conversationID)
	l.gate.Lock()
	defer l.gate.Unlock()
	_, err := b.ensureOpen(ctx, conversationID, l)
	return err
}

// ensureOpen dials lazily. Caller holds l.gate. On a fresh dial the session
// is configured (instructions + tool definitions) and the committed history
// window is replayed so the model regains context after a reconnect.
func (b *Bridge) ensureOpen(ctx context.Context, conversationID string, l *link) (upstream.Conn, error) {
	if l.conn != nil {
		return l.conn, nil
	}

	conn, err := b.dialer.Dial(ctx, b.opts.Model)
	if err != nil {
		return nil, core.Classify(err)
	}

	if err := conn.Send(ctx, upstream.NewSessionUpdate(b.opts.Instructions, b.router.Definitions())); err != nil {
		_ = conn.Close()
		return nil, core.Classify(err)
	}

	history, err := b.store.TrimHistoryForUpstream(conversationID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, turn := range history {
		if err := conn.Send(ctx, upstream.NewMessageItem(turn.Role, turn.Content)); err != nil {
			_ = conn.Close()
			return nil, core.Classify(err)
		}
	}

	b.logger.Info("upstream session opened",
		"conversation_id", conversationID,
		"model", b.opts.Model,
		"replayed_turns", len(history))
	l.conn = conn
	return conn, nil
}

// SubmitTurn runs one full turn: appends the user message, requests a model
// response, and consumes the event stream until the response completes.
// Streamed text and tool activity are forwarded to every client connection
// bound to the conversation as they arrive.
//
// A second SubmitTurn for the same conversation blocks until the first turn
// finishes; the transcript stays strictly ordered.
func (b *Bridge) SubmitTurn(ctx context.Context, conversationID, text string) error {
	l := b.linkFor(conversationID)
	l.gate.Lock()
	defer l.gate.Unlock()

	state, err := b.store.State(conversationID)
	if err != nil {
		return err
	}
	if state == conversation.StateEnding || state == conversation.StateFinalized {
		return core.NewInvalidStateError(fmt.Sprintf("conversation %q no longer accepts turns (state %s)", conversationID, state))
	}

	turnCtx, cancel := context.WithTimeout(ctx, b.opts.TurnTimeout)
	defer cancel()

	// Open (and replay) before appending, so the new user turn is sent
	// exactly once and never duplicated by the replay.
	conn, err := b.ensureOpen(turnCtx, conversationID, l)
	if err != nil {
		return err
	}

	if err := b.store.AppendTurn(conversationID, conversation.Turn{Role: "user", Content: text}); err != nil {
		return err
	}

	if err := conn.Send(turnCtx, upstream.NewMessageItem("user", text)); err != nil {
		b.dropConn(l)
		return core.Classify(err)
	}
	if err := conn.Send(turnCtx, upstream.NewResponseCreate()); err != nil {
		b.dropConn(l)
		return core.Classify(err)
	}

	return b.consumeResponse(turnCtx, conversationID, l, conn)
}

// consumeResponse drains the model responses making up one turn: text
// deltas, tool calls (with their result fed back and a fresh response
// requested), until every requested response has completed.
func (b *Bridge) consumeResponse(ctx context.Context, conversationID string, l *link, conn upstream.Conn) error {
	turnIndex, err := b.store.BeginAssistantTurn(conversationID)
	if err != nil {
		return err
	}

	acc := newCallAccumulator()
	finalText := ""
	// A response whose output is a function call finishes with its own
	// response.done before the tool result is fed back; feeding it back
	// requests another response. pending counts the response.done events
	// still owed before the turn is complete.
	pending := 1

	abort := func(cause *core.Error) error {
		if err := b.store.AbortAssistantTurn(conversationID, turnIndex); err != nil {
			b.logger.Warn("failed to abort streaming turn", "conversation_id", conversationID, "error", err)
		}
		b.dropConn(l)
		return cause
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Warn("turn deadline exceeded", "conversation_id", conversationID)
			return abort(core.Classify(ctx.Err()))

		case ev, ok := <-conn.Events():
			if !ok {
				cause := conn.Err()
				if cause == nil {
					cause = core.NewTransportError("upstream connection closed mid-turn", nil)
				}
				b.logger.Warn("upstream dropped mid-turn", "conversation_id", conversationID, "error", cause)
				return abort(core.Classify(cause))
			}

			switch e := ev.(type) {
			case upstream.TextDelta:
				if err := b.store.AppendAssistantDelta(conversationID, turnIndex, e.Delta); err != nil {
					return abort(core.Classify(err))
				}
				b.reg.Broadcast(conversationID, protocol.NewTurnDelta(conversationID, e.ItemID, e.Delta))

			case upstream.TextDone:
				finalText = e.Text

			case upstream.ToolCallDelta:
				acc.applyDelta(e)
				b.reg.Broadcast(conversationID, protocol.NewToolDelta(conversationID, e.CallID, e.Name, e.Delta))

			case upstream.ToolCallDone:
				continued, err := b.handleToolCall(ctx, conversationID, turnIndex, conn, acc.complete(e))
				if err != nil {
					return abort(core.Classify(err))
				}
				if continued {
					pending++
				}

			case upstream.ResponseDone:
				pending--
				if pending > 0 {
					continue
				}
				if err := b.store.CompleteAssistantTurn(conversationID, turnIndex, finalText); err != nil {
					return core.Classify(err)
				}
				snap, err := b.store.Snapshot(conversationID)
				if err != nil {
					return err
				}
				completed := snap.Turns[turnIndex]
				b.reg.Broadcast(conversationID, protocol.NewTurnComplete(conversationID, "", completed.Content))
				return nil

			case upstream.ErrorEvent:
				b.logger.Warn("upstream error event", "conversation_id", conversationID, "code", e.Code, "message", e.Message)
				classified := core.Classify(fmt.Errorf("%s: %s", e.Code, e.Message))
				if classified.Type == core.ErrRateLimit {
					// The connection itself is fine; only this turn is lost.
					if err := b.store.AbortAssistantTurn(conversationID, turnIndex); err != nil {
						b.logger.Warn("failed to abort streaming turn", "conversation_id", conversationID, "error", err)
					}
					b.drainResponses(l, conn, pending)
					return classified
				}
				return abort(classified)
			}
		}
	}
}

// handleToolCall dispatches a completed tool call and, unless it was a
// duplicate, feeds the result back and asks the model to continue. Reports
// whether a continuation response was requested.
func (b *Bridge) handleToolCall(ctx context.Context, conversationID string, turnIndex int, conn upstream.Conn, call tools.Call) (bool, error) {
	res := b.router.HandleCall(ctx, conversationID, call)
	if res.Duplicate {
		return false, nil
	}

	status := "completed"
	if res.Failed {
		status = "failed"
	}
	meta := conversation.ToolCallMeta{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Status:    status,
		Result:    res.Text,
	}
	if err := b.store.RecordToolCall(conversationID, turnIndex, meta); err != nil {
		return false, err
	}
	b.reg.Broadcast(conversationID, protocol.NewToolDone(conversationID, call.ID, call.Name, call.Arguments, status, res.Text))

	if err := conn.Send(ctx, upstream.NewFunctionOutputItem(call.ID, res.Text)); err != nil {
		return false, err
	}
	if err := conn.Send(ctx, upstream.NewResponseCreate()); err != nil {
		return false, err
	}
	return true, nil
}

// drainResponses consumes the abandoned turn's remaining events so they
// cannot leak into the next turn. If the upstream does not wrap up promptly
// the connection is dropped and the next turn redials.
func (b *Bridge) drainResponses(l *link, conn upstream.Conn, pending int) {
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	for pending > 0 {
		select {
		case <-timer.C:
			b.dropConn(l)
			return
		case ev, ok := <-conn.Events():
			if !ok {
				b.dropConn(l)
				return
			}
			if _, done := ev.(upstream.ResponseDone); done {
				pending--
			}
		}
	}
}

// dropConn discards the conversation's upstream connection. The next turn
// redials and replays; the conversation itself stays usable.
func (b *Bridge) dropConn(l *link) {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

// CloseFor tears down the conversation's upstream attachment. The
// finalization path calls this before persisting.
func (b *Bridge) CloseFor(conversationID string) {
	b.mu.Lock()
	l, ok := b.links[conversationID]
	if ok {
		delete(b.links, conversationID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	l.gate.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.gate.Unlock()
}

// CloseAll tears down every upstream attachment. Shutdown and session
// reset only.
func (b *Bridge) CloseAll() int {
	b.mu.Lock()
	links := b.links
	b.links = make(map[string]*link)
	b.mu.Unlock()

	n := 0
	for _, l := range links {
		l.gate.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
			l.conn = nil
			n++
		}
		l.gate.Unlock()
	}
	return n
}
