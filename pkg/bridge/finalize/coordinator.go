// Package finalize drives the end-of-conversation sequence: stop accepting
// turns, detach the upstream connection, persist the transcript, and announce
// the outcome to every connected client.
package finalize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
	"github.com/adamd9/delegate1/pkg/core"
)

// Persister writes a finalized transcript to durable storage.
type Persister interface {
	SaveTranscript(ctx context.Context, snap conversation.Snapshot) error
}

// UpstreamCloser detaches a conversation's upstream connection.
type UpstreamCloser interface {
	CloseFor(conversationID string)
}

type Coordinator struct {
	store     *conversation.Store
	upstream  UpstreamCloser
	persister Persister
	reg       *registry.Registry
	logger    *slog.Logger
}

func NewCoordinator(store *conversation.Store, upstream UpstreamCloser, persister Persister, reg *registry.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		upstream:  upstream,
		persister: persister,
		reg:       reg,
		logger:    logger,
	}
}

// RequestEnd finalizes one conversation. The sequence is ENDING → close
// upstream → FINALIZED → persist → announce. A persistence failure does not
// unwind the in-memory finalization: the conversation still ends, the
// announcement just carries ok=false.
//
// Ending an already-finalized conversation fails the same way every time.
func (c *Coordinator) RequestEnd(ctx context.Context, conversationID string) error {
	state, err := c.store.State(conversationID)
	if err != nil {
		return err
	}
	if state == conversation.StateFinalized {
		e := core.NewInvalidStateError(fmt.Sprintf("conversation %q is already finalized", conversationID))
		e.Code = "already_finalized"
		return e
	}

	if err := c.store.MarkEnding(conversationID); err != nil {
		return err
	}

	if c.upstream != nil {
		c.upstream.CloseFor(conversationID)
	}

	if err := c.store.MarkFinalized(conversationID); err != nil {
		return err
	}

	snap, err := c.store.Snapshot(conversationID)
	if err != nil {
		return err
	}

	ok := true
	if c.persister != nil {
		if err := c.persister.SaveTranscript(ctx, snap); err != nil {
			ok = false
			c.logger.Error("transcript not persisted",
				"conversation_id", conversationID,
				"turns", len(snap.Turns),
				"error", err)
		}
	}

	if c.reg != nil {
		c.reg.Broadcast(conversationID, protocol.NewFinalized(conversationID, ok))
	}
	c.logger.Info("conversation finalized",
		"conversation_id", conversationID,
		"turns", len(snap.Turns),
		"persisted", ok)
	return nil
}
