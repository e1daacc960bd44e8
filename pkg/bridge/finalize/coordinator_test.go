package finalize

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
	"github.com/adamd9/delegate1/pkg/core"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []conversation.Snapshot
	err   error
}

func (p *fakePersister) SaveTranscript(_ context.Context, snap conversation.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, snap)
	return nil
}

type fakeUpstream struct {
	mu     sync.Mutex
	closed []string
}

func (u *fakeUpstream) CloseFor(conversationID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = append(u.closed, conversationID)
}

type captureTransport struct {
	mu     sync.Mutex
	frames []any
}

func (t *captureTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, v)
	return nil
}

func (t *captureTransport) Close() error { return nil }

func (t *captureTransport) finalizedFrames() []protocol.ServerFinalized {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.ServerFinalized
	for _, f := range t.frames {
		if sf, ok := f.(protocol.ServerFinalized); ok {
			out = append(out, sf)
		}
	}
	return out
}

type fixture struct {
	coord     *Coordinator
	store     *conversation.Store
	upstream  *fakeUpstream
	persister *fakePersister
	client    *captureTransport
	convID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := conversation.NewStore(20)
	reg := registry.New(slog.Default())
	upstream := &fakeUpstream{}
	persister := &fakePersister{}
	coord := NewCoordinator(store, upstream, persister, reg, slog.Default())

	snap, err := store.GetOrCreate("", "text")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := store.AppendTurn(snap.ID, conversation.NewCommittedTurn("user", "hello", time.Now())); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	client := &captureTransport{}
	conn, unregister := reg.Register(client, "text")
	t.Cleanup(unregister)
	reg.BindToConversation(conn, snap.ID)

	return &fixture{coord: coord, store: store, upstream: upstream, persister: persister, client: client, convID: snap.ID}
}

func TestRequestEndFinalizesAndPersists(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.RequestEnd(context.Background(), f.convID); err != nil {
		t.Fatalf("RequestEnd: %v", err)
	}

	state, _ := f.store.State(f.convID)
	if state != conversation.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", state)
	}
	if len(f.upstream.closed) != 1 || f.upstream.closed[0] != f.convID {
		t.Fatalf("upstream not closed: %v", f.upstream.closed)
	}
	if len(f.persister.saved) != 1 {
		t.Fatalf("expected 1 persisted transcript, got %d", len(f.persister.saved))
	}
	saved := f.persister.saved[0]
	if saved.ID != f.convID || len(saved.Turns) != 1 {
		t.Fatalf("unexpected persisted snapshot: %+v", saved)
	}
	if saved.EndedAt.IsZero() {
		t.Fatalf("persisted snapshot should carry ended_at")
	}

	frames := f.client.finalizedFrames()
	if len(frames) != 1 || !frames[0].OK || frames[0].ConversationID != f.convID {
		t.Fatalf("unexpected finalized frame: %+v", frames)
	}
}

func TestRequestEndPersistenceFailureStillFinalizes(t *testing.T) {
	f := newFixture(t)
	f.persister.err = core.NewPersistenceError("disk full", nil)

	if err := f.coord.RequestEnd(context.Background(), f.convID); err != nil {
		t.Fatalf("a persistence failure should not fail the end request: %v", err)
	}

	state, _ := f.store.State(f.convID)
	if state != conversation.StateFinalized {
		t.Fatalf("expected FINALIZED despite persistence failure, got %s", state)
	}

	frames := f.client.finalizedFrames()
	if len(frames) != 1 || frames[0].OK {
		t.Fatalf("clients should see ok=false, got %+v", frames)
	}
}

func TestRequestEndTwiceIsStableError(t *testing.T) {
	f := newFixture(t)

	if err := f.coord.RequestEnd(context.Background(), f.convID); err != nil {
		t.Fatalf("first RequestEnd: %v", err)
	}

	for i := 0; i < 2; i++ {
		err := f.coord.RequestEnd(context.Background(), f.convID)
		var ce *core.Error
		if !errors.As(err, &ce) || ce.Type != core.ErrInvalidState || ce.Code != "already_finalized" {
			t.Fatalf("repeat end request %d: expected stable already_finalized error, got %v", i, err)
		}
	}

	if len(f.persister.saved) != 1 {
		t.Fatalf("repeat end requests must not re-persist, got %d saves", len(f.persister.saved))
	}
}

func TestRequestEndUnknownConversation(t *testing.T) {
	f := newFixture(t)

	err := f.coord.RequestEnd(context.Background(), "conv_missing")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUnknownConversation {
		t.Fatalf("expected unknown conversation error, got %v", err)
	}
}

func TestRequestEndOnFreshConversation(t *testing.T) {
	store := conversation.NewStore(20)
	coord := NewCoordinator(store, nil, nil, nil, nil)

	snap, err := store.GetOrCreate("", "text")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Ending a conversation that never saw a turn still walks the full
	// lifecycle.
	if err := coord.RequestEnd(context.Background(), snap.ID); err != nil {
		t.Fatalf("RequestEnd on CREATED conversation: %v", err)
	}
	state, _ := store.State(snap.ID)
	if state != conversation.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", state)
	}
}
