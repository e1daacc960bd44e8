package transcript

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot(id string, endedAt time.Time) conversation.Snapshot {
	started := endedAt.Add(-time.Minute)
	return conversation.Snapshot{
		ID:        id,
		Channel:   "text",
		State:     conversation.StateFinalized,
		StartedAt: started,
		EndedAt:   endedAt,
		Turns: []conversation.Turn{
			conversation.NewCommittedTurn("user", "hello", started),
			conversation.NewCommittedTurn("assistant", "hi there", started.Add(time.Second)),
		},
	}
}

func TestSaveAndGetTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := sampleSnapshot("conv_a", ended)
	if err := s.SaveTranscript(ctx, snap); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	rec, err := s.GetTranscript(ctx, "conv_a")
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if rec.ConversationID != "conv_a" || rec.Channel != "text" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.EndedAt.Equal(ended) {
		t.Fatalf("ended_at round trip: got %v want %v", rec.EndedAt, ended)
	}
	if len(rec.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(rec.Turns))
	}
	if rec.Turns[0].Role != "user" || rec.Turns[0].Content != "hello" {
		t.Fatalf("unexpected first turn: %+v", rec.Turns[0])
	}
}

func TestGetTranscriptUnknown(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTranscript(context.Background(), "conv_missing")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUnknownConversation {
		t.Fatalf("expected unknown conversation error, got %v", err)
	}
}

func TestSaveTranscriptIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("conv_a", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := s.SaveTranscript(ctx, snap); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveTranscript(ctx, snap); err != nil {
		t.Fatalf("second save: %v", err)
	}

	recs, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("resave should overwrite, got %d records", len(recs))
	}
}

func TestListRecentOrdersByEndTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"conv_old", "conv_mid", "conv_new"} {
		if err := s.SaveTranscript(ctx, sampleSnapshot(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	recs, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(recs))
	}
	if recs[0].ConversationID != "conv_new" || recs[1].ConversationID != "conv_mid" {
		t.Fatalf("unexpected order: %s, %s", recs[0].ConversationID, recs[1].ConversationID)
	}
}
