package conversation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adamd9/delegate1/pkg/core"
)

func newTestStore(window int) *Store {
	s := NewStore(window)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, channel string) string {
	t.Helper()
	snap, err := s.GetOrCreate("", channel)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return snap.ID
}

func TestGetOrCreate_AllocatesAndResolves(t *testing.T) {
	s := newTestStore(10)
	snap, err := s.GetOrCreate("", "voice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !strings.HasPrefix(snap.ID, "conv_") {
		t.Fatalf("id=%q, want conv_ prefix", snap.ID)
	}
	if snap.State != StateCreated || snap.Channel != "voice" {
		t.Fatalf("snapshot=%+v", snap)
	}

	again, err := s.GetOrCreate(snap.ID, "text")
	if err != nil {
		t.Fatalf("GetOrCreate existing: %v", err)
	}
	if again.ID != snap.ID || again.Channel != "voice" {
		t.Fatalf("existing conversation not returned: %+v", again)
	}
}

func TestGetOrCreate_UnknownIDAllocatesFresh(t *testing.T) {
	s := newTestStore(10)
	snap, err := s.GetOrCreate("conv_bogus", "text")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if snap.ID == "conv_bogus" {
		t.Fatalf("unknown id must allocate a fresh conversation")
	}
}

func TestGetOrCreate_FinalizedRejected(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	if err := s.AppendTurn(id, Turn{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.MarkEnding(id); err != nil {
		t.Fatalf("MarkEnding: %v", err)
	}
	if err := s.MarkFinalized(id); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}

	_, err := s.GetOrCreate(id, "text")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrInvalidState {
		t.Fatalf("err=%v, want invalid_state", err)
	}
}

func TestStateTransitionsNeverSkip(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")

	// CREATED cannot jump straight to FINALIZED.
	if err := s.MarkFinalized(id); err == nil {
		t.Fatalf("MarkFinalized from CREATED must fail")
	}

	if err := s.AppendTurn(id, Turn{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if st, _ := s.State(id); st != StateActive {
		t.Fatalf("state=%s, want ACTIVE after first turn", st)
	}

	if err := s.MarkEnding(id); err != nil {
		t.Fatalf("MarkEnding: %v", err)
	}
	if err := s.MarkEnding(id); err == nil {
		t.Fatalf("double MarkEnding must fail")
	}
	if err := s.MarkFinalized(id); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}
	if err := s.MarkFinalized(id); err == nil {
		t.Fatalf("double MarkFinalized must fail")
	}
}

func TestAppendTurnRejectedWhileEndingAndFinalized(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	if err := s.AppendTurn(id, Turn{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.MarkEnding(id); err != nil {
		t.Fatalf("MarkEnding: %v", err)
	}
	if err := s.AppendTurn(id, Turn{Role: "user", Content: "late"}); err == nil {
		t.Fatalf("AppendTurn during ENDING must fail")
	}
	if err := s.MarkFinalized(id); err != nil {
		t.Fatalf("MarkFinalized: %v", err)
	}
	if err := s.AppendTurn(id, Turn{Role: "user", Content: "later"}); err == nil {
		t.Fatalf("AppendTurn after FINALIZED must fail")
	}
	if _, err := s.BeginAssistantTurn(id); err == nil {
		t.Fatalf("BeginAssistantTurn after FINALIZED must fail")
	}
}

func TestEndedAtStampedExactlyOnce(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	_ = s.AppendTurn(id, Turn{Role: "user", Content: "hi"})
	_ = s.MarkEnding(id)
	_ = s.MarkFinalized(id)

	snap, _ := s.Snapshot(id)
	if snap.EndedAt.IsZero() {
		t.Fatalf("EndedAt not stamped")
	}
	first := snap.EndedAt
	_ = s.MarkFinalized(id) // rejected, must not restamp
	snap, _ = s.Snapshot(id)
	if !snap.EndedAt.Equal(first) {
		t.Fatalf("EndedAt restamped: %v -> %v", first, snap.EndedAt)
	}
}

func TestStreamedAssistantTurnLifecycle(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	_ = s.AppendTurn(id, Turn{Role: "user", Content: "question"})

	idx, err := s.BeginAssistantTurn(id)
	if err != nil {
		t.Fatalf("BeginAssistantTurn: %v", err)
	}
	if _, err := s.BeginAssistantTurn(id); err == nil {
		t.Fatalf("second open streaming turn must be rejected")
	}
	if err := s.AppendAssistantDelta(id, idx, "Hel"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if err := s.AppendAssistantDelta(id, idx, "lo"); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if err := s.RecordToolCall(id, idx, ToolCallMeta{CallID: "call_1", Name: "get_current_time", Status: "completed"}); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := s.CompleteAssistantTurn(id, idx, "Hello!"); err != nil {
		t.Fatalf("CompleteAssistantTurn: %v", err)
	}
	if err := s.CompleteAssistantTurn(id, idx, "again"); err == nil {
		t.Fatalf("double complete must fail")
	}
	if err := s.AppendAssistantDelta(id, idx, "x"); err == nil {
		t.Fatalf("delta after completion must fail")
	}

	snap, _ := s.Snapshot(id)
	last := snap.Turns[len(snap.Turns)-1]
	if last.Content != "Hello!" || !last.Committed() {
		t.Fatalf("turn=%+v", last)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].CallID != "call_1" {
		t.Fatalf("tool calls=%+v", last.ToolCalls)
	}
}

func TestAbortAssistantTurn(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	_ = s.AppendTurn(id, Turn{Role: "user", Content: "q"})

	// Empty streamed turn is dropped entirely.
	idx, _ := s.BeginAssistantTurn(id)
	if err := s.AbortAssistantTurn(id, idx); err != nil {
		t.Fatalf("AbortAssistantTurn: %v", err)
	}
	snap, _ := s.Snapshot(id)
	if len(snap.Turns) != 1 {
		t.Fatalf("turns=%d, want 1 after dropping empty streamed turn", len(snap.Turns))
	}

	// Partially streamed turn is kept but frozen.
	idx, _ = s.BeginAssistantTurn(id)
	_ = s.AppendAssistantDelta(id, idx, "partial")
	_ = s.AbortAssistantTurn(id, idx)
	snap, _ = s.Snapshot(id)
	last := snap.Turns[len(snap.Turns)-1]
	if last.Content != "partial" || !last.Committed() {
		t.Fatalf("aborted turn=%+v", last)
	}
}

func TestTrimHistoryForUpstream(t *testing.T) {
	s := newTestStore(3)
	id := mustCreate(t, s, "text")
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		role := "user"
		if content == "b" || content == "d" {
			role = "assistant"
		}
		if err := s.AppendTurn(id, Turn{Role: role, Content: content}); err != nil {
			t.Fatalf("AppendTurn(%s): %v", content, err)
		}
	}

	first, err := s.TrimHistoryForUpstream(id)
	if err != nil {
		t.Fatalf("TrimHistoryForUpstream: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("len=%d, want 3", len(first))
	}
	if first[0].Content != "c" || first[2].Content != "e" {
		t.Fatalf("window=%v", first)
	}

	// Idempotent without intervening appends.
	second, _ := s.TrimHistoryForUpstream(id)
	if len(second) != len(first) {
		t.Fatalf("second trim len=%d, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i].Content != second[i].Content {
			t.Fatalf("trim not idempotent at %d: %q vs %q", i, first[i].Content, second[i].Content)
		}
	}

	// Full transcript retained despite the window.
	snap, _ := s.Snapshot(id)
	if len(snap.Turns) != 5 {
		t.Fatalf("transcript len=%d, want 5", len(snap.Turns))
	}
}

func TestTrimExcludesUncommittedTurn(t *testing.T) {
	s := newTestStore(10)
	id := mustCreate(t, s, "text")
	_ = s.AppendTurn(id, Turn{Role: "user", Content: "q"})
	idx, _ := s.BeginAssistantTurn(id)
	_ = s.AppendAssistantDelta(id, idx, "streaming...")

	window, err := s.TrimHistoryForUpstream(id)
	if err != nil {
		t.Fatalf("TrimHistoryForUpstream: %v", err)
	}
	if len(window) != 1 || window[0].Role != "user" {
		t.Fatalf("window=%v, want only the committed user turn", window)
	}
}

func TestListOrdersAndLimits(t *testing.T) {
	s := newTestStore(10)
	a := mustCreate(t, s, "text")
	b := mustCreate(t, s, "voice")
	c := mustCreate(t, s, "sms")

	all := s.List(0)
	if len(all) != 3 {
		t.Fatalf("len=%d, want 3", len(all))
	}
	if all[0].ID != c || all[2].ID != a {
		t.Fatalf("ordering wrong: %v", []string{all[0].ID, all[1].ID, all[2].ID})
	}

	limited := s.List(2)
	if len(limited) != 2 || limited[0].ID != c || limited[1].ID != b {
		t.Fatalf("limited=%v", limited)
	}

	// ended_at absent until finalized.
	if all[0].EndedAt != nil {
		t.Fatalf("EndedAt set for active conversation")
	}
	_ = s.AppendTurn(a, Turn{Role: "user", Content: "x"})
	_ = s.MarkEnding(a)
	_ = s.MarkFinalized(a)
	for _, sum := range s.List(0) {
		if sum.ID == a && sum.EndedAt == nil {
			t.Fatalf("EndedAt missing after finalize")
		}
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(10)
	mustCreate(t, s, "text")
	mustCreate(t, s, "text")
	if n := s.Reset(); n != 2 {
		t.Fatalf("Reset=%d, want 2", n)
	}
	if len(s.List(0)) != 0 {
		t.Fatalf("store not empty after reset")
	}
}

func TestUnknownConversationErrors(t *testing.T) {
	s := newTestStore(10)
	var ce *core.Error

	_, err := s.TrimHistoryForUpstream("conv_missing")
	if !errors.As(err, &ce) || ce.Type != core.ErrUnknownConversation {
		t.Fatalf("err=%v, want unknown_conversation", err)
	}
	if err := s.MarkEnding("conv_missing"); !errors.As(err, &ce) || ce.Type != core.ErrUnknownConversation {
		t.Fatalf("err=%v, want unknown_conversation", err)
	}
}
