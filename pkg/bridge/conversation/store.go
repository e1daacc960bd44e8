// Package conversation is the authoritative in-memory record of every
// conversation: identity, channel, transcript, and lifecycle state.
package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamd9/delegate1/pkg/core"
)

// State is the conversation lifecycle. Transitions only ever move forward
// along CREATED → ACTIVE → ENDING → FINALIZED; no transition skips a state.
type State string

const (
	StateCreated   State = "CREATED"
	StateActive    State = "ACTIVE"
	StateEnding    State = "ENDING"
	StateFinalized State = "FINALIZED"
)

// ToolCallMeta records a resolved tool call attached to an assistant turn.
type ToolCallMeta struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"` // completed | failed
	Result    string `json:"result,omitempty"`
}

// Turn is one role-tagged content unit in the transcript.
type Turn struct {
	Role      string         `json:"role"` // user | assistant
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	ToolCalls []ToolCallMeta `json:"tool_calls,omitempty"`

	// committed is false only for the in-progress streamed assistant turn,
	// which is mutated in place until marked complete.
	committed bool
}

type conversation struct {
	id        string
	channel   string
	state     State
	startedAt time.Time
	endedAt   time.Time
	turns     []Turn
}

// Snapshot is a deep copy handed across component boundaries. The store
// retains exclusive ownership of the live record.
type Snapshot struct {
	ID        string
	Channel   string
	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []Turn
}

// Summary is the shape returned by the conversation query collaborator.
type Summary struct {
	ID        string     `json:"id"`
	Channel   string     `json:"channel"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Store struct {
	historyWindow int
	now           func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
}

func NewStore(historyWindow int) *Store {
	if historyWindow <= 0 {
		historyWindow = 20
	}
	return &Store{
		historyWindow: historyWindow,
		now:           time.Now,
		convs:         make(map[string]*conversation),
	}
}

// GetOrCreate resolves a conversation id. A known id returns the existing
// conversation unless it is already FINALIZED. An empty or unknown id
// allocates a fresh conversation in CREATED state.
func (s *Store) GetOrCreate(id, channel string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if c, ok := s.convs[id]; ok {
			if c.state == StateFinalized {
				return Snapshot{}, core.NewInvalidStateError(fmt.Sprintf("conversation %q is closed", id))
			}
			return snapshotOf(c), nil
		}
	}

	if channel == "" {
		channel = "text"
	}
	c := &conversation{
		id:        "conv_" + uuid.NewString(),
		channel:   channel,
		state:     StateCreated,
		startedAt: s.now(),
	}
	s.convs[c.id] = c
	return snapshotOf(c), nil
}

// AppendTurn appends a committed turn. The first turn moves a CREATED
// conversation to ACTIVE. ENDING and FINALIZED conversations accept no turns.
func (s *Store) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return core.NewUnknownConversationError(id)
	}
	if c.state == StateEnding || c.state == StateFinalized {
		return core.NewInvalidStateError(fmt.Sprintf("conversation %q no longer accepts turns (state %s)", id, c.state))
	}
	if c.state == StateCreated {
		c.state = StateActive
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	turn.committed = true
	c.turns = append(c.turns, turn)
	return nil
}

// BeginAssistantTurn opens the in-progress streamed assistant turn and
// returns its transcript index. At most one uncommitted turn exists per
// conversation.
func (s *Store) BeginAssistantTurn(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return 0, core.NewUnknownConversationError(id)
	}
	if c.state == StateEnding || c.state == StateFinalized {
		return 0, core.NewInvalidStateError(fmt.Sprintf("conversation %q no longer accepts turns (state %s)", id, c.state))
	}
	if c.state == StateCreated {
		c.state = StateActive
	}
	if n := len(c.turns); n > 0 && !c.turns[n-1].committed {
		return 0, core.NewInvalidStateError(fmt.Sprintf("conversation %q already has a streaming turn open", id))
	}
	c.turns = append(c.turns, Turn{Role: "assistant", Timestamp: s.now()})
	return len(c.turns) - 1, nil
}

// AppendAssistantDelta mutates the in-progress turn in place.
func (s *Store) AppendAssistantDelta(id string, index int, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, turn, err := s.openTurn(id, index)
	if err != nil {
		return err
	}
	turn.Content += delta
	return nil
}

// RecordToolCall attaches resolved tool-call metadata to the in-progress turn.
func (s *Store) RecordToolCall(id string, index int, meta ToolCallMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, turn, err := s.openTurn(id, index)
	if err != nil {
		return err
	}
	turn.ToolCalls = append(turn.ToolCalls, meta)
	return nil
}

// CompleteAssistantTurn marks the streamed turn committed. If finalText is
// non-empty it replaces the accumulated deltas (the upstream done event
// carries the authoritative text). Completing twice is an error.
func (s *Store) CompleteAssistantTurn(id string, index int, finalText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, turn, err := s.openTurn(id, index)
	if err != nil {
		return err
	}
	if finalText != "" {
		turn.Content = finalText
	}
	turn.committed = true
	return nil
}

// AbortAssistantTurn drops an uncommitted streamed turn, e.g. after an
// upstream transport fault, keeping the transcript contiguous.
func (s *Store) AbortAssistantTurn(id string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return core.NewUnknownConversationError(id)
	}
	if index != len(c.turns)-1 || index < 0 || c.turns[index].committed {
		return nil
	}
	if c.turns[index].Content != "" || len(c.turns[index].ToolCalls) > 0 {
		// Keep whatever streamed before the fault; just stop mutating it.
		c.turns[index].committed = true
		return nil
	}
	c.turns = c.turns[:index]
	return nil
}

func (s *Store) openTurn(id string, index int) (*conversation, *Turn, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, nil, core.NewUnknownConversationError(id)
	}
	if index < 0 || index >= len(c.turns) {
		return nil, nil, core.NewInvalidStateError(fmt.Sprintf("conversation %q has no turn at index %d", id, index))
	}
	turn := &c.turns[index]
	if turn.committed {
		return nil, nil, core.NewInvalidStateError(fmt.Sprintf("turn %d of conversation %q is already committed", index, id))
	}
	return c, turn, nil
}

// TrimHistoryForUpstream returns at most the last historyWindow committed
// turns for context replay. It never mutates the stored transcript and is
// idempotent between appends.
func (s *Store) TrimHistoryForUpstream(id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, core.NewUnknownConversationError(id)
	}

	committed := make([]Turn, 0, len(c.turns))
	for _, t := range c.turns {
		if t.committed {
			committed = append(committed, t)
		}
	}
	if len(committed) > s.historyWindow {
		committed = committed[len(committed)-s.historyWindow:]
	}
	out := make([]Turn, len(committed))
	copy(out, committed)
	return out, nil
}

// MarkEnding moves an ACTIVE (or never-activated CREATED) conversation to
// ENDING. Only the Finalization Coordinator calls this.
func (s *Store) MarkEnding(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return core.NewUnknownConversationError(id)
	}
	switch c.state {
	case StateCreated:
		// Never skips a state: pass through ACTIVE on the way down.
		c.state = StateActive
		c.state = StateEnding
	case StateActive:
		c.state = StateEnding
	case StateEnding:
		return core.NewInvalidStateError(fmt.Sprintf("conversation %q is already ending", id))
	case StateFinalized:
		return core.NewInvalidStateError(fmt.Sprintf("conversation %q is already finalized", id))
	}
	return nil
}

// MarkFinalized completes the ENDING → FINALIZED transition and stamps
// ended_at exactly once.
func (s *Store) MarkFinalized(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return core.NewUnknownConversationError(id)
	}
	if c.state != StateEnding {
		return core.NewInvalidStateError(fmt.Sprintf("conversation %q cannot finalize from state %s", id, c.state))
	}
	c.state = StateFinalized
	if c.endedAt.IsZero() {
		c.endedAt = s.now()
	}
	return nil
}

// Snapshot returns a deep copy of the conversation record.
func (s *Store) Snapshot(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Snapshot{}, core.NewUnknownConversationError(id)
	}
	return snapshotOf(c), nil
}

// State returns the current lifecycle state.
func (s *Store) State(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return "", core.NewUnknownConversationError(id)
	}
	return c.state, nil
}

// List returns up to limit conversations, most recently started first.
func (s *Store) List(limit int) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		sum := Summary{ID: c.id, Channel: c.channel, State: c.state, StartedAt: c.startedAt}
		if !c.endedAt.IsZero() {
			ended := c.endedAt
			sum.EndedAt = &ended
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Reset clears every tracked conversation. Session-reset collaborator only.
func (s *Store) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.convs)
	s.convs = make(map[string]*conversation)
	return n
}

func snapshotOf(c *conversation) Snapshot {
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return Snapshot{
		ID:        c.id,
		Channel:   c.channel,
		State:     c.state,
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
		Turns:     turns,
	}
}

// Committed reports whether the turn has been marked complete.
func (t Turn) Committed() bool { return t.committed }

// NewCommittedTurn builds an already-committed turn, used when restoring
// transcripts or in tests.
func NewCommittedTurn(role, content string, at time.Time) Turn {
	return Turn{Role: role, Content: content, Timestamp: at, committed: true}
}
