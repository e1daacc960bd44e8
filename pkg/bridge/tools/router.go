// Package tools routes model-issued function calls: builtins execute locally,
// the designated escalation tool is forwarded to the supervisor engine.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adamd9/delegate1/pkg/bridge/upstream"
	"github.com/adamd9/delegate1/pkg/core"
)

// EscalationToolName is the tool the primary model calls to hand a question
// to the supervisor reasoning pass.
const EscalationToolName = "get_next_response_from_supervisor"

// Call is a fully-assembled tool call from the upstream stream.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is what the router hands back to the bridge. Failures are data, not
// errors: the text is fed to the primary model either way so the
// conversation can recover instead of hanging.
type Result struct {
	Text      string
	Failed    bool
	Duplicate bool
}

// EscalationRequest is the supervisor-side view of an escalation call.
type EscalationRequest struct {
	ConversationID string
	ReasoningType  string
	Context        string
	TargetHint     string
}

// Escalator is implemented by the supervisor engine.
type Escalator interface {
	Escalate(ctx context.Context, req EscalationRequest) (string, error)
}

type Router struct {
	builtins    *Builtins
	engine      Escalator
	logger      *slog.Logger
	toolTimeout time.Duration

	mu         sync.Mutex
	dispatched map[string]struct{} // conversationID + call_id
}

func NewRouter(builtins *Builtins, engine Escalator, toolTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if toolTimeout <= 0 {
		toolTimeout = 15 * time.Second
	}
	return &Router{
		builtins:    builtins,
		engine:      engine,
		logger:      logger,
		toolTimeout: toolTimeout,
		dispatched:  make(map[string]struct{}),
	}
}

// Definitions returns the tool set advertised to the upstream model:
// every builtin plus the escalation tool.
func (r *Router) Definitions() []upstream.ToolDef {
	defs := r.builtins.Definitions()
	defs = append(defs, upstream.ToolDef{
		Type:        "function",
		Name:        EscalationToolName,
		Description: "Escalate the current question to a more capable supervisor model. Use for anything requiring deep reasoning, current facts, or research.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reasoning_type": map[string]any{
					"type":        "string",
					"description": "Short label for why escalation is needed, e.g. research, policy, math.",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Everything the supervisor needs: the user's question plus relevant conversation context.",
				},
				"target_hint": map[string]any{
					"type":        "string",
					"description": "Optional hint about where the answer likely lives.",
				},
			},
			"required": []string{"context"},
		},
	})
	return defs
}

// HandleCall dispatches one tool call. At-most-once per call_id within a
// conversation: a retried delta/done pair for an already-dispatched call_id
// is reported as a duplicate and otherwise ignored.
func (r *Router) HandleCall(ctx context.Context, conversationID string, call Call) Result {
	key := conversationID + "\x00" + call.ID
	r.mu.Lock()
	if _, seen := r.dispatched[key]; seen {
		r.mu.Unlock()
		r.logger.Debug("duplicate tool call ignored", "conversation_id", conversationID, "call_id", call.ID)
		return Result{Duplicate: true}
	}
	r.dispatched[key] = struct{}{}
	r.mu.Unlock()

	name := strings.TrimSpace(call.Name)
	switch {
	case name == EscalationToolName:
		return r.escalate(ctx, conversationID, call)
	case r.builtins.Has(name):
		return r.executeBuiltin(ctx, conversationID, call)
	default:
		// Unrecognized tool name: a dispatch failure fed back as text,
		// never silently ignored.
		err := core.NewToolDispatchError(fmt.Sprintf("tool %q is not available", name))
		r.logger.Warn("unrecognized tool call", "conversation_id", conversationID, "call_id", call.ID, "tool", name)
		return Result{Text: failureText(err), Failed: true}
	}
}

func (r *Router) executeBuiltin(ctx context.Context, conversationID string, call Call) Result {
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		de := core.NewToolDispatchError(fmt.Sprintf("tool %q received malformed arguments", call.Name))
		r.logger.Warn("malformed tool arguments", "conversation_id", conversationID, "call_id", call.ID, "tool", call.Name, "error", err)
		return Result{Text: failureText(de), Failed: true}
	}

	toolCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	out, execErr := r.builtins.Execute(toolCtx, call.Name, args)
	if execErr != nil {
		de := core.NewToolDispatchError(fmt.Sprintf("tool %q failed: %v", call.Name, execErr))
		r.logger.Warn("builtin tool failed", "conversation_id", conversationID, "call_id", call.ID, "tool", call.Name, "error", execErr)
		return Result{Text: failureText(de), Failed: true}
	}
	return Result{Text: out}
}

func (r *Router) escalate(ctx context.Context, conversationID string, call Call) Result {
	if r.engine == nil {
		de := core.NewToolDispatchError("supervisor engine is not configured")
		return Result{Text: failureText(de), Failed: true}
	}
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		de := core.NewToolDispatchError("escalation call received malformed arguments")
		return Result{Text: failureText(de), Failed: true}
	}

	req := EscalationRequest{ConversationID: conversationID}
	req.ReasoningType, _ = args["reasoning_type"].(string)
	req.Context, _ = args["context"].(string)
	req.TargetHint, _ = args["target_hint"].(string)
	if strings.TrimSpace(req.Context) == "" {
		de := core.NewToolDispatchError("escalation call is missing context")
		return Result{Text: failureText(de), Failed: true}
	}

	// The engine enforces its own timeout; no extra deadline here so the
	// per-call budget is owned in one place.
	answer, escErr := r.engine.Escalate(ctx, req)
	if escErr != nil {
		classified := core.Classify(escErr)
		de := core.NewToolDispatchError(fmt.Sprintf("supervisor escalation failed: %s", classified.Message))
		r.logger.Warn("escalation failed", "conversation_id", conversationID, "call_id", call.ID, "error", escErr)
		return Result{Text: failureText(de), Failed: true}
	}
	return Result{Text: answer}
}

// Reset drops all dispatch bookkeeping. Session-reset collaborator only.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = make(map[string]struct{})
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// failureText shapes a dispatch failure so the primary model can apologize
// or work around it instead of stalling.
func failureText(err *core.Error) string {
	return fmt.Sprintf("TOOL_ERROR: %s", err.Message)
}
