package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adamd9/delegate1/pkg/bridge/upstream"
)

// Executor is one locally-dispatched tool.
type Executor interface {
	Name() string
	Definition() upstream.ToolDef
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Builtins holds the locally-executable tools.
type Builtins struct {
	byName map[string]Executor
}

func NewBuiltins(executors ...Executor) *Builtins {
	b := &Builtins{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		b.byName[ex.Name()] = ex
	}
	return b
}

func (b *Builtins) Has(name string) bool {
	if b == nil {
		return false
	}
	_, ok := b.byName[strings.TrimSpace(name)]
	return ok
}

func (b *Builtins) Names() []string {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.byName))
	for name := range b.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Builtins) Definitions() []upstream.ToolDef {
	if b == nil {
		return nil
	}
	defs := make([]upstream.ToolDef, 0, len(b.byName))
	for _, name := range b.Names() {
		defs = append(defs, b.byName[name].Definition())
	}
	return defs
}

func (b *Builtins) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if b == nil {
		return "", fmt.Errorf("builtin registry is not configured")
	}
	ex, ok := b.byName[strings.TrimSpace(name)]
	if !ok {
		return "", fmt.Errorf("unknown builtin tool %q", name)
	}
	return ex.Execute(ctx, args)
}

// CurrentTimeTool reports the current time, optionally in a named IANA zone.
type CurrentTimeTool struct {
	Now func() time.Time
}

func (CurrentTimeTool) Name() string { return "get_current_time" }

func (CurrentTimeTool) Definition() upstream.ToolDef {
	return upstream.ToolDef{
		Type:        "function",
		Name:        "get_current_time",
		Description: "Get the current date and time, optionally for a specific IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Australia/Sydney. Defaults to UTC.",
				},
			},
		},
	}
}

func (t CurrentTimeTool) Execute(_ context.Context, args map[string]any) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	loc := time.UTC
	if tz, _ := args["timezone"].(string); strings.TrimSpace(tz) != "" {
		parsed, err := time.LoadLocation(strings.TrimSpace(tz))
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	payload, err := json.Marshal(map[string]string{
		"now":      now().In(loc).Format(time.RFC3339),
		"timezone": loc.String(),
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
