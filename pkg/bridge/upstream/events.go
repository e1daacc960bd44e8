// Package upstream speaks the realtime reasoning service's websocket
// protocol: turn submission and context replay out, streamed partial/complete
// content and tool-call events back.
package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is the closed set of decoded server events. Payloads are decoded once
// at the boundary and never passed around as untyped data afterwards.
type Event interface {
	isEvent()
}

// TextDelta is a partial chunk of assistant output text.
type TextDelta struct {
	ItemID string
	Delta  string
}

// TextDone carries the authoritative final text of one output item.
type TextDone struct {
	ItemID string
	Text   string
}

// ToolCallDelta is a streamed fragment of a tool call's arguments,
// correlated by CallID. Concatenation order equals arrival order.
type ToolCallDelta struct {
	CallID string
	Name   string
	Delta  string
}

// ToolCallDone marks a tool call's arguments complete.
type ToolCallDone struct {
	CallID    string
	Name      string
	Arguments string
}

// ResponseDone marks the end of one model response.
type ResponseDone struct{}

// ErrorEvent is an upstream-reported error.
type ErrorEvent struct {
	Code    string
	Message string
}

func (TextDelta) isEvent()     {}
func (TextDone) isEvent()      {}
func (ToolCallDelta) isEvent() {}
func (ToolCallDone) isEvent()  {}
func (ResponseDone) isEvent()  {}
func (ErrorEvent) isEvent()    {}

type rawEvent struct {
	Type    string `json:"type"`
	ItemID  string `json:"item_id,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Text    string `json:"text,omitempty"`
	Args    string `json:"arguments,omitempty"`
	Item    *rawItem `json:"item,omitempty"`
	ErrBody *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type rawItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// DecodeServerEvent decodes one upstream frame. Event kinds the bridge does
// not consume (audio, rate-limit telemetry, item acks) return (nil, nil) and
// are skipped by the reader.
func DecodeServerEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid upstream frame: %w", err)
	}
	typ := strings.TrimSpace(raw.Type)
	if typ == "" {
		return nil, fmt.Errorf("upstream frame missing type")
	}

	switch typ {
	case "response.output_text.delta", "response.text.delta", "response.audio_transcript.delta":
		return TextDelta{ItemID: raw.ItemID, Delta: raw.Delta}, nil
	case "response.output_text.done", "response.text.done", "response.audio_transcript.done":
		return TextDone{ItemID: raw.ItemID, Text: raw.Text}, nil
	case "response.function_call_arguments.delta":
		return ToolCallDelta{CallID: raw.CallID, Name: raw.Name, Delta: raw.Delta}, nil
	case "response.function_call_arguments.done":
		return ToolCallDone{CallID: raw.CallID, Name: raw.Name, Arguments: raw.Args}, nil
	case "response.output_item.done":
		// Function calls are also surfaced as completed output items; the
		// arguments.done event is the one the bridge acts on, so only errors
		// of shape matter here.
		return nil, nil
	case "response.done":
		return ResponseDone{}, nil
	case "error":
		ev := ErrorEvent{}
		if raw.ErrBody != nil {
			ev.Code = raw.ErrBody.Code
			ev.Message = raw.ErrBody.Message
		}
		if ev.Message == "" {
			ev.Message = "upstream reported an unspecified error"
		}
		return ev, nil
	default:
		return nil, nil
	}
}

// Client → upstream frames.

type sessionUpdateFrame struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities   []string  `json:"modalities"`
	Instructions string    `json:"instructions,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
}

// ToolDef advertises one callable tool to the upstream model.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type itemCreateFrame struct {
	Type string      `json:"type"`
	Item itemPayload `json:"item"`
}

type itemPayload struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateFrame struct {
	Type string `json:"type"`
}

// NewSessionUpdate configures instructions and the advertised tool set.
func NewSessionUpdate(instructions string, tools []ToolDef) any {
	return sessionUpdateFrame{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:   []string{"text"},
			Instructions: instructions,
			Tools:        tools,
		},
	}
}

// NewMessageItem replays or submits one conversational turn.
func NewMessageItem(role, text string) any {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "text"
	}
	return itemCreateFrame{
		Type: "conversation.item.create",
		Item: itemPayload{
			Type:    "message",
			Role:    role,
			Content: []itemContent{{Type: contentType, Text: text}},
		},
	}
}

// NewFunctionOutputItem feeds a tool result back into the stream so the
// primary model can continue.
func NewFunctionOutputItem(callID, output string) any {
	return itemCreateFrame{
		Type: "conversation.item.create",
		Item: itemPayload{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// NewResponseCreate requests a model response for the current context.
func NewResponseCreate() any {
	return responseCreateFrame{Type: "response.create"}
}
