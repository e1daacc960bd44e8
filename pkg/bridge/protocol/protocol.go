// Package protocol defines the client-facing message frames and their
// validation. Frames are decoded once at the boundary into concrete types.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ChannelVoice = "voice"
	ChannelText  = "text"
	ChannelSMS   = "sms"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func ValidChannel(channel string) bool {
	switch channel {
	case ChannelVoice, ChannelText, ChannelSMS:
		return true
	default:
		return false
	}
}

// ClientTurnSubmit is a conversational turn from a client. ConversationID may
// be empty on the first turn, in which case the server allocates one.
type ClientTurnSubmit struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Text           string `json:"text"`
}

// ClientConversationEnd requests explicit finalization. The conversation id
// is mandatory; the server never guesses a current conversation.
type ClientConversationEnd struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "turn.submit":
		var msg ClientTurnSubmit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid turn.submit frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("turn.submit.text is required", "text")
		}
		if ch := strings.TrimSpace(msg.Channel); ch != "" && !ValidChannel(ch) {
			return nil, badRequest("turn.submit.channel must be voice|text|sms", "channel")
		}
		msg.ConversationID = strings.TrimSpace(msg.ConversationID)
		msg.Channel = strings.TrimSpace(msg.Channel)
		msg.Text = strings.TrimSpace(msg.Text)
		return msg, nil
	case "conversation.end":
		var msg ClientConversationEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation.end frame", "")
		}
		if strings.TrimSpace(msg.ConversationID) == "" {
			return nil, badRequest("conversation.end.conversation_id is required", "conversation_id")
		}
		msg.ConversationID = strings.TrimSpace(msg.ConversationID)
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server → client frames.

type ServerTurnDelta struct {
	Type           string `json:"type"` // "turn.delta"
	ConversationID string `json:"conversation_id"`
	ItemID         string `json:"item_id,omitempty"`
	Delta          string `json:"delta"`
}

type ServerTurnComplete struct {
	Type           string `json:"type"` // "turn.complete"
	ConversationID string `json:"conversation_id"`
	ItemID         string `json:"item_id,omitempty"`
	Text           string `json:"text"`
}

type ServerToolDelta struct {
	Type           string `json:"type"` // "tool.delta"
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

type ServerToolDone struct {
	Type           string `json:"type"` // "tool.done"
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	Name           string `json:"name"`
	Arguments      string `json:"arguments,omitempty"`
	Status         string `json:"status"` // completed | failed
	Result         string `json:"result,omitempty"`
}

type ServerFinalized struct {
	Type           string `json:"type"` // "conversation.finalized"
	ConversationID string `json:"conversation_id"`
	OK             bool   `json:"ok"`
}

type ServerError struct {
	Type           string `json:"type"` // "error"
	ConversationID string `json:"conversation_id,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable,omitempty"`
	RetryAfter     *int   `json:"retry_after,omitempty"`
}

func NewTurnDelta(conversationID, itemID, delta string) ServerTurnDelta {
	return ServerTurnDelta{Type: "turn.delta", ConversationID: conversationID, ItemID: itemID, Delta: delta}
}

func NewTurnComplete(conversationID, itemID, text string) ServerTurnComplete {
	return ServerTurnComplete{Type: "turn.complete", ConversationID: conversationID, ItemID: itemID, Text: text}
}

func NewToolDelta(conversationID, callID, name, argsDelta string) ServerToolDelta {
	return ServerToolDelta{Type: "tool.delta", ConversationID: conversationID, CallID: callID, Name: name, ArgumentsDelta: argsDelta}
}

func NewToolDone(conversationID, callID, name, args, status, result string) ServerToolDone {
	return ServerToolDone{Type: "tool.done", ConversationID: conversationID, CallID: callID, Name: name, Arguments: args, Status: status, Result: result}
}

func NewFinalized(conversationID string, ok bool) ServerFinalized {
	return ServerFinalized{Type: "conversation.finalized", ConversationID: conversationID, OK: ok}
}
