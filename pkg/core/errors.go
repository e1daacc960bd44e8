// Package core holds the error taxonomy shared by every bridge component.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// ErrorType categorizes bridge errors.
type ErrorType string

const (
	// ErrTransport is an upstream disconnect or network-level failure.
	// Recoverable: the next turn reopens the upstream connection.
	ErrTransport ErrorType = "transport_fault"
	// ErrRateLimit covers upstream quota and rate-limit rejections.
	ErrRateLimit ErrorType = "rate_limit_error"
	// ErrInvalidState is an operation against an ENDING/FINALIZED conversation.
	ErrInvalidState ErrorType = "invalid_state"
	// ErrUnknownConversation is a reference to an id the store does not hold.
	ErrUnknownConversation ErrorType = "unknown_conversation"
	// ErrToolDispatch is a failed or timed-out tool call. Converted to a
	// textual result for the model, never propagated across components.
	ErrToolDispatch ErrorType = "tool_dispatch_failure"
	// ErrPersistence is a failed durable write during finalization.
	ErrPersistence ErrorType = "persistence_failure"
	// ErrAPI is any other upstream or internal failure.
	ErrAPI ErrorType = "api_error"
)

// Error is the structured verdict produced by classification.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Param      string    `json:"param,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	wrapped    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.wrapped
}

// IsRetryable reports whether the caller may retry after a delay.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrTransport, ErrRateLimit:
		return true
	default:
		return false
	}
}

// UserMessage returns the human-readable text shown to end clients.
// Rate-limit and transport faults get distinct messages because they are the
// two most common operational failures for a third-party-dependent bridge.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Type {
	case ErrRateLimit:
		return "The assistant is temporarily over its usage limit. Please wait a moment and try again."
	case ErrTransport:
		return "The connection to the assistant dropped. Your conversation is intact; send your message again to reconnect."
	case ErrInvalidState:
		return "This conversation has ended and no longer accepts messages."
	case ErrUnknownConversation:
		return "That conversation could not be found."
	case ErrToolDispatch:
		return "A tool the assistant tried to use failed. The assistant will continue without it."
	case ErrPersistence:
		return "The conversation ended, but saving the transcript failed. An operator has been notified."
	default:
		return "Something went wrong talking to the assistant. Please try again."
	}
}

func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

func NewUnknownConversationError(id string) *Error {
	return &Error{Type: ErrUnknownConversation, Message: fmt.Sprintf("conversation %q not found", id), Param: "conversation_id"}
}

func NewToolDispatchError(message string) *Error {
	return &Error{Type: ErrToolDispatch, Message: message}
}

func NewPersistenceError(message string, wrapped error) *Error {
	return &Error{Type: ErrPersistence, Message: message, wrapped: wrapped}
}

func NewTransportError(message string, wrapped error) *Error {
	return &Error{Type: ErrTransport, Message: message, wrapped: wrapped}
}

func NewRateLimitError(message string, retryAfter int) *Error {
	e := &Error{Type: ErrRateLimit, Message: message}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// rate-limit phrasing seen across upstream error payloads.
var rateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"too many requests",
	"insufficient_quota",
	"429",
	"overloaded",
}

// Classify inspects an error from any upstream call and returns a structured
// verdict. Already-classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrTransport, Message: "upstream call timed out", Code: "timeout", wrapped: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: ErrTransport, Message: "upstream call canceled", Code: "canceled", wrapped: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &Error{Type: ErrTransport, Message: "upstream connection closed", Code: "disconnect", wrapped: err}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &Error{Type: ErrTransport, Message: fmt.Sprintf("upstream websocket closed (%d)", closeErr.Code), Code: "ws_close", wrapped: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		code := "net"
		if netErr.Timeout() {
			code = "timeout"
		}
		return &Error{Type: ErrTransport, Message: "upstream network failure", Code: code, wrapped: err}
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return &Error{Type: ErrRateLimit, Message: "upstream rejected the request due to rate or quota limits", Code: "rate_limited", wrapped: err}
		}
	}

	return &Error{Type: ErrAPI, Message: err.Error(), wrapped: err}
}
