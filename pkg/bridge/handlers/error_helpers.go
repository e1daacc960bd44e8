package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/core"
)

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeCoreErrorJSON(w http.ResponseWriter, err error) {
	coreErr := core.Classify(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatusFor(coreErr))
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: coreErr})
}

func httpStatusFor(err *core.Error) int {
	switch err.Type {
	case core.ErrInvalidState:
		return http.StatusConflict
	case core.ErrUnknownConversation:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrTransport:
		return http.StatusBadGateway
	case core.ErrToolDispatch, core.ErrPersistence, core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorFrame shapes a failure for delivery over a client websocket. The
// message is the classified user-facing text, never the raw internals.
func errorFrame(conversationID string, err error) protocol.ServerError {
	coreErr := core.Classify(err)
	code := coreErr.Code
	if code == "" {
		code = string(coreErr.Type)
	}
	return protocol.ServerError{
		Type:           "error",
		ConversationID: conversationID,
		Code:           code,
		Message:        coreErr.UserMessage(),
		Retryable:      coreErr.IsRetryable(),
		RetryAfter:     coreErr.RetryAfter,
	}
}

// badRequestFrame reports a malformed client frame.
func badRequestFrame(message, param string) protocol.ServerError {
	msg := message
	if param != "" {
		msg = message + " (" + param + ")"
	}
	return protocol.ServerError{
		Type:    "error",
		Code:    "bad_request",
		Message: msg,
	}
}
