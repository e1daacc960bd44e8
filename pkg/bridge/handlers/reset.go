package handlers

import (
	"log/slog"
	"net/http"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
)

// DispatchResetter clears tool dispatch bookkeeping.
type DispatchResetter interface {
	Reset()
}

// UpstreamResetter drops every upstream attachment.
type UpstreamResetter interface {
	CloseAll() int
}

// ResetHandler drops all in-memory session state: tracked conversations,
// client connections, upstream attachments, and dispatch records. Persisted
// transcripts are left alone. Ops/test collaborator only.
type ResetHandler struct {
	Store    *conversation.Store
	Registry *registry.Registry
	Router   DispatchResetter
	Upstream UpstreamResetter
	Logger   *slog.Logger
}

func (h ResetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upstreamClosed := 0
	if h.Upstream != nil {
		upstreamClosed = h.Upstream.CloseAll()
	}
	conversations := h.Store.Reset()
	connections := h.Registry.CloseAll()
	if h.Router != nil {
		h.Router.Reset()
	}

	if h.Logger != nil {
		h.Logger.Info("session state reset",
			"conversations", conversations,
			"connections", connections,
			"upstream_connections", upstreamClosed)
	}

	type resetResp struct {
		Conversations       int `json:"conversations"`
		Connections         int `json:"connections"`
		UpstreamConnections int `json:"upstream_connections"`
	}
	writeJSON(w, http.StatusOK, resetResp{
		Conversations:       conversations,
		Connections:         connections,
		UpstreamConnections: upstreamClosed,
	})
}
