package handlers

import (
	"net/http"
	"strconv"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
)

// ConversationsHandler lists tracked conversations, newest first.
type ConversationsHandler struct {
	Store *conversation.Store
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	type listResp struct {
		Conversations []conversation.Summary `json:"conversations"`
	}
	writeJSON(w, http.StatusOK, listResp{Conversations: h.Store.List(limit)})
}
