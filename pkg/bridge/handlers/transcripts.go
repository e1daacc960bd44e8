package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/adamd9/delegate1/pkg/bridge/transcript"
)

// TranscriptReader is the read side of the persistence layer.
type TranscriptReader interface {
	GetTranscript(ctx context.Context, conversationID string) (*transcript.Record, error)
	ListRecent(ctx context.Context, limit int) ([]transcript.Record, error)
}

// TranscriptsHandler serves persisted transcripts: the collection at
// /transcripts and single records at /transcripts/<conversation_id>.
type TranscriptsHandler struct {
	Transcripts TranscriptReader
}

func (h TranscriptsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transcripts"), "/")
	if id == "" {
		h.list(w, r)
		return
	}

	rec, err := h.Transcripts.GetTranscript(r.Context(), id)
	if err != nil {
		writeCoreErrorJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h TranscriptsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := h.Transcripts.ListRecent(r.Context(), limit)
	if err != nil {
		writeCoreErrorJSON(w, err)
		return
	}

	type listResp struct {
		Transcripts []transcript.Record `json:"transcripts"`
	}
	if recs == nil {
		recs = []transcript.Record{}
	}
	writeJSON(w, http.StatusOK, listResp{Transcripts: recs})
}
