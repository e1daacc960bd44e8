package supervisor

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Crumb is one step of an escalation's audit trail.
type Crumb struct {
	Time           time.Time      `json:"time"`
	ConversationID string         `json:"conversation_id"`
	Stage          string         `json:"stage"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// BreadcrumbWriter records escalation progress. Implementations must be
// best-effort: a failing writer never fails the escalation itself.
type BreadcrumbWriter interface {
	Write(crumb Crumb)
}

// NopBreadcrumbs discards every crumb.
type NopBreadcrumbs struct{}

func (NopBreadcrumbs) Write(Crumb) {}

// FileBreadcrumbs appends crumbs as JSON lines to a single file. Write
// errors are logged once per call and otherwise swallowed.
type FileBreadcrumbs struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

func NewFileBreadcrumbs(path string, logger *slog.Logger) *FileBreadcrumbs {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBreadcrumbs{path: path, logger: logger}
}

func (w *FileBreadcrumbs) Write(crumb Crumb) {
	if crumb.Time.IsZero() {
		crumb.Time = time.Now()
	}
	line, err := json.Marshal(crumb)
	if err != nil {
		w.logger.Warn("breadcrumb not recorded", "stage", crumb.Stage, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.Warn("breadcrumb file unavailable", "path", w.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Warn("breadcrumb write failed", "path", w.path, "error", err)
	}
}
