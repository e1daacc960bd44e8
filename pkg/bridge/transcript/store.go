// Package transcript is the SQLite-backed persistence layer for finalized
// conversations.
//
// WAL is enabled so list/read queries stay cheap while finalizations write.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/core"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transcripts (
	conversation_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	turn_count INTEGER NOT NULL,
	turns_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_ended_at ON transcripts(ended_at_unix_ms DESC);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Record is one persisted transcript.
type Record struct {
	ConversationID string              `json:"conversation_id"`
	Channel        string              `json:"channel"`
	StartedAt      time.Time           `json:"started_at"`
	EndedAt        time.Time           `json:"ended_at"`
	Turns          []conversation.Turn `json:"turns"`
}

// SaveTranscript persists a finalized conversation. Saving the same
// conversation twice overwrites; the transcript is immutable after
// finalization so the payload is identical either way.
func (s *Store) SaveTranscript(ctx context.Context, snap conversation.Snapshot) error {
	turns, err := json.Marshal(snap.Turns)
	if err != nil {
		return core.NewPersistenceError("failed to encode transcript", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO transcripts (conversation_id, channel, started_at_unix_ms, ended_at_unix_ms, turn_count, turns_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	channel = excluded.channel,
	started_at_unix_ms = excluded.started_at_unix_ms,
	ended_at_unix_ms = excluded.ended_at_unix_ms,
	turn_count = excluded.turn_count,
	turns_json = excluded.turns_json
`, snap.ID, snap.Channel, snap.StartedAt.UnixMilli(), snap.EndedAt.UnixMilli(), len(snap.Turns), string(turns))
	if err != nil {
		return core.NewPersistenceError(fmt.Sprintf("failed to persist transcript %s", snap.ID), err)
	}
	return nil
}

// GetTranscript loads one persisted transcript.
func (s *Store) GetTranscript(ctx context.Context, conversationID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT conversation_id, channel, started_at_unix_ms, ended_at_unix_ms, turns_json
FROM transcripts WHERE conversation_id = ?
`, conversationID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewUnknownConversationError(conversationID)
	}
	if err != nil {
		return nil, core.NewPersistenceError(fmt.Sprintf("failed to load transcript %s", conversationID), err)
	}
	return rec, nil
}

// ListRecent returns up to limit transcripts, most recently ended first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, channel, started_at_unix_ms, ended_at_unix_ms, turns_json
FROM transcripts ORDER BY ended_at_unix_ms DESC, conversation_id LIMIT ?
`, limit)
	if err != nil {
		return nil, core.NewPersistenceError("failed to list transcripts", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, core.NewPersistenceError("failed to scan transcript row", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewPersistenceError("failed to list transcripts", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var startedMs, endedMs int64
	var turnsJSON string
	if err := row.Scan(&rec.ConversationID, &rec.Channel, &startedMs, &endedMs, &turnsJSON); err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	rec.EndedAt = time.UnixMilli(endedMs).UTC()
	if err := json.Unmarshal([]byte(turnsJSON), &rec.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return &rec, nil
}
