// Package audit keeps a durable local log of every conversation
// ownership transition. The shared store only holds the current state
// per chat; this log is what answers "who paused this chat last
// Tuesday and why" after the fact.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xtalento/xbot/internal/convstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	from_mode  TEXT NOT NULL,
	to_mode    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_chat ON transitions(chat_id, created_at);
`

// Transition is one logged ownership change.
type Transition struct {
	ID        string
	ChatID    string
	From      convstate.Mode
	To        convstate.Mode
	Reason    string
	ChangedBy string
	CreatedAt time.Time
}

// Log is a SQLite-backed transition log. It satisfies the handoff
// engine's TransitionRecorder.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the log database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Close releases the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordTransition appends one transition. Failures are logged, never
// surfaced: the audit trail must not interfere with message handling.
func (l *Log) RecordTransition(ctx context.Context, chatID string, from, to convstate.Mode, reason, changedBy string) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transitions (id, chat_id, from_mode, to_mode, reason, changed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), chatID, string(from), string(to), reason, changedBy,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Warn("audit write failed",
			"chat_id", chatID,
			"reason", reason,
			"error", err,
		)
	}
}

// Recent returns the latest transitions across all chats, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, chat_id, from_mode, to_mode, reason, changed_by, created_at
		 FROM transitions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// ForChat returns one chat's transitions, newest first.
func (l *Log) ForChat(ctx context.Context, chatID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, chat_id, from_mode, to_mode, reason, changed_by, created_at
		 FROM transitions WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions for %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, createdAt string
		if err := rows.Scan(&t.ID, &t.ChatID, &from, &to, &t.Reason, &t.ChangedBy, &createdAt); err != nil {
			return out, fmt.Errorf("scan transition: %w", err)
		}
		t.From = convstate.Mode(from)
		t.To = convstate.Mode(to)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
