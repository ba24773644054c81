package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fxpilot/internal/model"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time DATETIME NOT NULL,
	account_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_account ON events(account_id, time);
`

// Journal is an append-only SQLite event log, queryable for audit of why a
// trade was or was not taken.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal at path. ":memory:" is
// accepted for tests.
func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Notify implements Notifier by appending the event.
func (j *Journal) Notify(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (time, account_id, instrument, type, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Time.UTC(), ev.AccountID, ev.Instrument, string(ev.Type), string(payload),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered by
// account.
func (j *Journal) Recent(ctx context.Context, accountID string, limit int) ([]model.Event, error) {
	query := `SELECT time, account_id, instrument, type, payload FROM events`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev      model.Event
			at      time.Time
			typ     string
			payload string
		)
		if err := rows.Scan(&at, &ev.AccountID, &ev.Instrument, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Time = at
		ev.Type = model.EventType(typ)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decoding event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
