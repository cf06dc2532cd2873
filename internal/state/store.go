// Package state persists the poller cursor across daemon restarts so a
// crash never replays already-recorded messages beyond the dedup window.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"fastmail-tools/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursor (
	key       INTEGER PRIMARY KEY CHECK (key = 1),
	watermark TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS seen (
	id          TEXT PRIMARY KEY,
	received_at TEXT NOT NULL
);
`

// Store is a single-row SQLite store for the poll cursor.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type seenRow struct {
	ID         string `db:"id"`
	ReceivedAt string `db:"received_at"`
}

// Load returns the persisted cursor, or a zero cursor when the store is
// empty (first run).
func (s *Store) Load() (models.Cursor, error) {
	cursor := models.NewCursor()

	var watermark string
	err := s.db.Get(&watermark, "SELECT watermark FROM cursor WHERE key = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("load watermark: %w", err)
	}
	if watermark != "" {
		cursor.Watermark, err = time.Parse(time.RFC3339Nano, watermark)
		if err != nil {
			return cursor, fmt.Errorf("parse watermark %q: %w", watermark, err)
		}
	}

	var rows []seenRow
	if err := s.db.Select(&rows, "SELECT id, received_at FROM seen"); err != nil {
		return cursor, fmt.Errorf("load seen ids: %w", err)
	}
	for _, row := range rows {
		at, err := time.Parse(time.RFC3339Nano, row.ReceivedAt)
		if err != nil {
			return cursor, fmt.Errorf("parse seen timestamp %q: %w", row.ReceivedAt, err)
		}
		cursor.Seen[row.ID] = at
	}
	return cursor, nil
}

// Save replaces the persisted cursor atomically.
func (s *Store) Save(cursor models.Cursor) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin state save: %w", err)
	}
	defer tx.Rollback()

	watermark := ""
	if !cursor.Watermark.IsZero() {
		watermark = cursor.Watermark.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.Exec(
		"INSERT INTO cursor (key, watermark) VALUES (1, ?) ON CONFLICT(key) DO UPDATE SET watermark = excluded.watermark",
		watermark,
	)
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM seen"); err != nil {
		return fmt.Errorf("clear seen ids: %w", err)
	}
	for id, at := range cursor.Seen {
		_, err := tx.Exec(
			"INSERT INTO seen (id, received_at) VALUES (?, ?)",
			id, at.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save seen id %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state save: %w", err)
	}
	return nil
}
