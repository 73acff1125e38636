package proactive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MarkerFile is the database kept in the workspace.
const MarkerFile = "digiclaw.db"

const markerSchema = `
CREATE TABLE IF NOT EXISTS alert_markers (
	id               TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL DEFAULT '',
	last_notified_at TEXT
)`

// Marker identifies an alerted external item.
type Marker struct {
	ID     string
	Source string
	Title  string
	Kind   string
}

// MarkerStore persists when each external item was last alerted so that
// polling loops do not repeat themselves.
type MarkerStore struct {
	db *sql.DB
}

func OpenMarkerStore(path string) (*MarkerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create marker dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=normal", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open marker db: %w", err)
	}
	// a single writer keeps check-and-mark transactions serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(markerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create marker schema: %w", err)
	}
	return &MarkerStore{db: db}, nil
}

func (s *MarkerStore) Close() error {
	return s.db.Close()
}

// ShouldNotify reports whether m may be alerted at now and, if so, records
// now as its last notification. An item notified less than cooldown ago is
// suppressed.
func (s *MarkerStore) ShouldNotify(ctx context.Context, m Marker, now time.Time, cooldown time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT last_notified_at FROM alert_markers WHERE id = ?`, m.ID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("read marker %s: %w", m.ID, err)
	case last.Valid:
		if t, perr := time.Parse(time.RFC3339Nano, last.String); perr == nil && now.Sub(t) < cooldown {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alert_markers (id, source, title, kind, last_notified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			kind = excluded.kind,
			last_notified_at = excluded.last_notified_at`,
		m.ID, m.Source, m.Title, m.Kind, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("write marker %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit marker %s: %w", m.ID, err)
	}
	return true, nil
}

// MarkOnce records m the first time it is seen and reports whether this call
// created it.
func (s *MarkerStore) MarkOnce(ctx context.Context, m Marker, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_markers (id, source, title, kind, last_notified_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Source, m.Title, m.Kind, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LastNotified returns when id was last alerted.
func (s *MarkerStore) LastNotified(ctx context.Context, id string) (time.Time, bool, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_notified_at FROM alert_markers WHERE id = ?`, id).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !last.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse marker time: %w", err)
	}
	return t, true, nil
}

// Count returns the number of markers, per source.
func (s *MarkerStore) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM alert_markers GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		out[source] = n
	}
	return out, rows.Err()
}
