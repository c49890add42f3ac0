// Package store persists events, boundaries and derived results in an
// embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/conflictatlas/conflictatlas/internal/bloom"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	event_date TEXT NOT NULL,
	event_type TEXT NOT NULL,
	admin1 TEXT NOT NULL,
	fatalities INTEGER NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	revision INTEGER NOT NULL,
	payload BLOB NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_events_date ON events(event_date);

CREATE TABLE IF NOT EXISTS admin_units (
	iso3 TEXT NOT NULL,
	level INTEGER NOT NULL,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	admin1_code TEXT NOT NULL,
	feature BLOB NOT NULL,
	PRIMARY KEY (iso3, level, code)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS assignments (
	event_id TEXT PRIMARY KEY,
	admin1_code TEXT NOT NULL,
	admin1_name TEXT NOT NULL,
	admin2_code TEXT NOT NULL,
	admin2_name TEXT NOT NULL,
	unassigned INTEGER NOT NULL,
	name_mismatch INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS road_distances (
	event_id TEXT PRIMARY KEY,
	road_id TEXT NOT NULL,
	class TEXT NOT NULL,
	meters REAL NOT NULL,
	found INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	details TEXT
) WITHOUT ROWID;
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db        *sql.DB
	path      string
	bloomPath string
	ids       *bloom.Filter
	log       logrus.FieldLogger
}

// Open opens or creates the database at path in WAL mode and loads the
// event-ID filter, rebuilding it from the events table when missing.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// One writer at a time; readers never hold a connection across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, classify("set journal mode", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, classify("create schema", err)
	}

	s := &Store{db: db, path: path, bloomPath: path + ".bloom", log: log}
	if err := s.loadFilter(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Generation keys in the meta table. Every event write bumps
// keyEventsGen; keyFilterGen records the generation the saved filter file
// was taken at.
const (
	keyEventsGen = "events_generation"
	keyFilterGen = "filter_generation"
)

// Close persists the event-ID filter and closes the database. The filter is
// marked current only after the file is written, so a process that exits
// without Close leaves a filter the next Open rebuilds.
func (s *Store) Close() error {
	var errs []error
	if err := s.ids.Save(s.bloomPath); err != nil {
		errs = append(errs, fmt.Errorf("store: failed to save filter: %w", err))
	} else if _, err := s.db.Exec(`INSERT INTO meta (key, value)
		VALUES (?, COALESCE((SELECT value FROM meta WHERE key = ?), 0))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, keyFilterGen, keyEventsGen); err != nil {
		errs = append(errs, fmt.Errorf("store: failed to mark filter: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: failed to close database: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Store) loadFilter(ctx context.Context) error {
	if f, err := bloom.Load(s.bloomPath); err == nil {
		events, err := s.generation(ctx, keyEventsGen)
		if err != nil {
			return err
		}
		saved, err := s.generation(ctx, keyFilterGen)
		if err != nil {
			return err
		}
		if events == saved {
			s.ids = f
			return nil
		}
		s.log.WithFields(logrus.Fields{"path": s.bloomPath, "events_generation": events, "filter_generation": saved}).
			Warn("event filter is stale, rebuilding")
	} else if !os.IsNotExist(err) {
		s.log.WithError(err).Warn("event filter unreadable, rebuilding")
	}
	return s.rebuildFilter(ctx)
}

func (s *Store) generation(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read "+key, err)
	}
	return v, nil
}

func (s *Store) rebuildFilter(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return classify("count events", err)
	}
	f := bloom.NewForCapacity(max(2*n, 10000), 0.01)

	rows, err := s.db.QueryContext(ctx, "SELECT event_id FROM events")
	if err != nil {
		return classify("scan event ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return classify("scan event ids", err)
		}
		f.AddString(id)
	}
	if err := rows.Err(); err != nil {
		return classify("scan event ids", err)
	}
	s.ids = f
	return nil
}

// classify maps SQLite busy/locked errors onto the retryable STORE/BUSY
// code and everything else onto QUERY_FAILED.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return atlaserrors.NewStoreError(atlaserrors.CodeBusy, "store: "+op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return atlaserrors.NewStoreError(atlaserrors.CodeQueryFailed, "store: "+op, err)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
