package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	Kind       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Details    map[string]interface{}
}

// StartRun records a new running run of kind.
func (s *Store) StartRun(ctx context.Context, kind string) (*Run, error) {
	r := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, kind, status, started_at) VALUES (?, ?, ?, ?)",
		r.ID, r.Kind, r.Status, r.StartedAt.UnixMilli())
	if err != nil {
		return nil, classify("start run", err)
	}
	return r, nil
}

// FinishRun marks a run as finished with status and details.
func (s *Store) FinishRun(ctx context.Context, r *Run, status string, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return atlaserrors.NewInternalError("store: failed to encode run details", err)
	}
	r.Status = status
	r.FinishedAt = time.Now().UTC()
	r.Details = details

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_at = ?, details = ? WHERE run_id = ?",
		status, r.FinishedAt.UnixMilli(), string(raw), r.ID)
	if err != nil {
		return classify("finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atlaserrors.NewStoreError(atlaserrors.CodeWriteFailed, "store: unknown run "+r.ID, nil)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, kind, status, started_at, finished_at, details FROM runs ORDER BY started_at DESC, run_id LIMIT ?",
		limit)
	if err != nil {
		return nil, classify("query runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			details  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &started, &finished, &details); err != nil {
			return nil, classify("scan run", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
				return nil, atlaserrors.NewInternalError("store: corrupt run details", err)
			}
		}
		out = append(out, r)
	}
	return out, classify("query runs", rows.Err())
}
