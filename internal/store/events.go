package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/conflictatlas/conflictatlas/internal/acled"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

const dateLayout = "2006-01-02"

// UpsertResult counts what UpsertEvents did.
type UpsertResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// UpsertEvents writes events in one transaction. Unknown IDs are inserted.
// Known IDs are replaced only when the incoming ACLED timestamp is newer,
// otherwise they are skipped. The revision check is part of the write
// itself; the ID filter only lets new events skip the existence lookup.
func (s *Store) UpsertEvents(ctx context.Context, events []acled.Event) (UpsertResult, error) {
	var res UpsertResult
	if len(events) == 0 {
		return res, nil
	}

	var added []string
	err := s.inTx(ctx, "upsert events", func(tx *sql.Tx) error {
		lookup, err := tx.PrepareContext(ctx, "SELECT revision FROM events WHERE event_id = ?")
		if err != nil {
			return classify("prepare lookup", err)
		}
		defer lookup.Close()

		upsert, err := tx.PrepareContext(ctx, `INSERT INTO events
			(event_id, event_date, event_type, admin1, fatalities, latitude, longitude, revision, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET
				event_date = excluded.event_date,
				event_type = excluded.event_type,
				admin1 = excluded.admin1,
				fatalities = excluded.fatalities,
				latitude = excluded.latitude,
				longitude = excluded.longitude,
				revision = excluded.revision,
				payload = excluded.payload
			WHERE excluded.revision > events.revision`)
		if err != nil {
			return classify("prepare upsert", err)
		}
		defer upsert.Close()

		for i := range events {
			e := &events[i]
			known := false
			if s.ids.ContainsString(e.ID) {
				var rev int64
				switch err := lookup.QueryRowContext(ctx, e.ID).Scan(&rev); {
				case err == sql.ErrNoRows:
				case err != nil:
					return classify("lookup event", err)
				default:
					known = true
					if e.Timestamp <= rev {
						res.Skipped++
						continue
					}
				}
			}

			payload, err := json.Marshal(e)
			if err != nil {
				return atlaserrors.NewInternalError("store: failed to marshal event "+e.ID, err)
			}
			r, err := upsert.ExecContext(ctx,
				e.ID, e.Date.Format(dateLayout), e.EventType, e.Admin1, e.Fatalities,
				e.Latitude, e.Longitude, e.Timestamp, snappy.Encode(nil, payload),
			)
			if err != nil {
				return classify("upsert event", err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return classify("upsert event", err)
			}
			switch {
			case n == 0:
				// The filter missed a stored event with an equal or newer revision.
				res.Skipped++
				added = append(added, e.ID)
			case known:
				res.Updated++
			default:
				res.Inserted++
				added = append(added, e.ID)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, 1)
			ON CONFLICT(key) DO UPDATE SET value = value + 1`, keyEventsGen); err != nil {
			return classify("bump events generation", err)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	// Only committed IDs enter the filter, each once.
	for _, id := range added {
		s.ids.AddString(id)
	}
	return res, nil
}

// Events returns the stored events matching f ordered by date then ID.
// The date range is applied in SQL, the rest of the filter in memory.
func (s *Store) Events(ctx context.Context, f acled.Filter) ([]acled.Event, error) {
	query := "SELECT payload FROM events WHERE 1=1"
	var args []interface{}
	if !f.From.IsZero() {
		query += " AND event_date >= ?"
		args = append(args, f.From.Format(dateLayout))
	}
	if !f.To.IsZero() {
		query += " AND event_date <= ?"
		args = append(args, f.To.Format(dateLayout))
	}
	query += " ORDER BY event_date, event_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query events", err)
	}
	defer rows.Close()

	var out []acled.Event
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, classify("scan event", err)
		}
		raw, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, atlaserrors.NewInternalError("store: corrupt event payload", err)
		}
		var e acled.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, atlaserrors.NewInternalError("store: corrupt event payload", err)
		}
		if f.Match(&e) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query events", err)
	}
	return out, nil
}

// Summary holds table-level totals.
type Summary struct {
	Events     int
	Fatalities int
	FirstDate  string
	LastDate   string
	Assigned   int
	Unassigned int
	WithRoad   int
}

// Summarize aggregates the events and derived tables in SQL.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var (
		sum         Summary
		first, last sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(fatalities), 0), MIN(event_date), MAX(event_date) FROM events",
	).Scan(&sum.Events, &sum.Fatalities, &first, &last)
	if err != nil {
		return Summary{}, classify("summarize events", err)
	}
	sum.FirstDate, sum.LastDate = first.String, last.String

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(unassigned = 0), 0), COALESCE(SUM(unassigned), 0) FROM assignments",
	).Scan(&sum.Assigned, &sum.Unassigned)
	if err != nil {
		return Summary{}, classify("summarize assignments", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM road_distances WHERE found = 1").Scan(&sum.WithRoad); err != nil {
		return Summary{}, classify("summarize road distances", err)
	}
	return sum, nil
}

// CountBy returns event counts grouped by a whitelisted column.
func (s *Store) CountBy(ctx context.Context, column string) (map[string]int, error) {
	switch column {
	case "event_type", "admin1", "event_date":
	default:
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig,
			fmt.Sprintf("store: cannot group by %q", column))
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM events GROUP BY "+column)
	if err != nil {
		return nil, classify("count by "+column, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, classify("count by "+column, err)
		}
		out[k] = n
	}
	return out, classify("count by "+column, rows.Err())
}
