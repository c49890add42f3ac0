package store

import (
	"context"
	"database/sql"

	"github.com/conflictatlas/conflictatlas/internal/roads"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
)

// SaveAssignments stores join results, replacing earlier rows for the same
// events.
func (s *Store) SaveAssignments(ctx context.Context, assignments []spatial.Assignment) error {
	return s.inTx(ctx, "save assignments", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO assignments
			(event_id, admin1_code, admin1_name, admin2_code, admin2_name, unassigned, name_mismatch)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return classify("prepare assignment insert", err)
		}
		defer stmt.Close()

		for _, a := range assignments {
			if _, err := stmt.ExecContext(ctx, a.EventID, a.Admin1Code, a.Admin1Name, a.Admin2Code, a.Admin2Name,
				a.Unassigned, a.NameMismatch); err != nil {
				return classify("insert assignment", err)
			}
		}
		return nil
	})
}

// Assignments returns every stored assignment keyed by event ID.
func (s *Store) Assignments(ctx context.Context) (map[string]spatial.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, admin1_code, admin1_name, admin2_code, admin2_name,
		unassigned, name_mismatch FROM assignments`)
	if err != nil {
		return nil, classify("query assignments", err)
	}
	defer rows.Close()

	out := make(map[string]spatial.Assignment)
	for rows.Next() {
		var a spatial.Assignment
		if err := rows.Scan(&a.EventID, &a.Admin1Code, &a.Admin1Name, &a.Admin2Code, &a.Admin2Name,
			&a.Unassigned, &a.NameMismatch); err != nil {
			return nil, classify("scan assignment", err)
		}
		out[a.EventID] = a
	}
	return out, classify("query assignments", rows.Err())
}

// SaveRoadDistances stores proximity results.
func (s *Store) SaveRoadDistances(ctx context.Context, distances []roads.Distance) error {
	return s.inTx(ctx, "save road distances", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO road_distances
			(event_id, road_id, class, meters, found) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return classify("prepare distance insert", err)
		}
		defer stmt.Close()

		for _, d := range distances {
			if _, err := stmt.ExecContext(ctx, d.EventID, d.RoadID, d.Class, d.Meters, d.Found); err != nil {
				return classify("insert distance", err)
			}
		}
		return nil
	})
}

// RoadDistances returns every stored distance keyed by event ID.
func (s *Store) RoadDistances(ctx context.Context) (map[string]roads.Distance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_id, road_id, class, meters, found FROM road_distances")
	if err != nil {
		return nil, classify("query road distances", err)
	}
	defer rows.Close()

	out := make(map[string]roads.Distance)
	for rows.Next() {
		var d roads.Distance
		if err := rows.Scan(&d.EventID, &d.RoadID, &d.Class, &d.Meters, &d.Found); err != nil {
			return nil, classify("scan road distance", err)
		}
		out[d.EventID] = d
	}
	return out, classify("query road distances", rows.Err())
}
