package store

import (
	"context"
	"database/sql"

	"github.com/golang/snappy"
	"github.com/paulmach/orb/geojson"

	"github.com/conflictatlas/conflictatlas/internal/boundary"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// ReplaceUnits replaces every stored unit of set's country.
func (s *Store) ReplaceUnits(ctx context.Context, set *boundary.Set) error {
	return s.inTx(ctx, "replace units", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM admin_units WHERE iso3 = ?", set.ISO3); err != nil {
			return classify("delete units", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO admin_units
			(iso3, level, code, name, admin1_code, feature) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return classify("prepare unit insert", err)
		}
		defer stmt.Close()

		for _, level := range boundary.Levels {
			for _, u := range set.Units(level) {
				raw, err := u.ToFeature().MarshalJSON()
				if err != nil {
					return atlaserrors.NewInternalError("store: failed to encode unit "+u.Code, err)
				}
				if _, err := stmt.ExecContext(ctx, set.ISO3, int(level), u.Code, u.Name, u.Admin1Code,
					snappy.Encode(nil, raw)); err != nil {
					return classify("insert unit", err)
				}
			}
		}
		return nil
	})
}

// Units returns the stored units of iso3 at level ordered by code.
func (s *Store) Units(ctx context.Context, iso3 string, level boundary.Level) ([]*boundary.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT feature FROM admin_units WHERE iso3 = ? AND level = ? ORDER BY code", iso3, int(level))
	if err != nil {
		return nil, classify("query units", err)
	}
	defer rows.Close()

	var out []*boundary.Unit
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, classify("scan unit", err)
		}
		raw, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, atlaserrors.NewInternalError("store: corrupt unit feature", err)
		}
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, atlaserrors.NewInternalError("store: corrupt unit feature", err)
		}
		u, err := boundary.UnitFromFeature(f)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, classify("query units", rows.Err())
}

// BoundarySet rebuilds a boundary set from the stored units of iso3.
// ok is false when nothing is stored for the country.
func (s *Store) BoundarySet(ctx context.Context, iso3 string) (set *boundary.Set, ok bool, err error) {
	units := make(map[boundary.Level][]*boundary.Unit)
	total := 0
	for _, level := range boundary.Levels {
		list, err := s.Units(ctx, iso3, level)
		if err != nil {
			return nil, false, err
		}
		units[level] = list
		total += len(list)
	}
	if total == 0 {
		return nil, false, nil
	}
	return boundary.NewSet(iso3, units), true, nil
}
