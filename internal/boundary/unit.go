// Package boundary models administrative units (admin 0/1/2) and locates
// points within them.
package boundary

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/conflictatlas/conflictatlas/internal/arcgis"
	"github.com/conflictatlas/conflictatlas/internal/geo"
)

// Level is an administrative hierarchy level.
type Level int

const (
	LevelCountry Level = 0
	LevelAdmin1  Level = 1
	LevelAdmin2  Level = 2
)

// Levels lists every level in hierarchy order.
var Levels = []Level{LevelCountry, LevelAdmin1, LevelAdmin2}

func (l Level) String() string {
	return fmt.Sprintf("adm%d", int(l))
}

// Unit is one administrative unit with its geometry.
type Unit struct {
	Level      Level
	ISO3       string
	Name       string
	Code       string
	Admin1Name string
	Admin1Code string
	Attributes map[string]interface{}
	Geometry   orb.MultiPolygon
	Bound      orb.Bound
}

// Contains reports whether pt lies inside the unit.
func (u *Unit) Contains(pt orb.Point) bool {
	if len(u.Geometry) == 0 || !u.Bound.Contains(pt) {
		return false
	}
	return geo.Contains(u.Geometry, pt)
}

// FromFeature maps an ArcGIS feature onto a Unit using the World Bank
// attribute names for the given level.
func FromFeature(level Level, iso3 string, f arcgis.Feature) *Unit {
	u := &Unit{
		Level:      level,
		ISO3:       iso3,
		Attributes: f.Attributes,
		Geometry:   f.Geometry,
	}
	switch level {
	case LevelCountry:
		u.Name = f.String("NAME_EN")
		u.Code = f.String("ISO_A3")
	case LevelAdmin1:
		u.Name = f.String("NAM_1")
		u.Code = f.String("ADM1CD_c")
	case LevelAdmin2:
		u.Name = f.String("NAM_2")
		u.Code = f.String("ADM2CD_c")
		u.Admin1Name = f.String("NAM_1")
		u.Admin1Code = f.String("ADM1CD_c")
	}
	if u.Code == "" {
		u.Code = u.Name
	}
	if len(u.Geometry) > 0 {
		u.Bound = u.Geometry.Bound()
	}
	return u
}

// ToFeature converts the unit to a GeoJSON feature.
func (u *Unit) ToFeature() *geojson.Feature {
	var g orb.Geometry = u.Geometry
	if len(u.Geometry) == 0 {
		g = orb.MultiPolygon{}
	}
	f := geojson.NewFeature(g)
	f.ID = u.Code
	f.Properties["level"] = int(u.Level)
	f.Properties["iso3"] = u.ISO3
	f.Properties["name"] = u.Name
	f.Properties["code"] = u.Code
	if u.Admin1Code != "" {
		f.Properties["admin1_name"] = u.Admin1Name
		f.Properties["admin1_code"] = u.Admin1Code
	}
	if len(u.Attributes) > 0 {
		f.Properties["attributes"] = u.Attributes
	}
	return f
}

// UnitFromFeature is the inverse of ToFeature.
func UnitFromFeature(f *geojson.Feature) (*Unit, error) {
	u := &Unit{
		Level:      Level(int(f.Properties.MustFloat64("level", 0))),
		ISO3:       f.Properties.MustString("iso3", ""),
		Name:       f.Properties.MustString("name", ""),
		Code:       f.Properties.MustString("code", ""),
		Admin1Name: f.Properties.MustString("admin1_name", ""),
		Admin1Code: f.Properties.MustString("admin1_code", ""),
	}
	if attrs, ok := f.Properties["attributes"].(map[string]interface{}); ok {
		u.Attributes = attrs
	}

	switch g := f.Geometry.(type) {
	case orb.MultiPolygon:
		u.Geometry = g
	case orb.Polygon:
		u.Geometry = orb.MultiPolygon{g}
	case nil:
	default:
		return nil, fmt.Errorf("unit %s: unexpected geometry %s", u.Code, g.GeoJSONType())
	}
	if len(u.Geometry) > 0 {
		u.Bound = u.Geometry.Bound()
	}
	return u, nil
}

// Set holds the units of one country across all levels.
type Set struct {
	ISO3  string
	units map[Level][]*Unit
	byKey map[Level]map[string]*Unit
}

// NewSet builds a set and indexes units by code.
func NewSet(iso3 string, units map[Level][]*Unit) *Set {
	s := &Set{
		ISO3:  iso3,
		units: make(map[Level][]*Unit),
		byKey: make(map[Level]map[string]*Unit),
	}
	for level, list := range units {
		sorted := append([]*Unit(nil), list...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })
		s.units[level] = sorted
		idx := make(map[string]*Unit, len(sorted))
		for _, u := range sorted {
			idx[u.Code] = u
		}
		s.byKey[level] = idx
	}
	return s
}

// Units returns the units at level ordered by code.
func (s *Set) Units(level Level) []*Unit {
	return s.units[level]
}

// Unit looks up a unit by level and code.
func (s *Set) Unit(level Level, code string) (*Unit, bool) {
	u, ok := s.byKey[level][code]
	return u, ok
}

// Locate returns the admin 1 and admin 2 units containing pt. Either may be
// nil. When an admin 2 unit is found its parent wins over a conflicting or
// missing admin 1 hit, so the pair is always consistent.
func (s *Set) Locate(pt orb.Point) (admin1, admin2 *Unit) {
	admin1 = s.first(LevelAdmin1, pt, "")

	parent := ""
	if admin1 != nil {
		parent = admin1.Code
	}
	admin2 = s.first(LevelAdmin2, pt, parent)

	if admin2 != nil && admin2.Admin1Code != "" && (admin1 == nil || admin1.Code != admin2.Admin1Code) {
		if p, ok := s.Unit(LevelAdmin1, admin2.Admin1Code); ok {
			admin1 = p
		}
	}
	return admin1, admin2
}

// first returns the first unit at level containing pt, preferring children
// of parent when it is set.
func (s *Set) first(level Level, pt orb.Point, parent string) *Unit {
	var fallback *Unit
	for _, u := range s.units[level] {
		if !u.Contains(pt) {
			continue
		}
		if parent == "" || u.Admin1Code == parent {
			return u
		}
		if fallback == nil {
			fallback = u
		}
	}
	return fallback
}
