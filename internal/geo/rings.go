// Package geo holds the geometry operations used by the boundary and road
// analyses. Coordinates are WGS84 longitude/latitude in orb's [lon, lat] order.
package geo

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// AssembleRings turns ArcGIS polygon rings into a multipolygon.
//
// ArcGIS stores exterior rings clockwise and holes counter-clockwise, all in
// a flat list. Each hole is attached to the smallest exterior containing its
// first vertex; a hole no exterior contains is promoted to an exterior. The
// result follows the GeoJSON winding convention: exteriors counter-clockwise,
// holes clockwise.
func AssembleRings(rings [][][2]float64) (orb.MultiPolygon, error) {
	if len(rings) == 0 {
		return nil, nil
	}

	var exteriors, holes []orb.Ring
	for i, raw := range rings {
		ring, err := toRing(raw)
		if err != nil {
			return nil, atlaserrors.NewGeometryError(atlaserrors.CodeInvalidRing, fmt.Sprintf("ring %d: %v", i, err))
		}
		if ring.Orientation() == orb.CW {
			exteriors = append(exteriors, ring)
		} else {
			holes = append(holes, ring)
		}
	}

	// Smallest exterior first so holes land in the tightest container.
	sort.SliceStable(exteriors, func(i, j int) bool {
		return math.Abs(signedArea(exteriors[i])) < math.Abs(signedArea(exteriors[j]))
	})

	polys := make([]orb.Polygon, len(exteriors))
	for i, ext := range exteriors {
		polys[i] = orb.Polygon{ext}
	}

	for _, hole := range holes {
		placed := false
		for i, ext := range exteriors {
			if ext.Bound().Contains(hole[0]) && planar.RingContains(ext, hole[0]) {
				polys[i] = append(polys[i], hole)
				placed = true
				break
			}
		}
		if !placed {
			polys = append(polys, orb.Polygon{hole})
		}
	}

	mp := make(orb.MultiPolygon, 0, len(polys))
	for _, p := range polys {
		mp = append(mp, normalizeWinding(p))
	}
	return mp, nil
}

func toRing(raw [][2]float64) (orb.Ring, error) {
	if len(raw) < 3 {
		return nil, fmt.Errorf("need at least 3 points, got %d", len(raw))
	}
	ring := make(orb.Ring, 0, len(raw)+1)
	for _, c := range raw {
		if math.IsNaN(c[0]) || math.IsNaN(c[1]) || math.IsInf(c[0], 0) || math.IsInf(c[1], 0) {
			return nil, fmt.Errorf("non-finite coordinate %v", c)
		}
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if len(ring) < 4 {
		return nil, fmt.Errorf("need at least 4 points when closed, got %d", len(ring))
	}
	if signedArea(ring) == 0 {
		return nil, fmt.Errorf("degenerate ring with zero area")
	}
	return ring, nil
}

// normalizeWinding returns a copy with the exterior CCW and holes CW.
func normalizeWinding(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		cp := append(orb.Ring(nil), r...)
		want := orb.CW
		if i == 0 {
			want = orb.CCW
		}
		if cp.Orientation() != want {
			cp.Reverse()
		}
		out[i] = cp
	}
	return out
}

// signedArea is the shoelace area; positive for counter-clockwise rings.
func signedArea(r orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(r)-1; i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

// Contains reports whether pt falls inside mp, honoring holes.
// Points exactly on an edge count as inside.
func Contains(mp orb.MultiPolygon, pt orb.Point) bool {
	if len(mp) == 0 || !mp.Bound().Contains(pt) {
		return false
	}
	return planar.MultiPolygonContains(mp, pt)
}
