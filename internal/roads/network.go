// Package roads indexes a road network and measures how far conflict events
// are from the nearest road.
package roads

import (
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/geo"
)

// DefaultCellDegrees is the grid cell size used when none is configured.
const DefaultCellDegrees = 0.05

// Road is one road feature.
type Road struct {
	ID    string
	Class string
	Lines orb.MultiLineString
}

// Match is the result of a nearest-road search.
type Match struct {
	RoadID string
	Class  string
	Meters float64
}

type segment struct {
	road int
	a, b orb.Point
}

type cellKey struct {
	x, y int
}

// Network is a set of roads with a uniform lon/lat grid index over their
// segments. It is safe for concurrent reads.
type Network struct {
	roads []Road
	segs  []segment
	grid  map[cellKey][]int
	cell  float64

	// extent of occupied cells, used to stop ring expansion
	minCell, maxCell cellKey

	// Skipped counts features whose geometry was not a line.
	Skipped int
}

// NewNetwork indexes roads on a grid of cellDegrees.
func NewNetwork(roads []Road, cellDegrees float64) *Network {
	if cellDegrees <= 0 {
		cellDegrees = DefaultCellDegrees
	}
	n := &Network{
		roads:   roads,
		grid:    make(map[cellKey][]int),
		cell:    cellDegrees,
		minCell: cellKey{math.MaxInt, math.MaxInt},
		maxCell: cellKey{math.MinInt, math.MinInt},
	}
	for ri, r := range roads {
		for _, ls := range r.Lines {
			if len(ls) == 1 {
				n.addSegment(segment{road: ri, a: ls[0], b: ls[0]})
			}
			for i := 0; i+1 < len(ls); i++ {
				n.addSegment(segment{road: ri, a: ls[i], b: ls[i+1]})
			}
		}
	}
	return n
}

func (n *Network) addSegment(s segment) {
	idx := len(n.segs)
	n.segs = append(n.segs, s)

	lo := n.cellOf(orb.Point{math.Min(s.a[0], s.b[0]), math.Min(s.a[1], s.b[1])})
	hi := n.cellOf(orb.Point{math.Max(s.a[0], s.b[0]), math.Max(s.a[1], s.b[1])})
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			k := cellKey{x, y}
			n.grid[k] = append(n.grid[k], idx)
		}
	}
	n.minCell.x = min(n.minCell.x, lo.x)
	n.minCell.y = min(n.minCell.y, lo.y)
	n.maxCell.x = max(n.maxCell.x, hi.x)
	n.maxCell.y = max(n.maxCell.y, hi.y)
}

func (n *Network) cellOf(p orb.Point) cellKey {
	return cellKey{int(math.Floor(p[0] / n.cell)), int(math.Floor(p[1] / n.cell))}
}

// Len returns the number of roads.
func (n *Network) Len() int { return len(n.roads) }

// Segments returns the number of indexed segments.
func (n *Network) Segments() int { return len(n.segs) }

// Nearest returns the road closest to pt. Rings of grid cells are searched
// outward from pt's cell until the best distance found is no greater than the
// distance to the unexplored area. A maxMeters of zero or less means no
// limit. ok is false when no road lies within maxMeters.
func (n *Network) Nearest(pt orb.Point, maxMeters float64) (Match, bool) {
	m, ok, _ := n.nearest(pt, maxMeters)
	return m, ok
}

// nearest also reports how many rings were searched.
func (n *Network) nearest(pt orb.Point, maxMeters float64) (Match, bool, int) {
	if len(n.segs) == 0 {
		return Match{}, false, 0
	}
	if maxMeters <= 0 {
		maxMeters = math.Inf(1)
	}

	c := n.cellOf(pt)
	mLon := geo.MetersPerDegreeLon(pt[1])
	mLat := geo.MetersPerDegreeLat()

	// Rings closer than the occupied extent are empty, rings past its
	// farthest corner hold nothing new.
	minRing := max(
		n.minCell.x-c.x, c.x-n.maxCell.x,
		n.minCell.y-c.y, c.y-n.maxCell.y, 0,
	)
	maxRing := max(
		abs(c.x-n.minCell.x), abs(n.maxCell.x-c.x),
		abs(c.y-n.minCell.y), abs(n.maxCell.y-c.y),
	)

	best := math.Inf(1)
	bestSeg := -1
	seen := make(map[int]struct{})

	rings := 0
	for r := minRing; r <= maxRing; r++ {
		rings++
		n.visitRing(c, r, func(idx int) {
			if _, ok := seen[idx]; ok {
				return
			}
			seen[idx] = struct{}{}
			s := n.segs[idx]
			if d := geo.PointSegmentMeters(pt, s.a, s.b); d < best {
				best, bestSeg = d, idx
			}
		})

		// Anything not yet seen lies wholly outside the explored square.
		west := pt[0] - float64(c.x-r)*n.cell
		east := float64(c.x+r+1)*n.cell - pt[0]
		south := pt[1] - float64(c.y-r)*n.cell
		north := float64(c.y+r+1)*n.cell - pt[1]
		frontier := math.Min(math.Min(west, east)*mLon, math.Min(south, north)*mLat)

		if best <= frontier || frontier > maxMeters {
			break
		}
	}

	if bestSeg < 0 || best > maxMeters {
		return Match{}, false, rings
	}
	road := n.roads[n.segs[bestSeg].road]
	return Match{RoadID: road.ID, Class: road.Class, Meters: best}, true, rings
}

// visitRing calls fn for every segment index in cells at Chebyshev
// distance r from c. Only the part of the ring inside the occupied extent
// is walked.
func (n *Network) visitRing(c cellKey, r int, fn func(int)) {
	visit := func(x, y int) {
		for _, idx := range n.grid[cellKey{x, y}] {
			fn(idx)
		}
	}
	if r == 0 {
		visit(c.x, c.y)
		return
	}
	x0, x1 := max(c.x-r, n.minCell.x), min(c.x+r, n.maxCell.x)
	for _, y := range [2]int{c.y - r, c.y + r} {
		if y < n.minCell.y || y > n.maxCell.y {
			continue
		}
		for x := x0; x <= x1; x++ {
			visit(x, y)
		}
	}
	y0, y1 := max(c.y-r+1, n.minCell.y), min(c.y+r-1, n.maxCell.y)
	for _, x := range [2]int{c.x - r, c.x + r} {
		if x < n.minCell.x || x > n.maxCell.x {
			continue
		}
		for y := y0; y <= y1; y++ {
			visit(x, y)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// LoadFile reads a GeoJSON FeatureCollection of road lines from path.
func LoadFile(path string, cellDegrees float64) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roads: failed to read %s: %w", path, err)
	}
	return Parse(data, cellDegrees)
}

// Parse decodes a GeoJSON FeatureCollection. LineString and MultiLineString
// features become roads; other geometries are counted in Skipped.
func Parse(data []byte, cellDegrees float64) (*Network, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, atlaserrors.Wrap(atlaserrors.ErrCategoryValidation, atlaserrors.CodeMalformedRecord,
			"roads: invalid GeoJSON", err)
	}

	var (
		roads   []Road
		skipped int
	)
	for i, f := range fc.Features {
		var lines orb.MultiLineString
		switch g := f.Geometry.(type) {
		case orb.LineString:
			lines = orb.MultiLineString{g}
		case orb.MultiLineString:
			lines = g
		default:
			skipped++
			continue
		}
		roads = append(roads, Road{
			ID:    featureID(f, i),
			Class: firstProperty(f.Properties, "highway", "class", "fclass"),
			Lines: lines,
		})
	}
	if len(roads) == 0 {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeEmptyInput, "roads: no line features in input")
	}

	n := NewNetwork(roads, cellDegrees)
	n.Skipped = skipped
	return n, nil
}

func featureID(f *geojson.Feature, i int) string {
	if id := firstProperty(f.Properties, "osm_id", "id"); id != "" {
		return id
	}
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	return fmt.Sprintf("road-%d", i)
}

func firstProperty(props geojson.Properties, keys ...string) string {
	for _, k := range keys {
		v, ok := props[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return fmt.Sprintf("%.0f", t)
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}
