package geo

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// square returns a clockwise (ArcGIS exterior) square ring.
func squareCW(minX, minY, maxX, maxY float64) [][2]float64 {
	return [][2]float64{{minX, minY}, {minX, maxY}, {maxX, maxY}, {maxX, minY}, {minX, minY}}
}

func squareCCW(minX, minY, maxX, maxY float64) [][2]float64 {
	return [][2]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

func TestAssembleRings_ExteriorWithHole(t *testing.T) {
	mp, err := AssembleRings([][][2]float64{
		squareCCW(2, 2, 4, 4), // hole listed first
		squareCW(0, 0, 10, 10),
	})
	require.NoError(t, err)
	require.Len(t, mp, 1)
	require.Len(t, mp[0], 2, "hole should be attached to the exterior")

	assert.Equal(t, orb.CCW, mp[0][0].Orientation())
	assert.Equal(t, orb.CW, mp[0][1].Orientation())

	assert.True(t, Contains(mp, orb.Point{1, 1}))
	assert.False(t, Contains(mp, orb.Point{3, 3}), "point in hole")
	assert.False(t, Contains(mp, orb.Point{11, 1}))
}

func TestAssembleRings_Islands(t *testing.T) {
	mp, err := AssembleRings([][][2]float64{
		squareCW(0, 0, 1, 1),
		squareCW(5, 5, 6, 6),
	})
	require.NoError(t, err)
	require.Len(t, mp, 2)
	assert.True(t, Contains(mp, orb.Point{0.5, 0.5}))
	assert.True(t, Contains(mp, orb.Point{5.5, 5.5}))
	assert.False(t, Contains(mp, orb.Point{3, 3}))
}

func TestAssembleRings_NestedHolePicksSmallestExterior(t *testing.T) {
	mp, err := AssembleRings([][][2]float64{
		squareCW(0, 0, 100, 100),
		squareCW(10, 10, 20, 20),
		squareCCW(12, 12, 14, 14),
	})
	require.NoError(t, err)
	require.Len(t, mp, 2)

	for _, poly := range mp {
		if poly.Bound().Max[0] == 20 {
			assert.Len(t, poly, 2, "hole belongs to the small exterior")
		} else {
			assert.Len(t, poly, 1)
		}
	}
}

func TestAssembleRings_OrphanHoleBecomesExterior(t *testing.T) {
	mp, err := AssembleRings([][][2]float64{squareCCW(0, 0, 1, 1)})
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.True(t, Contains(mp, orb.Point{0.5, 0.5}))
}

func TestAssembleRings_ClosesOpenRings(t *testing.T) {
	open := [][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}}
	mp, err := AssembleRings([][][2]float64{open})
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.True(t, mp[0][0].Closed())
}

func TestAssembleRings_Invalid(t *testing.T) {
	cases := map[string][][2]float64{
		"too few points": {{0, 0}, {1, 1}},
		"nan":            {{0, 0}, {0, math.NaN()}, {1, 1}, {0, 0}},
		"degenerate":     {{0, 0}, {1, 1}, {2, 2}, {0, 0}},
	}
	for name, ring := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := AssembleRings([][][2]float64{ring})
			require.Error(t, err)
			assert.Equal(t, atlaserrors.CodeInvalidRing, atlaserrors.GetCode(err))
		})
	}
}

func TestAssembleRings_Empty(t *testing.T) {
	mp, err := AssembleRings(nil)
	require.NoError(t, err)
	assert.Nil(t, mp)
	assert.False(t, Contains(mp, orb.Point{0, 0}))
}

func TestHaversineMeters_KnownDistance(t *testing.T) {
	portAuPrince := orb.Point{-72.3388, 18.5392}
	capHaitien := orb.Point{-72.2000, 19.7592}
	d := HaversineMeters(portAuPrince, capHaitien)
	// Roughly 136 km as the crow flies.
	assert.InDelta(t, 136000, d, 3000)
}

func TestPointSegmentMeters(t *testing.T) {
	a := orb.Point{-72.0, 18.0}
	b := orb.Point{-72.0, 19.0}

	// Perpendicular foot inside the segment.
	p := orb.Point{-71.99, 18.5}
	want := 0.01 * MetersPerDegreeLon(18.5)
	assert.InDelta(t, want, PointSegmentMeters(p, a, b), 1)

	// Beyond the end: distance to the endpoint.
	q := orb.Point{-72.0, 19.01}
	assert.InDelta(t, HaversineMeters(q, b), PointSegmentMeters(q, a, b), 5)

	// Degenerate segment.
	assert.InDelta(t, HaversineMeters(p, a), PointSegmentMeters(p, a, a), 50)
}

func TestPointLineMeters(t *testing.T) {
	ls := orb.LineString{{0, 0}, {0, 1}, {1, 1}}
	assert.InDelta(t, 0, PointLineMeters(orb.Point{0, 0.5}, ls), 1e-6)
	assert.True(t, math.IsInf(PointLineMeters(orb.Point{0, 0}, nil), 1))
	assert.Greater(t, PointLineMeters(orb.Point{0.5, 0.5}, ls), 0.0)
}

func TestProperty_GeometryInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("haversine is symmetric and non-negative", prop.ForAll(
		func(lon1, lat1, lon2, lat2 float64) bool {
			a, b := orb.Point{lon1, lat1}, orb.Point{lon2, lat2}
			d1, d2 := HaversineMeters(a, b), HaversineMeters(b, a)
			return d1 >= 0 && math.Abs(d1-d2) < 1e-6
		},
		gen.Float64Range(-75, -71), gen.Float64Range(17.5, 20.5),
		gen.Float64Range(-75, -71), gen.Float64Range(17.5, 20.5),
	))

	properties.Property("segment distance never exceeds distance to either endpoint", prop.ForAll(
		func(px, py, ax, ay, bx, by float64) bool {
			p, a, b := orb.Point{px, py}, orb.Point{ax, ay}, orb.Point{bx, by}
			d := PointSegmentMeters(p, a, b)
			return d <= PointSegmentMeters(p, a, a)+1e-6 && d <= PointSegmentMeters(p, b, b)+1e-6
		},
		gen.Float64Range(-74.5, -71.6), gen.Float64Range(18, 20),
		gen.Float64Range(-74.5, -71.6), gen.Float64Range(18, 20),
		gen.Float64Range(-74.5, -71.6), gen.Float64Range(18, 20),
	))

	properties.Property("points strictly inside a square are contained, outside are not", prop.ForAll(
		func(x, y float64) bool {
			mp, err := AssembleRings([][][2]float64{squareCW(-73, 18, -72, 19)})
			if err != nil {
				return false
			}
			inside := x > -73 && x < -72 && y > 18 && y < 19
			onEdge := x == -73 || x == -72 || y == 18 || y == 19
			if onEdge {
				return true
			}
			return Contains(mp, orb.Point{x, y}) == inside
		},
		gen.Float64Range(-74, -71), gen.Float64Range(17, 20),
	))

	properties.TestingRun(t)
}
