package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// EarthRadiusMeters matches orb's spherical earth radius.
const EarthRadiusMeters = orb.EarthRadius

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

// PointSegmentMeters returns the distance from p to the segment a-b.
// The segment is projected onto a local equirectangular plane centred on p,
// which keeps the error well under a percent at department scale.
func PointSegmentMeters(p, a, b orb.Point) float64 {
	ax, ay := project(p, a)
	bx, by := project(p, b)

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(ax, ay)
	}

	// p is the origin of the projection.
	t := -(ax*dx + ay*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(ax+t*dx, ay+t*dy)
}

// PointLineMeters returns the distance from p to the nearest segment of ls.
func PointLineMeters(p orb.Point, ls orb.LineString) float64 {
	switch len(ls) {
	case 0:
		return math.Inf(1)
	case 1:
		return HaversineMeters(p, ls[0])
	}
	best := math.Inf(1)
	for i := 0; i < len(ls)-1; i++ {
		if d := PointSegmentMeters(p, ls[i], ls[i+1]); d < best {
			best = d
		}
	}
	return best
}

// MetersPerDegreeLat is the length of one degree of latitude.
func MetersPerDegreeLat() float64 {
	return EarthRadiusMeters * math.Pi / 180
}

// MetersPerDegreeLon is the length of one degree of longitude at lat.
func MetersPerDegreeLon(lat float64) float64 {
	return MetersPerDegreeLat() * math.Cos(lat*math.Pi/180)
}

func project(origin, q orb.Point) (x, y float64) {
	dLon := q[0] - origin[0]
	// Wrap across the antimeridian.
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	x = dLon * MetersPerDegreeLon(origin[1])
	y = (q[1] - origin[1]) * MetersPerDegreeLat()
	return x, y
}
