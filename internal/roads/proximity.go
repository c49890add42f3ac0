package roads

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/conflictatlas/conflictatlas/internal/acled"
)

// BandFar labels distances beyond the last band.
const BandFar = "far"

// DefaultBandsKm are the proximity band upper edges in kilometres.
var DefaultBandsKm = []float64{1, 5, 10, 25}

// Distance is the proximity of one event to the road network.
type Distance struct {
	EventID string
	RoadID  string
	Class   string
	Meters  float64

	// Found is false when no road lies within the search radius.
	Found bool
}

// Proximity measures the nearest-road distance of every event, searching no
// further than maxMeters. The result is index-aligned with events.
func Proximity(ctx context.Context, net *Network, events []acled.Event, workers int, maxMeters float64) ([]Distance, error) {
	if workers <= 0 {
		workers = 1
	}
	out := make([]Distance, len(events))

	const chunk = 128
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(events); start += chunk {
		start, end := start, min(start+chunk, len(events))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				d := Distance{EventID: events[i].ID}
				if m, ok := net.Nearest(events[i].Point(), maxMeters); ok {
					d.RoadID, d.Class, d.Meters, d.Found = m.RoadID, m.Class, m.Meters, true
				}
				out[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Band classifies a distance in meters against ascending band edges in
// kilometres. Distances not found are "far".
func Band(d Distance, bandsKm []float64) string {
	if !d.Found {
		return BandFar
	}
	labels := BandLabels(bandsKm)
	for i, edge := range bandsKm {
		if d.Meters < edge*1000 {
			return labels[i]
		}
	}
	return BandFar
}

// BandLabels returns the labels of bandsKm in order, followed by "far".
func BandLabels(bandsKm []float64) []string {
	labels := make([]string, 0, len(bandsKm)+1)
	lower := 0.0
	for _, edge := range bandsKm {
		labels = append(labels, fmt.Sprintf("%g-%gkm", lower, edge))
		lower = edge
	}
	return append(labels, BandFar)
}
