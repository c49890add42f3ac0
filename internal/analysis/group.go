package analysis

import (
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/conflictatlas/conflictatlas/internal/acled"
)

// group is the partial state of one group key.
type group struct {
	name       string
	fatalities Partial
	distinct   map[string]struct{}
}

type groups map[string]*group

// keyFunc returns the group keys an event contributes to along with a
// display name per key and the value counted as distinct.
type keyFunc func(e *acled.Event) []groupKey

type groupKey struct {
	key      string
	name     string
	distinct string
}

func (gs groups) accumulate(k groupKey, fatalities int) {
	g, ok := gs[k.key]
	if !ok {
		g = &group{name: k.name, distinct: make(map[string]struct{})}
		gs[k.key] = g
	}
	g.fatalities.Accumulate(float64(fatalities))
	if k.distinct != "" {
		g.distinct[k.distinct] = struct{}{}
	}
}

func (gs groups) merge(src groups) {
	for key, s := range src {
		g, ok := gs[key]
		if !ok {
			gs[key] = s
			continue
		}
		g.fatalities.Merge(s.fatalities)
		for d := range s.distinct {
			g.distinct[d] = struct{}{}
		}
		if g.name == "" {
			g.name = s.name
		}
	}
}

// groupEvents splits events into shards, aggregates each shard on its own
// goroutine and merges the partial results.
func groupEvents(events []acled.Event, workers int, fn keyFunc) groups {
	if workers <= 0 {
		workers = 1
	}
	shardSize := (len(events) + workers - 1) / workers
	if shardSize < 512 {
		shardSize = 512
	}

	partials := make([]groups, (len(events)+shardSize-1)/shardSize)

	var g errgroup.Group
	for i := range partials {
		start := i * shardSize
		end := min(start+shardSize, len(events))
		shard := groups{}
		partials[i] = shard
		g.Go(func() error {
			for j := start; j < end; j++ {
				e := &events[j]
				for _, k := range fn(e) {
					shard.accumulate(k, e.Fatalities)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := groups{}
	for _, p := range partials {
		out.merge(p)
	}
	return out
}

// Row is one aggregated group.
type Row struct {
	Key            string  `json:"key"`
	Name           string  `json:"name,omitempty"`
	Events         int     `json:"events"`
	Fatalities     int     `json:"fatalities"`
	MaxFatalities  int     `json:"max_fatalities"`
	MeanFatalities float64 `json:"mean_fatalities"`

	// Distinct counts distinct event types for admin and actor rows, and
	// distinct sub-event types for event type rows.
	Distinct int `json:"distinct"`
}

func (gs groups) rows() []Row {
	out := make([]Row, 0, len(gs))
	for key, g := range gs {
		out = append(out, g.row(key))
	}
	return out
}

func (g *group) row(key string) Row {
	return Row{
		Key:            key,
		Name:           g.name,
		Events:         int(g.fatalities.Count),
		Fatalities:     int(g.fatalities.Sum),
		MaxFatalities:  int(g.fatalities.Max),
		MeanFatalities: g.fatalities.Avg(),
		Distinct:       len(g.distinct),
	}
}

// SortRows orders rows by events descending then key ascending.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Events != rows[j].Events {
			return rows[i].Events > rows[j].Events
		}
		return rows[i].Key < rows[j].Key
	})
}
