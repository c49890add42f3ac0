package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/conflictatlas/conflictatlas/internal/acled"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"github.com/conflictatlas/conflictatlas/internal/config"
	"github.com/conflictatlas/conflictatlas/internal/roads"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
)

// Analyzer runs the aggregations over a bounded number of shards.
type Analyzer struct {
	workers int
}

// New returns an analyzer using up to workers goroutines per aggregation.
func New(workers int) *Analyzer {
	if workers <= 0 {
		workers = 1
	}
	return &Analyzer{workers: workers}
}

// TemporalRow is the activity of one time bucket.
type TemporalRow struct {
	Start      time.Time `json:"start"`
	Key        string    `json:"key"`
	Events     int       `json:"events"`
	Fatalities int       `json:"fatalities"`
}

// Temporal counts events and fatalities per bucket. Buckets run contiguously
// from the first to the last event, empty ones included, in time order.
func (a *Analyzer) Temporal(events []acled.Event, bucket string) ([]TemporalRow, error) {
	switch bucket {
	case config.BucketDay, config.BucketWeek, config.BucketMonth, config.BucketYear:
	default:
		return nil, fmt.Errorf("analysis: unknown time bucket %q", bucket)
	}
	if len(events) == 0 {
		return nil, nil
	}

	gs := groupEvents(events, a.workers, func(e *acled.Event) []groupKey {
		return []groupKey{{key: BucketStart(e.Date, bucket).Format("2006-01-02")}}
	})

	first, last := events[0].Date, events[0].Date
	for i := range events {
		if events[i].Date.Before(first) {
			first = events[i].Date
		}
		if events[i].Date.After(last) {
			last = events[i].Date
		}
	}

	var out []TemporalRow
	for t := BucketStart(first, bucket); !t.After(last); t = nextBucket(t, bucket) {
		row := TemporalRow{Start: t, Key: BucketKey(t, bucket)}
		if g, ok := gs[t.Format("2006-01-02")]; ok {
			row.Events = int(g.fatalities.Count)
			row.Fatalities = int(g.fatalities.Sum)
		}
		out = append(out, row)
	}
	return out, nil
}

// BucketStart truncates t to the start of its bucket in UTC. Weeks start on
// Monday.
func BucketStart(t time.Time, bucket string) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch bucket {
	case config.BucketWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case config.BucketMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case config.BucketYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// BucketKey labels a bucket start: 2023-01-05, 2023-W01, 2023-01 or 2023.
func BucketKey(start time.Time, bucket string) string {
	switch bucket {
	case config.BucketWeek:
		y, w := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case config.BucketMonth:
		return start.Format("2006-01")
	case config.BucketYear:
		return start.Format("2006")
	default:
		return start.Format("2006-01-02")
	}
}

func nextBucket(t time.Time, bucket string) time.Time {
	switch bucket {
	case config.BucketWeek:
		return t.AddDate(0, 0, 7)
	case config.BucketMonth:
		return t.AddDate(0, 1, 0)
	case config.BucketYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// ByAdmin aggregates events per unit at level (admin 1 or admin 2) using
// their assignments. Unassigned events are left out. When set is non-nil,
// units without events are included with zero counts.
func (a *Analyzer) ByAdmin(events []acled.Event, assignments map[string]spatial.Assignment, level boundary.Level, set *boundary.Set) []Row {
	gs := groupEvents(events, a.workers, func(e *acled.Event) []groupKey {
		as, ok := assignments[e.ID]
		if !ok || as.Unassigned {
			return nil
		}
		code, name := as.Admin1Code, as.Admin1Name
		if level == boundary.LevelAdmin2 {
			code, name = as.Admin2Code, as.Admin2Name
		}
		if code == "" {
			return nil
		}
		return []groupKey{{key: code, name: name, distinct: e.EventType}}
	})

	rows := gs.rows()
	if set != nil {
		for _, u := range set.Units(level) {
			if _, ok := gs[u.Code]; !ok {
				rows = append(rows, Row{Key: u.Code, Name: u.Name})
			}
		}
	}
	SortRows(rows)
	return rows
}

// ByEventType aggregates events per ACLED event type.
func (a *Analyzer) ByEventType(events []acled.Event) []Row {
	gs := groupEvents(events, a.workers, func(e *acled.Event) []groupKey {
		return []groupKey{{key: e.EventType, distinct: e.SubEventType}}
	})
	rows := gs.rows()
	SortRows(rows)
	return rows
}

// ByActor aggregates events per primary actor and keeps the topN busiest.
// An event counts once for each distinct actor. topN <= 0 keeps every actor.
func (a *Analyzer) ByActor(events []acled.Event, topN int) []Row {
	gs := groupEvents(events, a.workers, func(e *acled.Event) []groupKey {
		actors := e.Actors()
		keys := make([]groupKey, 0, len(actors))
		for i, actor := range actors {
			if i > 0 && strings.EqualFold(actor, actors[0]) {
				continue
			}
			keys = append(keys, groupKey{key: actor, distinct: e.EventType})
		}
		return keys
	})
	rows := gs.rows()
	SortRows(rows)
	if topN > 0 && len(rows) > topN {
		rows = rows[:topN]
	}
	return rows
}

// ByProximityBand aggregates events per distance band. Rows follow band
// order, nearest first, with "far" last; every band is present. Events
// without a measured distance are left out.
func (a *Analyzer) ByProximityBand(distances map[string]roads.Distance, events []acled.Event, bandsKm []float64) []Row {
	gs := groupEvents(events, a.workers, func(e *acled.Event) []groupKey {
		d, ok := distances[e.ID]
		if !ok {
			return nil
		}
		return []groupKey{{key: roads.Band(d, bandsKm), distinct: e.EventType}}
	})

	labels := roads.BandLabels(bandsKm)
	rows := make([]Row, 0, len(labels))
	for _, label := range labels {
		if g, ok := gs[label]; ok {
			rows = append(rows, g.row(label))
		} else {
			rows = append(rows, Row{Key: label})
		}
	}
	return rows
}

// Totals summarises a set of events and their join results.
type Totals struct {
	Events         int       `json:"events"`
	Fatalities     int       `json:"fatalities"`
	First          time.Time `json:"first"`
	Last           time.Time `json:"last"`
	Unassigned     int       `json:"unassigned"`
	NameMismatches int       `json:"name_mismatches"`
	EventTypes     int       `json:"event_types"`
}

// Summarize computes overall totals.
func Summarize(events []acled.Event, assignments map[string]spatial.Assignment) Totals {
	t := Totals{Events: len(events)}
	types := make(map[string]struct{})
	for i := range events {
		e := &events[i]
		t.Fatalities += e.Fatalities
		types[e.EventType] = struct{}{}
		if t.First.IsZero() || e.Date.Before(t.First) {
			t.First = e.Date
		}
		if e.Date.After(t.Last) {
			t.Last = e.Date
		}
		if as, ok := assignments[e.ID]; ok {
			if as.Unassigned {
				t.Unassigned++
			}
			if as.NameMismatch {
				t.NameMismatches++
			}
		}
	}
	t.EventTypes = len(types)
	return t
}

// Keys returns the keys of rows in order.
func Keys(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}
