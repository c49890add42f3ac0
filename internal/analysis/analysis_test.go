package analysis

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conflictatlas/conflictatlas/internal/acled"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"github.com/conflictatlas/conflictatlas/internal/config"
	"github.com/conflictatlas/conflictatlas/internal/roads"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleEvents() []acled.Event {
	return []acled.Event{
		{ID: "HTI1", Date: day("2023-01-05"), EventType: "Battles", SubEventType: "Armed clash", Actor1: "Gang A", Actor2: "Police", Fatalities: 3},
		{ID: "HTI2", Date: day("2023-01-20"), EventType: "Riots", SubEventType: "Violent demonstration", Actor1: "Rioters", Fatalities: 0},
		{ID: "HTI3", Date: day("2023-03-02"), EventType: "Battles", SubEventType: "Armed clash", Actor1: "Gang A", Actor2: "Gang B", Fatalities: 5},
		{ID: "HTI4", Date: day("2023-03-15"), EventType: "Violence against civilians", SubEventType: "Attack", Actor1: "Gang B", Fatalities: 1},
	}
}

func sampleAssignments() map[string]spatial.Assignment {
	return map[string]spatial.Assignment{
		"HTI1": {EventID: "HTI1", Admin1Code: "HT01", Admin1Name: "Ouest", Admin2Code: "HT0111", Admin2Name: "Port-au-Prince"},
		"HTI2": {EventID: "HTI2", Admin1Code: "HT01", Admin1Name: "Ouest", NameMismatch: true},
		"HTI3": {EventID: "HTI3", Admin1Code: "HT02", Admin1Name: "Sud-Est", Admin2Code: "HT0211", Admin2Name: "Jacmel"},
		"HTI4": {EventID: "HTI4", Unassigned: true},
	}
}

func TestPartial_Merge(t *testing.T) {
	var a, b, all Partial
	for _, v := range []float64{3, 1, 7} {
		a.Accumulate(v)
		all.Accumulate(v)
	}
	for _, v := range []float64{0, 9} {
		b.Accumulate(v)
		all.Accumulate(v)
	}
	var empty Partial
	a.Merge(b)
	a.Merge(empty)
	assert.Equal(t, all, a)
	assert.Equal(t, 4.0, a.Avg())
	assert.Equal(t, 0.0, empty.Avg())

	empty.Merge(b)
	assert.Equal(t, b, empty)
}

func TestTemporal_MonthlyContiguous(t *testing.T) {
	rows, err := New(2).Temporal(sampleEvents(), config.BucketMonth)
	require.NoError(t, err)
	want := []TemporalRow{
		{Start: day("2023-01-01"), Key: "2023-01", Events: 2, Fatalities: 3},
		{Start: day("2023-02-01"), Key: "2023-02"},
		{Start: day("2023-03-01"), Key: "2023-03", Events: 2, Fatalities: 6},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("temporal mismatch (-want +got):\n%s", diff)
	}
}

func TestTemporal_Weekly(t *testing.T) {
	rows, err := New(1).Temporal(sampleEvents()[:2], config.BucketWeek)
	require.NoError(t, err)
	// 2023-01-05 is a Thursday; its week starts Monday 2023-01-02.
	require.Len(t, rows, 3)
	assert.Equal(t, day("2023-01-02"), rows[0].Start)
	assert.Equal(t, "2023-W01", rows[0].Key)
	assert.Equal(t, "2023-W03", rows[2].Key)
	assert.Equal(t, 1, rows[2].Events)
}

func TestTemporal_Errors(t *testing.T) {
	_, err := New(1).Temporal(sampleEvents(), "quarter")
	assert.Error(t, err)

	rows, err := New(1).Temporal(nil, config.BucketDay)
	assert.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBucketKey(t *testing.T) {
	d := day("2023-06-15")
	assert.Equal(t, "2023-06-15", BucketKey(BucketStart(d, config.BucketDay), config.BucketDay))
	assert.Equal(t, "2023", BucketKey(BucketStart(d, config.BucketYear), config.BucketYear))
	assert.Equal(t, day("2023-06-12"), BucketStart(d, config.BucketWeek))
}

func TestByAdmin(t *testing.T) {
	a := New(2)
	rows := a.ByAdmin(sampleEvents(), sampleAssignments(), boundary.LevelAdmin1, nil)
	want := []Row{
		{Key: "HT01", Name: "Ouest", Events: 2, Fatalities: 3, MaxFatalities: 3, MeanFatalities: 1.5, Distinct: 2},
		{Key: "HT02", Name: "Sud-Est", Events: 1, Fatalities: 5, MaxFatalities: 5, MeanFatalities: 5, Distinct: 1},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("admin1 mismatch (-want +got):\n%s", diff)
	}

	set := boundary.NewSet("HTI", map[boundary.Level][]*boundary.Unit{
		boundary.LevelAdmin2: {
			{Code: "HT0111", Name: "Port-au-Prince"},
			{Code: "HT0211", Name: "Jacmel"},
			{Code: "HT0311", Name: "Cap-Haitien"},
		},
	})
	rows = a.ByAdmin(sampleEvents(), sampleAssignments(), boundary.LevelAdmin2, set)
	assert.Equal(t, []string{"HT0111", "HT0211", "HT0311"}, Keys(rows))
	assert.Equal(t, 0, rows[2].Events)
	assert.Equal(t, "Cap-Haitien", rows[2].Name)
}

func TestByEventTypeAndActor(t *testing.T) {
	a := New(3)
	types := a.ByEventType(sampleEvents())
	assert.Equal(t, []string{"Battles", "Riots", "Violence against civilians"}, Keys(types))
	assert.Equal(t, 8, types[0].Fatalities)
	assert.Equal(t, 1, types[0].Distinct)

	actors := a.ByActor(sampleEvents(), 2)
	assert.Equal(t, []string{"Gang A", "Gang B"}, Keys(actors))
	assert.Equal(t, 2, actors[0].Events)
	assert.Equal(t, 2, actors[1].Distinct)

	all := a.ByActor(sampleEvents(), 0)
	assert.Len(t, all, 4)

	same := a.ByActor([]acled.Event{{ID: "x", Actor1: "Police", Actor2: "police"}}, 0)
	require.Len(t, same, 1)
	assert.Equal(t, 1, same[0].Events)
}

func TestByProximityBand(t *testing.T) {
	distances := map[string]roads.Distance{
		"HTI1": {EventID: "HTI1", Meters: 200, Found: true},
		"HTI2": {EventID: "HTI2", Meters: 7000, Found: true},
		"HTI3": {EventID: "HTI3", Meters: 400, Found: true},
		"HTI4": {EventID: "HTI4"},
	}
	rows := New(1).ByProximityBand(distances, sampleEvents(), roads.DefaultBandsKm)
	assert.Equal(t, []string{"0-1km", "1-5km", "5-10km", "10-25km", "far"}, Keys(rows))
	assert.Equal(t, 2, rows[0].Events)
	assert.Equal(t, 8, rows[0].Fatalities)
	assert.Equal(t, 0, rows[1].Events)
	assert.Equal(t, 1, rows[2].Events)
	assert.Equal(t, 1, rows[4].Events)
}

func TestSummarize(t *testing.T) {
	tot := Summarize(sampleEvents(), sampleAssignments())
	assert.Equal(t, Totals{
		Events: 4, Fatalities: 9, First: day("2023-01-05"), Last: day("2023-03-15"),
		Unassigned: 1, NameMismatches: 1, EventTypes: 3,
	}, tot)
}

// TestProperty_ShardingDoesNotChangeResults checks that merging partial
// aggregates from many shards equals a single-shard pass.
func TestProperty_ShardingDoesNotChangeResults(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	types := []string{"Battles", "Riots", "Protests", "Explosions/Remote violence"}

	properties.Property("workers do not affect aggregates", prop.ForAll(
		func(fatalities []int, workers int) bool {
			events := make([]acled.Event, len(fatalities))
			for i, f := range fatalities {
				events[i] = acled.Event{
					ID:         fmt.Sprintf("HTI%d", i),
					Date:       day("2022-01-01").AddDate(0, 0, i%400),
					EventType:  types[i%len(types)],
					Actor1:     fmt.Sprintf("Actor %d", i%7),
					Fatalities: f,
				}
			}
			one, many := New(1), New(workers)

			t1, err1 := one.Temporal(events, config.BucketWeek)
			t2, err2 := many.Temporal(events, config.BucketWeek)
			if err1 != nil || err2 != nil || !cmp.Equal(t1, t2) {
				return false
			}
			if !cmp.Equal(one.ByEventType(events), many.ByEventType(events)) {
				return false
			}
			return cmp.Equal(one.ByActor(events, 5), many.ByActor(events, 5))
		},
		gen.SliceOfN(3000, gen.IntRange(0, 50)),
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}
