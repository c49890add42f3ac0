// Package spatial assigns conflict events to the administrative units that
// contain them.
package spatial

import (
	"context"
	"strings"
	"unicode"

	"github.com/conflictatlas/conflictatlas/internal/acled"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Assignment links one event to its admin 1 and admin 2 units.
type Assignment struct {
	EventID    string
	Admin1Code string
	Admin1Name string
	Admin2Code string
	Admin2Name string

	// Unassigned is set when no unit at any level contains the event.
	Unassigned bool

	// NameMismatch is set when ACLED's own admin1 label does not match the
	// polygon the point falls in.
	NameMismatch bool
}

// JoinStats summarises a join.
type JoinStats struct {
	Total          int
	Assigned       int
	Unassigned     int
	Admin2Missing  int
	NameMismatches int
}

// chunkSize bounds how many events a single worker task handles.
const chunkSize = 256

// Join assigns every event to its containing units using up to workers
// goroutines. The result is index-aligned with events.
func Join(ctx context.Context, set *boundary.Set, events []acled.Event, workers int) ([]Assignment, JoinStats, error) {
	if workers <= 0 {
		workers = 1
	}
	out := make([]Assignment, len(events))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(events); start += chunkSize {
		start := start
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				out[i] = assign(set, &events[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, JoinStats{}, err
	}

	stats := JoinStats{Total: len(out)}
	for _, a := range out {
		switch {
		case a.Unassigned:
			stats.Unassigned++
		default:
			stats.Assigned++
			if a.Admin2Code == "" {
				stats.Admin2Missing++
			}
		}
		if a.NameMismatch {
			stats.NameMismatches++
		}
	}
	return out, stats, nil
}

func assign(set *boundary.Set, e *acled.Event) Assignment {
	a := Assignment{EventID: e.ID}
	admin1, admin2 := set.Locate(e.Point())
	if admin1 == nil && admin2 == nil {
		a.Unassigned = true
		return a
	}
	if admin1 != nil {
		a.Admin1Code, a.Admin1Name = admin1.Code, admin1.Name
	}
	if admin2 != nil {
		a.Admin2Code, a.Admin2Name = admin2.Code, admin2.Name
	}
	if e.Admin1 != "" && a.Admin1Name != "" && !SameName(e.Admin1, a.Admin1Name) {
		a.NameMismatch = true
	}
	return a
}

// SameName compares place names ignoring case, accents and punctuation.
// "Grand'Anse" and "Grand Anse" are the same name.
func SameName(a, b string) bool {
	return FoldName(a) == FoldName(b)
}

// FoldName lowercases s, strips diacritics and drops everything that is not
// a letter or digit.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
