package acled

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// RequiredColumns must be present in the header.
var RequiredColumns = []string{
	"event_id_cnty", "event_date", "event_type", "actor1", "latitude", "longitude", "fatalities",
}

var dateLayouts = []string{
	"2006-01-02",
	"02 January 2006",
	"2 January 2006",
	"02-January-2006",
	"1/2/2006",
}

// RecordError describes one rejected record.
type RecordError struct {
	Line   int    `json:"line"`
	ID     string `json:"event_id_cnty,omitempty"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
}

// Result is the outcome of reading an export.
type Result struct {
	Events     []Event
	Rejected   []RecordError
	Duplicates int
}

// Reader parses ACLED CSV exports.
type Reader struct {
	// Strict stops at the first invalid record.
	Strict bool
}

// ReadFile reads the export at path.
func (r Reader) ReadFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeUnreachable, "failed to open ACLED export", err)
	}
	defer f.Close()
	return r.Read(f)
}

// Read parses an export. Columns are matched by header name, case
// insensitively. Invalid records are collected in Result.Rejected unless
// the reader is strict; duplicate IDs keep the first occurrence.
func (r Reader) Read(in io.Reader) (*Result, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, atlaserrors.NewValidationError(atlaserrors.CodeEmptyInput, "ACLED export is empty")
		}
		return nil, atlaserrors.Wrap(atlaserrors.ErrCategoryValidation, atlaserrors.CodeMalformedRecord, "failed to read header", err)
	}
	cols := indexHeader(header)
	for _, req := range RequiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, atlaserrors.NewValidationError(atlaserrors.CodeMissingColumn,
				fmt.Sprintf("ACLED export is missing column %q", req))
		}
	}

	res := &Result{}
	seen := make(map[string]struct{})
	line := 1

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			re := RecordError{Line: line, Field: "*", Reason: err.Error()}
			if r.Strict {
				return nil, malformed(re)
			}
			res.Rejected = append(res.Rejected, re)
			continue
		}

		ev, rerr := parseRecord(cols, rec)
		if rerr != nil {
			rerr.Line = line
			if r.Strict {
				return nil, malformed(*rerr)
			}
			res.Rejected = append(res.Rejected, *rerr)
			continue
		}

		if _, dup := seen[ev.ID]; dup {
			res.Duplicates++
			continue
		}
		seen[ev.ID] = struct{}{}
		res.Events = append(res.Events, ev)
	}

	return res, nil
}

func malformed(re RecordError) error {
	return atlaserrors.Wrap(atlaserrors.ErrCategoryValidation, atlaserrors.CodeMalformedRecord, "invalid ACLED record", re).
		WithDetails(map[string]interface{}{"line": re.Line, "field": re.Field})
}

func indexHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

type row struct {
	cols map[string]int
	rec  []string
}

func (r row) get(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r row) optionalInt(name string) int {
	v := r.get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func parseRecord(cols map[string]int, rec []string) (Event, *RecordError) {
	r := row{cols: cols, rec: rec}

	ev := Event{
		ID:                r.get("event_id_cnty"),
		DisorderType:      r.get("disorder_type"),
		EventType:         r.get("event_type"),
		SubEventType:      r.get("sub_event_type"),
		Actor1:            r.get("actor1"),
		AssocActor1:       r.get("assoc_actor_1"),
		Actor2:            r.get("actor2"),
		AssocActor2:       r.get("assoc_actor_2"),
		Interaction:       r.get("interaction"),
		CivilianTargeting: r.get("civilian_targeting"),
		ISO:               r.get("iso"),
		Country:           r.get("country"),
		Admin1:            r.get("admin1"),
		Admin2:            r.get("admin2"),
		Admin3:            r.get("admin3"),
		Location:          r.get("location"),
		Source:            r.get("source"),
		Notes:             r.get("notes"),
		Tags:              r.get("tags"),
		TimePrecision:     r.optionalInt("time_precision"),
		GeoPrecision:      r.optionalInt("geo_precision"),
		Year:              r.optionalInt("year"),
	}
	if ts := r.get("timestamp"); ts != "" {
		ev.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
	}

	fail := func(field, reason string) *RecordError {
		return &RecordError{ID: ev.ID, Field: field, Reason: reason}
	}

	if ev.ID == "" {
		return ev, fail("event_id_cnty", "missing event id")
	}
	if ev.EventType == "" {
		return ev, fail("event_type", "missing event type")
	}

	date, err := ParseDate(r.get("event_date"))
	if err != nil {
		return ev, fail("event_date", err.Error())
	}
	ev.Date = date
	if ev.Year == 0 {
		ev.Year = date.Year()
	}

	lat, err := parseCoord(r.get("latitude"), 90)
	if err != nil {
		return ev, fail("latitude", err.Error())
	}
	lon, err := parseCoord(r.get("longitude"), 180)
	if err != nil {
		return ev, fail("longitude", err.Error())
	}
	ev.Latitude, ev.Longitude = lat, lon

	fat := r.get("fatalities")
	if fat == "" {
		return ev, fail("fatalities", "missing fatalities")
	}
	n, err := strconv.Atoi(fat)
	if err != nil {
		return ev, fail("fatalities", fmt.Sprintf("not an integer: %q", fat))
	}
	if n < 0 {
		return ev, fail("fatalities", "negative fatalities")
	}
	ev.Fatalities = n

	return ev, nil
}

// ParseDate accepts the date layouts ACLED exports have used.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func parseCoord(s string, limit float64) (float64, error) {
	if s == "" {
		return 0, errors.New("missing coordinate")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -limit || v > limit {
		return 0, fmt.Errorf("out of range: %v", v)
	}
	return v, nil
}
