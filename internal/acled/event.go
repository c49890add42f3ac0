// Package acled reads and validates ACLED conflict event exports.
package acled

import (
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Event is one ACLED conflict event.
type Event struct {
	ID                string    `json:"event_id_cnty"`
	Date              time.Time `json:"event_date"`
	Year              int       `json:"year"`
	TimePrecision     int       `json:"time_precision"`
	DisorderType      string    `json:"disorder_type"`
	EventType         string    `json:"event_type"`
	SubEventType      string    `json:"sub_event_type"`
	Actor1            string    `json:"actor1"`
	AssocActor1       string    `json:"assoc_actor_1"`
	Actor2            string    `json:"actor2"`
	AssocActor2       string    `json:"assoc_actor_2"`
	Interaction       string    `json:"interaction"`
	CivilianTargeting string    `json:"civilian_targeting"`
	ISO               string    `json:"iso"`
	Country           string    `json:"country"`
	Admin1            string    `json:"admin1"`
	Admin2            string    `json:"admin2"`
	Admin3            string    `json:"admin3"`
	Location          string    `json:"location"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	GeoPrecision      int       `json:"geo_precision"`
	Source            string    `json:"source"`
	Notes             string    `json:"notes"`
	Fatalities        int       `json:"fatalities"`
	Tags              string    `json:"tags"`
	Timestamp         int64     `json:"timestamp"`
}

// Point returns the event location as [lon, lat].
func (e *Event) Point() orb.Point {
	return orb.Point{e.Longitude, e.Latitude}
}

// Actors returns the non-empty primary actors.
func (e *Event) Actors() []string {
	var out []string
	for _, a := range []string{e.Actor1, e.Actor2} {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Filter narrows a set of events. Zero fields match everything.
type Filter struct {
	From       time.Time
	To         time.Time
	Country    string
	EventTypes []string
}

// Match reports whether e passes the filter. From and To are inclusive days.
func (f Filter) Match(e *Event) bool {
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To) {
		return false
	}
	if f.Country != "" && !strings.EqualFold(f.Country, e.Country) && !strings.EqualFold(f.Country, e.ISOAlpha3()) {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if strings.EqualFold(t, e.EventType) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Apply returns the events matching f, preserving order.
func (f Filter) Apply(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for i := range events {
		if f.Match(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}

// isoNumericToAlpha3 covers the countries ACLED codes in the Caribbean
// region the analysis is scoped to.
var isoNumericToAlpha3 = map[string]string{
	"332": "HTI",
	"214": "DOM",
	"192": "CUB",
	"388": "JAM",
}

// ISOAlpha3 maps ACLED's numeric ISO code to alpha-3 when known.
func (e *Event) ISOAlpha3() string {
	if a3, ok := isoNumericToAlpha3[strings.TrimSpace(e.ISO)]; ok {
		return a3
	}
	return ""
}
