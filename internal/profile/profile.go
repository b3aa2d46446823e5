// Package profile models per-participant work patterns: weekly working
// windows in local civil time, a chronotype tag, and cultural adjustment
// rules that reshape windows during feed-defined periods.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/jurisdiction"
)

// MinutesPerDay is the civil-day bound for window edges.
const MinutesPerDay = 24 * 60

// Chronotype tags a participant's preferred part of day. It feeds fairness
// scoring, not availability itself.
type Chronotype string

const (
	ChronotypeEarly    Chronotype = "early"
	ChronotypeStandard Chronotype = "standard"
	ChronotypeLate     Chronotype = "late"
)

// ComfortRange returns the chronotype's core comfortable hours as minutes
// from local midnight.
func (c Chronotype) ComfortRange() (startMin, endMin int) {
	switch c {
	case ChronotypeEarly:
		return 7 * 60, 14 * 60
	case ChronotypeLate:
		return 11 * 60, 19 * 60
	default:
		return 9 * 60, 17 * 60
	}
}

// Window is a working window on one weekday, in the participant's local
// civil time as minutes from midnight. Start must be strictly before End.
type Window struct {
	Weekday  time.Weekday
	StartMin int
	EndMin   int
}

func (w Window) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d",
		w.Weekday, w.StartMin/60, w.StartMin%60, w.EndMin/60, w.EndMin%60)
}

// MonthDay is a recurring month/day point for fixed-span adjustment
// predicates.
type MonthDay struct {
	Month time.Month
	Day   int
}

// Adjustment reshapes matching-day windows. The predicate is either a named
// feed period (Period, e.g. "ramadan") or a fixed yearly month span
// (From..To, e.g. siesta season). Exactly one predicate form must be set.
//
// The delta scales the window length (anchored at the start) and/or shifts
// both edges. Scale 0 means "unchanged"; Scale 0.7 during Ramadan gives the
// classic shortened day.
type Adjustment struct {
	Name string

	Period string
	From   *MonthDay
	To     *MonthDay

	Scale    float64
	ShiftMin int
}

// matchesFixed reports whether d falls inside the From..To month span,
// including spans that wrap the year end.
func (a Adjustment) matchesFixed(d calendar.Date) bool {
	if a.From == nil || a.To == nil {
		return false
	}
	cur := int(d.Month)*100 + d.Day
	from := int(a.From.Month)*100 + a.From.Day
	to := int(a.To.Month)*100 + a.To.Day
	if from <= to {
		return cur >= from && cur <= to
	}
	return cur >= from || cur <= to
}

// Matches reports whether the adjustment applies on d. periods carries the
// feed-resolved named periods for the participant's jurisdiction.
func (a Adjustment) Matches(d calendar.Date, periods map[string][]calendar.DateRange) bool {
	if a.Period != "" {
		for _, pr := range periods[a.Period] {
			if pr.Contains(d) {
				return true
			}
		}
		return false
	}
	return a.matchesFixed(d)
}

// Apply returns the adjusted window edges, clamped to the civil day.
// A window collapsed to zero (or negative) length is reported as not ok and
// must be omitted by the caller.
func (a Adjustment) Apply(startMin, endMin int) (newStart, newEnd int, ok bool) {
	newStart, newEnd = startMin, endMin
	if a.Scale > 0 {
		length := float64(newEnd-newStart) * a.Scale
		newEnd = newStart + int(length+0.5)
	}
	newStart += a.ShiftMin
	newEnd += a.ShiftMin
	if newStart < 0 {
		newStart = 0
	}
	if newEnd > MinutesPerDay {
		newEnd = MinutesPerDay
	}
	if newStart >= newEnd {
		return 0, 0, false
	}
	return newStart, newEnd, true
}

// Profile is a participant's work pattern. Immutable per request.
type Profile struct {
	ID           string
	DisplayName  string
	Jurisdiction jurisdiction.ID
	Timezone     string
	Chronotype   Chronotype
	Windows      []Window
	Adjustments  []Adjustment
}

// InvalidProfileError reports a malformed profile (overlapping or inverted
// windows, bad timezone).
type InvalidProfileError struct {
	ProfileID string
	Reason    string
}

func (e *InvalidProfileError) Error() string {
	return fmt.Sprintf("profile %q invalid: %s", e.ProfileID, e.Reason)
}

func invalid(id, format string, args ...any) error {
	return &InvalidProfileError{ProfileID: id, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the window invariants: edges inside the civil day,
// start < end, and no overlap within a weekday.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid(p.ID, "missing id")
	}
	if _, err := p.Location(); err != nil {
		return invalid(p.ID, "timezone %q: %v", p.Timezone, err)
	}
	if len(p.Windows) == 0 {
		return invalid(p.ID, "no working windows")
	}

	byDay := map[time.Weekday][]Window{}
	for _, w := range p.Windows {
		if w.StartMin < 0 || w.EndMin > MinutesPerDay {
			return invalid(p.ID, "window %s outside civil day", w)
		}
		if w.StartMin >= w.EndMin {
			return invalid(p.ID, "window %s has start >= end", w)
		}
		byDay[w.Weekday] = append(byDay[w.Weekday], w)
	}
	for day, ws := range byDay {
		sort.Slice(ws, func(i, j int) bool { return ws[i].StartMin < ws[j].StartMin })
		for i := 1; i < len(ws); i++ {
			if ws[i].StartMin < ws[i-1].EndMin {
				return invalid(p.ID, "overlapping windows on %s: %s and %s", day, ws[i-1], ws[i])
			}
		}
	}

	for _, a := range p.Adjustments {
		hasPeriod := a.Period != ""
		hasSpan := a.From != nil && a.To != nil
		if hasPeriod == hasSpan {
			return invalid(p.ID, "adjustment %q needs exactly one of period or month span", a.Name)
		}
		if a.Scale < 0 {
			return invalid(p.ID, "adjustment %q has negative scale", a.Name)
		}
	}
	return nil
}

// Location loads the profile timezone. An empty timezone means UTC.
func (p Profile) Location() (*time.Location, error) {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// WindowsOn returns the base windows for a weekday, ascending by start.
func (p Profile) WindowsOn(day time.Weekday) []Window {
	var out []Window
	for _, w := range p.Windows {
		if w.Weekday == day {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMin < out[j].StartMin })
	return out
}

// ErrNotFound is returned by a Directory for unknown participants.
var ErrNotFound = errors.New("profile: not found")

// Directory is the read-only participant/work-profile collaborator.
type Directory interface {
	Profile(ctx context.Context, participantID string) (Profile, error)
}
