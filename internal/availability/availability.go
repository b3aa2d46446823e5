// Package availability projects a work-pattern profile through a resolved
// holiday calendar into concrete UTC windows for a date range.
package availability

import (
	"sort"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/profile"
)

// Window is a concrete availability interval for one participant, in UTC.
// Ephemeral: computed per request, never persisted.
type Window struct {
	Participant string
	Start       time.Time
	End         time.Time
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// CalendarContext is the resolved calendar data for the participant's
// jurisdiction over the requested range.
type CalendarContext struct {
	// Holidays are the resolved occurrences from the calendar resolver.
	Holidays []calendar.Day
	// Periods are the feed's named adjustment periods (e.g. "ramadan").
	Periods map[string][]calendar.DateRange
}

// Compute derives the participant's availability windows over rng.
//
// Per day: holidays of a work-blocking kind (public, religious) remove the
// whole day; matching adjustment rules scale/shift the base windows; the
// surviving local windows convert to UTC instants, splitting at DST
// transitions so each returned window has a constant UTC offset. Collapsed
// windows are omitted. Output is ordered by start and non-overlapping.
func Compute(p profile.Profile, rng calendar.DateRange, cal CalendarContext) ([]Window, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	loc, err := p.Location()
	if err != nil {
		// Validate already checked the zone; this only fires if the zone DB
		// changed between the two calls.
		return nil, &profile.InvalidProfileError{ProfileID: p.ID, Reason: err.Error()}
	}

	blocked := map[calendar.Date]bool{}
	for _, h := range cal.Holidays {
		if h.Kind.BlocksWork() {
			blocked[h.Date] = true
		}
	}

	var out []Window
	rng.Each(func(d calendar.Date) {
		if blocked[d] {
			return
		}
		for _, w := range p.WindowsOn(d.Weekday()) {
			startMin, endMin := w.StartMin, w.EndMin
			ok := true
			for _, adj := range p.Adjustments {
				if !adj.Matches(d, cal.Periods) {
					continue
				}
				startMin, endMin, ok = adj.Apply(startMin, endMin)
				if !ok {
					break
				}
			}
			if !ok {
				// Only this window collapsed; later windows on the same day
				// still apply.
				continue
			}

			start := civilTime(d, startMin, loc)
			end := civilTime(d, endMin, loc)
			if !end.After(start) {
				// DST can collapse a short window that straddles a
				// spring-forward gap.
				continue
			}
			for _, iv := range splitAtTransition(start, end) {
				out = append(out, Window{
					Participant: p.ID,
					Start:       iv[0].UTC(),
					End:         iv[1].UTC(),
				})
			}
		}
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// civilTime maps (date, minutes-from-midnight) to an instant in loc.
// time.Date applies the location's DST rules, so nonexistent civil times
// (spring-forward gap) land on the adjusted instant.
func civilTime(d calendar.Date, minutes int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, minutes/60, minutes%60, 0, 0, loc)
}

// splitAtTransition splits [start, end) at a UTC-offset change, if one
// occurs inside the interval. A window that spans a clock change becomes two
// contiguous sub-windows, each with a constant offset.
func splitAtTransition(start, end time.Time) [][2]time.Time {
	_, startOff := start.Zone()
	_, endOff := end.Zone()
	if startOff == endOff {
		return [][2]time.Time{{start, end}}
	}

	// Binary-search the transition instant to minute precision.
	lo, hi := start, end
	for hi.Sub(lo) > time.Minute {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Minute)
		if !mid.After(lo) {
			mid = lo.Add(time.Minute)
		}
		if _, off := mid.Zone(); off == startOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	trans := hi
	if !trans.After(start) || !trans.Before(end) {
		return [][2]time.Time{{start, end}}
	}
	return [][2]time.Time{{start, trans}, {trans, end}}
}
