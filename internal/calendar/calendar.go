// Package calendar resolves jurisdiction holiday calendars into concrete
// dates for a requested range.
//
// Calendars come from the holiday feed as a mix of fixed-date entries and
// movable rules (nth weekday of a month, or an offset from a named anchor
// such as the start of Ramadan). Movable resolution is a pure function of
// (entry, year, anchors), so resolved years are cacheable and idempotent.
package calendar

import (
	"fmt"
	"time"

	"meridian/internal/jurisdiction"
)

// Kind classifies a holiday entry.
type Kind string

const (
	KindPublic     Kind = "public"
	KindReligious  Kind = "religious"
	KindObservance Kind = "observance"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPublic, KindReligious, KindObservance:
		return true
	}
	return false
}

// BlocksWork reports whether the kind removes the whole working day
// for affected participants.
func (k Kind) BlocksWork() bool { return k == KindPublic || k == KindReligious }

// Date is a civil date with no timezone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates t to its civil date in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight of the date in loc.
func (d Date) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) Weekday() time.Weekday { return d.Time(time.UTC).Weekday() }

// Next returns the following civil date.
func (d Date) Next() Date { return DateOf(d.Time(time.UTC).AddDate(0, 0, 1)) }

// Before reports civil ordering.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool { return o.Before(d) }

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("calendar: invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateRange is an inclusive civil date range.
type DateRange struct {
	From Date
	To   Date
}

func (r DateRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && !r.To.Before(r.From)
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !r.To.Before(d)
}

// Years lists the calendar years the range touches, ascending.
func (r DateRange) Years() []int {
	if !r.Valid() {
		return nil
	}
	out := make([]int, 0, r.To.Year-r.From.Year+1)
	for y := r.From.Year; y <= r.To.Year; y++ {
		out = append(out, y)
	}
	return out
}

// Each calls fn for every date in the range, ascending.
func (r DateRange) Each(fn func(Date)) {
	for d := r.From; !r.To.Before(d); d = d.Next() {
		fn(d)
	}
}

// RuleKind tags the movable-rule variant.
type RuleKind string

const (
	// RuleFixed repeats on the same month/day every year.
	RuleFixed RuleKind = "fixed"
	// RuleNthWeekday resolves to the nth weekday of a month
	// (negative Nth counts from the end of the month).
	RuleNthWeekday RuleKind = "nth-weekday"
	// RuleAnchorOffset resolves to a day offset from a named per-year anchor
	// supplied by the feed (lunar observances use this).
	RuleAnchorOffset RuleKind = "anchor-offset"
)

// MovableRule resolves to a concrete date for a given year.
type MovableRule struct {
	Kind RuleKind

	// RuleFixed / RuleNthWeekday
	Month time.Month
	// RuleFixed
	Day int

	// RuleNthWeekday
	Weekday time.Weekday
	Nth     int

	// RuleAnchorOffset
	Anchor     string
	OffsetDays int
}

// Resolve computes the concrete date for year. anchors maps anchor names to
// that year's anchor date. Resolution is pure: identical inputs always yield
// identical dates.
func (m MovableRule) Resolve(year int, anchors map[string]Date) (Date, error) {
	switch m.Kind {
	case RuleFixed:
		if m.Month < time.January || m.Month > time.December || m.Day < 1 || m.Day > 31 {
			return Date{}, fmt.Errorf("calendar: fixed rule has invalid month/day %d/%d", m.Month, m.Day)
		}
		d := Date{Year: year, Month: m.Month, Day: m.Day}
		// Normalize (e.g. Feb 30 never appears in feeds, but fail loudly if it does).
		if DateOf(d.Time(time.UTC)) != d {
			return Date{}, fmt.Errorf("calendar: fixed rule %s does not exist in %d", d, year)
		}
		return d, nil

	case RuleNthWeekday:
		if m.Month < time.January || m.Month > time.December || m.Nth == 0 {
			return Date{}, fmt.Errorf("calendar: nth-weekday rule has invalid month/nth %d/%d", m.Month, m.Nth)
		}
		return nthWeekday(year, m.Month, m.Weekday, m.Nth)

	case RuleAnchorOffset:
		anchor, ok := anchors[m.Anchor]
		if !ok {
			return Date{}, fmt.Errorf("calendar: anchor %q not defined for %d", m.Anchor, year)
		}
		return DateOf(anchor.Time(time.UTC).AddDate(0, 0, m.OffsetDays)), nil

	default:
		return Date{}, fmt.Errorf("calendar: unknown movable rule kind %q", m.Kind)
	}
}

func nthWeekday(year int, month time.Month, wd time.Weekday, nth int) (Date, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)

	if nth > 0 {
		// Days until the first occurrence of wd.
		delta := (int(wd) - int(first.Weekday()) + 7) % 7
		t := first.AddDate(0, 0, delta+(nth-1)*7)
		if t.Month() != month {
			return Date{}, fmt.Errorf("calendar: no %d(th) %s in %s %d", nth, wd, month, year)
		}
		return DateOf(t), nil
	}

	// Counting back from the last day of the month.
	delta := (int(last.Weekday()) - int(wd) + 7) % 7
	t := last.AddDate(0, 0, -delta-(-nth-1)*7)
	if t.Month() != month {
		return Date{}, fmt.Errorf("calendar: no %d(th) %s in %s %d", nth, wd, month, year)
	}
	return DateOf(t), nil
}

// Entry is one holiday definition in a jurisdiction's calendar.
// Exactly one of Date or Rule is set.
type Entry struct {
	Name string
	Kind Kind

	Date *Date
	Rule *MovableRule

	// Override makes this entry replace wider-scope entries on the exact
	// resolved date; without it, narrower entries union with wider ones.
	Override bool
}

// Calendar is a jurisdiction's holiday definitions as delivered by the feed.
type Calendar struct {
	Jurisdiction jurisdiction.ID
	Version      string

	// Anchors holds named per-year anchor dates for RuleAnchorOffset entries,
	// keyed by year then anchor name.
	Anchors map[int]map[string]Date

	// Periods holds named per-year date ranges (Ramadan, siesta season, ...)
	// referenced by profile adjustment rules, keyed by year then period name.
	Periods map[int]map[string]DateRange

	Entries []Entry
}

// Day is a resolved holiday occurrence.
type Day struct {
	Date  Date
	Kind  Kind
	Name  string
	Scope jurisdiction.ID
}

// resolveYear resolves every entry of c for the given year.
// Entries that do not occur in that year are skipped.
func (c Calendar) resolveYear(year int) ([]Day, error) {
	anchors := c.Anchors[year]
	out := make([]Day, 0, len(c.Entries))
	for _, e := range c.Entries {
		var d Date
		switch {
		case e.Date != nil:
			if e.Date.Year != year {
				continue
			}
			d = *e.Date
		case e.Rule != nil:
			rd, err := e.Rule.Resolve(year, anchors)
			if err != nil {
				return nil, fmt.Errorf("%s (%s): %w", e.Name, c.Jurisdiction, err)
			}
			d = rd
		default:
			return nil, fmt.Errorf("calendar: entry %q in %s has neither date nor rule", e.Name, c.Jurisdiction)
		}
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("calendar: entry %q in %s has unknown kind %q", e.Name, c.Jurisdiction, e.Kind)
		}
		out = append(out, Day{Date: d, Kind: e.Kind, Name: e.Name, Scope: c.Jurisdiction})
	}
	return out, nil
}

// overrideDates returns the set of resolved dates for entries marked Override.
func (c Calendar) overrideDates(year int) (map[Date]bool, error) {
	anchors := c.Anchors[year]
	out := map[Date]bool{}
	for _, e := range c.Entries {
		if !e.Override {
			continue
		}
		switch {
		case e.Date != nil:
			if e.Date.Year == year {
				out[*e.Date] = true
			}
		case e.Rule != nil:
			d, err := e.Rule.Resolve(year, anchors)
			if err != nil {
				return nil, err
			}
			out[d] = true
		}
	}
	return out, nil
}
