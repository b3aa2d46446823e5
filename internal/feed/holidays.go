package feed

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"meridian/internal/calendar"
	"meridian/internal/jurisdiction"
	logx "meridian/pkg/logx"
)

// HolidayFeed serves jurisdiction calendars from a YAML document.
//
// Document shape:
//
//	version: "2026-01"
//	calendars:
//	  - jurisdiction: DE
//	    anchors:
//	      "2026": { ramadan-start: 2026-02-18 }
//	    periods:
//	      "2026": { ramadan: { from: 2026-02-18, to: 2026-03-19 } }
//	    entries:
//	      - name: New Year's Day
//	        kind: public
//	        rule: { kind: fixed, month: 1, day: 1 }
//	      - name: Reunification Day
//	        kind: public
//	        date: 2026-10-03
//	        override: true
type HolidayFeed struct {
	ld *loader

	mu        sync.RWMutex
	version   string
	calendars map[string]calendar.Calendar
}

func NewHolidayFeed(path string, ratePerSec int, log logx.Logger) *HolidayFeed {
	f := &HolidayFeed{calendars: map[string]calendar.Calendar{}}
	f.ld = newLoader(path, ratePerSec, log.With(logx.String("feed", "holidays")), f.parseDoc)
	return f
}

// Calendar implements calendar.Source.
func (f *HolidayFeed) Calendar(ctx context.Context, id jurisdiction.ID) (calendar.Calendar, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return calendar.Calendar{}, err
	}
	f.mu.RLock()
	cal, ok := f.calendars[id.String()]
	f.mu.RUnlock()
	if !ok {
		return calendar.Calendar{}, fmt.Errorf("%w: %s", calendar.ErrUnknownJurisdiction, id)
	}
	return cal, nil
}

// Version returns the loaded document version.
func (f *HolidayFeed) Version(ctx context.Context) (string, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version, nil
}

// Jurisdictions lists every jurisdiction the feed defines, sorted. The
// refresh service warms these.
func (f *HolidayFeed) Jurisdictions(ctx context.Context) ([]jurisdiction.ID, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return nil, err
	}
	f.mu.RLock()
	keys := make([]string, 0, len(f.calendars))
	for k := range f.calendars {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)

	out := make([]jurisdiction.ID, 0, len(keys))
	for _, k := range keys {
		id, err := jurisdiction.Parse(k)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

type holidayDoc struct {
	Version   string        `yaml:"version"`
	Calendars []calendarDoc `yaml:"calendars"`
}

type calendarDoc struct {
	Jurisdiction string                       `yaml:"jurisdiction"`
	Anchors      map[string]map[string]string `yaml:"anchors,omitempty"`
	Periods      map[string]map[string]struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"periods,omitempty"`
	Entries []entryDoc `yaml:"entries"`
}

type entryDoc struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Date     string   `yaml:"date,omitempty"`
	Rule     *ruleDoc `yaml:"rule,omitempty"`
	Override bool     `yaml:"override,omitempty"`
}

type ruleDoc struct {
	Kind       string `yaml:"kind"`
	Month      int    `yaml:"month,omitempty"`
	Day        int    `yaml:"day,omitempty"`
	Weekday    string `yaml:"weekday,omitempty"`
	Nth        int    `yaml:"nth,omitempty"`
	Anchor     string `yaml:"anchor,omitempty"`
	OffsetDays int    `yaml:"offset_days,omitempty"`
}

func (f *HolidayFeed) parseDoc(data []byte) error {
	var doc holidayDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	calendars := make(map[string]calendar.Calendar, len(doc.Calendars))
	for _, cd := range doc.Calendars {
		id, err := jurisdiction.Parse(cd.Jurisdiction)
		if err != nil {
			return err
		}
		cal, err := buildCalendar(id, doc.Version, cd)
		if err != nil {
			return fmt.Errorf("calendar %s: %w", id, err)
		}
		calendars[id.String()] = cal
	}

	f.mu.Lock()
	f.version = doc.Version
	f.calendars = calendars
	f.mu.Unlock()
	return nil
}

func buildCalendar(id jurisdiction.ID, version string, cd calendarDoc) (calendar.Calendar, error) {
	cal := calendar.Calendar{Jurisdiction: id, Version: version}

	if len(cd.Anchors) > 0 {
		cal.Anchors = map[int]map[string]calendar.Date{}
		for ys, m := range cd.Anchors {
			year, err := strconv.Atoi(ys)
			if err != nil {
				return cal, fmt.Errorf("invalid anchor year %q", ys)
			}
			cal.Anchors[year] = map[string]calendar.Date{}
			for name, ds := range m {
				d, err := calendar.ParseDate(ds)
				if err != nil {
					return cal, fmt.Errorf("anchor %q: %w", name, err)
				}
				cal.Anchors[year][name] = d
			}
		}
	}

	if len(cd.Periods) > 0 {
		cal.Periods = map[int]map[string]calendar.DateRange{}
		for ys, m := range cd.Periods {
			year, err := strconv.Atoi(ys)
			if err != nil {
				return cal, fmt.Errorf("invalid period year %q", ys)
			}
			cal.Periods[year] = map[string]calendar.DateRange{}
			for name, pr := range m {
				from, err := calendar.ParseDate(pr.From)
				if err != nil {
					return cal, fmt.Errorf("period %q: %w", name, err)
				}
				to, err := calendar.ParseDate(pr.To)
				if err != nil {
					return cal, fmt.Errorf("period %q: %w", name, err)
				}
				cal.Periods[year][name] = calendar.DateRange{From: from, To: to}
			}
		}
	}

	for _, ed := range cd.Entries {
		entry := calendar.Entry{
			Name:     ed.Name,
			Kind:     calendar.Kind(ed.Kind),
			Override: ed.Override,
		}
		if !entry.Kind.Valid() {
			return cal, fmt.Errorf("entry %q: unknown kind %q", ed.Name, ed.Kind)
		}
		switch {
		case ed.Date != "" && ed.Rule != nil:
			return cal, fmt.Errorf("entry %q: both date and rule set", ed.Name)
		case ed.Date != "":
			d, err := calendar.ParseDate(ed.Date)
			if err != nil {
				return cal, fmt.Errorf("entry %q: %w", ed.Name, err)
			}
			entry.Date = &d
		case ed.Rule != nil:
			rule, err := buildMovableRule(*ed.Rule)
			if err != nil {
				return cal, fmt.Errorf("entry %q: %w", ed.Name, err)
			}
			entry.Rule = &rule
		default:
			return cal, fmt.Errorf("entry %q: neither date nor rule set", ed.Name)
		}
		cal.Entries = append(cal.Entries, entry)
	}
	return cal, nil
}

func buildMovableRule(rd ruleDoc) (calendar.MovableRule, error) {
	rule := calendar.MovableRule{
		Kind:       calendar.RuleKind(rd.Kind),
		Month:      time.Month(rd.Month),
		Day:        rd.Day,
		Nth:        rd.Nth,
		Anchor:     rd.Anchor,
		OffsetDays: rd.OffsetDays,
	}
	switch rule.Kind {
	case calendar.RuleFixed, calendar.RuleAnchorOffset:
	case calendar.RuleNthWeekday:
		wd, err := parseWeekday(rd.Weekday)
		if err != nil {
			return rule, err
		}
		rule.Weekday = wd
	default:
		return rule, fmt.Errorf("unknown movable rule kind %q", rd.Kind)
	}
	return rule, nil
}
