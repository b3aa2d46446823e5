package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/jurisdiction"
	"meridian/internal/profile"
	logx "meridian/pkg/logx"
)

func writeFeed(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const holidayFixture = `version: "2026-01"
calendars:
  - jurisdiction: DE
    entries:
      - name: New Year's Day
        kind: public
        rule: { kind: fixed, month: 1, day: 1 }
      - name: Day of German Unity
        kind: public
        date: 2026-10-03
  - jurisdiction: EG
    anchors:
      "2026": { ramadan-start: "2026-02-18" }
    periods:
      "2026": { ramadan: { from: "2026-02-18", to: "2026-03-19" } }
    entries:
      - name: Eid al-Fitr
        kind: religious
        rule: { kind: anchor-offset, anchor: ramadan-start, offset_days: 30 }
      - name: Labour Day
        kind: public
        rule: { kind: fixed, month: 5, day: 1 }
`

func TestHolidayFeedParsesDocument(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "holidays.yaml", holidayFixture)
	f := NewHolidayFeed(path, 0, logx.Nop())
	ctx := context.Background()

	version, err := f.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version != "2026-01" {
		t.Fatalf("version = %q", version)
	}

	cal, err := f.Calendar(ctx, jurisdiction.MustParse("EG"))
	if err != nil {
		t.Fatalf("Calendar: %v", err)
	}
	if len(cal.Entries) != 2 {
		t.Fatalf("entries = %v", cal.Entries)
	}
	anchor, ok := cal.Anchors[2026]["ramadan-start"]
	if !ok || anchor.String() != "2026-02-18" {
		t.Fatalf("anchor = %v (ok=%v)", anchor, ok)
	}
	period, ok := cal.Periods[2026]["ramadan"]
	if !ok || period.To.String() != "2026-03-19" {
		t.Fatalf("period = %v (ok=%v)", period, ok)
	}

	// The anchored entry resolves through the calendar machinery.
	var eid calendar.Entry
	for _, e := range cal.Entries {
		if e.Name == "Eid al-Fitr" {
			eid = e
		}
	}
	if eid.Rule == nil {
		t.Fatal("eid rule missing")
	}
	d, err := eid.Rule.Resolve(2026, cal.Anchors[2026])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.String() != "2026-03-20" {
		t.Fatalf("eid resolved to %s", d)
	}
}

func TestHolidayFeedUnknownJurisdiction(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "holidays.yaml", holidayFixture)
	f := NewHolidayFeed(path, 0, logx.Nop())

	_, err := f.Calendar(context.Background(), jurisdiction.MustParse("XX"))
	if !errors.Is(err, calendar.ErrUnknownJurisdiction) {
		t.Fatalf("error = %v, want ErrUnknownJurisdiction", err)
	}
}

func TestHolidayFeedJurisdictionsSorted(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "holidays.yaml", holidayFixture)
	f := NewHolidayFeed(path, 0, logx.Nop())

	ids, err := f.Jurisdictions(context.Background())
	if err != nil {
		t.Fatalf("Jurisdictions: %v", err)
	}
	if len(ids) != 2 || ids[0].String() != "DE" || ids[1].String() != "EG" {
		t.Fatalf("jurisdictions = %v", ids)
	}
}

func TestHolidayFeedRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "holidays.yaml", `version: "1"
calendars:
  - jurisdiction: DE
    surprise: true
    entries:
      - { name: X, kind: public, date: 2026-01-01 }
`)
	f := NewHolidayFeed(path, 0, logx.Nop())
	if _, err := f.Calendar(context.Background(), jurisdiction.MustParse("DE")); err == nil {
		t.Fatal("expected strict decode failure for unknown field")
	}
}

func TestHolidayFeedRejectsBadEntries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown kind",
			doc: `calendars:
  - jurisdiction: DE
    entries:
      - { name: X, kind: festival, date: 2026-01-01 }
`,
		},
		{
			name: "both date and rule",
			doc: `calendars:
  - jurisdiction: DE
    entries:
      - name: X
        kind: public
        date: 2026-01-01
        rule: { kind: fixed, month: 1, day: 1 }
`,
		},
		{
			name: "neither date nor rule",
			doc: `calendars:
  - jurisdiction: DE
    entries:
      - { name: X, kind: public }
`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeFeed(t, "holidays.yaml", tt.doc)
			f := NewHolidayFeed(path, 0, logx.Nop())
			if _, err := f.Version(context.Background()); err == nil {
				t.Fatal("expected parse failure")
			}
		})
	}
}

const rulesFixture = `version: "2026-01"
rules:
  - id: de-min-rest
    jurisdiction: DE
    kind: min-rest
    mandatory: true
    min_rest: 11h
    remediation: move one of the sessions to the next day
  - id: de-by-blackout
    jurisdiction: DE/BY
    kind: blackout
    mandatory: true
    weekday: sunday
  - id: fr-weekly-cap
    jurisdiction: FR
    kind: max-weekly-hours
    mandatory: false
    max_weekly_hours: 35
`

func TestRuleFeedCollectsLineage(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "rules.yaml", rulesFixture)
	f := NewRuleFeed(path, 0, logx.Nop())
	ctx := context.Background()

	// A Munich participant inherits the country rule and the state rule.
	rules, err := f.Rules(ctx, jurisdiction.MustParse("DE/BY/Munich"))
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2: %v", len(rules), rules)
	}
	if rules[0].ID != "de-min-rest" || rules[1].ID != "de-by-blackout" {
		t.Fatalf("lineage order wrong: %v", rules)
	}
	if rules[0].MinRest != 11*time.Hour {
		t.Fatalf("min_rest = %v", rules[0].MinRest)
	}
	if rules[1].BlackoutWeekday == nil || *rules[1].BlackoutWeekday != time.Sunday {
		t.Fatalf("blackout weekday = %v", rules[1].BlackoutWeekday)
	}

	// A plain DE participant gets only the country rule.
	rules, err = f.Rules(ctx, jurisdiction.MustParse("DE"))
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "de-min-rest" {
		t.Fatalf("country rules = %v", rules)
	}

	// No rules is an empty slice, not an error.
	rules, err = f.Rules(ctx, jurisdiction.MustParse("JP"))
	if err != nil || len(rules) != 0 {
		t.Fatalf("JP rules = %v, %v", rules, err)
	}
}

func TestRuleFeedPassesUnknownKindsThrough(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "rules.yaml", `rules:
  - id: de-future
    jurisdiction: DE
    kind: quantum-rest
    mandatory: true
`)
	f := NewRuleFeed(path, 0, logx.Nop())
	rules, err := f.Rules(context.Background(), jurisdiction.MustParse("DE"))
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 || rules[0].Kind != compliance.RuleKind("quantum-rest") {
		t.Fatalf("rules = %v", rules)
	}
	if rules[0].Kind.Known() {
		t.Fatal("kind should be unknown to the evaluator")
	}
}

func TestRuleFeedRejectsEmptyBlackoutSpan(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "rules.yaml", `rules:
  - id: de-bad
    jurisdiction: DE
    kind: blackout
    start: "18:00"
    end: "09:00"
`)
	f := NewRuleFeed(path, 0, logx.Nop())
	if _, err := f.Rules(context.Background(), jurisdiction.MustParse("DE")); err == nil {
		t.Fatal("expected parse failure for inverted span")
	}
}

const profilesFixture = `profiles:
  - id: alice
    display_name: Alice
    jurisdiction: DE/BY
    timezone: Europe/Berlin
    chronotype: early
    windows:
      - { weekday: monday, start: "09:00", end: "17:00" }
      - { weekday: tuesday, start: "09:00", end: "17:00" }
    adjustments:
      - { name: ramadan, period: ramadan, scale: 0.7 }
  - id: omar
    jurisdiction: EG
    timezone: Africa/Cairo
    chronotype: late
    windows:
      - { weekday: sunday, start: "10:00", end: "18:00" }
    adjustments:
      - { name: summer, from: "06-15", to: "09-15", shift_min: -60 }
`

func TestProfileFeedParsesDocument(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "profiles.yaml", profilesFixture)
	f := NewProfileFeed(path, 0, logx.Nop())
	ctx := context.Background()

	p, err := f.Profile(ctx, "alice")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Jurisdiction.String() != "DE/BY" || p.Chronotype != profile.ChronotypeEarly {
		t.Fatalf("profile = %+v", p)
	}
	if len(p.Windows) != 2 || p.Windows[0].StartMin != 9*60 || p.Windows[0].EndMin != 17*60 {
		t.Fatalf("windows = %v", p.Windows)
	}
	if len(p.Adjustments) != 1 || p.Adjustments[0].Period != "ramadan" {
		t.Fatalf("adjustments = %v", p.Adjustments)
	}

	omar, err := f.Profile(ctx, "omar")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	adj := omar.Adjustments[0]
	if adj.From == nil || adj.From.Month != time.June || adj.From.Day != 15 {
		t.Fatalf("fixed span from = %v", adj.From)
	}
	if adj.ShiftMin != -60 {
		t.Fatalf("shift = %d", adj.ShiftMin)
	}
}

func TestProfileFeedUnknownParticipant(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "profiles.yaml", profilesFixture)
	f := NewProfileFeed(path, 0, logx.Nop())

	_, err := f.Profile(context.Background(), "ghost")
	if !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestProfileFeedValidatesAtLoad(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "profiles.yaml", `profiles:
  - id: broken
    windows:
      - { weekday: monday, start: "17:00", end: "09:00" }
`)
	f := NewProfileFeed(path, 0, logx.Nop())
	if _, err := f.Profile(context.Background(), "broken"); err == nil {
		t.Fatal("expected load failure for inverted window")
	}
}

func TestProfileFeedRejectsDuplicates(t *testing.T) {
	t.Parallel()
	path := writeFeed(t, "profiles.yaml", `profiles:
  - id: alice
    windows:
      - { weekday: monday, start: "09:00", end: "17:00" }
  - id: alice
    windows:
      - { weekday: tuesday, start: "09:00", end: "17:00" }
`)
	f := NewProfileFeed(path, 0, logx.Nop())
	if _, err := f.Profile(context.Background(), "alice"); err == nil {
		t.Fatal("expected load failure for duplicate id")
	}
}

func TestLoaderServesCachedAfterFileRemoval(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "holidays.yaml")
	if err := os.WriteFile(path, []byte(holidayFixture), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	f := NewHolidayFeed(path, 0, logx.Nop())
	ctx := context.Background()

	if _, err := f.Calendar(ctx, jurisdiction.MustParse("DE")); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// The cached document keeps serving.
	if _, err := f.Calendar(ctx, jurisdiction.MustParse("DE")); err != nil {
		t.Fatalf("cached load: %v", err)
	}
}

func TestLoaderFailsWhenNeverLoaded(t *testing.T) {
	t.Parallel()
	f := NewHolidayFeed(filepath.Join(t.TempDir(), "missing.yaml"), 0, logx.Nop())
	if _, err := f.Version(context.Background()); err == nil {
		t.Fatal("expected error for missing feed file")
	}
}

func TestParseClockAndWeekday(t *testing.T) {
	t.Parallel()
	min, err := parseClock("09:30")
	if err != nil || min != 9*60+30 {
		t.Fatalf("parseClock = %d, %v", min, err)
	}
	if _, err := parseClock("25:00"); err == nil {
		t.Fatal("expected error for invalid clock")
	}
	wd, err := parseWeekday(" Friday ")
	if err != nil || wd != time.Friday {
		t.Fatalf("parseWeekday = %v, %v", wd, err)
	}
	if _, err := parseWeekday("someday"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}
