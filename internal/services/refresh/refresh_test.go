package refresh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/feed"
	"meridian/internal/jurisdiction"
	logx "meridian/pkg/logx"
)

func writeHolidayFeed(t *testing.T) *feed.HolidayFeed {
	t.Helper()
	doc := `version: "test"
calendars:
  - jurisdiction: DE
    entries:
      - { name: New Year, kind: public, rule: { kind: fixed, month: 1, day: 1 } }
  - jurisdiction: FR
    entries:
      - { name: Bastille Day, kind: public, rule: { kind: fixed, month: 7, day: 14 } }
`
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return feed.NewHolidayFeed(path, 0, logx.Nop())
}

func TestRunOnceWarmsAllJurisdictions(t *testing.T) {
	t.Parallel()
	holidays := writeHolidayFeed(t)
	resolver, err := calendar.NewResolver(holidays, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	svc := New(Config{Enabled: true, YearsAhead: 1}, resolver, holidays, nil, logx.Nop())
	svc.RunOnce(context.Background())

	// The request path now resolves from the warm cache; the movable rules
	// land on this year's and next year's dates.
	year := time.Now().UTC().Year()
	from := calendar.Date{Year: year, Month: time.January, Day: 1}
	to := calendar.Date{Year: year + 1, Month: time.December, Day: 31}
	for _, raw := range []string{"DE", "FR"} {
		days, err := resolver.Resolve(context.Background(), jurisdiction.MustParse(raw), calendar.DateRange{From: from, To: to})
		if err != nil {
			t.Fatalf("Resolve(%s): %v", raw, err)
		}
		if len(days) != 2 {
			t.Fatalf("%s resolved %d days, want 2 (this year and next)", raw, len(days))
		}
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, nil, nil, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop(context.Background())
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	holidays := writeHolidayFeed(t)
	resolver, err := calendar.NewResolver(holidays, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	svc := New(Config{Enabled: true, Spec: "not a cron line"}, resolver, holidays, nil, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for malformed cron spec")
	}
}

func TestStartRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	holidays := writeHolidayFeed(t)
	resolver, err := calendar.NewResolver(holidays, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	svc := New(Config{Enabled: true, Timezone: "Mars/Olympus"}, resolver, holidays, nil, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	holidays := writeHolidayFeed(t)
	resolver, err := calendar.NewResolver(holidays, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	svc := New(Config{Enabled: true, Spec: "@daily"}, resolver, holidays, nil, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
}
