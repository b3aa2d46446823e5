package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/eventbus"
	"meridian/internal/fairness"
	"meridian/internal/jurisdiction"
	"meridian/internal/overlap"
	"meridian/internal/profile"
	"meridian/internal/storage"
	logx "meridian/pkg/logx"
)

type stubCalendars struct {
	calendars map[string]calendar.Calendar
}

func (s *stubCalendars) Calendar(_ context.Context, id jurisdiction.ID) (calendar.Calendar, error) {
	cal, ok := s.calendars[id.String()]
	if !ok {
		return calendar.Calendar{}, calendar.ErrUnknownJurisdiction
	}
	return cal, nil
}

type stubRules struct {
	rules map[string][]compliance.Rule
}

func (s *stubRules) Rules(_ context.Context, id jurisdiction.ID) ([]compliance.Rule, error) {
	return s.rules[id.String()], nil
}

func newTestOptimizer(t *testing.T, cals *stubCalendars, rules *stubRules) *Optimizer {
	t.Helper()
	if cals == nil {
		cals = &stubCalendars{}
	}
	if rules == nil {
		rules = &stubRules{}
	}
	resolver, err := calendar.NewResolver(cals, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	eval, err := compliance.NewEvaluator(rules, compliance.EvaluatorConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	tracker, err := fairness.NewTracker(storage.NewMemory(), logx.Nop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	opt, err := New(resolver, nil, eval, tracker, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return opt
}

func workweek(tz string) profile.Profile {
	p := profile.Profile{Timezone: tz, Chronotype: profile.ChronotypeStandard}
	for d := time.Monday; d <= time.Friday; d++ {
		p.Windows = append(p.Windows, profile.Window{Weekday: d, StartMin: 9 * 60, EndMin: 17 * 60})
	}
	return p
}

func mondayRange(t *testing.T) calendar.DateRange {
	t.Helper()
	d, err := calendar.ParseDate("2026-03-02")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	return calendar.DateRange{From: d, To: d}
}

// Three offices, 09:00–17:00 local: London (UTC+0), Moscow (UTC+3) and
// Singapore (UTC+8) project to 09:00–17:00, 06:00–14:00 and 01:00–09:00 UTC.
func threeOffices() []profile.Profile {
	alice := workweek("Europe/London")
	alice.ID = "alice"
	bob := workweek("Europe/Moscow")
	bob.ID = "bob"
	carol := workweek("Asia/Singapore")
	carol.ID = "carol"
	return []profile.Profile{alice, bob, carol}
}

func TestScheduleTooShortWindowExplainsInfeasible(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)

	p := profile.Profile{
		ID: "alice",
		Windows: []profile.Window{
			{Weekday: time.Monday, StartMin: 9 * 60, EndMin: 9*60 + 10},
		},
	}
	res, err := opt.Schedule(context.Background(), Request{
		Profiles: []profile.Profile{p},
		Range:    mondayRange(t),
		Duration: 30 * time.Minute,
		Quorum:   1,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateInfeasible {
		t.Fatalf("state = %s, want infeasible", res.State)
	}
	if len(res.NearMisses) == 0 || len(res.Reasons) == 0 {
		t.Fatalf("infeasible result must explain itself: %+v", res)
	}
	nm := res.NearMisses[0]
	if !strings.Contains(nm.Reasons[0], "shorter than the required") {
		t.Fatalf("reason = %q", nm.Reasons[0])
	}
	if nm.Start.IsZero() || !nm.End.Equal(nm.Start.Add(10*time.Minute)) {
		t.Fatalf("near-miss should carry the 10m window: %+v", nm)
	}
}

func TestScheduleQuorumOfTwoRanksLargerGreenFirst(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)

	res, err := opt.Schedule(context.Background(), Request{
		Profiles: threeOffices(),
		Range:    mondayRange(t),
		Duration: time.Hour,
		Quorum:   2,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2: %v", len(res.Candidates), res.Candidates)
	}

	first := res.Candidates[0]
	wantStart := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, time.March, 2, 14, 0, 0, 0, time.UTC)
	if !first.Window.Start.Equal(wantStart) || !first.Window.End.Equal(wantEnd) {
		t.Fatalf("first candidate = %v..%v, want 09:00..14:00 UTC", first.Window.Start, first.Window.End)
	}
	if first.Window.Urgency != overlap.UrgencyGreen || first.Rank != 1 {
		t.Fatalf("first candidate = %+v", first)
	}
	if !first.Slot.End.Equal(first.Slot.Start.Add(time.Hour)) {
		t.Fatalf("slot = %v..%v, want the first hour", first.Slot.Start, first.Slot.End)
	}

	second := res.Candidates[1]
	wantStart = time.Date(2026, time.March, 2, 6, 0, 0, 0, time.UTC)
	if !second.Window.Start.Equal(wantStart) || second.Window.Urgency != overlap.UrgencyGreen {
		t.Fatalf("second candidate = %+v, want green 06:00..09:00 UTC", second.Window)
	}
	if second.Window.Duration() != 3*time.Hour {
		t.Fatalf("second candidate duration = %v, want 3h", second.Window.Duration())
	}
}

func TestScheduleQuorumOfThreeIsInfeasible(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)

	res, err := opt.Schedule(context.Background(), Request{
		Profiles: threeOffices(),
		Range:    mondayRange(t),
		Duration: time.Hour,
		Quorum:   3,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateInfeasible {
		t.Fatalf("state = %s, want infeasible", res.State)
	}
	if len(res.NearMisses) == 0 {
		t.Fatal("infeasible result must carry near-misses")
	}
	// Every near-miss is a partial overlap naming who is missing.
	for _, nm := range res.NearMisses {
		if len(nm.Reasons) == 0 {
			t.Fatalf("near-miss without reasons: %+v", nm)
		}
		if !strings.Contains(nm.Reasons[0], "missing") {
			t.Fatalf("reason %q should name missing participants", nm.Reasons[0])
		}
	}
	if len(res.Reasons) == 0 {
		t.Fatal("result reasons should summarize the near-misses")
	}
}

func TestScheduleHolidayBlocksWholeRange(t *testing.T) {
	t.Parallel()
	holiday, err := calendar.ParseDate("2026-03-02")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	cals := &stubCalendars{calendars: map[string]calendar.Calendar{
		"IL": {
			Jurisdiction: jurisdiction.MustParse("IL"),
			Entries: []calendar.Entry{
				{Name: "Purim", Kind: calendar.KindReligious, Date: &holiday},
			},
		},
	}}
	opt := newTestOptimizer(t, cals, nil)

	dana := workweek("UTC")
	dana.ID = "dana"
	dana.Jurisdiction = jurisdiction.MustParse("IL")

	res, err := opt.Schedule(context.Background(), Request{
		Profiles: []profile.Profile{dana},
		Range:    mondayRange(t),
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateInfeasible {
		t.Fatalf("state = %s, want infeasible", res.State)
	}
	if len(res.NearMisses) != 1 {
		t.Fatalf("near-misses = %v", res.NearMisses)
	}
	reason := res.NearMisses[0].Reasons[0]
	if !strings.Contains(reason, "Purim") || !strings.Contains(reason, "religious") {
		t.Fatalf("reason %q should cite the blocking holiday", reason)
	}
}

func TestScheduleMinRestBlocksCandidate(t *testing.T) {
	t.Parallel()
	rules := &stubRules{rules: map[string][]compliance.Rule{
		"DE": {{
			ID:           "de-min-rest",
			Jurisdiction: jurisdiction.MustParse("DE"),
			Kind:         compliance.KindMinRest,
			Mandatory:    true,
			MinRest:      11 * time.Hour,
			Remediation:  "move one of the sessions to the next day",
		}},
	}}
	opt := newTestOptimizer(t, nil, rules)

	erik := workweek("UTC")
	erik.ID = "erik"
	erik.Jurisdiction = jurisdiction.MustParse("DE")

	from, err := calendar.ParseDate("2026-03-02")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	to, err := calendar.ParseDate("2026-03-03")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}

	res, err := opt.Schedule(context.Background(), Request{
		Profiles: []profile.Profile{erik},
		Range:    calendar.DateRange{From: from, To: to},
		Duration: time.Hour,
		History: []compliance.Session{{
			Participant: "erik",
			Start:       time.Date(2026, time.March, 2, 2, 0, 0, 0, time.UTC),
			End:         time.Date(2026, time.March, 2, 4, 0, 0, 0, time.UTC),
		}},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}

	// Monday's 09:00 slot leaves only 5h rest; Tuesday survives.
	if len(res.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1: %v", len(res.Candidates), res.Candidates)
	}
	if got := res.Candidates[0].Slot.Start.Day(); got != 3 {
		t.Fatalf("candidate day = %d, want Tuesday the 3rd", got)
	}
	for _, r := range res.Candidates[0].Compliance {
		if r.Blocks() {
			t.Fatalf("done candidate carries a blocking violation: %+v", r)
		}
	}

	if len(res.NearMisses) != 1 {
		t.Fatalf("near-misses = %v", res.NearMisses)
	}
	reason := res.NearMisses[0].Reasons[0]
	if !strings.Contains(reason, "de-min-rest") || !strings.Contains(reason, "move one of the sessions") {
		t.Fatalf("near-miss reason %q should cite the rule and remediation", reason)
	}
}

func TestScheduleAdvisoryWarningTravelsWithCandidate(t *testing.T) {
	t.Parallel()
	rules := &stubRules{rules: map[string][]compliance.Rule{
		"AE": {{
			ID:              "ae-workweek",
			Jurisdiction:    jurisdiction.MustParse("AE"),
			Kind:            compliance.KindWorkweekBounds,
			Mandatory:       false,
			AllowedWeekdays: []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday},
		}},
	}}
	opt := newTestOptimizer(t, nil, rules)

	omar := workweek("UTC")
	omar.ID = "omar"
	omar.Jurisdiction = jurisdiction.MustParse("AE")

	from, err := calendar.ParseDate("2026-03-06") // Friday
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	res, err := opt.Schedule(context.Background(), Request{
		Profiles: []profile.Profile{omar},
		Range:    calendar.DateRange{From: from, To: from},
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateDone || len(res.Candidates) != 1 {
		t.Fatalf("result = %+v", res)
	}
	var warned bool
	for _, r := range res.Candidates[0].Compliance {
		if r.Status == compliance.StatusWarning {
			warned = true
		}
		if r.Blocks() {
			t.Fatalf("advisory rule must not block: %+v", r)
		}
	}
	if !warned {
		t.Fatal("expected an advisory warning on the Friday candidate")
	}
}

func TestScheduleFairnessPrefersUnburdened(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)
	ctx := context.Background()

	profiles := threeOffices()
	req := Request{
		Profiles: profiles,
		Range:    mondayRange(t),
		Duration: time.Hour,
		Quorum:   2,
		Series:   "weekly-sync",
	}

	// Carol repeatedly took the slot that is out of her comfort hours; the
	// 06:00 UTC window (14:00 for her, fine) costs nothing, but burden makes
	// every slot that inconveniences her more expensive. Record acceptances
	// of the 09:00 UTC slot, which falls at 17:30 Singapore time.
	accepted := AcceptRequest{
		Series:       "weekly-sync",
		Start:        time.Date(2026, time.February, 23, 9, 0, 0, 0, time.UTC),
		End:          time.Date(2026, time.February, 23, 10, 0, 0, 0, time.UTC),
		Participants: nil,
		Profiles:     profiles[2:3], // carol
	}
	for i := 0; i < 3; i++ {
		if err := opt.Accept(ctx, accepted); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	res, err := opt.Schedule(ctx, req)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	// Both candidate windows have penalty 0 (their slots sit inside every
	// affected participant's comfort range), so the green-duration tie-break
	// still puts 09:00–14:00 first. Burden is visible through the tracker.
	if res.Candidates[0].Rank != 1 {
		t.Fatalf("rank = %d", res.Candidates[0].Rank)
	}
}

func TestScheduleInsufficientQuorum(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)

	_, err := opt.Schedule(context.Background(), Request{
		Profiles: threeOffices(),
		Range:    mondayRange(t),
		Duration: time.Hour,
		Quorum:   4,
	})
	var qe *InsufficientQuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want *InsufficientQuorumError", err)
	}
	if qe.Required != 4 || qe.Available != 3 {
		t.Fatalf("quorum error = %+v", qe)
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)
	ctx := context.Background()

	if _, err := opt.Schedule(ctx, Request{Range: mondayRange(t), Duration: time.Hour}); err == nil {
		t.Fatal("expected error for missing participants")
	}

	p := workweek("UTC")
	p.ID = "alice"
	if _, err := opt.Schedule(ctx, Request{Profiles: []profile.Profile{p}, Duration: time.Hour}); err == nil {
		t.Fatal("expected error for missing range")
	}
	if _, err := opt.Schedule(ctx, Request{Profiles: []profile.Profile{p}, Range: mondayRange(t)}); err == nil {
		t.Fatal("expected error for missing duration")
	}
}

func TestScheduleCancellation(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := opt.Schedule(ctx, Request{
		Profiles: threeOffices(),
		Range:    mondayRange(t),
		Duration: time.Hour,
		Quorum:   2,
	})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
}

func TestScheduleWithoutDirectoryFailsLookups(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)

	_, err := opt.Schedule(context.Background(), Request{
		Participants: []string{"ghost"},
		Range:        mondayRange(t),
		Duration:     time.Hour,
	})
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FailedError", err)
	}
	if fe.Component != "directory" {
		t.Fatalf("component = %q, want directory", fe.Component)
	}
}

func TestAcceptPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	resolver, err := calendar.NewResolver(&stubCalendars{}, calendar.ResolverConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	eval, err := compliance.NewEvaluator(&stubRules{}, compliance.EvaluatorConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	tracker, err := fairness.NewTracker(storage.NewMemory(), logx.Nop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	opt, err := New(resolver, nil, eval, tracker, bus, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	alice := workweek("UTC")
	alice.ID = "alice"
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	err = opt.Accept(context.Background(), AcceptRequest{
		Series:   "weekly-sync",
		Start:    start,
		End:      start.Add(time.Hour),
		Profiles: []profile.Profile{alice},
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Topic != eventbus.TopicScheduleAccepted {
			t.Fatalf("topic = %s", ev.Topic)
		}
		acc, ok := ev.Data.(eventbus.Accepted)
		if !ok {
			t.Fatalf("payload type %T", ev.Data)
		}
		if acc.Series != "weekly-sync" || len(acc.Participants) != 1 || acc.Participants[0] != "alice" {
			t.Fatalf("payload = %+v", acc)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestAcceptRejectsEmptySlot(t *testing.T) {
	t.Parallel()
	opt := newTestOptimizer(t, nil, nil)
	now := time.Now()
	if err := opt.Accept(context.Background(), AcceptRequest{Start: now, End: now}); err == nil {
		t.Fatal("expected error for empty slot")
	}
}
