package overlap

import (
	"testing"
	"time"

	"meridian/internal/availability"
)

var base = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func win(p string, startH, endH int) availability.Window {
	return availability.Window{Participant: p, Start: at(startH, 0), End: at(endH, 0)}
}

func TestClassifyBoundaries(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()
	tests := []struct {
		d    time.Duration
		want Urgency
	}{
		{59*time.Minute + 59*time.Second, UrgencyRed},
		{time.Hour, UrgencyAmber},
		{time.Hour + 59*time.Minute + 59*time.Second, UrgencyAmber},
		{2 * time.Hour, UrgencyGreen},
		{5 * time.Hour, UrgencyGreen},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.d); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestClassifyCustomThresholds(t *testing.T) {
	t.Parallel()
	th := Thresholds{AmberMin: 30 * time.Minute, GreenMin: 90 * time.Minute}
	if got := th.Classify(45 * time.Minute); got != UrgencyAmber {
		t.Fatalf("Classify(45m) = %s, want amber", got)
	}
	if got := th.Classify(90 * time.Minute); got != UrgencyGreen {
		t.Fatalf("Classify(90m) = %s, want green", got)
	}

	// GreenMin below AmberMin is normalized upward, never inverted.
	inv := Thresholds{AmberMin: 2 * time.Hour, GreenMin: time.Hour}
	if got := inv.Classify(90 * time.Minute); got != UrgencyRed {
		t.Fatalf("Classify(90m) = %s, want red", got)
	}
}

func TestIntersectPairwise(t *testing.T) {
	t.Parallel()
	windows := []availability.Window{
		win("alice", 9, 17),
		win("bob", 6, 14),
		win("carol", 1, 9),
	}
	out := Intersect(windows, 2, Options{})
	if len(out) != 2 {
		t.Fatalf("got %d windows, want 2: %v", len(out), out)
	}

	first := out[0]
	if !first.Start.Equal(at(6, 0)) || !first.End.Equal(at(9, 0)) {
		t.Fatalf("first window = %v..%v, want 06:00..09:00", first.Start, first.End)
	}
	if len(first.Participants) != 2 || first.Participants[0] != "bob" || first.Participants[1] != "carol" {
		t.Fatalf("first participants = %v", first.Participants)
	}
	if first.Urgency != UrgencyGreen {
		t.Fatalf("first urgency = %s, want green", first.Urgency)
	}

	second := out[1]
	if !second.Start.Equal(at(9, 0)) || !second.End.Equal(at(14, 0)) {
		t.Fatalf("second window = %v..%v, want 09:00..14:00", second.Start, second.End)
	}
	if len(second.Participants) != 2 || second.Participants[0] != "alice" || second.Participants[1] != "bob" {
		t.Fatalf("second participants = %v", second.Participants)
	}

	// No instant has all three available (carol ends when alice starts).
	if got := Intersect(windows, 3, Options{}); len(got) != 0 {
		t.Fatalf("expected no three-way overlap, got %v", got)
	}
}

func TestIntersectTouchingWindowsDoNotOverlap(t *testing.T) {
	t.Parallel()
	windows := []availability.Window{
		win("alice", 9, 12),
		win("bob", 12, 15),
	}
	if got := Intersect(windows, 2, Options{}); len(got) != 0 {
		t.Fatalf("[9,12) and [12,15) share no instant, got %v", got)
	}
}

func TestIntersectMergesIdenticalSetsOnly(t *testing.T) {
	t.Parallel()
	// alice and bob overlap 9..17; carol joins 11..13, splitting the sweep.
	windows := []availability.Window{
		win("alice", 9, 17),
		win("bob", 9, 17),
		win("carol", 11, 13),
	}
	out := Intersect(windows, 2, Options{})
	if len(out) != 3 {
		t.Fatalf("got %d windows, want 3: %v", len(out), out)
	}
	if len(out[0].Participants) != 2 || !out[0].End.Equal(at(11, 0)) {
		t.Fatalf("segment 0 = %v", out[0])
	}
	if len(out[1].Participants) != 3 || !out[1].Start.Equal(at(11, 0)) || !out[1].End.Equal(at(13, 0)) {
		t.Fatalf("segment 1 = %v", out[1])
	}
	if len(out[2].Participants) != 2 || !out[2].Start.Equal(at(13, 0)) {
		t.Fatalf("segment 2 = %v", out[2])
	}

	// With quorum 3 only the middle segment survives.
	out = Intersect(windows, 3, Options{})
	if len(out) != 1 || len(out[0].Participants) != 3 {
		t.Fatalf("quorum-3 result = %v", out)
	}
}

func TestIntersectMergesContiguousSameSet(t *testing.T) {
	t.Parallel()
	// bob's availability is split in two touching pieces; the common window
	// with alice must come back as one interval.
	windows := []availability.Window{
		win("alice", 9, 17),
		win("bob", 9, 12),
		win("bob", 12, 16),
	}
	out := Intersect(windows, 2, Options{})
	if len(out) != 1 {
		t.Fatalf("got %d windows, want 1 merged: %v", len(out), out)
	}
	if !out[0].Start.Equal(at(9, 0)) || !out[0].End.Equal(at(16, 0)) {
		t.Fatalf("merged window = %v..%v, want 09:00..16:00", out[0].Start, out[0].End)
	}
}

func TestIntersectMinDurationFilter(t *testing.T) {
	t.Parallel()
	windows := []availability.Window{
		win("alice", 9, 17),
		{Participant: "bob", Start: at(9, 0), End: at(9, 10)},
	}
	// Default 15m minimum drops the 10-minute sliver.
	if got := Intersect(windows, 2, Options{}); len(got) != 0 {
		t.Fatalf("expected sliver dropped, got %v", got)
	}
	// An explicit lower minimum keeps it.
	got := Intersect(windows, 2, Options{MinDuration: 5 * time.Minute})
	if len(got) != 1 || got[0].Duration() != 10*time.Minute {
		t.Fatalf("expected 10m window, got %v", got)
	}
	if got[0].Urgency != UrgencyRed {
		t.Fatalf("urgency = %s, want red", got[0].Urgency)
	}
}

func TestIntersectDeterministicOrdering(t *testing.T) {
	t.Parallel()
	windows := []availability.Window{
		win("carol", 9, 11),
		win("alice", 9, 11),
		win("bob", 13, 15),
		win("alice", 13, 15),
	}
	for i := 0; i < 10; i++ {
		out := Intersect(windows, 2, Options{})
		if len(out) != 2 {
			t.Fatalf("got %d windows, want 2", len(out))
		}
		if !out[0].Start.Equal(at(9, 0)) || !out[1].Start.Equal(at(13, 0)) {
			t.Fatalf("windows not ordered by start: %v", out)
		}
		if out[0].Participants[0] != "alice" || out[0].Participants[1] != "carol" {
			t.Fatalf("participants not sorted: %v", out[0].Participants)
		}
	}
}

func TestIntersectEmptyInput(t *testing.T) {
	t.Parallel()
	if got := Intersect(nil, 1, Options{}); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	if got := Intersect([]availability.Window{win("alice", 9, 10)}, 0, Options{}); got != nil {
		t.Fatalf("expected nil for zero quorum, got %v", got)
	}
}
