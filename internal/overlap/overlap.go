// Package overlap intersects availability windows across participants and
// classifies the common windows by duration.
package overlap

import (
	"sort"
	"time"

	"meridian/internal/availability"
)

// Urgency labels a common window by how much room it offers.
type Urgency string

const (
	UrgencyRed   Urgency = "red"
	UrgencyAmber Urgency = "amber"
	UrgencyGreen Urgency = "green"
)

// Thresholds are the classification boundaries. They are configuration with
// per-request overrides, never hard-coded at call sites.
type Thresholds struct {
	// AmberMin is the minimum duration for amber; anything shorter is red.
	AmberMin time.Duration
	// GreenMin is the minimum duration for green.
	GreenMin time.Duration
}

// DefaultThresholds: red < 1h, amber 1–2h, green ≥ 2h.
func DefaultThresholds() Thresholds {
	return Thresholds{AmberMin: time.Hour, GreenMin: 2 * time.Hour}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.AmberMin <= 0 {
		t.AmberMin = def.AmberMin
	}
	if t.GreenMin <= 0 {
		t.GreenMin = def.GreenMin
	}
	if t.GreenMin < t.AmberMin {
		t.GreenMin = t.AmberMin
	}
	return t
}

// Classify is a pure function of duration.
func (t Thresholds) Classify(d time.Duration) Urgency {
	t = t.withDefaults()
	switch {
	case d >= t.GreenMin:
		return UrgencyGreen
	case d >= t.AmberMin:
		return UrgencyAmber
	default:
		return UrgencyRed
	}
}

// Options tune the intersection.
type Options struct {
	Thresholds Thresholds
	// MinDuration drops common windows shorter than this. Default 15m.
	MinDuration time.Duration
}

const defaultMinDuration = 15 * time.Minute

// Window is a common availability window.
type Window struct {
	Start        time.Time
	End          time.Time
	Participants []string // sorted
	Urgency      Urgency
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Intersect sweeps the window boundaries of all participants and emits every
// maximal interval where at least minParticipants are simultaneously
// available for at least Options.MinDuration.
//
// Adjacent intervals merge only when their participant sets are identical
// and they are contiguous; intervals with differing sets stay distinct.
// Output is deterministic: sorted by start, then participant count
// descending, then participant set.
func Intersect(windows []availability.Window, minParticipants int, opts Options) []Window {
	if len(windows) == 0 || minParticipants < 1 {
		return nil
	}
	th := opts.Thresholds.withDefaults()
	minDur := opts.MinDuration
	if minDur <= 0 {
		minDur = defaultMinDuration
	}

	type event struct {
		at          time.Time
		participant string
		delta       int
	}
	events := make([]event, 0, 2*len(windows))
	for _, w := range windows {
		if !w.End.After(w.Start) {
			continue
		}
		events = append(events, event{at: w.Start, participant: w.Participant, delta: +1})
		events = append(events, event{at: w.End, participant: w.Participant, delta: -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		// Ends before starts at the same instant: [a,t) and [t,b) do not overlap.
		return events[i].delta < events[j].delta
	})

	active := map[string]int{}
	var segments []Window
	var prev time.Time
	havePrev := false

	flush := func(until time.Time) {
		if !havePrev || !until.After(prev) {
			return
		}
		if len(active) >= minParticipants {
			segments = append(segments, Window{
				Start:        prev,
				End:          until,
				Participants: sortedKeys(active),
			})
		}
	}

	for i := 0; i < len(events); {
		at := events[i].at
		flush(at)
		for i < len(events) && events[i].at.Equal(at) {
			e := events[i]
			active[e.participant] += e.delta
			if active[e.participant] <= 0 {
				delete(active, e.participant)
			}
			i++
		}
		prev = at
		havePrev = true
	}

	// Merge contiguous segments with identical participant sets.
	merged := segments[:0]
	for _, s := range segments {
		if n := len(merged); n > 0 &&
			merged[n-1].End.Equal(s.Start) &&
			sameParticipants(merged[n-1].Participants, s.Participants) {
			merged[n-1].End = s.End
			continue
		}
		merged = append(merged, s)
	}

	out := make([]Window, 0, len(merged))
	for _, s := range merged {
		if s.Duration() < minDur {
			continue
		}
		s.Urgency = th.Classify(s.Duration())
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if len(out[i].Participants) != len(out[j].Participants) {
			return len(out[i].Participants) > len(out[j].Participants)
		}
		return lessParticipants(out[i].Participants, out[j].Participants)
	})
	return out
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lessParticipants compares sorted participant sets lexicographically.
func lessParticipants(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
