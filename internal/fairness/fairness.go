// Package fairness tracks who bore the inconvenient slots of a recurring
// series and biases ranking toward the least-burdened participants.
//
// Burden accounting is append-only: recording an outcome can only grow a
// participant's accumulated burden, so a participant who just took a bad
// slot never ranks worse for relief on the next occurrence.
package fairness

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/profile"
	"meridian/internal/storage"
	logx "meridian/pkg/logx"
)

// inconvenienceScale normalizes distance-from-comfort to [0,1]. Half a civil
// day away from the comfort range is maximal inconvenience.
const inconvenienceScale = profile.MinutesPerDay / 2

// Score is one candidate's fairness assessment for a series.
type Score struct {
	// Penalty is the burden-weighted inconvenience sum. Lower is better.
	Penalty float64

	// PerParticipant is each participant's raw inconvenience in [0,1].
	PerParticipant map[string]float64

	// Burden is each participant's accumulated historical inconvenience.
	Burden map[string]float64
}

// Tracker scores candidates against the series ledger and records accepted
// outcomes. Writes to the same series are serialized.
type Tracker struct {
	store storage.Store
	log   logx.Logger

	seriesMu sync.Mutex
	series   map[string]*sync.Mutex
}

func NewTracker(store storage.Store, log logx.Logger) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("fairness: tracker requires a store")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		store:  store,
		log:    log.With(logx.String("comp", "fairness")),
		series: map[string]*sync.Mutex{},
	}, nil
}

// Inconvenience measures how far the slot's local midpoint sits from the
// participant's chronotype comfort range, normalized to [0,1]. A slot whose
// midpoint falls inside the range scores zero.
func Inconvenience(p profile.Profile, start, end time.Time) float64 {
	loc, err := p.Location()
	if err != nil {
		loc = time.UTC
	}
	mid := start.Add(end.Sub(start) / 2).In(loc)
	midMin := mid.Hour()*60 + mid.Minute()

	cs, ce := p.Chronotype.ComfortRange()
	var dist int
	switch {
	case midMin < cs:
		dist = cs - midMin
	case midMin > ce:
		dist = midMin - ce
	default:
		return 0
	}
	// Civil time wraps; the comfort range may be closer going the other way
	// around midnight.
	if wrap := profile.MinutesPerDay - dist; wrap < dist {
		dist = wrap
	}
	v := float64(dist) / float64(inconvenienceScale)
	if v > 1 {
		v = 1
	}
	return v
}

// Score assesses a candidate slot for the series. Each participant's raw
// inconvenience is weighted by one plus their accumulated burden, so a slot
// that is bad for an already-burdened participant costs more than the same
// slot would for a fresh one.
func (t *Tracker) Score(ctx context.Context, series string, start, end time.Time, profiles []profile.Profile) (Score, error) {
	burden, err := t.burdens(ctx, series)
	if err != nil {
		return Score{}, err
	}

	s := Score{
		PerParticipant: make(map[string]float64, len(profiles)),
		Burden:         make(map[string]float64, len(profiles)),
	}
	for _, p := range profiles {
		inc := Inconvenience(p, start, end)
		s.PerParticipant[p.ID] = inc
		s.Burden[p.ID] = burden[p.ID]
		s.Penalty += inc * (1 + burden[p.ID])
	}
	return s, nil
}

// Record appends one ledger entry per participant for an accepted slot.
// Concurrent acceptances for the same series are serialized; distinct series
// proceed independently.
func (t *Tracker) Record(ctx context.Context, series string, start, end time.Time, profiles []profile.Profile) error {
	mu := t.lockFor(series)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	for _, p := range profiles {
		e := storage.Entry{
			ID:            uuid.NewString(),
			Series:        series,
			Participant:   p.ID,
			SlotStart:     start.UTC(),
			SlotEnd:       end.UTC(),
			Inconvenience: Inconvenience(p, start, end),
			RecordedAt:    now,
		}
		if err := t.store.Append(ctx, e); err != nil {
			return err
		}
	}
	t.log.Debug("recorded slot outcome",
		logx.String("series", series),
		logx.Int("participants", len(profiles)))
	return nil
}

// Burdens returns each participant's accumulated inconvenience for the
// series, for reporting.
func (t *Tracker) Burdens(ctx context.Context, series string) (map[string]float64, error) {
	return t.burdens(ctx, series)
}

// LeastBurdened returns participant IDs ascending by accumulated burden,
// ties broken lexicographically.
func (t *Tracker) LeastBurdened(ctx context.Context, series string) ([]string, error) {
	burden, err := t.burdens(ctx, series)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(burden))
	for id := range burden {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if burden[out[i]] != burden[out[j]] {
			return burden[out[i]] < burden[out[j]]
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (t *Tracker) burdens(ctx context.Context, series string) (map[string]float64, error) {
	entries, err := t.store.History(ctx, series)
	if err != nil {
		return nil, err
	}
	burden := map[string]float64{}
	for _, e := range entries {
		burden[e.Participant] += e.Inconvenience
	}
	return burden, nil
}

func (t *Tracker) lockFor(series string) *sync.Mutex {
	t.seriesMu.Lock()
	defer t.seriesMu.Unlock()
	mu, ok := t.series[series]
	if !ok {
		mu = &sync.Mutex{}
		t.series[series] = mu
	}
	return mu
}
