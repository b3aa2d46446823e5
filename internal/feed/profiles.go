package feed

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"meridian/internal/jurisdiction"
	"meridian/internal/profile"
	logx "meridian/pkg/logx"
)

// ProfileFeed serves the participant directory from a YAML document. Each
// profile is validated at load time so a malformed entry surfaces at the
// feed, not mid-request.
//
// Document shape:
//
//	profiles:
//	  - id: alice
//	    jurisdiction: DE/BY
//	    timezone: Europe/Berlin
//	    chronotype: early
//	    windows:
//	      - { weekday: monday, start: "09:00", end: "17:00" }
//	    adjustments:
//	      - { name: ramadan, period: ramadan, scale: 0.7 }
type ProfileFeed struct {
	ld *loader

	mu       sync.RWMutex
	profiles map[string]profile.Profile
}

func NewProfileFeed(path string, ratePerSec int, log logx.Logger) *ProfileFeed {
	f := &ProfileFeed{profiles: map[string]profile.Profile{}}
	f.ld = newLoader(path, ratePerSec, log.With(logx.String("feed", "profiles")), f.parseDoc)
	return f
}

// Profile implements profile.Directory.
func (f *ProfileFeed) Profile(ctx context.Context, participantID string) (profile.Profile, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return profile.Profile{}, err
	}
	f.mu.RLock()
	p, ok := f.profiles[participantID]
	f.mu.RUnlock()
	if !ok {
		return profile.Profile{}, fmt.Errorf("%w: %s", profile.ErrNotFound, participantID)
	}
	return p, nil
}

type profileDoc struct {
	Profiles []ProfileDoc `yaml:"profiles"`
}

// ProfileDoc is the serialized form of a work-pattern profile, shared by the
// profile feed (YAML) and inline profiles on API requests (JSON).
type ProfileDoc struct {
	ID           string `yaml:"id" json:"id"`
	DisplayName  string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Jurisdiction string `yaml:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
	Timezone     string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Chronotype   string `yaml:"chronotype,omitempty" json:"chronotype,omitempty"`

	Windows     []WindowDoc     `yaml:"windows" json:"windows"`
	Adjustments []AdjustmentDoc `yaml:"adjustments,omitempty" json:"adjustments,omitempty"`
}

// WindowDoc is one weekly working window with "HH:MM" edges.
type WindowDoc struct {
	Weekday string `yaml:"weekday" json:"weekday"`
	Start   string `yaml:"start" json:"start"`
	End     string `yaml:"end" json:"end"`
}

// AdjustmentDoc is one adjustment rule; Period names a feed period, From/To
// is a fixed "MM-DD" month span. Exactly one of the two forms.
type AdjustmentDoc struct {
	Name     string  `yaml:"name" json:"name"`
	Period   string  `yaml:"period,omitempty" json:"period,omitempty"`
	From     string  `yaml:"from,omitempty" json:"from,omitempty"`
	To       string  `yaml:"to,omitempty" json:"to,omitempty"`
	Scale    float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	ShiftMin int     `yaml:"shift_min,omitempty" json:"shift_min,omitempty"`
}

// Build converts the document into a domain profile. It does not run
// profile.Validate; callers decide when to validate.
func (pd ProfileDoc) Build() (profile.Profile, error) {
	p := profile.Profile{
		ID:          pd.ID,
		DisplayName: pd.DisplayName,
		Timezone:    pd.Timezone,
		Chronotype:  profile.Chronotype(pd.Chronotype),
	}
	if pd.Jurisdiction != "" {
		id, err := jurisdiction.Parse(pd.Jurisdiction)
		if err != nil {
			return p, err
		}
		p.Jurisdiction = id
	}

	for _, wd := range pd.Windows {
		day, err := parseWeekday(wd.Weekday)
		if err != nil {
			return p, err
		}
		start, err := parseClock(wd.Start)
		if err != nil {
			return p, err
		}
		end, err := parseClock(wd.End)
		if err != nil {
			return p, err
		}
		p.Windows = append(p.Windows, profile.Window{
			Weekday:  day,
			StartMin: start,
			EndMin:   end,
		})
	}

	for _, ad := range pd.Adjustments {
		adj := profile.Adjustment{
			Name:     ad.Name,
			Period:   ad.Period,
			Scale:    ad.Scale,
			ShiftMin: ad.ShiftMin,
		}
		if ad.From != "" || ad.To != "" {
			from, err := parseMonthDay(ad.From)
			if err != nil {
				return p, fmt.Errorf("adjustment %q: %w", ad.Name, err)
			}
			to, err := parseMonthDay(ad.To)
			if err != nil {
				return p, fmt.Errorf("adjustment %q: %w", ad.Name, err)
			}
			adj.From, adj.To = &from, &to
		}
		p.Adjustments = append(p.Adjustments, adj)
	}
	return p, nil
}

func (f *ProfileFeed) parseDoc(data []byte) error {
	var doc profileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	profiles := make(map[string]profile.Profile, len(doc.Profiles))
	for _, pd := range doc.Profiles {
		p, err := pd.Build()
		if err != nil {
			return fmt.Errorf("profile %q: %w", pd.ID, err)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := profiles[p.ID]; dup {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		profiles[p.ID] = p
	}

	f.mu.Lock()
	f.profiles = profiles
	f.mu.Unlock()
	return nil
}

// parseMonthDay parses "01-02" (month-day).
func parseMonthDay(s string) (profile.MonthDay, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return profile.MonthDay{}, fmt.Errorf("invalid month-day %q: %w", s, err)
	}
	return profile.MonthDay{Month: t.Month(), Day: t.Day()}, nil
}
