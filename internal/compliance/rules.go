// Package compliance evaluates jurisdiction-specific legal and cultural
// rules against a proposed schedule.
//
// Rules are side-effect-free predicates; evaluation never mutates rule data
// and produces fresh results per proposed schedule. An unknown rule kind
// fails closed: it is reported as a mandatory violation rather than silently
// passed.
package compliance

import (
	"fmt"
	"time"

	"meridian/internal/jurisdiction"
)

// RuleKind identifies the predicate a rule applies.
type RuleKind string

const (
	// KindMaxWeeklyHours caps cumulative scheduled hours per calendar week.
	KindMaxWeeklyHours RuleKind = "max-weekly-hours"
	// KindMinRest requires a minimum gap between a participant's sessions.
	KindMinRest RuleKind = "min-rest"
	// KindBlackout blocks a recurring local-time span (sabbath, observance).
	KindBlackout RuleKind = "blackout"
	// KindWorkweekBounds restricts sessions to the legal work week's days.
	KindWorkweekBounds RuleKind = "workweek-bounds"
)

// Known reports whether the evaluator can evaluate this kind.
func (k RuleKind) Known() bool {
	switch k {
	case KindMaxWeeklyHours, KindMinRest, KindBlackout, KindWorkweekBounds:
		return true
	}
	return false
}

// Rule is one entry of a jurisdiction's legal rule set, as delivered by the
// regulatory feed. Immutable during evaluation.
type Rule struct {
	ID           string
	Jurisdiction jurisdiction.ID
	Kind         RuleKind

	// Mandatory rules remove violating candidates from consideration;
	// advisory rules surface breaches as warnings.
	Mandatory bool

	// Remediation is a human hint surfaced with violations.
	Remediation string

	// KindMaxWeeklyHours
	MaxWeeklyHours float64

	// KindMinRest
	MinRest time.Duration

	// KindBlackout: local civil span on a weekday. A nil weekday means every
	// day; StartMin == EndMin == 0 means the whole day.
	BlackoutWeekday  *time.Weekday
	BlackoutStartMin int
	BlackoutEndMin   int

	// KindWorkweekBounds: weekdays sessions may fall on (participant-local).
	AllowedWeekdays []time.Weekday
}

// Status is the outcome of one rule against one proposed schedule.
type Status string

const (
	StatusPass      Status = "pass"
	StatusViolation Status = "violation"
	StatusWarning   Status = "warning"
)

// Result is produced fresh per evaluation, one per applicable rule per
// jurisdiction.
type Result struct {
	RuleID       string
	Kind         RuleKind
	Jurisdiction jurisdiction.ID
	Status       Status
	Mandatory    bool
	Participants []string
	Explanation  string
	Remediation  string
}

// Blocks reports whether this result removes a candidate from consideration.
func (r Result) Blocks() bool { return r.Mandatory && r.Status == StatusViolation }

// Session is one scheduled interval for a participant, UTC instants.
type Session struct {
	Participant string
	Start       time.Time
	End         time.Time
}

// Proposed is a candidate window plus the caller-supplied cumulative
// schedule context for the affected participants.
type Proposed struct {
	Start        time.Time
	End          time.Time
	Participants []string

	// History is the affected participants' existing schedule. It is the
	// caller's view; the evaluator never loads schedules itself.
	History []Session

	// Jurisdictions maps each participant to their jurisdiction.
	Jurisdictions map[string]jurisdiction.ID

	// Locations maps each participant to their local timezone for rules
	// expressed in civil time. A missing entry defaults to UTC.
	Locations map[string]*time.Location
}

func (p Proposed) location(participant string) *time.Location {
	if loc := p.Locations[participant]; loc != nil {
		return loc
	}
	return time.UTC
}

func (p Proposed) historyOf(participant string) []Session {
	var out []Session
	for _, s := range p.History {
		if s.Participant == participant {
			out = append(out, s)
		}
	}
	return out
}

func (p Proposed) valid() error {
	if !p.End.After(p.Start) {
		return fmt.Errorf("compliance: proposed window %s..%s is empty", p.Start, p.End)
	}
	if len(p.Participants) == 0 {
		return fmt.Errorf("compliance: proposed schedule has no participants")
	}
	return nil
}
