package engine

import (
	"fmt"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/overlap"
	"meridian/internal/profile"
)

// State is the optimizer's position in a request's lifecycle. Terminal
// states are Done, Infeasible and Failed.
type State string

const (
	StateCollecting  State = "collecting"
	StateAggregating State = "aggregating"
	StateFiltering   State = "filtering"
	StateRanking     State = "ranking"
	StateDone        State = "done"
	StateInfeasible  State = "infeasible"
	StateFailed      State = "failed"
)

// Request is one scheduling request. Participants are resolved through the
// profile directory; Profiles may carry inline profiles instead (or in
// addition — an inline profile wins over a directory entry with the same ID).
type Request struct {
	ID           string
	Participants []string
	Profiles     []profile.Profile

	Range    calendar.DateRange
	Duration time.Duration

	// Quorum is the minimum simultaneous participant count. Zero means all
	// participants.
	Quorum int

	// Series identifies the recurring meeting for fairness accounting.
	// Empty means a one-off request with no burden history.
	Series string

	// Thresholds and MinWindow override the engine defaults per request.
	Thresholds overlap.Thresholds
	MinWindow  time.Duration

	// History is the participants' existing schedule, supplied by the
	// caller for compliance evaluation.
	History []compliance.Session
}

// Candidate is one ranked schedulable slot.
type Candidate struct {
	Window     overlap.Window
	Slot       Slot
	Compliance []compliance.Result
	Score      float64
	Rank       int
}

// Slot is the concrete meeting interval proposed inside a candidate window:
// the first Duration-sized span from the window start.
type Slot struct {
	Start time.Time
	End   time.Time
}

// NearMiss is the closest non-viable option, with its specific blocking
// reasons. Start/End are zero when no common window existed at all.
type NearMiss struct {
	Start        time.Time
	End          time.Time
	Participants []string
	Reasons      []string
}

// Result is the terminal outcome of a request. Exactly one of the terminal
// states; Candidates only for Done, NearMisses and Reasons for Infeasible.
type Result struct {
	RequestID  string
	State      State
	Candidates []Candidate
	NearMisses []NearMiss
	Reasons    []string
}

// FailedError is the typed terminal failure: it names the component that
// failed and the input it failed on, wrapping the originating error.
type FailedError struct {
	Component string
	Input     string
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("engine: %s failed on %q: %v", e.Component, e.Input, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// InsufficientQuorumError reports fewer available participants than the
// request requires at any point in the range.
type InsufficientQuorumError struct {
	Required  int
	Available int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("engine: quorum %d required but only %d participants have availability",
		e.Required, e.Available)
}
