// Package engine orchestrates a scheduling request through availability
// collection, overlap aggregation, compliance filtering and fairness-aware
// ranking.
//
// A request moves through the states collecting → aggregating → filtering →
// ranking and terminates in done, infeasible or failed. Partial results are
// never returned as if complete; an infeasible result always carries at
// least one near-miss with its blocking reasons.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"meridian/internal/availability"
	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/eventbus"
	"meridian/internal/fairness"
	"meridian/internal/jurisdiction"
	"meridian/internal/overlap"
	"meridian/internal/profile"
	logx "meridian/pkg/logx"
)

// maxNearMisses bounds the near-miss list in an infeasible result.
const maxNearMisses = 3

// Config carries the instance defaults a request may override.
type Config struct {
	Thresholds overlap.Thresholds
	MinWindow  time.Duration
}

// Optimizer drives one scheduling request end to end. Stateless per request;
// the fairness ledger is the only shared mutable state and lives behind the
// tracker.
type Optimizer struct {
	resolver *calendar.Resolver
	dir      profile.Directory
	eval     *compliance.Evaluator
	tracker  *fairness.Tracker
	bus      eventbus.Bus
	cfg      Config
	log      logx.Logger
}

// New wires an optimizer. dir and bus may be nil (inline-profile-only use,
// no event consumers); the rest are required.
func New(resolver *calendar.Resolver, dir profile.Directory, eval *compliance.Evaluator, tracker *fairness.Tracker, bus eventbus.Bus, log logx.Logger) (*Optimizer, error) {
	if resolver == nil {
		return nil, errors.New("engine: resolver is required")
	}
	if eval == nil {
		return nil, errors.New("engine: compliance evaluator is required")
	}
	if tracker == nil {
		return nil, errors.New("engine: fairness tracker is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Optimizer{
		resolver: resolver,
		dir:      dir,
		eval:     eval,
		tracker:  tracker,
		bus:      bus,
		log:      log.With(logx.String("comp", "engine")),
	}, nil
}

// SetDefaults installs instance defaults applied to requests that leave the
// corresponding fields zero.
func (o *Optimizer) SetDefaults(cfg Config) { o.cfg = cfg }

// collected is one participant's availability plus the calendar context that
// produced it, kept for near-miss explanations.
type collected struct {
	prof     profile.Profile
	windows  []availability.Window
	holidays []calendar.Day
}

// Schedule runs the request to a terminal state. Done and Infeasible return
// a nil error; Failed returns a *FailedError (or a typed quorum/validation
// error) alongside a Result in StateFailed.
func (o *Optimizer) Schedule(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := Result{RequestID: req.ID, State: StateFailed}
	log := o.log.With(logx.String("request", req.ID))

	profiles, err := o.resolveProfiles(ctx, req)
	if err != nil {
		return res, err
	}
	if err := validate(req, len(profiles)); err != nil {
		return res, err
	}
	quorum := req.Quorum
	if quorum <= 0 {
		quorum = len(profiles)
	}

	// Collecting: per-participant availability, fanned out and joined.
	parts, err := o.collect(ctx, req, profiles)
	if err != nil {
		return res, err
	}

	available := 0
	var windows []availability.Window
	for _, c := range parts {
		if len(c.windows) > 0 {
			available++
		}
		windows = append(windows, c.windows...)
	}
	if available < quorum {
		if nm := o.noWindowNearMisses(parts, req.Range); len(nm) > 0 {
			res.State = StateInfeasible
			res.NearMisses = nm
			res.Reasons = reasonsOf(nm)
			return res, nil
		}
		return res, &InsufficientQuorumError{Required: quorum, Available: available}
	}

	// Aggregating.
	if err := ctx.Err(); err != nil {
		return res, &FailedError{Component: "engine", Input: req.ID, Err: err}
	}
	th := req.Thresholds
	if th.AmberMin <= 0 {
		th.AmberMin = o.cfg.Thresholds.AmberMin
	}
	if th.GreenMin <= 0 {
		th.GreenMin = o.cfg.Thresholds.GreenMin
	}
	minDur := req.MinWindow
	if minDur <= 0 {
		minDur = o.cfg.MinWindow
	}
	if req.Duration > minDur {
		minDur = req.Duration
	}
	opts := overlap.Options{Thresholds: th, MinDuration: minDur}
	common := overlap.Intersect(windows, quorum, opts)
	if len(common) == 0 {
		res.State = StateInfeasible
		res.NearMisses = o.partialNearMisses(windows, parts, quorum, opts)
		res.Reasons = reasonsOf(res.NearMisses)
		log.Info("no common window", logx.Int("quorum", quorum))
		return res, nil
	}

	// Filtering: mandatory violations drop candidates into the near-miss
	// list; warnings travel with the candidate.
	viable, blocked, err := o.filter(ctx, req, common, parts)
	if err != nil {
		return res, err
	}
	if len(viable) == 0 {
		res.State = StateInfeasible
		res.NearMisses = blocked
		res.Reasons = reasonsOf(blocked)
		log.Info("all candidates blocked by mandatory rules", logx.Int("candidates", len(common)))
		return res, nil
	}

	// Ranking.
	if err := o.rank(ctx, req, viable, parts); err != nil {
		return res, err
	}

	res.State = StateDone
	res.Candidates = viable
	res.NearMisses = blocked
	log.Info("request done",
		logx.Int("candidates", len(viable)),
		logx.Int("near_misses", len(blocked)))
	return res, nil
}

// AcceptRequest records an accepted slot for a series.
type AcceptRequest struct {
	Series       string
	Start        time.Time
	End          time.Time
	Participants []string
	Profiles     []profile.Profile
}

// Accept appends the accepted slot to the fairness ledger (when the request
// names a series) and publishes schedule.accepted.
func (o *Optimizer) Accept(ctx context.Context, req AcceptRequest) error {
	if !req.End.After(req.Start) {
		return fmt.Errorf("engine: accepted slot %s..%s is empty", req.Start, req.End)
	}
	profiles, err := o.resolveProfiles(ctx, Request{
		Participants: req.Participants,
		Profiles:     req.Profiles,
	})
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return errors.New("engine: accepted slot has no participants")
	}

	if req.Series != "" {
		if err := o.tracker.Record(ctx, req.Series, req.Start, req.End, profiles); err != nil {
			return err
		}
	}
	if o.bus != nil {
		ids := make([]string, 0, len(profiles))
		for _, p := range profiles {
			ids = append(ids, p.ID)
		}
		sort.Strings(ids)
		o.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicScheduleAccepted,
			Data: eventbus.Accepted{
				Series:       req.Series,
				Start:        req.Start.UTC(),
				End:          req.End.UTC(),
				Participants: ids,
			},
		})
	}
	return nil
}

func (o *Optimizer) resolveProfiles(ctx context.Context, req Request) ([]profile.Profile, error) {
	byID := map[string]profile.Profile{}
	var order []string

	for _, id := range req.Participants {
		if _, ok := byID[id]; ok {
			continue
		}
		if o.dir == nil {
			return nil, &FailedError{Component: "directory", Input: id,
				Err: errors.New("no profile directory configured")}
		}
		p, err := o.dir.Profile(ctx, id)
		if err != nil {
			return nil, &FailedError{Component: "directory", Input: id, Err: err}
		}
		byID[id] = p
		order = append(order, id)
	}
	for _, p := range req.Profiles {
		if _, ok := byID[p.ID]; !ok {
			order = append(order, p.ID)
		}
		byID[p.ID] = p
	}

	out := make([]profile.Profile, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func validate(req Request, participants int) error {
	if participants == 0 {
		return errors.New("engine: request has no participants")
	}
	if !req.Range.Valid() {
		return fmt.Errorf("engine: invalid date range %s..%s", req.Range.From, req.Range.To)
	}
	if req.Duration <= 0 {
		return errors.New("engine: request duration must be positive")
	}
	if req.Quorum > participants {
		return &InsufficientQuorumError{Required: req.Quorum, Available: participants}
	}
	return nil
}

// collect fans availability computation out per participant, bounded by the
// participant count, and joins before returning. Cancellation stops the
// group promptly.
func (o *Optimizer) collect(ctx context.Context, req Request, profiles []profile.Profile) ([]collected, error) {
	out := make([]collected, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(profiles))

	for i, p := range profiles {
		g.Go(func() error {
			c := collected{prof: p}
			cal := availability.CalendarContext{}

			if !p.Jurisdiction.IsZero() {
				days, err := o.resolver.Resolve(gctx, p.Jurisdiction, req.Range)
				if err != nil {
					return &FailedError{Component: "calendar", Input: p.Jurisdiction.String(), Err: err}
				}
				periods, err := o.resolver.Periods(gctx, p.Jurisdiction, req.Range)
				if err != nil {
					return &FailedError{Component: "calendar", Input: p.Jurisdiction.String(), Err: err}
				}
				c.holidays = days
				cal.Holidays = days
				cal.Periods = periods
			}

			windows, err := availability.Compute(p, req.Range, cal)
			if err != nil {
				return &FailedError{Component: "availability", Input: p.ID, Err: err}
			}
			c.windows = windows
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var fe *FailedError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &FailedError{Component: "engine", Input: req.ID, Err: err}
	}
	return out, nil
}

// filter evaluates compliance per candidate. The proposed meeting is the
// first Duration-sized slot of the window.
func (o *Optimizer) filter(ctx context.Context, req Request, common []overlap.Window, parts []collected) (viable []Candidate, blocked []NearMiss, err error) {
	jurs := map[string]jurisdiction.ID{}
	locs := map[string]*time.Location{}
	for _, c := range parts {
		jurs[c.prof.ID] = c.prof.Jurisdiction
		if loc, lerr := c.prof.Location(); lerr == nil {
			locs[c.prof.ID] = loc
		}
	}

	for _, w := range common {
		if err := ctx.Err(); err != nil {
			return nil, nil, &FailedError{Component: "engine", Input: req.ID, Err: err}
		}
		slot := Slot{Start: w.Start, End: w.Start.Add(req.Duration)}
		results, err := o.eval.Evaluate(ctx, compliance.Proposed{
			Start:         slot.Start,
			End:           slot.End,
			Participants:  w.Participants,
			History:       req.History,
			Jurisdictions: jurs,
			Locations:     locs,
		})
		if err != nil {
			var te *compliance.RuleTimeoutError
			if errors.As(err, &te) {
				return nil, nil, &FailedError{Component: "compliance", Input: te.Jurisdiction.String(), Err: err}
			}
			return nil, nil, &FailedError{Component: "compliance", Input: req.ID, Err: err}
		}
		if o.bus != nil {
			o.bus.Publish(eventbus.Event{
				Topic: eventbus.TopicComplianceReport,
				Data: eventbus.Report{
					RequestID: req.ID,
					Start:     slot.Start,
					End:       slot.End,
					Results:   results,
				},
			})
		}

		var reasons []string
		for _, r := range results {
			if r.Blocks() {
				reason := fmt.Sprintf("%s (%s): %s", r.RuleID, r.Kind, r.Explanation)
				if r.Remediation != "" {
					reason += " — " + r.Remediation
				}
				reasons = append(reasons, reason)
			}
		}
		if len(reasons) > 0 {
			blocked = append(blocked, NearMiss{
				Start:        w.Start,
				End:          w.End,
				Participants: w.Participants,
				Reasons:      reasons,
			})
			continue
		}
		viable = append(viable, Candidate{Window: w, Slot: slot, Compliance: results})
	}
	if len(blocked) > maxNearMisses {
		blocked = blocked[:maxNearMisses]
	}
	return viable, blocked, nil
}

// rank scores candidates against the series ledger and orders them:
// fairness penalty ascending, then green-classified duration descending,
// then earlier start, then lexicographically smallest participant set.
func (o *Optimizer) rank(ctx context.Context, req Request, cands []Candidate, parts []collected) error {
	byID := map[string]profile.Profile{}
	for _, c := range parts {
		byID[c.prof.ID] = c.prof
	}

	for i := range cands {
		var present []profile.Profile
		for _, id := range cands[i].Window.Participants {
			present = append(present, byID[id])
		}
		score, err := o.tracker.Score(ctx, req.Series, cands[i].Slot.Start, cands[i].Slot.End, present)
		if err != nil {
			return &FailedError{Component: "fairness", Input: req.Series, Err: err}
		}
		cands[i].Score = score.Penalty
	}

	greenDur := func(c Candidate) time.Duration {
		if c.Window.Urgency == overlap.UrgencyGreen {
			return c.Window.Duration()
		}
		return 0
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score < cands[j].Score
		}
		if gi, gj := greenDur(cands[i]), greenDur(cands[j]); gi != gj {
			return gi > gj
		}
		if !cands[i].Window.Start.Equal(cands[j].Window.Start) {
			return cands[i].Window.Start.Before(cands[j].Window.Start)
		}
		return lessSet(cands[i].Window.Participants, cands[j].Window.Participants)
	})
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return nil
}

// partialNearMisses relaxes the quorum until some common window appears and
// reports the best partial overlaps, naming the missing participants.
func (o *Optimizer) partialNearMisses(windows []availability.Window, parts []collected, quorum int, opts overlap.Options) []NearMiss {
	all := make([]string, 0, len(parts))
	for _, c := range parts {
		all = append(all, c.prof.ID)
	}
	sort.Strings(all)

	for k := quorum - 1; k >= 1; k-- {
		common := overlap.Intersect(windows, k, opts)
		if len(common) == 0 {
			continue
		}
		if len(common) > maxNearMisses {
			common = common[:maxNearMisses]
		}
		out := make([]NearMiss, 0, len(common))
		for _, w := range common {
			missing := diffSet(all, w.Participants)
			out = append(out, NearMiss{
				Start:        w.Start,
				End:          w.End,
				Participants: w.Participants,
				Reasons: []string{fmt.Sprintf(
					"only %d of the required %d participants available; missing: %s",
					len(w.Participants), quorum, strings.Join(missing, ", "))},
			})
		}
		return out
	}

	// Windows exist but none fits the meeting even for a single participant.
	// Name the longest one on offer so the result still explains itself.
	var best availability.Window
	for _, w := range windows {
		if w.Duration() > best.Duration() {
			best = w
		}
	}
	if best.Duration() > 0 {
		return []NearMiss{{
			Start:        best.Start,
			End:          best.End,
			Participants: []string{best.Participant},
			Reasons: []string{fmt.Sprintf(
				"longest available window %s..%s (%s) is shorter than the required %s",
				best.Start.Format(time.RFC3339), best.End.Format(time.RFC3339),
				best.Duration(), opts.MinDuration)},
		}}
	}
	return o.noWindowNearMisses(parts, calendar.DateRange{})
}

// noWindowNearMisses explains participants with no availability at all,
// citing the blocking holidays when the calendar caused it.
func (o *Optimizer) noWindowNearMisses(parts []collected, _ calendar.DateRange) []NearMiss {
	var out []NearMiss
	for _, c := range parts {
		if len(c.windows) > 0 {
			continue
		}
		reason := fmt.Sprintf("%s has no availability in the requested range", c.prof.ID)
		for _, h := range c.holidays {
			if h.Kind.BlocksWork() {
				reason += fmt.Sprintf("; blocked by %s holiday %q on %s", h.Kind, h.Name, h.Date)
				break
			}
		}
		out = append(out, NearMiss{
			Participants: []string{c.prof.ID},
			Reasons:      []string{reason},
		})
		if len(out) == maxNearMisses {
			break
		}
	}
	return out
}

func reasonsOf(nm []NearMiss) []string {
	var out []string
	seen := map[string]bool{}
	for _, n := range nm {
		for _, r := range n.Reasons {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

func lessSet(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// diffSet returns the members of all absent from sub. Both sorted.
func diffSet(all, sub []string) []string {
	in := map[string]bool{}
	for _, s := range sub {
		in[s] = true
	}
	var out []string
	for _, s := range all {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
