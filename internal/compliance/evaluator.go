package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"meridian/internal/jurisdiction"
	logx "meridian/pkg/logx"
)

// RuleTimeoutError reports that fetching a jurisdiction's rule set exceeded
// its budget and no cached rule set was available.
type RuleTimeoutError struct {
	Jurisdiction jurisdiction.ID
	Err          error
}

func (e *RuleTimeoutError) Error() string {
	return fmt.Sprintf("compliance: rule fetch for %s timed out: %v", e.Jurisdiction, e.Err)
}

func (e *RuleTimeoutError) Unwrap() error { return e.Err }

// Source supplies rule sets, typically the regulatory feed. A jurisdiction
// without rules returns an empty slice, not an error.
type Source interface {
	Rules(ctx context.Context, id jurisdiction.ID) ([]Rule, error)
}

// EvaluatorConfig tunes the evaluator.
type EvaluatorConfig struct {
	// FetchTimeout bounds each Source call. Zero means no bound.
	FetchTimeout time.Duration
}

// Evaluator applies jurisdiction rule sets to proposed schedules.
type Evaluator struct {
	src Source
	cfg EvaluatorConfig
	log logx.Logger

	// stale keeps the last good rule set per jurisdiction so a feed timeout
	// falls back to cached data instead of failing the request.
	staleMu sync.RWMutex
	stale   map[string][]Rule
}

func NewEvaluator(src Source, cfg EvaluatorConfig, log logx.Logger) (*Evaluator, error) {
	if src == nil {
		return nil, errors.New("compliance: evaluator requires a source")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{
		src:   src,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "compliance")),
		stale: map[string][]Rule{},
	}, nil
}

// Evaluate runs every applicable rule of every involved jurisdiction against
// the proposed schedule. The result set contains exactly one Result per
// applicable rule; rules whose jurisdiction covers no participant are
// omitted. Results are ordered by jurisdiction, then rule ID.
func (e *Evaluator) Evaluate(ctx context.Context, p Proposed) ([]Result, error) {
	if err := p.valid(); err != nil {
		return nil, err
	}

	// Participants grouped by jurisdiction, deterministically.
	byJur := map[string][]string{}
	jurByKey := map[string]jurisdiction.ID{}
	for _, part := range p.Participants {
		id := p.Jurisdictions[part]
		if id.IsZero() {
			continue
		}
		key := id.String()
		byJur[key] = append(byJur[key], part)
		jurByKey[key] = id
	}
	keys := make([]string, 0, len(byJur))
	for k := range byJur {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Result
	for _, key := range keys {
		id := jurByKey[key]
		affected := byJur[key]
		sort.Strings(affected)

		rules, err := e.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			out = append(out, evaluateRule(rule, p, affected))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Jurisdiction.String() != out[j].Jurisdiction.String() {
			return out[i].Jurisdiction.String() < out[j].Jurisdiction.String()
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

func (e *Evaluator) fetch(ctx context.Context, id jurisdiction.ID) ([]Rule, error) {
	fctx := ctx
	var cancel context.CancelFunc
	if e.cfg.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
	}

	rules, err := e.src.Rules(fctx, id)
	if err == nil {
		e.staleMu.Lock()
		e.stale[id.String()] = rules
		e.staleMu.Unlock()
		return rules, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		e.staleMu.RLock()
		cached, ok := e.stale[id.String()]
		e.staleMu.RUnlock()
		if ok {
			e.log.Warn("rule fetch timed out, using cached rule set",
				logx.String("jurisdiction", id.String()),
				logx.Err(err))
			return cached, nil
		}
		return nil, &RuleTimeoutError{Jurisdiction: id, Err: err}
	}
	return nil, err
}

// evaluateRule is pure: (rule, proposed, affected) → Result.
func evaluateRule(rule Rule, p Proposed, affected []string) Result {
	res := Result{
		RuleID:       rule.ID,
		Kind:         rule.Kind,
		Jurisdiction: rule.Jurisdiction,
		Mandatory:    rule.Mandatory,
		Remediation:  rule.Remediation,
		Status:       StatusPass,
	}

	if !rule.Kind.Known() {
		// Fail closed: a rule we cannot evaluate is never silently passed.
		res.Status = StatusViolation
		res.Mandatory = true
		res.Participants = affected
		res.Explanation = fmt.Sprintf("rule kind %q cannot be evaluated", rule.Kind)
		return res
	}

	var breached []string
	var reasons []string
	for _, part := range affected {
		if reason := breach(rule, p, part); reason != "" {
			breached = append(breached, part)
			reasons = append(reasons, part+": "+reason)
		}
	}
	if len(breached) == 0 {
		res.Participants = affected
		return res
	}

	res.Participants = breached
	res.Explanation = strings.Join(reasons, "; ")
	if rule.Mandatory {
		res.Status = StatusViolation
	} else {
		res.Status = StatusWarning
	}
	return res
}

// breach returns a non-empty reason when the participant breaches the rule.
func breach(rule Rule, p Proposed, participant string) string {
	loc := p.location(participant)

	switch rule.Kind {
	case KindMaxWeeklyHours:
		total := p.End.Sub(p.Start)
		weekStart, weekEnd := weekBounds(p.Start.In(loc))
		for _, s := range p.historyOf(participant) {
			local := s.Start.In(loc)
			if !local.Before(weekStart) && local.Before(weekEnd) {
				total += s.End.Sub(s.Start)
			}
		}
		if hours := total.Hours(); hours > rule.MaxWeeklyHours {
			return fmt.Sprintf("%.1fh scheduled in week of %s exceeds cap of %.1fh",
				hours, weekStart.Format("2006-01-02"), rule.MaxWeeklyHours)
		}

	case KindMinRest:
		for _, s := range p.historyOf(participant) {
			// Gap before the candidate.
			if !s.End.After(p.Start) {
				if gap := p.Start.Sub(s.End); gap < rule.MinRest {
					return fmt.Sprintf("only %s rest after session ending %s (minimum %s)",
						gap, s.End.Format(time.RFC3339), rule.MinRest)
				}
				continue
			}
			// Gap after the candidate.
			if !s.Start.Before(p.End) {
				if gap := s.Start.Sub(p.End); gap < rule.MinRest {
					return fmt.Sprintf("only %s rest before session starting %s (minimum %s)",
						gap, s.Start.Format(time.RFC3339), rule.MinRest)
				}
				continue
			}
			return fmt.Sprintf("overlaps existing session %s..%s",
				s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		}

	case KindBlackout:
		start := p.Start.In(loc)
		end := p.End.In(loc)
		// Walk each local day the window touches.
		for day := start; day.Before(end); day = nextMidnight(day) {
			if rule.BlackoutWeekday != nil && day.Weekday() != *rule.BlackoutWeekday {
				continue
			}
			bStart, bEnd := blackoutSpan(rule, day)
			if start.Before(bEnd) && bStart.Before(end) {
				return fmt.Sprintf("falls inside blackout %s..%s local time",
					bStart.Format("Mon 15:04"), bEnd.Format("Mon 15:04"))
			}
		}

	case KindWorkweekBounds:
		if len(rule.AllowedWeekdays) == 0 {
			return ""
		}
		day := p.Start.In(loc).Weekday()
		for _, wd := range rule.AllowedWeekdays {
			if wd == day {
				return ""
			}
		}
		return fmt.Sprintf("%s is outside the legal work week", day)
	}
	return ""
}

// weekBounds returns [Monday 00:00, next Monday 00:00) around t, local.
func weekBounds(t time.Time) (time.Time, time.Time) {
	shift := (int(t.Weekday()) + 6) % 7 // Monday=0
	y, m, d := t.AddDate(0, 0, -shift).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 7)
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// blackoutSpan returns the rule's span on the civil day containing t.
// A zero span means the whole day.
func blackoutSpan(rule Rule, t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	if rule.BlackoutStartMin == 0 && rule.BlackoutEndMin == 0 {
		return midnight, midnight.AddDate(0, 0, 1)
	}
	return midnight.Add(time.Duration(rule.BlackoutStartMin) * time.Minute),
		midnight.Add(time.Duration(rule.BlackoutEndMin) * time.Minute)
}
