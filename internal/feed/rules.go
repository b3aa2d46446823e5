package feed

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"meridian/internal/compliance"
	"meridian/internal/jurisdiction"
	logx "meridian/pkg/logx"
)

// RuleFeed serves legal rule sets from a YAML document.
//
// A rule attached to a country applies to every participant in that
// country's subdivisions and cities; Rules collects the whole lineage.
// Rule kinds are passed through verbatim — an unknown kind is a feed
// author's problem surfaced by the evaluator, never silently dropped here.
//
// Document shape:
//
//	version: "2026-01"
//	rules:
//	  - id: de-min-rest
//	    jurisdiction: DE
//	    kind: min-rest
//	    mandatory: true
//	    min_rest: 11h
//	    remediation: move one of the sessions to the next day
//	  - id: il-sabbath
//	    jurisdiction: IL
//	    kind: blackout
//	    mandatory: true
//	    weekday: saturday
type RuleFeed struct {
	ld *loader

	mu      sync.RWMutex
	version string
	rules   map[string][]compliance.Rule
}

func NewRuleFeed(path string, ratePerSec int, log logx.Logger) *RuleFeed {
	f := &RuleFeed{rules: map[string][]compliance.Rule{}}
	f.ld = newLoader(path, ratePerSec, log.With(logx.String("feed", "rules")), f.parseDoc)
	return f
}

// Rules implements compliance.Source: every rule whose jurisdiction lies on
// id's lineage, widest scope first. A jurisdiction with no rules yields an
// empty slice.
func (f *RuleFeed) Rules(ctx context.Context, id jurisdiction.ID) ([]compliance.Rule, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []compliance.Rule
	for _, scope := range id.Lineage() {
		out = append(out, f.rules[scope.String()]...)
	}
	return out, nil
}

// Version returns the loaded document version.
func (f *RuleFeed) Version(ctx context.Context) (string, error) {
	if err := f.ld.ensure(ctx); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version, nil
}

type ruleSetDoc struct {
	Version string      `yaml:"version"`
	Rules   []legalRule `yaml:"rules"`
}

type legalRule struct {
	ID           string `yaml:"id"`
	Jurisdiction string `yaml:"jurisdiction"`
	Kind         string `yaml:"kind"`
	Mandatory    bool   `yaml:"mandatory"`
	Remediation  string `yaml:"remediation,omitempty"`

	MaxWeeklyHours float64 `yaml:"max_weekly_hours,omitempty"`
	MinRest        string  `yaml:"min_rest,omitempty"`

	Weekday string `yaml:"weekday,omitempty"`
	Start   string `yaml:"start,omitempty"`
	End     string `yaml:"end,omitempty"`

	AllowedWeekdays []string `yaml:"allowed_weekdays,omitempty"`
}

func (f *RuleFeed) parseDoc(data []byte) error {
	var doc ruleSetDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	rules := map[string][]compliance.Rule{}
	for _, rd := range doc.Rules {
		if rd.ID == "" {
			return fmt.Errorf("rule without id (jurisdiction %q)", rd.Jurisdiction)
		}
		id, err := jurisdiction.Parse(rd.Jurisdiction)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rd.ID, err)
		}
		rule, err := buildRule(id, rd)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rd.ID, err)
		}
		rules[id.String()] = append(rules[id.String()], rule)
	}

	f.mu.Lock()
	f.version = doc.Version
	f.rules = rules
	f.mu.Unlock()
	return nil
}

func buildRule(id jurisdiction.ID, rd legalRule) (compliance.Rule, error) {
	rule := compliance.Rule{
		ID:             rd.ID,
		Jurisdiction:   id,
		Kind:           compliance.RuleKind(rd.Kind),
		Mandatory:      rd.Mandatory,
		Remediation:    rd.Remediation,
		MaxWeeklyHours: rd.MaxWeeklyHours,
	}

	if rd.MinRest != "" {
		d, err := time.ParseDuration(rd.MinRest)
		if err != nil {
			return rule, fmt.Errorf("min_rest: %w", err)
		}
		rule.MinRest = d
	}

	if rd.Weekday != "" {
		wd, err := parseWeekday(rd.Weekday)
		if err != nil {
			return rule, err
		}
		rule.BlackoutWeekday = &wd
	}
	if rd.Start != "" || rd.End != "" {
		start, err := parseClock(rd.Start)
		if err != nil {
			return rule, err
		}
		end, err := parseClock(rd.End)
		if err != nil {
			return rule, err
		}
		if end <= start {
			return rule, fmt.Errorf("blackout span %q..%q is empty", rd.Start, rd.End)
		}
		rule.BlackoutStartMin = start
		rule.BlackoutEndMin = end
	}

	for _, s := range rd.AllowedWeekdays {
		wd, err := parseWeekday(s)
		if err != nil {
			return rule, err
		}
		rule.AllowedWeekdays = append(rule.AllowedWeekdays, wd)
	}
	return rule, nil
}
