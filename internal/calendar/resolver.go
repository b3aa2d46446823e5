package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"meridian/internal/jurisdiction"
	logx "meridian/pkg/logx"
)

// ErrUnknownJurisdiction is returned when the holiday feed has no calendar
// for the requested country.
var ErrUnknownJurisdiction = errors.New("calendar: unknown jurisdiction")

// ResolveTimeoutError reports that a calendar fetch exceeded its budget and
// no cached data was available to fall back on.
type ResolveTimeoutError struct {
	Jurisdiction jurisdiction.ID
	Err          error
}

func (e *ResolveTimeoutError) Error() string {
	return fmt.Sprintf("calendar: fetch for %s timed out: %v", e.Jurisdiction, e.Err)
}

func (e *ResolveTimeoutError) Unwrap() error { return e.Err }

// Source supplies calendars, typically the holiday feed.
//
// Calendar must return ErrUnknownJurisdiction (possibly wrapped) when the
// feed has no calendar at the given scope. The resolver treats that as fatal
// for the country level and as "nothing to union in" for narrower scopes.
type Source interface {
	Calendar(ctx context.Context, id jurisdiction.ID) (Calendar, error)
}

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	// FetchTimeout bounds each Source call. Zero means no bound.
	FetchTimeout time.Duration
	// CacheSize is the number of (jurisdiction, year) resolutions kept.
	CacheSize int
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	return c
}

// Resolver resolves holiday calendars with an LRU cache keyed by
// (jurisdiction, year). The request path only reads the cache; refresh is
// driven by the background refresh service calling WarmYear.
type Resolver struct {
	src Source
	cfg ResolverConfig
	log logx.Logger

	cache *lru.Cache[string, []Day]

	// stale keeps the last good fetch per jurisdiction so a feed timeout can
	// fall back to cached data instead of failing the whole request.
	staleMu sync.RWMutex
	stale   map[string]Calendar
}

func NewResolver(src Source, cfg ResolverConfig, log logx.Logger) (*Resolver, error) {
	if src == nil {
		return nil, errors.New("calendar: resolver requires a source")
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []Day](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		src:   src,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "calendar")),
		cache: cache,
		stale: map[string]Calendar{},
	}, nil
}

// Resolve returns all holiday occurrences for id within rng, ordered by
// date, then kind, then name. City-level entries union with country-level
// ones; entries marked Override suppress wider-scope entries on the exact
// date, narrowest scope winning.
//
// Resolving the same (jurisdiction, range) twice yields identical output.
func (r *Resolver) Resolve(ctx context.Context, id jurisdiction.ID, rng DateRange) ([]Day, error) {
	if id.IsZero() {
		return nil, ErrUnknownJurisdiction
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("calendar: invalid date range %s..%s", rng.From, rng.To)
	}

	var out []Day
	for _, year := range rng.Years() {
		days, err := r.resolveYear(ctx, id, year)
		if err != nil {
			return nil, err
		}
		for _, d := range days {
			if rng.Contains(d.Date) {
				out = append(out, d)
			}
		}
	}
	sortDays(out)
	return out, nil
}

// WarmYear resolves and caches (id, year), replacing any cached value.
// The refresh service calls this on its schedule so request-path lookups
// stay read-only.
func (r *Resolver) WarmYear(ctx context.Context, id jurisdiction.ID, year int) error {
	days, err := r.buildYear(ctx, id, year)
	if err != nil {
		return err
	}
	r.cache.Add(cacheKey(id, year), days)
	return nil
}

// Periods returns the named adjustment periods (e.g. "ramadan") of the
// jurisdiction's lineage that touch rng. Ranges from every lineage scope
// union under the shared name, sorted by start; missing narrower-scope
// calendars are ignored like in Resolve.
func (r *Resolver) Periods(ctx context.Context, id jurisdiction.ID, rng DateRange) (map[string][]DateRange, error) {
	if id.IsZero() {
		return nil, ErrUnknownJurisdiction
	}
	out := map[string][]DateRange{}
	found := false
	for i, scope := range id.Lineage() {
		cal, err := r.fetch(ctx, scope)
		if err != nil {
			if i > 0 && errors.Is(err, ErrUnknownJurisdiction) {
				continue
			}
			return nil, err
		}
		found = true
		for _, year := range rng.Years() {
			for name, pr := range cal.Periods[year] {
				if pr.To.Before(rng.From) || rng.To.Before(pr.From) {
					continue
				}
				out[name] = append(out[name], pr)
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJurisdiction, id)
	}
	for name := range out {
		rs := out[name]
		sort.Slice(rs, func(i, j int) bool { return rs[i].From.Before(rs[j].From) })
		out[name] = rs
	}
	return out, nil
}

func (r *Resolver) resolveYear(ctx context.Context, id jurisdiction.ID, year int) ([]Day, error) {
	key := cacheKey(id, year)
	if days, ok := r.cache.Get(key); ok {
		return days, nil
	}
	days, err := r.buildYear(ctx, id, year)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, days)
	return days, nil
}

// buildYear unions the lineage calendars for one year and applies override
// precedence.
func (r *Resolver) buildYear(ctx context.Context, id jurisdiction.ID, year int) ([]Day, error) {
	lineage := id.Lineage()

	type level struct {
		scope     jurisdiction.ID
		days      []Day
		overrides map[Date]bool
	}
	levels := make([]level, 0, len(lineage))

	for i, scope := range lineage {
		cal, err := r.fetch(ctx, scope)
		if err != nil {
			if i > 0 && errors.Is(err, ErrUnknownJurisdiction) {
				// No dedicated calendar at the narrower scope; the wider
				// levels still apply.
				continue
			}
			return nil, err
		}
		days, err := cal.resolveYear(year)
		if err != nil {
			return nil, err
		}
		ov, err := cal.overrideDates(year)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level{scope: scope, days: days, overrides: ov})
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJurisdiction, id)
	}

	// Union widest-first; a narrower override date evicts wider entries on
	// that date before the narrower entries are added.
	var merged []Day
	for _, lv := range levels {
		if len(lv.overrides) > 0 {
			kept := merged[:0]
			for _, d := range merged {
				if !lv.overrides[d.Date] {
					kept = append(kept, d)
				}
			}
			merged = kept
		}
		merged = append(merged, lv.days...)
	}

	sortDays(merged)
	return merged, nil
}

func (r *Resolver) fetch(ctx context.Context, scope jurisdiction.ID) (Calendar, error) {
	fctx := ctx
	var cancel context.CancelFunc
	if r.cfg.FetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}

	cal, err := r.src.Calendar(fctx, scope)
	if err == nil {
		r.staleMu.Lock()
		r.stale[scope.String()] = cal
		r.staleMu.Unlock()
		return cal, nil
	}

	if isTimeout(err) && ctx.Err() == nil {
		r.staleMu.RLock()
		cached, ok := r.stale[scope.String()]
		r.staleMu.RUnlock()
		if ok {
			r.log.Warn("calendar fetch timed out, using cached data",
				logx.String("jurisdiction", scope.String()),
				logx.Err(err))
			return cached, nil
		}
		return Calendar{}, &ResolveTimeoutError{Jurisdiction: scope, Err: err}
	}
	return Calendar{}, err
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func cacheKey(id jurisdiction.ID, year int) string {
	return id.String() + "#" + strconv.Itoa(year)
}

func sortDays(days []Day) {
	sort.SliceStable(days, func(i, j int) bool {
		if days[i].Date != days[j].Date {
			return days[i].Date.Before(days[j].Date)
		}
		if days[i].Kind != days[j].Kind {
			return days[i].Kind < days[j].Kind
		}
		if days[i].Name != days[j].Name {
			return days[i].Name < days[j].Name
		}
		return days[i].Scope.String() < days[j].Scope.String()
	})
}
