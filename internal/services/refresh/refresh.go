// Package refresh keeps the resolver's calendar cache warm on a cron
// schedule, independent of request handling. The request path only ever
// reads the cache; this service is the only writer besides cache misses.
package refresh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meridian/internal/calendar"
	"meridian/internal/feed"
	logx "meridian/pkg/logx"
)

const defaultSpec = "0 3 * * *"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
	// YearsAhead is how many future years to warm beyond the current one.
	YearsAhead int
}

type Service struct {
	cfg      Config
	resolver *calendar.Resolver
	holidays *feed.HolidayFeed
	rules    *feed.RuleFeed
	log      logx.Logger

	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, resolver *calendar.Resolver, holidays *feed.HolidayFeed, rules *feed.RuleFeed, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		holidays: holidays,
		rules:    rules,
		log:      log.With(logx.String("comp", "refresh")),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the warm job and runs one warm pass immediately.
// No-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("refresh disabled")
		return nil
	}

	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = defaultSpec
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return err
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(func() { s.RunOnce(ctx) }))
	c.Start()
	s.c = c

	go s.RunOnce(ctx)
	s.log.Info("refresh scheduled",
		logx.String("spec", spec),
		logx.String("tz", loc.String()),
		logx.Int("years_ahead", s.cfg.YearsAhead))
	return nil
}

// RunOnce warms every feed jurisdiction for the current year plus the
// configured horizon. Individual jurisdiction failures are logged and
// skipped so one broken calendar doesn't starve the rest.
func (s *Service) RunOnce(ctx context.Context) {
	started := time.Now()

	ids, err := s.holidays.Jurisdictions(ctx)
	if err != nil {
		s.log.Warn("refresh: listing jurisdictions failed", logx.Err(err))
		return
	}

	thisYear := time.Now().UTC().Year()
	years := make([]int, 0, s.cfg.YearsAhead+1)
	for y := thisYear; y <= thisYear+max(s.cfg.YearsAhead, 0); y++ {
		years = append(years, y)
	}

	warmed, failed := 0, 0
	for _, id := range ids {
		for _, year := range years {
			if ctx.Err() != nil {
				return
			}
			if err := s.resolver.WarmYear(ctx, id, year); err != nil {
				failed++
				s.log.Warn("refresh: warm failed",
					logx.String("jurisdiction", id.String()),
					logx.Int("year", year),
					logx.Err(err))
				continue
			}
			warmed++
		}
	}

	fields := []logx.Field{
		logx.Int("jurisdictions", len(ids)),
		logx.Int("warmed", warmed),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(started)),
	}
	if v, err := s.holidays.Version(ctx); err == nil {
		fields = append(fields, logx.String("holidays_version", v))
	}
	if s.rules != nil {
		if v, err := s.rules.Version(ctx); err == nil {
			fields = append(fields, logx.String("rules_version", v))
		}
	}
	s.log.Info("refresh pass complete", fields...)
}

// Stop halts the cron schedule and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
