// Package feed reads the versioned YAML documents the engine depends on:
// holiday calendars, legal rule sets and the participant profile directory.
//
// Feeds are read-only from the engine's point of view. Each feed reloads
// its file when the modification time changes, throttled by a rate limiter
// so a hot request path cannot hammer the filesystem; between reloads the
// parsed document is served from memory.
package feed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "meridian/pkg/logx"
)

// loader owns the reload cycle of one YAML document. parse runs under the
// loader's lock and replaces the owner's parsed state atomically; a failed
// parse keeps the previous state.
type loader struct {
	path  string
	limit *rate.Limiter
	log   logx.Logger
	parse func(data []byte) error

	mu      sync.Mutex
	modTime time.Time
	loaded  bool
}

func newLoader(path string, ratePerSec int, log logx.Logger, parse func([]byte) error) *loader {
	var limit *rate.Limiter
	if ratePerSec > 0 {
		limit = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &loader{path: path, limit: limit, log: log, parse: parse}
}

// ensure makes the parsed state current. After the first successful load, a
// stat or read failure serves the cached document instead of failing the
// caller.
func (l *loader) ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded && l.limit != nil && !l.limit.Allow() {
		return nil
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if l.loaded {
			l.log.Warn("feed stat failed, serving cached document",
				logx.String("path", l.path), logx.Err(err))
			return nil
		}
		return fmt.Errorf("feed: %w", err)
	}
	if l.loaded && info.ModTime().Equal(l.modTime) {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if l.loaded {
			l.log.Warn("feed read failed, serving cached document",
				logx.String("path", l.path), logx.Err(err))
			return nil
		}
		return fmt.Errorf("feed: %w", err)
	}
	if err := l.parse(data); err != nil {
		if l.loaded {
			l.log.Warn("feed parse failed, serving cached document",
				logx.String("path", l.path), logx.Err(err))
			return nil
		}
		return fmt.Errorf("feed %s: %w", l.path, err)
	}
	l.modTime = info.ModTime()
	l.loaded = true
	l.log.Debug("feed loaded", logx.String("path", l.path))
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return wd, nil
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
