package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-string config fields ("90m", "2h30m") parse through here so every
// section reports malformed values the same way, with the field path in the
// message.

// ParseDurationField parses one field. Blank means unset and yields zero;
// negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, s, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, s)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset (blank or zero) field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
