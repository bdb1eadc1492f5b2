package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero; negatives are rejected.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// SourceTimeout is the fetch timeout; zero leaves the HTTP client default.
func (c *Config) SourceTimeout() time.Duration {
	d, _ := ParseDurationField("source.timeout", c.Source.Timeout)
	return d
}

// LockTTL is how long a run lock is held before it expires on its own.
func (c *Config) LockTTL() time.Duration {
	d, _ := ParseDurationOrDefault("lock.ttl", c.Lock.TTL, 10*time.Minute)
	return d
}
