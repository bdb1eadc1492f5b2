package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is an hour and minute in UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MaxTimes bounds how many trigger times one schedule may carry.
const MaxTimes = 8

// Daily fires at each of Times every day, in UTC.
type Daily struct {
	Times []TimeOfDay
}

// Default is the relay's stock schedule: 18:30 UTC (primary) and 06:30 UTC (secondary),
// i.e. midnight and noon IST.
func Default() Daily {
	return Daily{Times: []TimeOfDay{{Hour: 18, Minute: 30}, {Hour: 6, Minute: 30}}}
}

// Parse builds a Daily from "HH:MM" strings. The order is kept: the first entry is primary.
func Parse(times []string) (Daily, error) {
	if len(times) == 0 {
		return Daily{}, errors.New("at least one trigger time is required")
	}
	if len(times) > MaxTimes {
		return Daily{}, fmt.Errorf("at most %d trigger times are allowed", MaxTimes)
	}
	d := Daily{Times: make([]TimeOfDay, 0, len(times))}
	for _, raw := range times {
		t, err := ParseTimeOfDay(raw)
		if err != nil {
			return Daily{}, err
		}
		d.Times = append(d.Times, t)
	}
	return d, nil
}

func (d Daily) String() string {
	parts := make([]string, 0, len(d.Times))
	for _, t := range d.Times {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ",") + " UTC"
}

// Candidates returns one instant per trigger time, in schedule order: today's occurrence,
// or tomorrow's when today's has already passed. An occurrence equal to now is not passed.
func (d Daily) Candidates(now time.Time) []time.Time {
	now = now.UTC()
	y, m, day := now.Date()
	out := make([]time.Time, 0, len(d.Times))
	for _, t := range d.Times {
		c := time.Date(y, m, day, t.Hour, t.Minute, 0, 0, time.UTC)
		if now.After(c) {
			c = c.AddDate(0, 0, 1)
		}
		out = append(out, c)
	}
	return out
}

// Delay returns how long to wait from now until the next trigger. It is never negative.
//
// The smallest nonnegative candidate wait wins. If no candidate is ahead, the secondary
// candidate's rolled-forward wait is used (clamped at zero).
func (d Daily) Delay(now time.Time) time.Duration {
	cands := d.Candidates(now)
	if len(cands) == 0 {
		return 0
	}
	best := time.Duration(-1)
	for _, c := range cands {
		w := c.Sub(now)
		if w >= 0 && (best < 0 || w < best) {
			best = w
		}
	}
	if best >= 0 {
		return best
	}
	w := cands[d.secondary()].Sub(now)
	if w < 0 {
		w = 0
	}
	return w
}

// NextAt is the absolute instant of the next trigger.
func (d Daily) NextAt(now time.Time) time.Time {
	return now.UTC().Add(d.Delay(now))
}

// Next implements cron.Schedule. Unlike NextAt it is strictly after t, so a trigger that
// has just fired is never returned again.
func (d Daily) Next(t time.Time) time.Time {
	t = t.UTC()
	y, m, day := t.Date()
	var best time.Time
	for _, tod := range d.Times {
		c := time.Date(y, m, day, tod.Hour, tod.Minute, 0, 0, time.UTC)
		if !c.After(t) {
			c = c.AddDate(0, 0, 1)
		}
		if best.IsZero() || c.Before(best) {
			best = c
		}
	}
	return best
}

func (d Daily) secondary() int {
	if len(d.Times) > 1 {
		return 1
	}
	return 0
}
