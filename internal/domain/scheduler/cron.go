package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultLookahead bounds how far NextOccurrences searches.
const DefaultLookahead = 48 * time.Hour

// maxOccurrences caps NextOccurrences for very dense expressions.
const maxOccurrences = 4096

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard five-field expression or a descriptor such as @daily.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// NextOccurrences returns activation times strictly after from and no later than from+window,
// in ascending order. Times are expressed in from's location.
func NextOccurrences(expr string, from time.Time, window time.Duration) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	end := from.Add(window)
	var out []time.Time
	for t := sched.Next(from); !t.IsZero() && !t.After(end) && len(out) < maxOccurrences; t = sched.Next(t) {
		out = append(out, t)
	}
	return out, nil
}

// MatchesMinute reports whether expr fires at the minute containing now, evaluated in loc.
func MatchesMinute(expr string, now time.Time, loc *time.Location, window time.Duration) (bool, error) {
	minute := now.In(loc).Truncate(time.Minute)
	occ, err := NextOccurrences(expr, minute.Add(-time.Second), window)
	if err != nil {
		return false, err
	}
	return len(occ) > 0 && occ[0].Equal(minute), nil
}
