package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidInterval is returned when an encoded interval cannot be parsed.
var ErrInvalidInterval = errors.New("invalid interval")

var unitDurations = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// Interval is a decoded one-shot timer interval.
//
// Encodings:
//
//	once;<duration>      fires after a Go duration, e.g. "once;2h"
//	once;<RFC3339 time>  fires at an absolute time
//	<unit>;<n>           fires after n units, unit is second, minute, hour, day or week
type Interval struct {
	after time.Duration
	at    time.Time
}

// ParseInterval decodes s.
func ParseInterval(s string) (Interval, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), ";")
	if !ok {
		return Interval{}, errors.Wrapf(ErrInvalidInterval, "%q has no separator", s)
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	value = strings.TrimSpace(value)

	if kind == "once" {
		if at, err := time.Parse(time.RFC3339, value); err == nil {
			return Interval{at: at}, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return Interval{}, errors.Wrapf(ErrInvalidInterval, "%q is neither a duration nor a time", s)
		}
		return Interval{after: d}, nil
	}

	unit, ok := unitDurations[kind]
	if !ok {
		return Interval{}, errors.Wrapf(ErrInvalidInterval, "unknown unit %q", kind)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return Interval{}, errors.Wrapf(ErrInvalidInterval, "bad count in %q", s)
	}
	return Interval{after: time.Duration(n) * unit}, nil
}

// Next returns the run time of the interval relative to now.
func (i Interval) Next(now time.Time) time.Time {
	if !i.at.IsZero() {
		return i.at
	}
	return now.Add(i.after)
}
