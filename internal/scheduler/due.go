package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/g960059/tmuxgate/internal/model"
)

// Rejection reasons for unusable due times.
const (
	ReasonInvalidDue = "invalid_due"
	ReasonDueInPast  = "due_in_past"
	ReasonDueTooFar  = "due_too_far"
)

var relativeUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseDue resolves a user supplied due time against now. Accepted forms are
// RFC 3339 timestamps with an explicit offset, "+2s", "+2 seconds", Go
// durations such as "5m", and "in N seconds|minutes|hours|days". The result is
// always UTC and strictly after now. maxDelay <= 0 disables the upper bound.
func ParseDue(input string, now time.Time, maxDelay time.Duration) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, badDue(ReasonInvalidDue)
	}

	var due time.Time
	if abs, err := time.Parse(time.RFC3339Nano, s); err == nil {
		due = abs
	} else {
		d, ok := parseRelative(s)
		if !ok {
			return time.Time{}, badDue(ReasonInvalidDue)
		}
		if d <= 0 {
			return time.Time{}, badDue(ReasonDueInPast)
		}
		due = now.Add(d)
	}

	if !due.After(now) {
		return time.Time{}, badDue(ReasonDueInPast)
	}
	if maxDelay > 0 && due.Sub(now) > maxDelay {
		return time.Time{}, badDue(ReasonDueTooFar)
	}
	return due.UTC(), nil
}

func parseRelative(s string) (time.Duration, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "+"):
		lower = strings.TrimSpace(lower[1:])
	case strings.HasPrefix(lower, "in "):
		lower = strings.TrimSpace(lower[3:])
	}
	if d, err := time.ParseDuration(lower); err == nil {
		return d, true
	}

	fields := strings.Fields(lower)
	if len(fields) == 1 {
		// "2sec", "3days"
		i := strings.IndexFunc(fields[0], func(r rune) bool { return r < '0' || r > '9' })
		if i <= 0 {
			return 0, false
		}
		fields = []string{fields[0][:i], fields[0][i:]}
	}
	if len(fields) != 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	unit, ok := relativeUnits[fields[1]]
	if !ok {
		return 0, false
	}
	if n > int64((1<<63-1)/unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

func badDue(reason string) error {
	return model.NewError(model.KindBadRequest, reason, nil)
}
