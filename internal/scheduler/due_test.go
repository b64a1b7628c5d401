package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/model"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 3, 8, 1, 30, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"+2s", now.Add(2 * time.Second)},
		{"+2 seconds", now.Add(2 * time.Second)},
		{"5m", now.Add(5 * time.Minute)},
		{"1h30m", now.Add(90 * time.Minute)},
		{"in 3 minutes", now.Add(3 * time.Minute)},
		{"in 1 day", now.Add(24 * time.Hour)},
		{"IN 10 Seconds", now.Add(10 * time.Second)},
		{"+3days", now.Add(72 * time.Hour)},
		{"2026-03-08T11:00:00+09:00", now.Add(30 * time.Minute)},
		{"2026-03-08T02:00:00Z", now.Add(30 * time.Minute)},
	}
	for _, tc := range cases {
		got, err := ParseDue(tc.in, now, 0)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "%s: want %s got %s", tc.in, tc.want, got)
		assert.Equal(t, time.UTC, got.Location(), tc.in)
	}
}

func TestParseDueRejects(t *testing.T) {
	now := time.Date(2026, 3, 8, 1, 30, 0, 0, time.UTC)
	cases := map[string]string{
		"":                          ReasonInvalidDue,
		"tomorrow":                  ReasonInvalidDue,
		"in 3 fortnights":           ReasonInvalidDue,
		"2026-03-08 02:00:00":       ReasonInvalidDue,
		"+0s":                       ReasonDueInPast,
		"-5m":                       ReasonDueInPast,
		"2026-03-08T01:00:00Z":      ReasonDueInPast,
		"in 40 days":                ReasonDueTooFar,
		"2027-03-08T01:00:00+00:00": ReasonDueTooFar,
	}
	for in, reason := range cases {
		_, err := ParseDue(in, now, 30*24*time.Hour)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, model.ErrBadRequest, in)
		assert.Equal(t, reason, model.ReasonOf(err), in)
	}
}
