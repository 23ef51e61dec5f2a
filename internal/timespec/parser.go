package timespec

import (
	"fmt"
	"time"
)

// Parse parses a time specification into a time.Time.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Duration specifications are relative to now (subtracted from it).
// For example, "24h" means "24 hours ago".
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	// Try parsing as RFC3339 first
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	// Try parsing as Go duration
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses both --since and --until flags into a time range.
// Zero times indicate "no bound" for that end of the range.
//
// Validates that since < until if both are specified.
func ParseRange(since, until string, now time.Time) (time.Time, time.Time, error) {
	var sinceAt, untilAt time.Time
	var err error

	if since != "" {
		sinceAt, err = Parse(since, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilAt, err = Parse(until, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	// Validate range
	if !sinceAt.IsZero() && !untilAt.IsZero() && !sinceAt.Before(untilAt) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}

	return sinceAt, untilAt, nil
}
