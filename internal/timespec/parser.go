package timespec

import (
	"fmt"
	"time"
)

// Parse parses a time specification into a Unix timestamp (milliseconds).
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Duration specifications are relative to the current time (subtracted from now).
// For example, "1h" means "1 hour ago".
//
// Returns Unix timestamp in milliseconds.
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	// Try parsing as RFC3339 first
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	// Try parsing as Go duration
	if d, err := time.ParseDuration(spec); err == nil {
		// Duration is relative to now (subtract from current time)
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseDeadline parses a deadline specification into an absolute time.
// Durations are relative to now in the future direction: "2h" means "2 hours
// from now". RFC3339 timestamps are taken as-is. The deadline must lie in
// the future.
func ParseDeadline(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty deadline specification")
	}

	var deadline time.Time
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		deadline = t
	} else if d, err := time.ParseDuration(spec); err == nil {
		deadline = time.Now().Add(d)
	} else {
		return time.Time{}, fmt.Errorf("invalid deadline: %s (use duration like '2h' or RFC3339 like '2026-10-29T13:00:00Z')", spec)
	}

	if !deadline.After(time.Now()) {
		return time.Time{}, fmt.Errorf("deadline %s is in the past", deadline.Format(time.RFC3339))
	}
	return deadline, nil
}

// ParseRange parses both --since and --until flags into a time range.
// Returns (sinceTimestampMs, untilTimestampMs, error).
// Zero values indicate "no bound" for that end of the range.
//
// Validates that since < until if both are specified.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		sinceMS, err = Parse(since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilMS, err = Parse(until)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	// Validate range
	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}

	return sinceMS, untilMS, nil
}
