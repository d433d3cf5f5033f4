// Package filter provides event filtering for timeline queries.
//
// Filters are applied client-side after events are loaded from the
// repository or replayed from artifact logs, so both backends share
// one matching implementation.
package filter

import (
	"path/filepath"

	"github.com/parleyhq/parley/internal/task"
)

// Criteria defines filtering criteria for task events.
// All filters are ANDed together. An event must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	KindGlob         string // Glob pattern for event kind, empty = no filter
	ParticipantID    string // Exact match for participant id, empty = no filter
}

// Matches returns true if the event matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(e *task.Event) bool {
	if c.SinceTimestampMs > 0 && e.Timestamp.UnixMilli() < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && e.Timestamp.UnixMilli() > c.UntilTimestampMs {
		return false
	}

	// Kind filtering supports globs so callers can select families
	// such as "proposal_*" or "*_started".
	if c.KindGlob != "" {
		matched, err := filepath.Match(c.KindGlob, string(e.Kind))
		if err != nil || !matched {
			return false
		}
	}

	if c.ParticipantID != "" && e.ParticipantID != c.ParticipantID {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.KindGlob != "" ||
		c.ParticipantID != ""
}
