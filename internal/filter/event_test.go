package filter

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/task"
)

func testEvent(kind task.EventKind, participant string, ts time.Time) *task.Event {
	return &task.Event{
		TaskID:        "task-1",
		Seq:           1,
		Kind:          kind,
		ParticipantID: participant,
		Timestamp:     ts,
	}
}

// TestCriteriaMatches tests that each criterion filters independently and
// that all criteria are ANDed together.
func TestCriteriaMatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		criteria Criteria
		event    *task.Event
		want     bool
	}{
		{
			name:     "empty criteria matches everything",
			criteria: Criteria{},
			event:    testEvent(task.EventCreated, "", base),
			want:     true,
		},
		{
			name:     "since excludes older events",
			criteria: Criteria{SinceTimestampMs: base.UnixMilli()},
			event:    testEvent(task.EventCreated, "", base.Add(-time.Hour)),
			want:     false,
		},
		{
			name:     "since includes newer events",
			criteria: Criteria{SinceTimestampMs: base.UnixMilli()},
			event:    testEvent(task.EventCreated, "", base.Add(time.Hour)),
			want:     true,
		},
		{
			name:     "until excludes newer events",
			criteria: Criteria{UntilTimestampMs: base.UnixMilli()},
			event:    testEvent(task.EventCreated, "", base.Add(time.Hour)),
			want:     false,
		},
		{
			name:     "kind glob matches family",
			criteria: Criteria{KindGlob: "proposal_*"},
			event:    testEvent(task.EventProposalReview, "claude#author", base),
			want:     true,
		},
		{
			name:     "kind glob rejects other kinds",
			criteria: Criteria{KindGlob: "proposal_*"},
			event:    testEvent(task.EventGateDecision, "", base),
			want:     false,
		},
		{
			name:     "exact kind match",
			criteria: Criteria{KindGlob: "gate_decision"},
			event:    testEvent(task.EventGateDecision, "", base),
			want:     true,
		},
		{
			name:     "participant exact match",
			criteria: Criteria{ParticipantID: "codex#rev"},
			event:    testEvent(task.EventReviewStarted, "codex#rev", base),
			want:     true,
		},
		{
			name:     "participant mismatch",
			criteria: Criteria{ParticipantID: "codex#rev"},
			event:    testEvent(task.EventReviewStarted, "gemini#rev", base),
			want:     false,
		},
		{
			name: "all criteria must match",
			criteria: Criteria{
				SinceTimestampMs: base.Add(-time.Hour).UnixMilli(),
				KindGlob:         "review_*",
				ParticipantID:    "codex#rev",
			},
			event: testEvent(task.EventReviewStarted, "gemini#rev", base),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.criteria.Matches(tt.event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCriteriaHasFilters tests that HasFilters reports active criteria.
func TestCriteriaHasFilters(t *testing.T) {
	empty := Criteria{}
	if empty.HasFilters() {
		t.Error("empty criteria should report no filters")
	}

	withKind := Criteria{KindGlob: "gate_decision"}
	if !withKind.HasFilters() {
		t.Error("criteria with kind glob should report filters")
	}

	withSince := Criteria{SinceTimestampMs: 1}
	if !withSince.HasFilters() {
		t.Error("criteria with since bound should report filters")
	}
}
