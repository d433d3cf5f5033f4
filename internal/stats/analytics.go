package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/parleyhq/parley/internal/task"
)

// Taxonomy buckets. Every terminal task falls into exactly one.
const (
	BucketPassed            = "passed"
	BucketGateFailure       = "gate_failure"
	BucketSystemFailure     = "system_failure"
	BucketPolicyTermination = "policy_termination"
	BucketOperatorAction    = "operator_action"
)

// Analytics is the GET /api/analytics payload.
type Analytics struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Terminal    int             `json:"terminal_tasks"`
	Active      int             `json:"active_tasks"`
	Taxonomy    map[string]int  `json:"taxonomy"`
	Reviewers   []ReviewerDrift `json:"reviewers,omitempty"`
}

// ReviewerDrift measures how often a reviewer blocks, and how often it
// blocks alone while every co-reviewer in the same round waved the work
// through. A high drift rate flags a reviewer whose bar has wandered away
// from the rest of the panel.
type ReviewerDrift struct {
	Participant  string  `json:"participant"`
	Reviews      int     `json:"reviews"`
	Blockers     int     `json:"blockers"`
	BlockerRate  float64 `json:"blocker_rate"`
	SoloBlockers int     `json:"solo_blockers"`
	DriftRate    float64 `json:"drift_rate"`
}

// Classify places a terminal task into its taxonomy bucket. Policy and
// operator reasons take precedence over the raw status: a watchdog
// force-fail lands in failed_system but is an operator action, and a
// deadline cancel is policy, not an operator whim. Non-terminal tasks
// return "".
func Classify(status task.Status, reason task.Reason) string {
	switch reason {
	case task.ReasonDeadlineReached,
		task.ReasonLoopNoProgress,
		task.ReasonConsensusStalledInRound,
		task.ReasonConsensusStalledAcrossRounds,
		task.ReasonResumeGuardMismatch:
		return BucketPolicyTermination
	case task.ReasonWatchdogTimeout, task.ReasonAuthorRejected:
		return BucketOperatorAction
	}
	switch status {
	case task.StatusPassed:
		return BucketPassed
	case task.StatusFailedGate:
		return BucketGateFailure
	case task.StatusFailedSystem:
		return BucketSystemFailure
	case task.StatusCanceled:
		return BucketOperatorAction
	}
	return ""
}

// Analytics computes the failure taxonomy and reviewer drift across all
// recorded tasks.
func (c *Collector) Analytics(ctx context.Context) (*Analytics, error) {
	tasks, err := c.repo.ListTasks(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	out := &Analytics{
		GeneratedAt: time.Now().UTC(),
		Taxonomy:    make(map[string]int),
	}
	drift := make(map[string]*ReviewerDrift)

	for _, t := range tasks {
		if bucket := Classify(t.Status, t.LastGateReason); bucket != "" {
			out.Taxonomy[bucket]++
			out.Terminal++
		} else {
			out.Active++
		}

		events, err := c.repo.ListEvents(ctx, t.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list events for %s: %w", t.ID, err)
		}
		accumulateDrift(drift, events)
	}

	for _, d := range drift {
		if d.Reviews > 0 {
			d.BlockerRate = float64(d.Blockers) / float64(d.Reviews)
		}
		if d.Blockers > 0 {
			d.DriftRate = float64(d.SoloBlockers) / float64(d.Blockers)
		}
		out.Reviewers = append(out.Reviewers, *d)
	}
	sort.Slice(out.Reviewers, func(i, j int) bool {
		a, b := out.Reviewers[i], out.Reviewers[j]
		if a.DriftRate != b.DriftRate {
			return a.DriftRate > b.DriftRate
		}
		return a.Participant < b.Participant
	})
	return out, nil
}

// roundVote is one reviewer's verdict within a single round.
type roundVote struct {
	participant string
	blocker     bool
}

// accumulateDrift folds one task's implementation_review events into the
// per-reviewer drift counters. Solo blockers need the full round panel, so
// votes are grouped per round first.
func accumulateDrift(drift map[string]*ReviewerDrift, events []task.Event) {
	rounds := make(map[int][]roundVote)
	for i := range events {
		e := &events[i]
		if e.Kind != task.EventImplementationReview || e.ParticipantID == "" {
			continue
		}
		verdict, _ := e.Payload["verdict"].(string)
		round := payloadRound(e.Payload)
		rounds[round] = append(rounds[round], roundVote{
			participant: e.ParticipantID,
			blocker:     verdict == "blocker",
		})
		d := drift[e.ParticipantID]
		if d == nil {
			d = &ReviewerDrift{Participant: e.ParticipantID}
			drift[e.ParticipantID] = d
		}
		d.Reviews++
		if verdict == "blocker" {
			d.Blockers++
		}
	}

	for _, votes := range rounds {
		if len(votes) < 2 {
			continue
		}
		blockers := 0
		var solo string
		for _, v := range votes {
			if v.blocker {
				blockers++
				solo = v.participant
			}
		}
		if blockers == 1 {
			drift[solo].SoloBlockers++
		}
	}
}

// payloadRound reads the round number out of an event payload. JSON
// round-trips numbers as float64; events that never left memory may still
// carry an int.
func payloadRound(payload map[string]any) int {
	switch v := payload["round"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
