package task

import (
	"fmt"
	"time"
)

// EventKind is the closed vocabulary of per-task event types.
type EventKind string

const (
	// Lifecycle events

	// EventCreated indicates the task record was created
	EventCreated EventKind = "created"
	// EventStarted indicates the coordinator accepted the task and began driving it
	EventStarted EventKind = "started"
	// EventStartDeferred indicates admission was refused and the start will retry
	EventStartDeferred EventKind = "start_deferred"
	// EventStartDeduped indicates a second start arrived while one was in flight
	EventStartDeduped EventKind = "start_deduped"
	// EventQueuedForManual indicates the task parked in waiting_manual
	EventQueuedForManual EventKind = "queued_for_manual"
	// EventAuthorDecision indicates an author decision was submitted
	EventAuthorDecision EventKind = "author_decision"
	// EventCanceled indicates a cooperative cancellation
	EventCanceled EventKind = "canceled"
	// EventForceFailed indicates a non-cooperative operator termination
	EventForceFailed EventKind = "force_failed"
	// EventTerminated indicates the task reached any terminal status
	EventTerminated EventKind = "terminated"

	// Phase events

	EventDiscussionStarted     EventKind = "discussion_started"
	EventImplementationStarted EventKind = "implementation_started"
	EventReviewStarted         EventKind = "review_started"
	// EventImplementationReview records one reviewer's verdict over the round's work
	EventImplementationReview EventKind = "implementation_review"
	EventVerificationStarted  EventKind = "verification_started"
	EventGateDecision         EventKind = "gate_decision"
	// EventReviewError records a single reviewer outage degraded to an unknown verdict
	EventReviewError EventKind = "review_error"

	// Proposal consensus events

	EventProposalPrecheckReview      EventKind = "proposal_precheck_review"
	EventProposalReview              EventKind = "proposal_review"
	EventProposalConsensusReached    EventKind = "proposal_consensus_reached"
	EventProposalConsensusRetry      EventKind = "proposal_consensus_retry"
	EventProposalConsensusStalled    EventKind = "proposal_consensus_stalled"
	EventProposalReviewPartial       EventKind = "proposal_review_partial"
	EventProposalPrecheckUnavailable EventKind = "proposal_precheck_unavailable"
	EventProposalReviewUnavailable   EventKind = "proposal_review_unavailable"

	// Guard events

	EventPrecompletionChecklist EventKind = "precompletion_checklist"
	EventWorkspaceResumeGuard   EventKind = "workspace_resume_guard"
	EventPreflightRiskGate      EventKind = "preflight_risk_gate"
	EventPromotionGuardChecked  EventKind = "promotion_guard_checked"
	EventHeadSHAMismatch        EventKind = "head_sha_mismatch"
	// EventAutoMergeCompleted indicates the promotion pipeline wrote the merge target
	EventAutoMergeCompleted EventKind = "auto_merge_completed"

	// Progress events

	EventStrategyShifted EventKind = "strategy_shifted"

	// Stream events

	EventParticipantStream EventKind = "participant_stream"
)

// Event is an immutable, append-only record of one observable action on a
// task. Seq numbers are strictly increasing and contiguous per task; the
// repository allocates them under a uniqueness constraint.
type Event struct {
	TaskID        string         `json:"task_id"`
	Seq           int            `json:"seq"`
	Kind          EventKind      `json:"kind"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"ts"`
}

// NewEvent builds an unsequenced event; the repository assigns Seq and the
// artifact log injects the authoritative write timestamp.
func NewEvent(taskID string, kind EventKind, payload map[string]any) Event {
	return Event{
		TaskID:    taskID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithParticipant tags the event with the acting participant id.
func (e Event) WithParticipant(id string) Event {
	e.ParticipantID = id
	return e
}

// Validate checks the minimal structural requirements for persistence.
func (e *Event) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("event task_id cannot be empty")
	}
	if e.Kind == "" {
		return fmt.Errorf("event kind cannot be empty")
	}
	return nil
}

// Reason is the closed vocabulary for last_gate_reason and terminal
// classifications surfaced through the REST surface.
type Reason string

const (
	// Consensus machine outcomes
	ReasonConsensusStalledInRound      Reason = "proposal_consensus_stalled_in_round"
	ReasonConsensusStalledAcrossRounds Reason = "proposal_consensus_stalled_across_rounds"
	ReasonPrecheckUnavailable          Reason = "proposal_precheck_unavailable"
	ReasonReviewUnavailable            Reason = "proposal_review_unavailable"
	// ReasonRoundReviewUnavailable marks a round review with no reachable
	// reviewer at all; single outages degrade instead of failing.
	ReasonRoundReviewUnavailable     Reason = "review_unavailable"
	ReasonAuthorConfirmationRequired Reason = "author_confirmation_required"

	// Evidence guard outcomes
	ReasonEvidenceMissing Reason = "precompletion_evidence_missing"
	ReasonCommandsMissing Reason = "precompletion_commands_missing"

	// Preflight and resume guards
	ReasonPreflightRiskGateFailed Reason = "preflight_risk_gate_failed"
	ReasonResumeGuardMismatch     Reason = "workspace_resume_guard_mismatch"

	// Promotion guard outcomes
	ReasonHeadSHAMismatch  Reason = "head_sha_mismatch"
	ReasonBranchNotAllowed Reason = "branch_not_allowed"
	ReasonWorktreeDirty    Reason = "worktree_dirty"

	// Round gate outcomes
	ReasonLoopNoProgress           Reason = "loop_no_progress"
	ReasonReviewBlocker            Reason = "review_blocker"
	ReasonReviewIssueChecksMissing Reason = "review_issue_checks_missing"
	ReasonReviewIssueUnresolved    Reason = "review_issue_unresolved"
	ReasonVerificationFailed       Reason = "verification_failed"
	ReasonCommandTimeout           Reason = "command_timeout"
	ReasonCommandNotFound          Reason = "command_not_found"
	ReasonProviderLimit            Reason = "provider_limit"

	// Operator and policy terminations
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonDeadlineReached Reason = "deadline_reached"
	ReasonAuthorApproved  Reason = "author_approved"
	ReasonAuthorFeedback  Reason = "author_feedback_requested"
	ReasonAuthorRejected  Reason = "author_rejected"

	// System failures outside any phase (sandbox, storage, artifact tree)
	ReasonSandboxFailed Reason = "sandbox_allocation_failed"
	ReasonInternalError Reason = "internal_error"

	// Admission signals (advisory, not failures)
	ReasonConcurrencyLimit Reason = "concurrency_limit"
	ReasonStartDeduped     Reason = "start_deduped"
	ReasonProviderCooldown Reason = "provider_cooldown"
)
