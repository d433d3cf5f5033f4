package consensus

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/task"
)

const (
	// inRoundRetryLimit bounds proposal+review attempts inside one round
	// before the machine parks the task for a human.
	inRoundRetryLimit = 10

	// stallSignatureRounds is how many rounds may raise an identical issue
	// set before the conversation is declared circular.
	stallSignatureRounds = 4
)

// Invoker abstracts the participant gateway.
type Invoker interface {
	Invoke(ctx context.Context, call gateway.Call) gateway.Outcome
}

// EventSink receives machine events. The coordinator's sink fans them into
// the task repository and the artifact event log.
type EventSink interface {
	Emit(taskID string, e task.Event)
}

// Machine drives reviewer-first consensus rounds for one task at a time.
// It is stateless between runs; all carryover lives in the task record and
// the artifact store.
type Machine struct {
	invoker   Invoker
	artifacts *artifact.Store
	sink      EventSink
	timeouts  config.PhaseTimeoutsConfig
	logger    *zap.Logger
}

// NewMachine wires the consensus machine. sink may be nil when no event
// fan-out is wanted.
func NewMachine(invoker Invoker, artifacts *artifact.Store, sink EventSink, timeouts config.PhaseTimeoutsConfig, logger *zap.Logger) *Machine {
	return &Machine{
		invoker:   invoker,
		artifacts: artifacts,
		sink:      sink,
		timeouts:  timeouts,
		logger:    logger,
	}
}

// Result is the machine's terminal outcome. Reason is always set; errors are
// reserved for a canceled context.
type Result struct {
	Reason      task.Reason
	Rounds      int      // Rounds that counted (every reviewer cleared)
	Proposal    *Reply   // Last proposal in hand, nil when none was drafted
	RequiredIDs []string // Contract ids the implementation review must check
	Stalled     bool
}

// Run executes up to max_rounds consensus rounds. A round counts only when
// every reviewer returns no_blocker on its final review; otherwise the same
// round retries with a fresh proposal until the in-round limit trips. The
// machine never advances the task status itself; the coordinator maps the
// returned reason onto the status graph.
func (m *Machine) Run(ctx context.Context, t *task.Task) (*Result, error) {
	b := prompt.NewBuilder(t)
	res := &Result{}
	sigRounds := make(map[string]int)
	var history []string

	rounds := t.Options.MaxRounds
	for round := 1; round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var open, findings, raised []string

		if t.Options.DebateMode {
			outs := m.fanOut(ctx, t, prompt.PhasePrecheck, m.reviewTimeout(t), func(task.Participant) string {
				return b.Precheck(round)
			})
			if bad, ok := unavailableReviewer(outs); ok {
				m.emit(t, task.NewEvent(t.ID, task.EventProposalPrecheckUnavailable, map[string]any{
					"round": round,
					"class": string(bad.outcome.Class),
				}).WithParticipant(bad.participant.ID()))
				res.Reason = task.ReasonPrecheckUnavailable
				return res, nil
			}
			m.parseVerdicts(t, outs, round, 0, task.EventProposalPrecheckReview)
			open, findings = collectOpen(nil, outs)
			raised = appendUnique(raised, open)
		}

		approved := false
		attempts := 0
		var reply *Reply
		for attempt := 1; attempt <= inRoundRetryLimit; attempt++ {
			attempts = attempt
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			seeds := prompt.Seeds{
				GateReason: string(t.LastGateReason),
				ReviseNote: reviseNote(t),
				OpenIssues: open,
				Findings:   findings,
				History:    history,
			}
			draft, reason := m.draftProposal(ctx, t, b, round, attempt, seeds)
			if reason != "" {
				res.Reason = reason
				return res, nil
			}
			reply = draft
			res.Proposal = reply

			if err := reply.Validate(open); err != nil {
				findings = append(findings, "contract: "+err.Error())
				m.emit(t, task.NewEvent(t.ID, task.EventProposalConsensusRetry, map[string]any{
					"round":   round,
					"attempt": attempt,
					"error":   err.Error(),
				}))
				continue
			}

			outs := m.fanOut(ctx, t, prompt.PhaseProposalReview, m.reviewTimeout(t), func(task.Participant) string {
				return b.ProposalReview(round, reply.Proposal, open)
			})
			if bad, ok := unavailableReviewer(outs); ok {
				m.emit(t, task.NewEvent(t.ID, task.EventProposalReviewUnavailable, map[string]any{
					"round":   round,
					"attempt": attempt,
					"class":   string(bad.outcome.Class),
				}).WithParticipant(bad.participant.ID()))
				res.Reason = task.ReasonReviewUnavailable
				return res, nil
			}
			m.parseVerdicts(t, outs, round, attempt, task.EventProposalReview)

			if allClear(outs) {
				approved = true
				m.emit(t, task.NewEvent(t.ID, task.EventProposalConsensusReached, map[string]any{
					"round":    round,
					"attempts": attempt,
				}))
				break
			}

			open, findings = collectOpen(open, outs)
			raised = appendUnique(raised, open)
			m.emit(t, task.NewEvent(t.ID, task.EventProposalConsensusRetry, map[string]any{
				"round":       round,
				"attempt":     attempt,
				"open_issues": open,
			}))
		}

		res.RequiredIDs = appendUnique(res.RequiredIDs, raised)

		if !approved {
			m.emit(t, task.NewEvent(t.ID, task.EventProposalConsensusStalled, map[string]any{
				"round":       round,
				"mode":        "in_round",
				"attempts":    attempts,
				"open_issues": open,
			}))
			m.writeStall(t, round, "in_round", attempts, open, findings)
			m.writePending(t, round, reply, res.RequiredIDs)
			res.Reason = task.ReasonConsensusStalledInRound
			res.Stalled = true
			return res, nil
		}

		res.Rounds++
		history = append(history, fmt.Sprintf("consensus round %d counted after %d attempt(s)", round, attempts))

		if sig := Signature(raised); sig != "" {
			sigRounds[sig]++
			if sigRounds[sig] >= stallSignatureRounds {
				m.emit(t, task.NewEvent(t.ID, task.EventProposalConsensusStalled, map[string]any{
					"round":     round,
					"mode":      "across_rounds",
					"signature": sig,
					"issues":    raised,
				}))
				m.writeStall(t, round, "across_rounds", attempts, raised, findings)
				m.writePending(t, round, reply, res.RequiredIDs)
				res.Reason = task.ReasonConsensusStalledAcrossRounds
				res.Stalled = true
				return res, nil
			}
		}
	}

	res.Reason = task.ReasonAuthorConfirmationRequired
	m.writePending(t, rounds, res.Proposal, res.RequiredIDs)
	return res, nil
}

// draftProposal invokes the author once. A wholly unavailable author cannot
// be retried into existence, so those classes map straight to a terminal
// reason; everything else is parsed, even on a non-zero exit.
func (m *Machine) draftProposal(ctx context.Context, t *task.Task, b *prompt.Builder, round, attempt int, seeds prompt.Seeds) (*Reply, task.Reason) {
	call := gateway.CallFor(t, t.Author, prompt.PhaseProposal, b.Proposal(round, attempt, seeds), t.WorkRoot(), m.proposalTimeout(t))
	out := m.invoker.Invoke(ctx, call)
	switch out.Class {
	case gateway.ClassProviderLimit:
		return nil, task.ReasonProviderLimit
	case gateway.ClassTimeout:
		return nil, task.ReasonWatchdogTimeout
	case gateway.ClassNotFound:
		return nil, task.ReasonCommandNotFound
	}
	r := ParseReply(out.Stdout)
	return &r, ""
}

// reviewerOutcome pairs a reviewer with its raw outcome and parsed verdict.
type reviewerOutcome struct {
	participant task.Participant
	outcome     gateway.Outcome
	verdict     Verdict
}

// fanOut invokes every reviewer concurrently and collects outcomes in
// reviewer order, so downstream decisions are deterministic.
func (m *Machine) fanOut(ctx context.Context, t *task.Task, phase string, timeout time.Duration, promptFor func(task.Participant) string) []reviewerOutcome {
	outs := make([]reviewerOutcome, len(t.Reviewers))
	var wg sync.WaitGroup
	for i, p := range t.Reviewers {
		wg.Add(1)
		go func(i int, p task.Participant) {
			defer wg.Done()
			call := gateway.CallFor(t, p, phase, promptFor(p), t.WorkRoot(), timeout)
			outs[i] = reviewerOutcome{participant: p, outcome: m.invoker.Invoke(ctx, call)}
		}(i, p)
	}
	wg.Wait()
	return outs
}

// unavailableReviewer returns the first reviewer whose output is wholly
// unavailable. Consensus requires every reviewer; unlike the round loop
// there is no degradation path here.
func unavailableReviewer(outs []reviewerOutcome) (reviewerOutcome, bool) {
	for _, o := range outs {
		switch o.outcome.Class {
		case gateway.ClassTimeout, gateway.ClassNotFound, gateway.ClassProviderLimit:
			return o, true
		}
	}
	return reviewerOutcome{}, false
}

// parseVerdicts fills outs[i].verdict, applies audit-intent normalization,
// and emits one event per reviewer plus a partial-coverage event when some
// but not all verdicts were degraded.
func (m *Machine) parseVerdicts(t *task.Task, outs []reviewerOutcome, round, attempt int, kind task.EventKind) {
	audit := auditIntent(t.Description)
	var degraded []string
	for i := range outs {
		v := ParseVerdict(outs[i].outcome.Stdout)
		if audit && normalizeAuditVerdict(&v) {
			m.logger.Info("audit intent downgraded scope blocker",
				zap.String("task_id", t.ID),
				zap.String("participant", outs[i].participant.ID()))
		}
		outs[i].verdict = v
		if v.ParsedFrom == parsedNone || !outs[i].outcome.Ok() {
			degraded = append(degraded, outs[i].participant.ID())
		}
		payload := map[string]any{
			"round":       round,
			"verdict":     string(v.Verdict),
			"parsed_from": v.ParsedFrom,
		}
		if attempt > 0 {
			payload["attempt"] = attempt
		}
		if ids := v.IssueIDs(); len(ids) > 0 {
			payload["issues"] = ids
		}
		m.emit(t, task.NewEvent(t.ID, kind, payload).WithParticipant(outs[i].participant.ID()))
	}
	if len(degraded) > 0 && len(degraded) < len(outs) {
		m.emit(t, task.NewEvent(t.ID, task.EventProposalReviewPartial, map[string]any{
			"round":    round,
			"attempt":  attempt,
			"degraded": degraded,
		}))
	}
}

// allClear reports whether every reviewer returned no_blocker.
func allClear(outs []reviewerOutcome) bool {
	for _, o := range outs {
		if o.verdict.Blocking() {
			return false
		}
	}
	return len(outs) > 0
}

// collectOpen computes the next open-issue set from the blocking verdicts:
// required ids stay open unless a check resolves them, and new issues join
// at the end. Non-blocking verdicts contribute nothing; their issues are
// advisory. The returned findings render each open id for the next prompt.
func collectOpen(required []string, outs []reviewerOutcome) ([]string, []string) {
	keepOpen := make(map[string]bool)
	req := make(map[string]bool, len(required))
	for _, id := range required {
		req[id] = true
	}

	var newIDs, findings []string
	newSeen := make(map[string]bool)

	for _, o := range outs {
		v := o.verdict
		if !v.Blocking() {
			continue
		}
		checked := make(map[string]bool, len(v.IssueChecks))
		for _, c := range v.IssueChecks {
			checked[c.IssueID] = true
			if req[c.IssueID] && !c.Resolved {
				keepOpen[c.IssueID] = true
				note := c.Note
				if note == "" {
					note = "not resolved"
				}
				findings = append(findings, fmt.Sprintf("%s: %s (%s)", c.IssueID, note, o.participant.ID()))
			}
		}
		// A blocking reviewer that skipped a required check has not
		// cleared that issue.
		for _, id := range required {
			if !checked[id] {
				keepOpen[id] = true
			}
		}
		for _, is := range v.Issues {
			if req[is.IssueID] || newSeen[is.IssueID] {
				continue
			}
			newSeen[is.IssueID] = true
			newIDs = append(newIDs, is.IssueID)
			findings = append(findings, renderIssue(is, o.participant))
		}
	}

	open := make([]string, 0, len(keepOpen)+len(newIDs))
	for _, id := range required {
		if keepOpen[id] {
			open = append(open, id)
		}
	}
	open = append(open, newIDs...)
	return open, findings
}

func renderIssue(is Issue, from task.Participant) string {
	text := is.Detail
	if text == "" {
		text = is.Title
	}
	if text == "" {
		text = "no detail given"
	}
	return fmt.Sprintf("%s: %s (%s)", is.IssueID, text, from.ID())
}

var (
	auditWords = regexp.MustCompile(`(?i)\baudit\b|\bsurvey\b|\binventory\b|\bdiscovery\b|\bcatalog\b|review the (entire|whole)|审计|盘点|梳理`)
	scopeWords = regexp.MustCompile(`(?i)scope|ambigu|unclear|too broad|too vague|boundar|范围`)
)

// auditIntent reports whether the task description reads as a broad audit or
// discovery mandate rather than a targeted change.
func auditIntent(description string) bool {
	return auditWords.MatchString(description)
}

// scopeAmbiguityOnly reports whether every issue is about scope or ambiguity
// rather than a concrete defect.
func scopeAmbiguityOnly(v *Verdict) bool {
	if len(v.Issues) == 0 {
		return false
	}
	for _, is := range v.Issues {
		if !scopeWords.MatchString(is.IssueID + " " + is.Title + " " + is.Detail) {
			return false
		}
	}
	return true
}

// normalizeAuditVerdict rewrites a scope-ambiguity-only blocker into
// non-blocking guidance. For an audit task the broad mandate is the point;
// stalling consensus on it would be a dead end a human would wave through.
func normalizeAuditVerdict(v *Verdict) bool {
	if !v.Blocking() || !scopeAmbiguityOnly(v) {
		return false
	}
	v.Verdict = VerdictNoBlocker
	if v.Reason == "" {
		v.Reason = "scope concerns retained as guidance for an audit-intent task"
	}
	return true
}

// stallRecord is persisted as artifacts/consensus_stall.json.
type stallRecord struct {
	TaskID     string    `json:"task_id"`
	Round      int       `json:"round"`
	Mode       string    `json:"mode"` // in_round | across_rounds
	Attempts   int       `json:"attempts"`
	OpenIssues []string  `json:"open_issues,omitempty"`
	Findings   []string  `json:"findings,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PendingProposal is persisted as artifacts/pending_proposal.json for the
// manual decision surface. The coordinator reads it back when a task is
// requeued after an author decision, so the implementation rounds inherit
// the approved plan and its required issue ids.
type PendingProposal struct {
	TaskID      string    `json:"task_id"`
	Round       int       `json:"round"`
	Proposal    *Reply    `json:"proposal,omitempty"`
	RequiredIDs []string  `json:"required_ids,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LoadPending reads the persisted pending proposal for a task. It returns
// nil without error when the task never recorded one.
func LoadPending(store *artifact.Store, taskID string) (*PendingProposal, error) {
	if !store.Exists(taskID, artifact.PendingProposal) {
		return nil, nil
	}
	var rec PendingProposal
	if err := store.ReadJSON(taskID, artifact.PendingProposal, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeStall persists the stall record. Artifact failures degrade to a
// warning; the task record and events still carry the outcome.
func (m *Machine) writeStall(t *task.Task, round int, mode string, attempts int, open, findings []string) {
	rec := stallRecord{
		TaskID:     t.ID,
		Round:      round,
		Mode:       mode,
		Attempts:   attempts,
		OpenIssues: open,
		Findings:   findings,
		RecordedAt: time.Now().UTC(),
	}
	if err := m.artifacts.WriteJSON(t.ID, artifact.ConsensusStall, rec); err != nil {
		m.logger.Warn("consensus stall artifact write failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (m *Machine) writePending(t *task.Task, round int, reply *Reply, required []string) {
	rec := PendingProposal{
		TaskID:      t.ID,
		Round:       round,
		Proposal:    reply,
		RequiredIDs: required,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := m.artifacts.WriteJSON(t.ID, artifact.PendingProposal, rec); err != nil {
		m.logger.Warn("pending proposal artifact write failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (m *Machine) emit(t *task.Task, e task.Event) {
	if m.sink != nil {
		m.sink.Emit(t.ID, e)
	}
}

func (m *Machine) proposalTimeout(t *task.Task) time.Duration {
	if d := t.Options.PhaseTimeouts.Proposal; d > 0 {
		return d
	}
	return m.timeouts.GetProposal()
}

func (m *Machine) reviewTimeout(t *task.Task) time.Duration {
	if d := t.Options.PhaseTimeouts.Review; d > 0 {
		return d
	}
	return m.timeouts.GetReview()
}

func reviseNote(t *task.Task) string {
	if t.Decision != nil && t.Decision.Kind == task.DecisionRevise {
		return t.Decision.Note
	}
	return ""
}

func appendUnique(dst, ids []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			dst = append(dst, id)
		}
	}
	return dst
}
