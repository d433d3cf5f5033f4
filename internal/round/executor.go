// Package round executes full-workflow rounds: the optional reviewer-first
// debate, the discussion and implementation phases, the parallel review
// fan-out, verification commands, and the medium-policy gate decision. The
// executor also runs the loop-progress guard and, in candidate mode, leaves
// a patch, notes, and a snapshot behind for later promotion.
//
// One Executor drives one task; cross-round carryover (strategy hints, round
// history, progress fingerprints) lives on the value, so the coordinator
// creates a fresh Executor per task run.
package round

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/consensus"
	"github.com/parleyhq/parley/internal/evidence"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/git"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// streamBuffer bounds the live-output channel per streamed call. Lines past
// a full buffer are dropped by the gateway, not blocked on.
const streamBuffer = 256

// Invoker abstracts the participant gateway.
type Invoker interface {
	Invoke(ctx context.Context, call gateway.Call) gateway.Outcome
}

// EventSink receives executor events. The coordinator's sink decides where
// each kind lands; stream chatter never reaches the repository.
type EventSink interface {
	Emit(taskID string, e task.Event)
}

// Result is one round's outcome. System marks failures the retry loop must
// not absorb; the coordinator maps those to failed_system.
type Result struct {
	Round   int
	Passed  bool
	Reason  task.Reason // Gate or failure reason; empty iff Passed
	System  bool
	Summary string // Author's implementation report
}

// Executor runs rounds for a single task.
type Executor struct {
	invoker   Invoker
	artifacts *artifact.Store
	guard     *evidence.Guard
	sink      EventSink
	workflow  *config.WorkflowConfig
	runner    CommandRunner
	logger    *zap.Logger

	required []string
	progress *progressGuard
	hint     string
	prevGate task.Reason
	history  []string
}

// NewExecutor wires a per-task executor. required carries the contract issue
// ids raised during proposal consensus; reviews must cover every one of them.
func NewExecutor(invoker Invoker, artifacts *artifact.Store, guard *evidence.Guard, sink EventSink, workflow *config.WorkflowConfig, required []string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		invoker:   invoker,
		artifacts: artifacts,
		guard:     guard,
		sink:      sink,
		workflow:  workflow,
		runner:    NewShellRunner(logger),
		logger:    logger,
		required:  required,
		progress:  newProgressGuard(shiftLimit(workflow)),
	}
}

// SetRunner replaces the verification command runner. Tests use this to keep
// real shells out of the loop.
func (e *Executor) SetRunner(r CommandRunner) {
	e.runner = r
}

// SeedHistory preloads round history lines. The coordinator uses it to carry
// the approved proposal into the first round's discussion context.
func (e *Executor) SeedHistory(lines []string) {
	e.history = append(e.history, lines...)
}

// reviewRecord is one reviewer's contribution to a round, persisted in the
// round's reviews artifact.
type reviewRecord struct {
	Participant string            `json:"participant"`
	Class       string            `json:"class"`
	Verdict     consensus.Verdict `json:"verdict"`
}

// roundRecord is persisted as the round artifact before the gate_decision
// event becomes visible.
type roundRecord struct {
	TaskID          string                   `json:"task_id"`
	Round           int                      `json:"round"`
	Passed          bool                     `json:"passed"`
	GateReason      task.Reason              `json:"gate_reason,omitempty"`
	Plan            string                   `json:"plan,omitempty"`
	Summary         string                   `json:"summary,omitempty"`
	RequiredIDs     []string                 `json:"required_ids,omitempty"`
	Reviews         []reviewRecord           `json:"reviews,omitempty"`
	Commands        []evidence.CommandResult `json:"commands,omitempty"`
	EvidenceBundle  string                   `json:"evidence_bundle,omitempty"`
	StrategyShifted bool                     `json:"strategy_shifted,omitempty"`
	StrategyHint    string                   `json:"strategy_hint,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      time.Time                `json:"finished_at"`
}

// Run executes round number round. Errors are reserved for a canceled
// context and broken plumbing (artifact writes); everything the task itself
// caused comes back inside the Result.
func (e *Executor) Run(ctx context.Context, t *task.Task, round int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Round: round}
	rec := &roundRecord{
		TaskID:      t.ID,
		Round:       round,
		RequiredIDs: e.required,
		StartedAt:   time.Now().UTC(),
	}

	prev := e.prevGate
	if prev == "" {
		// A requeued task carries its last gate failure on the record.
		prev = carriedGateReason(t.LastGateReason)
	}
	b := prompt.NewBuilder(t)
	seeds := prompt.Seeds{
		GateReason:   string(prev),
		StrategyHint: e.hint,
		ReviseNote:   reviseNote(t),
		History:      e.history,
	}
	e.hint = ""

	// Phase 1: optional reviewer-first debate. Findings are advisory; they
	// seed the discussion but never join the issue contract.
	if t.Options.DebateMode {
		findings, reason := e.debate(ctx, t, b, round)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reason != "" {
			return e.systemFailure(t, res, rec, reason)
		}
		seeds.Findings = findings
	}

	// Phase 2: discussion.
	e.emit(t, task.NewEvent(t.ID, task.EventDiscussionStarted, map[string]any{
		"round": round,
	}).WithParticipant(t.Author.ID()))
	out := e.invoke(ctx, t, gateway.CallFor(t, t.Author, prompt.PhaseDiscussion,
		b.Discussion(round, seeds), t.WorkRoot(), e.discussionTimeout(t)))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reason := authorOutage(out); reason != "" {
		return e.systemFailure(t, res, rec, reason)
	}
	plan := strings.TrimSpace(out.Stdout)
	rec.Plan = plan
	e.writeText(t, artifact.Discussion, plan)

	// Phase 3: implementation.
	testCmd, lintCmd := e.commands(t)
	e.emit(t, task.NewEvent(t.ID, task.EventImplementationStarted, map[string]any{
		"round": round,
	}).WithParticipant(t.Author.ID()))
	out = e.invoke(ctx, t, gateway.CallFor(t, t.Author, prompt.PhaseImplementation,
		b.Implementation(round, plan, testCmd, lintCmd), t.WorkRoot(), e.implementationTimeout(t)))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reason := authorOutage(out); reason != "" {
		return e.systemFailure(t, res, rec, reason)
	}
	summary, implPaths := splitEvidence(out.Stdout)
	res.Summary = summary
	rec.Summary = summary
	e.writeText(t, artifact.Summary, summary)

	bundle := evidence.NewBundle(t.ID, round, t.WorkRoot())
	for _, p := range implPaths {
		bundle.AddPath(evidence.CategoryImplementation, p)
	}

	// Phase 4: review fan-out.
	e.emit(t, task.NewEvent(t.ID, task.EventReviewStarted, map[string]any{
		"round":     round,
		"reviewers": len(t.Reviewers),
	}))
	reviews, reason := e.review(ctx, t, b, round, summary)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reason != "" {
		rec.Reviews = reviews
		return e.systemFailure(t, res, rec, reason)
	}
	rec.Reviews = reviews
	if err := e.artifacts.WriteJSON(t.ID, artifact.RoundReviews(round), reviews); err != nil {
		return nil, err
	}
	bundle.AddPath(evidence.CategoryReview,
		filepath.Join(e.artifacts.TaskDir(t.ID), filepath.FromSlash(artifact.RoundReviews(round))))

	// Contract coverage hard-fails skip verification: an unchecked contract
	// cannot be argued past by a green test run.
	if reason := reviewContract(reviews, e.required); reason != "" {
		res.Reason = reason
		return e.finish(ctx, t, res, rec, reviews)
	}

	// Phase 5: verification. Runs even when a reviewer blocked, so every
	// full round leaves a complete evidence trail.
	var cmds []string
	for _, c := range []string{testCmd, lintCmd} {
		if c != "" {
			cmds = append(cmds, c)
		}
	}
	e.emit(t, task.NewEvent(t.ID, task.EventVerificationStarted, map[string]any{
		"round":    round,
		"commands": cmds,
	}))
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bundle.AddCommand(e.runner.Run(ctx, c, t.WorkRoot(), e.commandTimeout(t)))
	}
	rec.Commands = bundle.Commands
	if err := e.artifacts.WriteJSON(t.ID, artifact.RoundVerification(round), bundle.Commands); err != nil {
		return nil, err
	}
	bundle.AddPath(evidence.CategoryVerification,
		filepath.Join(e.artifacts.TaskDir(t.ID), filepath.FromSlash(artifact.RoundVerification(round))))

	// Phase 6: gate decision, medium policy. Review blockers outrank
	// verification failures outrank missing evidence.
	decision, err := e.guard.Verify(t, round, bundle)
	if err != nil {
		return nil, err
	}
	rec.EvidenceBundle = artifact.EvidenceBundle(round)
	e.emit(t, task.NewEvent(t.ID, task.EventPrecompletionChecklist, map[string]any{
		"round":   round,
		"passed":  decision.Passed,
		"reason":  string(decision.Reason),
		"missing": decision.Missing,
	}))

	switch {
	case anyBlocking(reviews):
		res.Reason = task.ReasonReviewBlocker
	case verificationReason(bundle.Commands) != "":
		res.Reason = verificationReason(bundle.Commands)
	case !decision.Passed:
		res.Reason = decision.Reason
		if err := e.artifacts.WriteJSON(t.ID, artifact.PrecompletionFailed, decision); err != nil {
			return nil, err
		}
	default:
		res.Passed = true
	}
	return e.finish(ctx, t, res, rec, reviews)
}

// finish runs the progress guard, persists the round artifact (and candidate
// artifacts), and emits the gate_decision event, in that order.
func (e *Executor) finish(ctx context.Context, t *task.Task, res *Result, rec *roundRecord, reviews []reviewRecord) (*Result, error) {
	if !res.Passed {
		shifted, hint, exhausted := e.progress.observe(rec.Summary, reviewSignature(reviews))
		switch {
		case exhausted:
			e.logger.Info("progress guard exhausted",
				zap.String("task_id", t.ID),
				zap.Int("round", res.Round),
				zap.String("gate_reason", string(res.Reason)))
			res.Reason = task.ReasonLoopNoProgress
		case shifted:
			e.hint = hint
			rec.StrategyShifted = true
			rec.StrategyHint = hint
			e.emit(t, task.NewEvent(t.ID, task.EventStrategyShifted, map[string]any{
				"round": res.Round,
				"hint":  hint,
			}))
		}
	}

	rec.Passed = res.Passed
	rec.GateReason = res.Reason
	rec.FinishedAt = time.Now().UTC()
	if err := e.artifacts.WriteJSON(t.ID, artifact.RoundArtifact(res.Round), rec); err != nil {
		return nil, err
	}
	if t.Options.MaxRounds > 1 && !t.Options.AutoMerge {
		if err := e.writeCandidate(ctx, t, res.Round, rec); err != nil {
			return nil, err
		}
	}

	payload := map[string]any{
		"round":  res.Round,
		"passed": res.Passed,
	}
	if res.Reason != "" {
		payload["reason"] = string(res.Reason)
	}
	e.emit(t, task.NewEvent(t.ID, task.EventGateDecision, payload))

	if res.Passed {
		e.history = append(e.history, fmt.Sprintf("round %d passed its gate", res.Round))
	} else {
		e.history = append(e.history, fmt.Sprintf("round %d failed its gate: %s", res.Round, res.Reason))
	}
	e.prevGate = res.Reason
	return res, nil
}

// debate fans the precheck prompt to every reviewer. Blocking findings come
// back rendered for the discussion seeds; a round with no reachable reviewer
// at all returns a system reason.
func (e *Executor) debate(ctx context.Context, t *task.Task, b *prompt.Builder, round int) ([]string, task.Reason) {
	outs := e.fanOut(ctx, t, prompt.PhasePrecheck, e.reviewTimeout(t), func(task.Participant) string {
		return b.Precheck(round)
	})

	var findings []string
	unavailable := 0
	for _, o := range outs {
		if class := outageClass(o.outcome); class != "" {
			unavailable++
			e.emit(t, task.NewEvent(t.ID, task.EventReviewError, map[string]any{
				"round": round,
				"phase": prompt.PhasePrecheck,
				"class": class,
			}).WithParticipant(o.participant.ID()))
			continue
		}
		v := consensus.ParseVerdict(o.outcome.Stdout)
		payload := map[string]any{
			"round":       round,
			"verdict":     string(v.Verdict),
			"parsed_from": v.ParsedFrom,
		}
		if ids := v.IssueIDs(); len(ids) > 0 {
			payload["issues"] = ids
		}
		e.emit(t, task.NewEvent(t.ID, task.EventProposalPrecheckReview, payload).WithParticipant(o.participant.ID()))
		if v.Blocking() {
			for _, is := range v.Issues {
				findings = append(findings, renderFinding(is, o.participant))
			}
		}
	}
	if len(outs) > 0 && unavailable == len(outs) {
		return nil, task.ReasonRoundReviewUnavailable
	}
	return findings, ""
}

// review fans the implementation review to every reviewer. Individual
// outages degrade to unknown verdicts with a review_error event; only a
// fully unreachable panel returns a system reason.
func (e *Executor) review(ctx context.Context, t *task.Task, b *prompt.Builder, round int, summary string) ([]reviewRecord, task.Reason) {
	outs := e.fanOut(ctx, t, prompt.PhaseReview, e.reviewTimeout(t), func(task.Participant) string {
		return b.Review(round, summary, e.required)
	})

	records := make([]reviewRecord, len(outs))
	unavailable := 0
	for i, o := range outs {
		rec := reviewRecord{Participant: o.participant.ID(), Class: string(o.outcome.Class)}
		if class := outageClass(o.outcome); class != "" {
			unavailable++
			e.emit(t, task.NewEvent(t.ID, task.EventReviewError, map[string]any{
				"round": round,
				"phase": prompt.PhaseReview,
				"class": class,
			}).WithParticipant(o.participant.ID()))
			v := consensus.Verdict{
				Verdict: consensus.VerdictUnknown,
				Reason:  "reviewer unavailable: " + class,
			}
			v.Normalize()
			rec.Verdict = v
			records[i] = rec
			continue
		}
		v := consensus.ParseVerdict(o.outcome.Stdout)
		rec.Verdict = v
		records[i] = rec
		payload := map[string]any{
			"round":       round,
			"verdict":     string(v.Verdict),
			"parsed_from": v.ParsedFrom,
		}
		if ids := v.IssueIDs(); len(ids) > 0 {
			payload["issues"] = ids
		}
		e.emit(t, task.NewEvent(t.ID, task.EventImplementationReview, payload).WithParticipant(o.participant.ID()))
	}
	if len(outs) > 0 && unavailable == len(outs) {
		return records, task.ReasonRoundReviewUnavailable
	}
	return records, ""
}

// reviewerOutcome pairs a reviewer with its raw outcome.
type reviewerOutcome struct {
	participant task.Participant
	outcome     gateway.Outcome
}

// fanOut invokes every reviewer concurrently and collects outcomes indexed
// by reviewer position, so downstream decisions are deterministic.
func (e *Executor) fanOut(ctx context.Context, t *task.Task, phase string, timeout time.Duration, promptFor func(task.Participant) string) []reviewerOutcome {
	outs := make([]reviewerOutcome, len(t.Reviewers))
	done := make(chan int, len(t.Reviewers))
	for i, p := range t.Reviewers {
		go func(i int, p task.Participant) {
			call := gateway.CallFor(t, p, phase, promptFor(p), t.WorkRoot(), timeout)
			outs[i] = reviewerOutcome{participant: p, outcome: e.invoker.Invoke(ctx, call)}
			done <- i
		}(i, p)
	}
	for range t.Reviewers {
		<-done
	}
	return outs
}

// invoke routes one call through the gateway, forwarding live output lines
// as participant_stream events when the task asked for them.
func (e *Executor) invoke(ctx context.Context, t *task.Task, call gateway.Call) gateway.Outcome {
	if !t.Options.StreamMode || e.sink == nil {
		return e.invoker.Invoke(ctx, call)
	}
	lines := make(chan string, streamBuffer)
	drained := make(chan struct{})
	call.Stream = lines
	go func() {
		defer close(drained)
		for line := range lines {
			e.sink.Emit(t.ID, task.NewEvent(t.ID, task.EventParticipantStream, map[string]any{
				"phase": call.Phase,
				"line":  line,
			}).WithParticipant(call.Participant.ID()))
		}
	}()
	out := e.invoker.Invoke(ctx, call)
	close(lines)
	<-drained
	return out
}

// systemFailure records a round that ended outside the gate: the round
// artifact is still written and gate_decision still fires, so the event
// stream alone reconstructs what happened.
func (e *Executor) systemFailure(t *task.Task, res *Result, rec *roundRecord, reason task.Reason) (*Result, error) {
	res.Reason = reason
	res.System = true
	rec.Passed = false
	rec.GateReason = reason
	rec.FinishedAt = time.Now().UTC()
	if err := e.artifacts.WriteJSON(t.ID, artifact.RoundArtifact(res.Round), rec); err != nil {
		return nil, err
	}
	e.emit(t, task.NewEvent(t.ID, task.EventGateDecision, map[string]any{
		"round":  res.Round,
		"passed": false,
		"reason": string(reason),
		"system": true,
	}))
	return res, nil
}

// writeCandidate persists the candidate-mode artifacts for one round: a
// patch (git diff when the work root is a repository, a file manifest
// otherwise), a markdown note, and a filtered snapshot the promotion
// pipeline can write back later.
func (e *Executor) writeCandidate(ctx context.Context, t *task.Task, round int, rec *roundRecord) error {
	patch := e.renderPatch(ctx, t)
	if err := e.artifacts.WriteArtifact(t.ID, artifact.RoundPatch(round), []byte(patch)); err != nil {
		return err
	}
	if err := e.artifacts.WriteArtifact(t.ID, artifact.RoundNotes(round), []byte(renderNotes(rec))); err != nil {
		return err
	}
	snapshot := filepath.Join(e.artifacts.TaskDir(t.ID), filepath.FromSlash(artifact.RoundSnapshotDir(round)))
	if err := sandbox.CopyTree(ctx, t.WorkRoot(), snapshot); err != nil {
		return fmt.Errorf("failed to snapshot round %d: %w", round, err)
	}
	return nil
}

// renderPatch prefers a real diff; outside a repository the candidate patch
// degrades to a file listing so the round still documents its footprint.
func (e *Executor) renderPatch(ctx context.Context, t *task.Task) string {
	checker := git.NewChecker(t.WorkRoot())
	if ok, err := checker.IsRepo(ctx); err == nil && ok {
		if diff, err := checker.Diff(ctx); err == nil {
			return diff
		}
	}
	files, err := workspace.ListFiles(t.WorkRoot())
	if err != nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# no repository at work root; file manifest\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "%s\t%d\n", f.RelPath, f.Size)
	}
	return sb.String()
}

func renderNotes(rec *roundRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Round %d\n\n", rec.Round)
	if rec.Passed {
		sb.WriteString("Gate: passed\n\n")
	} else {
		fmt.Fprintf(&sb, "Gate: failed (%s)\n\n", rec.GateReason)
	}
	if rec.Plan != "" {
		sb.WriteString("## Plan\n\n")
		sb.WriteString(strings.TrimRight(rec.Plan, "\n"))
		sb.WriteString("\n\n")
	}
	if rec.Summary != "" {
		sb.WriteString("## Implementation report\n\n")
		sb.WriteString(strings.TrimRight(rec.Summary, "\n"))
		sb.WriteString("\n\n")
	}
	if len(rec.Reviews) > 0 {
		sb.WriteString("## Reviews\n\n")
		for _, r := range rec.Reviews {
			fmt.Fprintf(&sb, "- %s: %s\n", r.Participant, r.Verdict.Verdict)
		}
		sb.WriteString("\n")
	}
	for _, c := range rec.Commands {
		fmt.Fprintf(&sb, "- `%s` exit %d\n", c.Command, c.ExitCode)
	}
	return sb.String()
}

// reviewContract enforces issue-check coverage over the required contract
// ids: every id must be checked by at least one reviewer, and no check may
// report it unresolved.
func reviewContract(reviews []reviewRecord, required []string) task.Reason {
	if len(required) == 0 {
		return ""
	}
	checked := make(map[string]bool)
	unresolved := make(map[string]bool)
	for _, r := range reviews {
		for _, c := range r.Verdict.IssueChecks {
			checked[c.IssueID] = true
			if !c.Resolved {
				unresolved[c.IssueID] = true
			}
		}
	}
	for _, id := range required {
		if !checked[id] {
			return task.ReasonReviewIssueChecksMissing
		}
	}
	for _, id := range required {
		if unresolved[id] {
			return task.ReasonReviewIssueUnresolved
		}
	}
	return ""
}

func anyBlocking(reviews []reviewRecord) bool {
	for _, r := range reviews {
		if r.Verdict.Blocking() {
			return true
		}
	}
	return false
}

// verificationReason maps the first failing command to its gate reason.
func verificationReason(commands []evidence.CommandResult) task.Reason {
	for _, c := range commands {
		switch {
		case c.TimedOut:
			return task.ReasonCommandTimeout
		case c.NotFound:
			return task.ReasonCommandNotFound
		case c.ExitCode != 0:
			return task.ReasonVerificationFailed
		}
	}
	return ""
}

// reviewSignature condenses the round's raised issue ids for the progress
// guard, using the same signature form the consensus stall guard keys on.
func reviewSignature(reviews []reviewRecord) string {
	var ids []string
	for _, r := range reviews {
		ids = append(ids, r.Verdict.IssueIDs()...)
	}
	return consensus.Signature(ids)
}

// outageClass returns the outage class for wholly unavailable outcomes and
// "" for anything parseable.
func outageClass(out gateway.Outcome) string {
	switch out.Class {
	case gateway.ClassTimeout, gateway.ClassNotFound, gateway.ClassProviderLimit:
		return string(out.Class)
	}
	return ""
}

// carriedGateReason filters the task record's last reason down to the gate
// failures a new round should actively resolve. Consensus outcomes and
// author decisions are context, not defects.
func carriedGateReason(r task.Reason) task.Reason {
	switch r {
	case task.ReasonReviewBlocker, task.ReasonReviewIssueChecksMissing,
		task.ReasonReviewIssueUnresolved, task.ReasonVerificationFailed,
		task.ReasonCommandTimeout, task.ReasonCommandNotFound,
		task.ReasonEvidenceMissing, task.ReasonCommandsMissing,
		task.ReasonLoopNoProgress:
		return r
	}
	return ""
}

// authorOutage maps an unavailable author to the round's failure reason.
// Non-zero exits with output still count as answers; the review phase is
// where a hollow implementation gets caught.
func authorOutage(out gateway.Outcome) task.Reason {
	switch out.Class {
	case gateway.ClassProviderLimit:
		return task.ReasonProviderLimit
	case gateway.ClassTimeout:
		return task.ReasonWatchdogTimeout
	case gateway.ClassNotFound:
		return task.ReasonCommandNotFound
	}
	return ""
}

// evidenceLine matches the implementation report's closing contract line.
var evidenceLine = regexp.MustCompile(`(?m)^EVIDENCE:[ \t]*(.+)$`)

// splitEvidence separates the implementation summary from the EVIDENCE
// contract line. Only clean relative paths are kept; anything absolute or
// climbing out of the work root is discarded.
func splitEvidence(output string) (summary string, paths []string) {
	matches := evidenceLine.FindAllStringSubmatchIndex(output, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(output), nil
	}
	last := matches[len(matches)-1]
	line := output[last[2]:last[3]]
	summary = strings.TrimSpace(output[:last[0]] + output[last[1]:])

	for _, raw := range strings.Split(line, ",") {
		p := strings.TrimSpace(raw)
		if p == "" || filepath.IsAbs(p) {
			continue
		}
		clean := filepath.ToSlash(filepath.Clean(p))
		if clean == ".." || strings.HasPrefix(clean, "../") {
			continue
		}
		paths = append(paths, clean)
	}
	return summary, paths
}

func renderFinding(is consensus.Issue, from task.Participant) string {
	text := is.Detail
	if text == "" {
		text = is.Title
	}
	if text == "" {
		text = "no detail given"
	}
	return fmt.Sprintf("%s: %s (%s)", is.IssueID, text, from.ID())
}

func reviseNote(t *task.Task) string {
	if t.Decision != nil && t.Decision.Kind == task.DecisionRevise {
		return t.Decision.Note
	}
	return ""
}

// writeText persists a task-level text artifact, degrading to a warning on
// failure: the round result does not depend on convenience files.
func (e *Executor) writeText(t *task.Task, name, body string) {
	if body == "" {
		return
	}
	if err := e.artifacts.WriteArtifact(t.ID, name, []byte(strings.TrimRight(body, "\n")+"\n")); err != nil {
		e.logger.Warn("artifact write failed",
			zap.String("task_id", t.ID),
			zap.String("path", name),
			zap.Error(err))
	}
}

func (e *Executor) emit(t *task.Task, ev task.Event) {
	if e.sink != nil {
		e.sink.Emit(t.ID, ev)
	}
}

// commands resolves the effective verification commands: task options, then
// workflow config, then the detected workspace profile.
func (e *Executor) commands(t *task.Task) (test, lint string) {
	test = t.Options.TestCommand
	lint = t.Options.LintCommand
	if test == "" && e.workflow != nil {
		test = e.workflow.TestCommand
	}
	if lint == "" && e.workflow != nil {
		lint = e.workflow.LintCommand
	}
	if test == "" && lint == "" {
		profile := workspace.DetectProfile(t.WorkRoot())
		test, lint = profile.TestCommand, profile.LintCommand
	}
	return test, lint
}

func (e *Executor) commandTimeout(t *task.Task) time.Duration {
	if t.Options.CommandTimeout > 0 {
		return t.Options.CommandTimeout
	}
	if e.workflow != nil {
		return e.workflow.GetCommandTimeout()
	}
	return 15 * time.Minute
}

func (e *Executor) discussionTimeout(t *task.Task) time.Duration {
	if d := t.Options.PhaseTimeouts.Discussion; d > 0 {
		return d
	}
	return e.phaseTimeouts().GetDiscussion()
}

func (e *Executor) implementationTimeout(t *task.Task) time.Duration {
	if d := t.Options.PhaseTimeouts.Implementation; d > 0 {
		return d
	}
	return e.phaseTimeouts().GetImplementation()
}

func (e *Executor) reviewTimeout(t *task.Task) time.Duration {
	if d := t.Options.PhaseTimeouts.Review; d > 0 {
		return d
	}
	return e.phaseTimeouts().GetReview()
}

func (e *Executor) phaseTimeouts() *config.PhaseTimeoutsConfig {
	if e.workflow != nil {
		return &e.workflow.PhaseTimeouts
	}
	return &config.PhaseTimeoutsConfig{}
}

func shiftLimit(w *config.WorkflowConfig) int {
	if w != nil && w.StrategyShiftLimit != nil {
		return *w.StrategyShiftLimit
	}
	return 2
}
