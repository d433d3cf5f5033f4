// Package coordinator drives one task from queued to a terminal status.
//
// A run is a straight line with guarded exits: admission through the
// scheduler, the workspace resume guard, the preflight risk gate, sandbox
// allocation, proposal consensus (unless the task self-loops or the author
// already approved), then implementation rounds until the gate passes or a
// budget trips. Every status move goes through the repository compare-and-set
// so concurrent cancels and force-fails can never be lost, and every
// observable action lands in the event timeline before the next one starts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/consensus"
	"github.com/parleyhq/parley/internal/evidence"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/promote"
	"github.com/parleyhq/parley/internal/round"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
)

// Cancellation causes. The orchestrator cancels a run's context with one of
// these so the coordinator can tell a cooperative cancel from a force-fail
// that already moved the status itself.
var (
	ErrCancelRequested = errors.New("cancel requested")
	ErrForceFailed     = errors.New("force fail requested")
)

// errSuperseded marks a compare-and-set lost to another status writer. The
// losing path stops quietly; the winner owns the terminal records.
var errSuperseded = errors.New("status superseded by another writer")

// Invoker abstracts the participant gateway for tests.
type Invoker interface {
	Invoke(ctx context.Context, call gateway.Call) gateway.Outcome
}

// Coordinator owns the per-task run loop. One Coordinator serves the whole
// process; each Run call drives a single task and is safe to invoke
// concurrently for distinct tasks.
type Coordinator struct {
	repo      store.Repository
	artifacts *artifact.Store
	events    *artifact.EventLog
	invoker   Invoker
	sched     *scheduler.Scheduler
	sandboxes *sandbox.Manager
	pipeline  *promote.Pipeline
	evidence  *evidence.Guard
	cfg       *config.Config
	logger    *zap.Logger
}

// New wires a coordinator. The promotion pipeline and evidence guard are
// built here so every caller gets the same policy derivation from config.
func New(repo store.Repository, artifacts *artifact.Store, events *artifact.EventLog, invoker Invoker, sched *scheduler.Scheduler, sandboxes *sandbox.Manager, cfg *config.Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ev := evidence.NewGuard(artifacts, logger)
	guard := promote.NewGuard(promotePolicy(cfg), logger)
	return &Coordinator{
		repo:      repo,
		artifacts: artifacts,
		events:    events,
		invoker:   invoker,
		sched:     sched,
		sandboxes: sandboxes,
		pipeline:  promote.NewPipeline(guard, ev, artifacts, logger),
		evidence:  ev,
		cfg:       cfg,
		logger:    logger,
	}
}

// promotePolicy derives the promotion guard policy from configuration.
func promotePolicy(cfg *config.Config) promote.Policy {
	p := promote.Policy{RequireCleanWorktree: true}
	if cfg == nil || cfg.Workflow == nil {
		return p
	}
	p.BranchAllowlist = cfg.Workflow.BranchAllowlist
	if cfg.Workflow.RequireCleanWorktree != nil {
		p.RequireCleanWorktree = *cfg.Workflow.RequireCleanWorktree
	}
	return p
}

// Run drives the task with the given id until it parks or terminates. The
// context carries cancellation only; when evolve_until is set, Run derives
// its own deadline so in-flight participant calls stop at the boundary.
//
// The returned error covers plumbing failures and nothing else: task-caused
// outcomes, cancels, deferrals, and dedups all return nil after recording
// themselves.
func (c *Coordinator) Run(ctx context.Context, taskID string) error {
	t, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusQueued {
		return fmt.Errorf("task %s is %s, only queued tasks can start", t.ID, t.Status)
	}

	adm, granted, err := c.admit(ctx, t)
	if err != nil || !granted {
		return err
	}
	defer c.sched.Done(t.ID)

	// Cooldown substitutions picked at admission apply to this run only;
	// the stored participant set stays as created.
	c.applySubstitutions(t, adm.Substitutions)

	if err := c.transition(t, task.StatusQueued, task.StatusRunning, t.LastGateReason); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	started := map[string]any{}
	if len(adm.Substitutions) > 0 {
		started["substitutions"] = adm.Substitutions
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventStarted, started))

	runCtx := ctx
	if dl := t.Options.EvolveUntil; dl != nil && !c.workflow().FinishPhaseOnDeadline {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, *dl)
		defer cancel()
	}

	if err := c.drive(runCtx, t); err != nil {
		return c.interrupted(ctx, t, err)
	}
	return nil
}

// admit loops until the scheduler grants a slot, the start dedups away, or
// the task stops being queued while deferred.
func (c *Coordinator) admit(ctx context.Context, t *task.Task) (scheduler.Admission, bool, error) {
	for {
		adm := c.sched.Admit(t)
		switch {
		case adm.Deduped:
			c.Emit(t.ID, task.NewEvent(t.ID, task.EventStartDeduped, map[string]any{
				"reason": string(adm.Reason),
			}))
			return adm, false, nil
		case adm.Granted:
			return adm, true, nil
		}

		backoff := c.sched.Backoff()
		c.Emit(t.ID, task.NewEvent(t.ID, task.EventStartDeferred, map[string]any{
			"reason":   string(adm.Reason),
			"retry_in": backoff.String(),
		}))
		select {
		case <-ctx.Done():
			return adm, false, nil
		case <-time.After(backoff):
		}

		// The task may have been canceled while we waited.
		fresh, err := c.repo.GetTask(ctx, t.ID)
		if err != nil {
			return adm, false, err
		}
		if fresh.Status != task.StatusQueued {
			return adm, false, nil
		}
		*t = *fresh
	}
}

func (c *Coordinator) applySubstitutions(t *task.Task, subs map[string]string) {
	if len(subs) == 0 {
		return
	}
	if repl, ok := subs[t.Author.Provider]; ok {
		t.Author.Provider = repl
	}
	for i := range t.Reviewers {
		if repl, ok := subs[t.Reviewers[i].Provider]; ok {
			t.Reviewers[i].Provider = repl
		}
	}
}

// drive is the run body between the started event and the terminal record.
// Errors are plumbing or cancellation; every task-caused outcome finalizes
// in place and returns nil.
func (c *Coordinator) drive(ctx context.Context, t *task.Task) error {
	// A deadline already in the past stops the task before any participant
	// is invoked.
	if deadlinePassed(t) {
		return c.finalize(t, task.StatusCanceled, task.ReasonDeadlineReached)
	}

	if parked, err := c.resumeGuard(t); parked || err != nil {
		return err
	}

	preflightSHA, passed, err := c.preflight(ctx, t)
	if !passed || err != nil {
		return err
	}

	if t.Options.SandboxMode && t.SandboxPath == "" {
		path, err := c.sandboxes.Allocate(ctx, t)
		if err != nil {
			c.logger.Error("sandbox allocation failed",
				zap.String("task_id", t.ID), zap.Error(err))
			return c.finalize(t, task.StatusFailedSystem, task.ReasonSandboxFailed)
		}
		t.SandboxPath = path
		t.SandboxOwned = true
		if err := c.repo.UpdateTaskRuntime(context.Background(), t); err != nil {
			return err
		}
	}

	// Proposal consensus always hands the proposal to the author before any
	// implementation work; the round loop only runs on a later start, after
	// the approval. Self-loop tasks skip the ceremony entirely.
	if !t.Options.SelfLoop && !approvedAlready(t) {
		return c.consensus(ctx, t)
	}
	return c.rounds(ctx, t, preflightSHA)
}

// approvedAlready reports whether the author approved a proposal on an
// earlier run. A revise decision re-enters consensus with the note seeded.
func approvedAlready(t *task.Task) bool {
	return t.Decision != nil && t.Decision.Kind == task.DecisionApprove
}

// consensus runs the proposal machine and maps its outcome onto the status
// graph: a drafted proposal or a stall parks for the author, everything else
// is a system failure.
func (c *Coordinator) consensus(ctx context.Context, t *task.Task) error {
	machine := consensus.NewMachine(c.invoker, c.artifacts, c, c.phaseTimeouts(), c.logger)
	res, err := machine.Run(ctx, t)
	if err != nil {
		return err
	}

	switch res.Reason {
	case task.ReasonAuthorConfirmationRequired,
		task.ReasonConsensusStalledInRound,
		task.ReasonConsensusStalledAcrossRounds:
		return c.park(t, res.Reason)
	case task.ReasonProviderLimit:
		c.sched.ObserveLimit(t.Author.Provider)
	}
	return c.finalize(t, task.StatusFailedSystem, res.Reason)
}

// rounds runs the implementation loop from the first uncompleted round. The
// deadline takes precedence over max_rounds: when evolve_until is set, the
// round budget is not consulted at all.
func (c *Coordinator) rounds(ctx context.Context, t *task.Task, preflightSHA string) error {
	pending, err := consensus.LoadPending(c.artifacts, t.ID)
	if err != nil {
		c.logger.Warn("pending proposal unreadable",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	var required []string
	if pending != nil {
		required = pending.RequiredIDs
	}

	exec := round.NewExecutor(c.invoker, c.artifacts, c.evidence, c, c.workflow(), required, c.logger)
	if seed := proposalSeed(pending); seed != "" {
		exec.SeedHistory([]string{seed})
	}

	for r := t.RoundsCompleted + 1; ; r++ {
		if deadlinePassed(t) {
			return c.finalize(t, task.StatusCanceled, task.ReasonDeadlineReached)
		}
		if t.Options.EvolveUntil == nil && r > t.Options.MaxRounds {
			// Budget exhausted; the last round's gate reason stands.
			return c.finalize(t, task.StatusFailedGate, t.LastGateReason)
		}

		res, err := exec.Run(ctx, t, r)
		if err != nil {
			return err
		}

		t.RoundsCompleted = r
		if err := c.repo.UpdateTaskRuntime(context.Background(), t); err != nil {
			return err
		}

		switch {
		case res.Passed:
			return c.passed(ctx, t, preflightSHA)
		case res.System:
			if res.Reason == task.ReasonProviderLimit {
				c.sched.ObserveLimit(t.Author.Provider)
			}
			return c.finalize(t, task.StatusFailedSystem, res.Reason)
		case res.Reason == task.ReasonLoopNoProgress:
			return c.finalize(t, task.StatusFailedGate, res.Reason)
		}
		t.LastGateReason = res.Reason
	}
}

// passed records the terminal pass, then runs the optional auto-merge. The
// status moves first: a refused or failed merge leaves a passed task whose
// artifacts are still there for a manual promote.
func (c *Coordinator) passed(ctx context.Context, t *task.Task, preflightSHA string) error {
	if err := c.transition(t, task.StatusRunning, task.StatusPassed, ""); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	if t.Options.AutoMerge {
		c.autoMerge(ctx, t, preflightSHA)
	}
	c.terminate(t, "")
	return nil
}

// autoMerge runs the promotion pipeline against the preflight HEAD. Refusals
// are recorded events, not errors; the operator promotes manually once the
// refusal cause is resolved. The generated sandbox is released only after a
// completed merge.
func (c *Coordinator) autoMerge(ctx context.Context, t *task.Task, preflightSHA string) {
	summary, err := c.pipeline.AutoMerge(ctx, t, preflightSHA)
	if err != nil {
		c.logger.Error("auto-merge failed",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	c.Emit(t.ID, task.NewEvent(t.ID, task.EventPromotionGuardChecked, map[string]any{
		"allowed": summary.Ok(),
		"reason":  string(summary.FailureReason()),
	}))
	if summary.Guard.Reason == task.ReasonHeadSHAMismatch {
		c.Emit(t.ID, task.NewEvent(t.ID, task.EventHeadSHAMismatch, map[string]any{
			"expected": preflightSHA,
			"actual":   summary.Guard.HeadSHA,
		}))
	}
	if !summary.Ok() {
		return
	}

	c.Emit(t.ID, task.NewEvent(t.ID, task.EventAutoMergeCompleted, map[string]any{
		"target":          summary.Target,
		"files_written":   len(summary.FilesWritten),
		"files_unchanged": summary.FilesSame,
	}))
	if t.SandboxPath != "" && t.SandboxOwned {
		if err := c.sandboxes.Cleanup(t); err != nil {
			c.logger.Warn("sandbox cleanup failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// proposalSeed condenses the approved proposal into one history line for the
// first round's discussion context.
func proposalSeed(pending *consensus.PendingProposal) string {
	if pending == nil || pending.Proposal == nil {
		return ""
	}
	text := pending.Proposal.Proposal
	if text == "" {
		return ""
	}
	return "approved proposal: " + truncate(text, proposalSeedLimit)
}

// interrupted classifies a drive error: deadline, cooperative cancel,
// force-fail, or broken plumbing. parent is the caller's context, without
// the evolve_until deadline.
func (c *Coordinator) interrupted(parent context.Context, t *task.Task, err error) error {
	switch {
	case errors.Is(err, errSuperseded):
		return nil
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		// evolve_until elapsed mid-run; the parent is still live.
		return c.finalize(t, task.StatusCanceled, task.ReasonDeadlineReached)
	}

	cause := context.Cause(parent)
	switch {
	case errors.Is(cause, ErrForceFailed):
		// ForceFail performed the terminal transition already.
		return nil
	case errors.Is(cause, ErrCancelRequested), errors.Is(err, context.Canceled):
		return c.finalize(t, task.StatusCanceled, t.LastGateReason)
	}

	c.logger.Error("task run failed",
		zap.String("task_id", t.ID), zap.Error(err))
	return c.finalize(t, task.StatusFailedSystem, task.ReasonInternalError)
}

// park moves a running task to waiting_manual and snapshots its state for
// the decision surface.
func (c *Coordinator) park(t *task.Task, reason task.Reason) error {
	if err := c.transition(t, task.StatusRunning, task.StatusWaitingManual, reason); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventQueuedForManual, map[string]any{
		"reason": string(reason),
	}))
	c.writeStateSnapshot(t)
	return nil
}

// finalize moves the task to a terminal status from wherever it currently
// is, then writes the terminal record set.
func (c *Coordinator) finalize(t *task.Task, status task.Status, reason task.Reason) error {
	if err := c.transition(t, t.Status, status, reason); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	if status == task.StatusCanceled {
		c.Emit(t.ID, task.NewEvent(t.ID, task.EventCanceled, map[string]any{
			"reason": string(reason),
		}))
	}
	c.terminate(t, reason)
	return nil
}

// ForceTerminate moves a live task to failed_system without the running
// goroutine's cooperation. The force-fail surface and the watchdog both land
// here; the displaced goroutine sees the conflict and stops quietly.
func (c *Coordinator) ForceTerminate(t *task.Task, reason task.Reason) error {
	if err := c.transition(t, t.Status, task.StatusFailedSystem, reason); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventForceFailed, map[string]any{
		"reason": string(reason),
	}))
	c.terminate(t, reason)
	return nil
}

// CancelIdle cancels a task that has no run goroutine attached: queued or
// waiting_manual. Running tasks cancel through their run context instead. A
// lost compare-and-set is returned (wrapping store.ErrConflict) so the cancel
// and decision surfaces can tell the caller another writer won.
func (c *Coordinator) CancelIdle(t *task.Task, reason task.Reason) error {
	if err := c.transition(t, t.Status, task.StatusCanceled, reason); err != nil {
		return err
	}
	c.FinalizeCanceled(t, reason)
	return nil
}

// FinalizeCanceled writes the cancellation record set for a task whose status
// the caller already moved to canceled: the canceled and terminated events,
// the state snapshot, the final report, and the history entry.
func (c *Coordinator) FinalizeCanceled(t *task.Task, reason task.Reason) {
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventCanceled, map[string]any{
		"reason": string(reason),
	}))
	c.terminate(t, reason)
}

// PromoteRound runs the promotion pipeline for a recorded round against an
// explicit target. Status checks belong to the caller; the pipeline re-runs
// the evidence and promotion guards regardless.
func (c *Coordinator) PromoteRound(ctx context.Context, t *task.Task, round int, target string) (*promote.Summary, error) {
	return c.pipeline.PromoteRound(ctx, t, round, target)
}

// terminate emits the terminated event and writes the terminal records.
// Status is already final here; nothing on this path can move it back.
func (c *Coordinator) terminate(t *task.Task, reason task.Reason) {
	payload := map[string]any{"status": string(t.Status)}
	if reason != "" {
		payload["reason"] = string(reason)
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventTerminated, payload))
	c.writeTerminalRecords(t)
	c.events.Close(t.ID)
}

// transition performs the guarded status move and keeps the in-memory record
// in step. A conflict means another writer won; the caller gets errSuperseded
// and the refreshed record.
func (c *Coordinator) transition(t *task.Task, expect, next task.Status, reason task.Reason) error {
	err := c.repo.UpdateTaskStatusIf(context.Background(), t.ID, expect, next, reason)
	if err == nil {
		t.Status = next
		t.LastGateReason = reason
		if next.IsTerminal() && t.TerminatedAt == nil {
			now := time.Now().UTC()
			t.TerminatedAt = &now
		}
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		if fresh, ferr := c.repo.GetTask(context.Background(), t.ID); ferr == nil {
			*t = *fresh
		}
		return fmt.Errorf("%w: %w", errSuperseded, err)
	}
	return err
}

// Emit fans one event into the repository timeline and the artifact event
// log. Stream chatter stays out of the repository so seq numbers keep
// tracking observable actions; writes use a background context so records
// survive the run's cancellation. Provider-limit classes feed the scheduler
// cooldown regardless of which phase reported them.
func (c *Coordinator) Emit(taskID string, e task.Event) {
	if e.Kind != task.EventParticipantStream {
		if _, err := c.repo.AppendEvent(context.Background(), &e); err != nil {
			c.logger.Warn("event append failed",
				zap.String("task_id", taskID),
				zap.String("kind", string(e.Kind)),
				zap.Error(err))
		}
	}
	if err := c.events.Append(taskID, e); err != nil {
		c.logger.Warn("event log append failed",
			zap.String("task_id", taskID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}

	if class, ok := e.Payload["class"].(string); ok && class == string(gateway.ClassProviderLimit) {
		if p, err := task.ParseParticipant(e.ParticipantID); err == nil {
			c.sched.ObserveLimit(p.Provider)
		}
	}
}

// deadlinePassed reports whether evolve_until is configured and behind us.
func deadlinePassed(t *task.Task) bool {
	return t.Options.EvolveUntil != nil && !time.Now().Before(*t.Options.EvolveUntil)
}

func (c *Coordinator) workflow() *config.WorkflowConfig {
	if c.cfg != nil && c.cfg.Workflow != nil {
		return c.cfg.Workflow
	}
	return &config.WorkflowConfig{}
}

func (c *Coordinator) phaseTimeouts() config.PhaseTimeoutsConfig {
	return c.workflow().PhaseTimeouts
}
