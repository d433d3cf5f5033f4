// Package orchestrator is the public façade over the task lifecycle. It owns
// the run-goroutine registry, the per-task watchdog, and every entry point
// the REST surface exposes: create, start, cancel, force-fail, author
// decisions, round promotion, and event reads.
//
// All status mutations route through the repository compare-and-set, so two
// concurrent decisions on the same task never both succeed; the loser gets
// the conflict back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/coordinator"
	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/promote"
	"github.com/parleyhq/parley/internal/resolver"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// Service wires the coordinator, scheduler, and sandbox manager behind one
// value owned at process init. All methods are safe for concurrent use.
type Service struct {
	repo      store.Repository
	artifacts *artifact.Store
	events    *artifact.EventLog
	coord     *coordinator.Coordinator
	sandboxes *sandbox.Manager
	cfg       *config.Config
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc // task id -> run context cancel
	wg      sync.WaitGroup
}

// New assembles the orchestrator service. invoker is the participant gateway;
// tests substitute a scripted fake.
func New(repo store.Repository, artifacts *artifact.Store, events *artifact.EventLog, invoker coordinator.Invoker, cfg *config.Config, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := scheduler.New(cfg.Scheduler, logger)
	boxes := sandbox.NewManager(cfg.Sandbox, logger)
	return &Service{
		repo:      repo,
		artifacts: artifacts,
		events:    events,
		coord:     coordinator.New(repo, artifacts, events, invoker, sched, boxes, cfg, logger),
		sandboxes: boxes,
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// CreateRequest is the task creation payload. Options should be pre-filled
// with DefaultOptions before decoding so absent fields keep their defaults.
type CreateRequest struct {
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	WorkspacePath   string       `json:"workspace_path"`
	MergeTargetPath string       `json:"merge_target_path,omitempty"`
	Author          string       `json:"author"`
	Reviewers       []string     `json:"reviewers"`
	Options         task.Options `json:"options"`
	AutoStart       bool         `json:"auto_start,omitempty"`
}

// DefaultOptions returns the option set applied when a create request leaves
// fields unset, with workflow-level configuration folded in.
func (s *Service) DefaultOptions() task.Options {
	opts := task.DefaultOptions()
	if w := s.cfg.Workflow; w != nil && w.DefaultMaxRounds != nil {
		opts.MaxRounds = *w.DefaultMaxRounds
	}
	return opts
}

// CreateTask validates the request, fingerprints the workspace, persists the
// task, and records the created event. With AutoStart set the task is also
// started in the background.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	author, err := task.ParseParticipant(strings.TrimSpace(req.Author))
	if err != nil {
		return nil, fmt.Errorf("invalid author: %w", err)
	}
	reviewers := make([]task.Participant, 0, len(req.Reviewers))
	for i, id := range req.Reviewers {
		p, err := task.ParseParticipant(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("invalid reviewer %d: %w", i, err)
		}
		reviewers = append(reviewers, p)
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:              uuid.New().String(),
		Title:           strings.TrimSpace(req.Title),
		Description:     strings.TrimSpace(req.Description),
		WorkspacePath:   req.WorkspacePath,
		MergeTargetPath: req.MergeTargetPath,
		Author:          author,
		Reviewers:       reviewers,
		Options:         req.Options,
		Status:          task.StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	for _, p := range t.Participants() {
		if _, ok := s.cfg.Providers[p.Provider]; !ok {
			return nil, fmt.Errorf("unknown provider %q: declare it under providers in parley.yml", p.Provider)
		}
	}
	if dl := t.Options.EvolveUntil; dl != nil && !dl.After(now) {
		return nil, fmt.Errorf("evolve_until %s is in the past", dl.Format(time.RFC3339))
	}

	fp, err := workspace.Fingerprint(t.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("cannot fingerprint workspace %s: %w", t.WorkspacePath, err)
	}
	t.WorkspaceFingerprint = fp

	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	reviewerIDs := make([]string, len(t.Reviewers))
	for i, r := range t.Reviewers {
		reviewerIDs[i] = r.ID()
	}
	s.coord.Emit(t.ID, task.NewEvent(t.ID, task.EventCreated, map[string]any{
		"title":     t.Title,
		"author":    t.Author.ID(),
		"reviewers": reviewerIDs,
		"workspace": t.WorkspacePath,
	}))

	s.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("title", t.Title),
		zap.String("author", t.Author.ID()))

	if req.AutoStart {
		if err := s.StartTask(ctx, t.ID, true); err != nil {
			return t, fmt.Errorf("task created but start failed: %w", err)
		}
	}
	return t, nil
}

// StartTask launches the run goroutine for a queued task. In background mode
// it returns immediately; otherwise it waits until the run ends (the task
// parked or reached a terminal status). The run outlives the caller's
// context either way; cancellation goes through CancelTask.
func (s *Service) StartTask(ctx context.Context, id string, background bool) error {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusQueued {
		return fmt.Errorf("task %s is %s; only queued tasks can start: %w", t.ID, t.Status, store.ErrConflict)
	}

	done := s.launch(t.ID)
	if background {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch spawns the run goroutine and arms the watchdog. A second launch for
// a task already registered still runs; the scheduler dedups it and records
// the start_deduped event.
func (s *Service) launch(id string) <-chan struct{} {
	runCtx, cancel := context.WithCancelCause(context.Background())
	registered := s.register(id, cancel)

	var watchdog *time.Timer
	if budget := s.watchdogBudget(); budget > 0 && registered {
		watchdog = time.AfterFunc(budget, func() {
			if err := s.ForceFail(context.Background(), id, task.ReasonWatchdogTimeout); err != nil {
				s.logger.Warn("watchdog force-fail failed",
					zap.String("task_id", id), zap.Error(err))
			}
		})
	}

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel(nil)
		if watchdog != nil {
			defer watchdog.Stop()
		}
		if registered {
			defer s.deregister(id)
		}
		if err := s.coord.Run(runCtx, id); err != nil {
			s.logger.Error("task run failed",
				zap.String("task_id", id), zap.Error(err))
		}
	}()
	return done
}

// CancelTask cancels cooperatively. Running tasks get their run context
// canceled and finalize themselves; queued and waiting_manual tasks move
// straight to canceled. Terminal tasks are an error.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s: %w", t.ID, t.Status, store.ErrConflict)
	}

	if t.Status == task.StatusRunning {
		if cancel, ok := s.runningCancel(t.ID); ok {
			cancel(coordinator.ErrCancelRequested)
			return nil
		}
		// Stale running status with no goroutine attached (a crashed
		// process leaves these); fall through to the direct cancel.
	}
	if err := s.coord.CancelIdle(t, t.LastGateReason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("task %s changed status while canceling; re-check and retry", t.ID)
		}
		return err
	}
	return nil
}

// ForceFail terminates non-cooperatively. Terminal tasks are an idempotent
// no-op; queued tasks cannot force-fail because the status graph has no
// queued to failed_system edge.
func (s *Service) ForceFail(ctx context.Context, id string, reason task.Reason) error {
	if reason == "" {
		return fmt.Errorf("force-fail requires a reason")
	}
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if t.Status == task.StatusQueued {
		return fmt.Errorf("task %s is queued; cancel it instead of force-failing: %w", t.ID, store.ErrConflict)
	}

	if err := s.coord.ForceTerminate(t, reason); err != nil {
		return err
	}
	if cancel, ok := s.runningCancel(id); ok {
		cancel(coordinator.ErrForceFailed)
	}
	return nil
}

// DecisionRequest carries an author decision over a parked task.
type DecisionRequest struct {
	Decision  task.DecisionKind `json:"decision"`
	Note      string            `json:"note,omitempty"`
	AutoStart bool              `json:"auto_start,omitempty"`
}

// SubmitAuthorDecision applies an author decision to a waiting_manual task:
// approve re-queues for full execution, reject cancels, revise re-queues and
// seeds the note into the next proposal. The compare-and-set decides between
// concurrent decisions; the loser receives the conflict.
func (s *Service) SubmitAuthorDecision(ctx context.Context, id string, req DecisionRequest) (*task.Task, error) {
	if err := req.Decision.Validate(); err != nil {
		return nil, err
	}
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusWaitingManual {
		return nil, fmt.Errorf("task %s is %s; author decisions apply only to waiting_manual tasks: %w", t.ID, t.Status, store.ErrConflict)
	}

	var next task.Status
	var reason task.Reason
	switch req.Decision {
	case task.DecisionApprove:
		next, reason = task.StatusQueued, task.ReasonAuthorApproved
	case task.DecisionRevise:
		next, reason = task.StatusQueued, task.ReasonAuthorFeedback
	case task.DecisionReject:
		next, reason = task.StatusCanceled, task.ReasonAuthorRejected
	}

	if err := s.repo.UpdateTaskStatusIf(ctx, t.ID, task.StatusWaitingManual, next, reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("a concurrent decision already moved task %s: %w", t.ID, err)
		}
		return nil, err
	}

	t, err = s.repo.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Decision = &task.Decision{Kind: req.Decision, Note: req.Note, Timestamp: time.Now().UTC()}
	if err := s.repo.UpdateTaskRuntime(ctx, t); err != nil {
		return nil, err
	}

	payload := map[string]any{"decision": string(req.Decision)}
	if req.Note != "" {
		payload["note"] = req.Note
	}
	s.coord.Emit(t.ID, task.NewEvent(t.ID, task.EventAuthorDecision, payload))

	if req.Decision == task.DecisionReject {
		s.coord.FinalizeCanceled(t, task.ReasonAuthorRejected)
		return t, nil
	}
	if req.AutoStart {
		if err := s.StartTask(ctx, t.ID, true); err != nil {
			return t, fmt.Errorf("decision recorded but start failed: %w", err)
		}
	}
	return t, nil
}

// PromoteRound writes a recorded round's snapshot into target. Valid only on
// terminal tasks running in candidate mode (max_rounds > 1, auto_merge off);
// the evidence and promotion guards re-run before any file is written. A
// refused promotion returns the summary with its failure reason, not an
// error.
func (s *Service) PromoteRound(ctx context.Context, id string, round int, target string) (*promote.Summary, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s; only finished tasks can promote a round: %w", t.ID, t.Status, store.ErrConflict)
	}
	if t.Options.MaxRounds <= 1 || t.Options.AutoMerge {
		return nil, fmt.Errorf("round promotion requires max_rounds > 1 and auto_merge off")
	}
	if round < 1 || round > t.RoundsCompleted {
		return nil, fmt.Errorf("round %d was never recorded (task completed %d rounds)", round, t.RoundsCompleted)
	}
	if target == "" {
		target = t.MergeTarget()
	}

	summary, err := s.coord.PromoteRound(ctx, t, round, target)
	if err != nil {
		return nil, err
	}
	s.coord.Emit(t.ID, task.NewEvent(t.ID, task.EventPromotionGuardChecked, map[string]any{
		"allowed": summary.Ok(),
		"reason":  string(summary.FailureReason()),
		"round":   round,
		"mode":    "promote_round",
	}))

	// The sandbox has served its purpose once a passed task's candidate is
	// written back; later promotes read round snapshots, not the sandbox.
	if summary.Ok() && t.Status == task.StatusPassed && t.SandboxPath != "" && t.SandboxOwned {
		if err := s.sandboxes.Cleanup(t); err != nil {
			s.logger.Warn("sandbox cleanup failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return summary, nil
}

// GetEvents reads a task's event timeline, falling back to the artifact
// event log when the repository has no rows for the task.
func (s *Service) GetEvents(ctx context.Context, id string, crit *filter.Criteria) ([]task.Event, error) {
	events, err := s.repo.ListEvents(ctx, id, crit)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}

	replayed, err := s.events.Read(id)
	if err != nil {
		return nil, err
	}
	if crit == nil || !crit.HasFilters() {
		return replayed, nil
	}
	var out []task.Event
	for i := range replayed {
		if crit.Matches(&replayed[i]) {
			out = append(out, replayed[i])
		}
	}
	return out, nil
}

// GetTask fetches one task by full id.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// ListTasks returns tasks newest-first; limit <= 0 returns all.
func (s *Service) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.repo.ListTasks(ctx, limit)
}

// ResolveTaskID expands a short id prefix to the full task UUID.
func (s *Service) ResolveTaskID(ctx context.Context, idOrPrefix string) (string, error) {
	return resolver.ResolveTaskID(ctx, s.repo, idOrPrefix)
}

// History returns project-history entries, newest-first. An empty project
// returns entries for every project.
func (s *Service) History(ctx context.Context, project string) ([]store.HistoryEntry, error) {
	return s.repo.QueryHistory(ctx, project)
}

// ClearHistory removes a project's history entries and reports the count.
func (s *Service) ClearHistory(ctx context.Context, project string) (int, error) {
	return s.repo.ClearHistory(ctx, project)
}

// Ping verifies storage connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Artifacts exposes the artifact store for read-only surfaces (summaries,
// workspace trees).
func (s *Service) Artifacts() *artifact.Store {
	return s.artifacts
}

// Shutdown cancels every running task cooperatively and waits for the run
// goroutines to finish or the context to expire, then releases event log
// handles.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, cancel := range s.running {
		s.logger.Info("canceling task for shutdown", zap.String("task_id", id))
		cancel(coordinator.ErrCancelRequested)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
	s.events.CloseAll()
	return nil
}

func (s *Service) watchdogBudget() time.Duration {
	if s.cfg.Workflow == nil {
		return 0
	}
	return s.cfg.Workflow.GetWatchdogBudget()
}

func (s *Service) register(id string, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = cancel
	return true
}

func (s *Service) deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *Service) runningCancel(id string) (context.CancelCauseFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[id]
	return cancel, ok
}
