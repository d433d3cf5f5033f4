package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// fakeInvoker scripts gateway outcomes per phase and per nth call of that
// phase for a given participant. gate, when set, runs before the script and
// lets tests hold a phase open until its context dies.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []gateway.Call
	counts map[string]int
	script func(call gateway.Call, nth int) gateway.Outcome
	gate   func(ctx context.Context, call gateway.Call)
}

func (f *fakeInvoker) Invoke(ctx context.Context, call gateway.Call) gateway.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	key := call.Phase + "|" + call.Participant.ID()
	f.counts[key]++
	nth := f.counts[key]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		gate(ctx, call)
	}
	return f.script(call, nth)
}

func (f *fakeInvoker) promptsFor(phase string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Phase == phase {
			out = append(out, c.Prompt)
		}
	}
	return out
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okOut(stdout string) gateway.Outcome {
	return gateway.Outcome{Class: gateway.ClassOk, Stdout: stdout}
}

func clearVerdict() string {
	return `{"verdict": "no_blocker", "reason": "looks good"}`
}

func blockerVerdict(id, detail string) string {
	return fmt.Sprintf(`{"verdict": "blocker", "issues": [{"issue_id": %q, "detail": %q}]}`, id, detail)
}

// passingRound scripts one clean implementation round: a plan, an
// implementation with evidence, clear reviews.
func passingRound(call gateway.Call, _ int) gateway.Outcome {
	switch call.Phase {
	case prompt.PhaseDiscussion:
		return okOut("plan: cap the retry budget and add jitter")
	case prompt.PhaseImplementation:
		return okOut("Capped retries at three with jitter.\nEVIDENCE: client/retry.go")
	default:
		return okOut(clearVerdict())
	}
}

type fixture struct {
	repo      store.Repository
	artifacts *artifact.Store
	inv       *fakeInvoker
	sched     *scheduler.Scheduler
	coord     *Coordinator
}

func newFixture(t *testing.T, script func(call gateway.Call, nth int) gateway.Outcome) *fixture {
	t.Helper()
	logger := zap.NewNop()

	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "parley.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	artifacts, err := artifact.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	events := artifact.NewEventLog(artifacts, logger)
	t.Cleanup(events.CloseAll)

	inv := &fakeInvoker{script: script}
	sched := scheduler.New(&config.SchedulerConfig{StartRetryBackoff: "20ms"}, logger)
	boxes := sandbox.NewManager(&config.SandboxConfig{Base: t.TempDir()}, logger)
	cfg := &config.Config{Workflow: &config.WorkflowConfig{}}

	return &fixture{
		repo:      repo,
		artifacts: artifacts,
		inv:       inv,
		sched:     sched,
		coord:     New(repo, artifacts, events, inv, sched, boxes, cfg, logger),
	}
}

// coordTask builds a queued task over a seeded throwaway workspace. The
// defaults keep rounds lean: no sandbox, no debate, a verification command
// that always succeeds.
func coordTask(t *testing.T, mutate func(*task.Task)) *task.Task {
	t.Helper()
	dir := t.TempDir()
	seedWorkspace(t, dir)
	now := time.Now().UTC()
	tk := &task.Task{
		ID:            uuid.New().String(),
		Title:         "harden the retry loop",
		Description:   "bound retries and surface the terminal error",
		WorkspacePath: dir,
		Author:        task.Participant{Provider: task.ProviderClaude, Alias: "author"},
		Reviewers: []task.Participant{
			{Provider: task.ProviderCodex, Alias: "critic"},
			{Provider: task.ProviderGemini, Alias: "second"},
		},
		Options:   task.DefaultOptions(),
		Status:    task.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tk.Options.SandboxMode = false
	tk.Options.DebateMode = false
	tk.Options.TestCommand = "true"
	if mutate != nil {
		mutate(tk)
	}
	return tk
}

func seedWorkspace(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "client"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client", "retry.go"), []byte("package client\n"), 0o644))
}

// initRepo creates a git repository holding the seeded workspace files, all
// committed, and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available on PATH")
	}

	dir := t.TempDir()
	seedWorkspace(t, dir)
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func getTask(t *testing.T, repo store.Repository, id string) *task.Task {
	t.Helper()
	got, err := repo.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func eventKinds(t *testing.T, repo store.Repository, id string) []task.EventKind {
	t.Helper()
	events, err := repo.ListEvents(context.Background(), id, nil)
	require.NoError(t, err)
	out := make([]task.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func countKind(kinds []task.EventKind, kind task.EventKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func waitStatus(t *testing.T, repo store.Repository, id string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if getTask(t, repo, id).Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
}

func waitEvent(t *testing.T, repo store.Repository, id string, kind task.EventKind) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countKind(eventKinds(t, repo, id), kind) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never recorded a %s event", id, kind)
}

func TestRunSelfLoopTaskPasses(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.MaxRounds = 1
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusPassed, got.Status)
	assert.Empty(t, got.LastGateReason)
	assert.Equal(t, 1, got.RoundsCompleted)
	require.NotNil(t, got.TerminatedAt)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventStarted)
	assert.Contains(t, kinds, task.EventPreflightRiskGate)
	assert.Contains(t, kinds, task.EventGateDecision)
	assert.Contains(t, kinds, task.EventTerminated)

	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.StateSnapshot))
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.FinalReport))
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.PreflightGate))

	entries, err := fx.repo.QueryHistory(context.Background(), workspace.Slug(tk.WorkspacePath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.StatusPassed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Revisions)
}

func TestRunConsensusParksThenApprovalRunsRounds(t *testing.T) {
	fx := newFixture(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhaseProposal:
			return okOut(`{"proposal": "cap retries at three and add jitter"}`)
		case prompt.PhaseDiscussion:
			return okOut("plan: follow the approved proposal")
		case prompt.PhaseImplementation:
			return okOut("Done as proposed.\nEVIDENCE: client/retry.go")
		default:
			return okOut(clearVerdict())
		}
	})
	tk := coordTask(t, func(tk *task.Task) { tk.Options.MaxRounds = 1 })
	ctx := context.Background()
	require.NoError(t, fx.repo.CreateTask(ctx, tk))

	// First start: consensus reaches agreement and parks for the author.
	require.NoError(t, fx.coord.Run(ctx, tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusWaitingManual, got.Status)
	assert.Equal(t, task.ReasonAuthorConfirmationRequired, got.LastGateReason)
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.PendingProposal))
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.StateSnapshot))
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventQueuedForManual)
	require.Len(t, fx.inv.promptsFor(prompt.PhaseProposal), 1)

	// Approve and requeue the way the decision surface does.
	require.NoError(t, fx.repo.UpdateTaskStatusIf(ctx, tk.ID,
		task.StatusWaitingManual, task.StatusQueued, task.ReasonAuthorApproved))
	approved := getTask(t, fx.repo, tk.ID)
	approved.Decision = &task.Decision{Kind: task.DecisionApprove, Timestamp: time.Now().UTC()}
	require.NoError(t, fx.repo.UpdateTaskRuntime(ctx, approved))

	// Second start: straight into rounds, no second proposal.
	require.NoError(t, fx.coord.Run(ctx, tk.ID))

	got = getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusPassed, got.Status)
	assert.Equal(t, 1, got.RoundsCompleted)
	require.Len(t, fx.inv.promptsFor(prompt.PhaseProposal), 1, "approval must not re-run consensus")

	discussions := fx.inv.promptsFor(prompt.PhaseDiscussion)
	require.Len(t, discussions, 1)
	assert.Contains(t, discussions[0], "approved proposal:", "round context carries the approved plan")
}

func TestRunResumeGuardParksOnDrift(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.SandboxMode = true
	})
	fp, err := workspace.Fingerprint(tk.WorkspacePath)
	require.NoError(t, err)
	tk.WorkspaceFingerprint = fp
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	// The tree drifts between create and start.
	require.NoError(t, os.WriteFile(filepath.Join(tk.WorkspacePath, "drift.go"), []byte("package client\n"), 0o644))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusWaitingManual, got.Status)
	assert.Equal(t, task.ReasonResumeGuardMismatch, got.LastGateReason)
	assert.Empty(t, got.SandboxPath, "no sandbox on the mismatch path")
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.ResumeGuard))
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventWorkspaceResumeGuard)
	assert.Zero(t, fx.inv.callCount(), "no participant runs against a drifted tree")
}

func TestRunPreflightFailsOnMissingWorkspace(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.WorkspacePath = filepath.Join(t.TempDir(), "missing")
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusFailedGate, got.Status)
	assert.Equal(t, task.ReasonPreflightRiskGateFailed, got.LastGateReason)
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.PreflightGate))
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventPreflightRiskGate)
	assert.Zero(t, fx.inv.callCount())
}

func TestRunSandboxModeAllocatesAndKeepsSandbox(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.SandboxMode = true
		tk.Options.MaxRounds = 1
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusPassed, got.Status)
	require.NotEmpty(t, got.SandboxPath)
	assert.True(t, got.SandboxOwned)
	// No auto-merge ran, so the sandbox stays for a manual promote.
	info, err := os.Stat(got.SandboxPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunAutoMergeInPlace(t *testing.T) {
	repoDir := initRepo(t)
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.AutoMerge = true
		tk.Options.MaxRounds = 1
		tk.WorkspacePath = repoDir
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusPassed, got.Status)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventPromotionGuardChecked)
	assert.Contains(t, kinds, task.EventAutoMergeCompleted)
	assert.NotContains(t, kinds, task.EventHeadSHAMismatch)
	assert.True(t, fx.artifacts.Exists(tk.ID, artifact.AutoMergeSummary))
}

func TestRunAutoMergeRefusedWhenHeadMoves(t *testing.T) {
	repoDir := initRepo(t)
	fx := newFixture(t, func(call gateway.Call, nth int) gateway.Outcome {
		if call.Phase == prompt.PhaseImplementation {
			// The target moves underneath the task mid-round.
			cmd := exec.Command("git", "commit", "--allow-empty", "-m", "unrelated work")
			cmd.Dir = repoDir
			if out, err := cmd.CombinedOutput(); err != nil {
				return gateway.Outcome{Class: gateway.ClassRuntimeError, Stderr: string(out)}
			}
			return okOut("Capped retries at three with jitter.\nEVIDENCE: client/retry.go")
		}
		return passingRound(call, nth)
	})
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.AutoMerge = true
		tk.Options.MaxRounds = 1
		tk.WorkspacePath = repoDir
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusPassed, got.Status, "a refused merge does not demote the pass")

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventHeadSHAMismatch)
	assert.NotContains(t, kinds, task.EventAutoMergeCompleted)
}

func TestRunDeadlineAlreadyPassed(t *testing.T) {
	fx := newFixture(t, passingRound)
	past := time.Now().Add(-time.Hour)
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.EvolveUntil = &past
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusCanceled, got.Status)
	assert.Equal(t, task.ReasonDeadlineReached, got.LastGateReason)
	assert.Zero(t, fx.inv.callCount(), "no participant call after the deadline")
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventTerminated)
}

func TestRunMaxRoundsExhausted(t *testing.T) {
	fx := newFixture(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhaseDiscussion:
			return okOut("plan: same approach")
		case prompt.PhaseImplementation:
			return okOut("Same change again.\nEVIDENCE: client/retry.go")
		case prompt.PhaseReview:
			if call.Participant.Alias == "critic" {
				return okOut(blockerVerdict("ISSUE-race", "unlocked map write"))
			}
			return okOut(clearVerdict())
		default:
			return okOut(clearVerdict())
		}
	})
	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.MaxRounds = 2
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusFailedGate, got.Status)
	assert.Equal(t, task.ReasonReviewBlocker, got.LastGateReason)
	assert.Equal(t, 2, got.RoundsCompleted)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Equal(t, 2, countKind(kinds, task.EventGateDecision))

	entries, err := fx.repo.QueryHistory(context.Background(), workspace.Slug(tk.WorkspacePath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Revisions)
	assert.Equal(t, 2, entries[0].Disputes)
	assert.NotEmpty(t, entries[0].NextSteps)
}

func TestRunStartDeduped(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, func(tk *task.Task) { tk.Options.SelfLoop = true })
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	// A start for the same task is already holding its slot.
	adm := fx.sched.Admit(tk)
	require.True(t, adm.Granted)
	defer fx.sched.Done(tk.ID)

	require.NoError(t, fx.coord.Run(context.Background(), tk.ID))

	assert.Equal(t, task.StatusQueued, getTask(t, fx.repo, tk.ID).Status)
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventStartDeduped)
	assert.Zero(t, fx.inv.callCount())
}

func TestRunDeferredUntilSlotFrees(t *testing.T) {
	fx := newFixture(t, passingRound)
	other := coordTask(t, nil)
	adm := fx.sched.Admit(other)
	require.True(t, adm.Granted)

	tk := coordTask(t, func(tk *task.Task) {
		tk.Options.SelfLoop = true
		tk.Options.MaxRounds = 1
	})
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	done := make(chan error, 1)
	go func() { done <- fx.coord.Run(context.Background(), tk.ID) }()

	waitEvent(t, fx.repo, tk.ID, task.EventStartDeferred)
	fx.sched.Done(other.ID)

	require.NoError(t, <-done)
	assert.Equal(t, task.StatusPassed, getTask(t, fx.repo, tk.ID).Status)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventStartDeferred)
	assert.Contains(t, kinds, task.EventStarted)
}

func TestRunCooperativeCancel(t *testing.T) {
	fx := newFixture(t, passingRound)
	fx.inv.gate = func(ctx context.Context, call gateway.Call) {
		if call.Phase == prompt.PhaseImplementation {
			<-ctx.Done()
		}
	}
	tk := coordTask(t, func(tk *task.Task) { tk.Options.SelfLoop = true })
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	done := make(chan error, 1)
	go func() { done <- fx.coord.Run(ctx, tk.ID) }()

	waitStatus(t, fx.repo, tk.ID, task.StatusRunning)
	cancel(ErrCancelRequested)

	require.NoError(t, <-done)
	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusCanceled, got.Status)
	require.NotNil(t, got.TerminatedAt)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventCanceled)
	assert.Equal(t, 1, countKind(kinds, task.EventTerminated))
}

func TestForceTerminateWinsOverRunner(t *testing.T) {
	fx := newFixture(t, passingRound)
	fx.inv.gate = func(ctx context.Context, call gateway.Call) {
		if call.Phase == prompt.PhaseImplementation {
			<-ctx.Done()
		}
	}
	tk := coordTask(t, func(tk *task.Task) { tk.Options.SelfLoop = true })
	ctx := context.Background()
	require.NoError(t, fx.repo.CreateTask(ctx, tk))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan error, 1)
	go func() { done <- fx.coord.Run(runCtx, tk.ID) }()

	waitStatus(t, fx.repo, tk.ID, task.StatusRunning)
	require.NoError(t, fx.coord.ForceTerminate(getTask(t, fx.repo, tk.ID), task.ReasonWatchdogTimeout))
	cancel(ErrForceFailed)

	require.NoError(t, <-done)
	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusFailedSystem, got.Status)
	assert.Equal(t, task.ReasonWatchdogTimeout, got.LastGateReason)

	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Equal(t, 1, countKind(kinds, task.EventForceFailed))
	assert.Equal(t, 1, countKind(kinds, task.EventTerminated), "the displaced runner must not double-terminate")
}

func TestCancelIdleQueuedTask(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, nil)
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	require.NoError(t, fx.coord.CancelIdle(tk, ""))

	got := getTask(t, fx.repo, tk.ID)
	assert.Equal(t, task.StatusCanceled, got.Status)
	kinds := eventKinds(t, fx.repo, tk.ID)
	assert.Contains(t, kinds, task.EventCanceled)
	assert.Contains(t, kinds, task.EventTerminated)
}

func TestEmitObservesProviderLimit(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, nil)
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	e := task.NewEvent(tk.ID, task.EventReviewError, map[string]any{
		"class": string(gateway.ClassProviderLimit),
	}).WithParticipant("codex#critic")
	fx.coord.Emit(tk.ID, e)

	assert.True(t, fx.sched.Cooling("codex"))
	assert.Contains(t, eventKinds(t, fx.repo, tk.ID), task.EventReviewError)
}

func TestEmitKeepsStreamOutOfRepository(t *testing.T) {
	fx := newFixture(t, passingRound)
	tk := coordTask(t, nil)
	require.NoError(t, fx.repo.CreateTask(context.Background(), tk))

	fx.coord.Emit(tk.ID, task.NewEvent(tk.ID, task.EventParticipantStream, map[string]any{
		"chunk": "thinking...",
	}))

	events, err := fx.repo.ListEvents(context.Background(), tk.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, events, "stream chatter must not consume seq numbers")
}
