package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

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

// passingRound scripts one clean implementation round.
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

// consensusScript additionally answers the proposal ceremony, so tasks that
// are not self-loop reach consensus on their first start and park.
func consensusScript(call gateway.Call, _ int) gateway.Outcome {
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
}

type fixture struct {
	repo      store.Repository
	artifacts *artifact.Store
	inv       *fakeInvoker
	svc       *Service
}

func newFixture(t *testing.T, script func(call gateway.Call, nth int) gateway.Outcome, cfgMut ...func(*config.Config)) *fixture {
	t.Helper()
	logger := zap.NewNop()

	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "parley.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	artifacts, err := artifact.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	events := artifact.NewEventLog(artifacts, logger)

	cfg := config.Default()
	cfg.Sandbox.Base = t.TempDir()
	cfg.Scheduler.StartRetryBackoff = "20ms"
	for _, mut := range cfgMut {
		mut(cfg)
	}

	inv := &fakeInvoker{script: script}
	svc := New(repo, artifacts, events, inv, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
	})

	return &fixture{repo: repo, artifacts: artifacts, inv: inv, svc: svc}
}

// taskRequest builds a create request over a seeded throwaway workspace. The
// defaults keep runs lean: no sandbox, no debate, a single round, and a
// verification command that always succeeds.
func taskRequest(t *testing.T, svc *Service, mutate func(*CreateRequest)) CreateRequest {
	t.Helper()
	dir := t.TempDir()
	seedWorkspace(t, dir)
	req := CreateRequest{
		Title:         "harden the retry loop",
		Description:   "bound retries and surface the terminal error",
		WorkspacePath: dir,
		Author:        "claude#author",
		Reviewers:     []string{"codex#critic", "gemini#second"},
		Options:       svc.DefaultOptions(),
	}
	req.Options.SandboxMode = false
	req.Options.DebateMode = false
	req.Options.MaxRounds = 1
	req.Options.TestCommand = "true"
	if mutate != nil {
		mutate(&req)
	}
	return req
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

func getTask(t *testing.T, fx *fixture, id string) *task.Task {
	t.Helper()
	got, err := fx.svc.GetTask(context.Background(), id)
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

func indexOf(kinds []task.EventKind, kind task.EventKind) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func waitStatus(t *testing.T, fx *fixture, id string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if getTask(t, fx, id).Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
}

// blockImplementation holds the implementation phase open until the run
// context dies, so tests can catch the task mid-flight.
func blockImplementation(fx *fixture) {
	fx.inv.gate = func(ctx context.Context, call gateway.Call) {
		if call.Phase == prompt.PhaseImplementation {
			<-ctx.Done()
		}
	}
}

func TestCreateTaskPersistsAndEmits(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()

	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	assert.Len(t, created.ID, 36, "ids are full uuids")
	assert.Equal(t, task.StatusQueued, created.Status)
	assert.Equal(t, "claude#author", created.Author.ID())
	assert.NotEmpty(t, created.WorkspaceFingerprint)

	stored := getTask(t, fx, created.ID)
	assert.Equal(t, created.Title, stored.Title)
	assert.Equal(t, created.WorkspaceFingerprint, stored.WorkspaceFingerprint)

	assert.Contains(t, eventKinds(t, fx.repo, created.ID), task.EventCreated)
	assert.Zero(t, fx.inv.callCount(), "creation never invokes a participant")
}

func TestDefaultOptionsFollowWorkflowConfig(t *testing.T) {
	five := 5
	fx := newFixture(t, passingRound, func(cfg *config.Config) {
		cfg.Workflow.DefaultMaxRounds = &five
	})

	opts := fx.svc.DefaultOptions()
	assert.Equal(t, 5, opts.MaxRounds)
	assert.True(t, opts.SandboxMode)
	assert.True(t, opts.DebateMode)
}

func TestCreateTaskRejectsInvalidRequests(t *testing.T) {
	fx := newFixture(t, passingRound)
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr string
	}{
		{"empty title", func(r *CreateRequest) { r.Title = "" }, "title cannot be empty"},
		{"malformed author", func(r *CreateRequest) { r.Author = "Claude#author" }, "invalid author"},
		{"malformed reviewer", func(r *CreateRequest) { r.Reviewers = []string{"codex"} }, "invalid reviewer 0"},
		{"duplicate reviewer", func(r *CreateRequest) { r.Reviewers = []string{"codex#critic", "codex#critic"} }, "duplicate participant"},
		{"no reviewers", func(r *CreateRequest) { r.Reviewers = nil }, "at least one reviewer"},
		{"unknown provider", func(r *CreateRequest) { r.Reviewers = []string{"cursor#critic"} }, `unknown provider "cursor"`},
		{"zero rounds", func(r *CreateRequest) { r.Options.MaxRounds = 0 }, "max_rounds must be 1..20"},
		{"deadline in the past", func(r *CreateRequest) { r.Options.EvolveUntil = &past }, "in the past"},
		{"missing workspace", func(r *CreateRequest) { r.WorkspacePath = filepath.Join(t.TempDir(), "gone") }, "cannot fingerprint workspace"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.CreateTask(context.Background(), taskRequest(t, fx.svc, tc.mutate))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCreateTaskAutoStartRunsToPassed(t *testing.T) {
	fx := newFixture(t, passingRound)

	created, err := fx.svc.CreateTask(context.Background(), taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
		r.AutoStart = true
	}))
	require.NoError(t, err)

	waitStatus(t, fx, created.ID, task.StatusPassed)
	assert.Contains(t, eventKinds(t, fx.repo, created.ID), task.EventStarted)
}

func TestStartTaskSyncRunsToTerminal(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()

	_, err := fx.svc.GetTask(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, store.ErrNotFound)

	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	got := getTask(t, fx, created.ID)
	assert.Equal(t, task.StatusPassed, got.Status)
	assert.Equal(t, 1, got.RoundsCompleted)
	require.NotNil(t, got.TerminatedAt)

	err = fx.svc.StartTask(ctx, created.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only queued tasks can start")

	entries, err := fx.svc.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	n, err := fx.svc.ClearHistory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelRunningTask(t *testing.T) {
	fx := newFixture(t, passingRound)
	blockImplementation(fx)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, true))
	waitStatus(t, fx, created.ID, task.StatusRunning)

	require.NoError(t, fx.svc.CancelTask(ctx, created.ID))
	waitStatus(t, fx, created.ID, task.StatusCanceled)

	got := getTask(t, fx, created.ID)
	require.NotNil(t, got.TerminatedAt)

	kinds := eventKinds(t, fx.repo, created.ID)
	assert.Contains(t, kinds, task.EventCanceled)
	assert.Equal(t, 1, countKind(kinds, task.EventTerminated))

	err = fx.svc.CancelTask(ctx, created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already canceled")
}

func TestCancelQueuedTask(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	require.NoError(t, fx.svc.CancelTask(ctx, created.ID))

	assert.Equal(t, task.StatusCanceled, getTask(t, fx, created.ID).Status)
	kinds := eventKinds(t, fx.repo, created.ID)
	assert.Contains(t, kinds, task.EventCanceled)
	assert.Contains(t, kinds, task.EventTerminated)
	assert.Zero(t, fx.inv.callCount())
}

func TestForceFailGuards(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	err = fx.svc.ForceFail(ctx, created.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a reason")

	err = fx.svc.ForceFail(ctx, created.ID, task.ReasonWatchdogTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel it instead")

	require.NoError(t, fx.svc.CancelTask(ctx, created.ID))
	require.NoError(t, fx.svc.ForceFail(ctx, created.ID, task.ReasonWatchdogTimeout),
		"force-fail on a finished task is an idempotent no-op")
	assert.Equal(t, task.StatusCanceled, getTask(t, fx, created.ID).Status)
}

func TestForceFailRunningTask(t *testing.T) {
	fx := newFixture(t, passingRound)
	blockImplementation(fx)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, true))
	waitStatus(t, fx, created.ID, task.StatusRunning)

	require.NoError(t, fx.svc.ForceFail(ctx, created.ID, task.ReasonWatchdogTimeout))
	waitStatus(t, fx, created.ID, task.StatusFailedSystem)

	assert.Equal(t, task.ReasonWatchdogTimeout, getTask(t, fx, created.ID).LastGateReason)

	kinds := eventKinds(t, fx.repo, created.ID)
	assert.Equal(t, 1, countKind(kinds, task.EventForceFailed))
	assert.Equal(t, 1, countKind(kinds, task.EventTerminated), "the displaced runner must not double-terminate")
}

func TestWatchdogForceFailsOverBudget(t *testing.T) {
	fx := newFixture(t, passingRound, func(cfg *config.Config) {
		cfg.Workflow.WatchdogBudget = "250ms"
	})
	blockImplementation(fx)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, true))
	waitStatus(t, fx, created.ID, task.StatusRunning)

	waitStatus(t, fx, created.ID, task.StatusFailedSystem)
	assert.Equal(t, task.ReasonWatchdogTimeout, getTask(t, fx, created.ID).LastGateReason)
	assert.Contains(t, eventKinds(t, fx.repo, created.ID), task.EventForceFailed)
}

func TestAuthorDecisionApproveRunsRounds(t *testing.T) {
	fx := newFixture(t, consensusScript)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	// First start: proposal consensus, then the park for the author.
	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	parked := getTask(t, fx, created.ID)
	assert.Equal(t, task.StatusWaitingManual, parked.Status)
	assert.Equal(t, task.ReasonAuthorConfirmationRequired, parked.LastGateReason)

	decided, err := fx.svc.SubmitAuthorDecision(ctx, created.ID, DecisionRequest{Decision: task.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, decided.Status)
	require.NotNil(t, decided.Decision)
	assert.Equal(t, task.DecisionApprove, decided.Decision.Kind)

	got := getTask(t, fx, created.ID)
	assert.Equal(t, task.ReasonAuthorApproved, got.LastGateReason)
	require.NotNil(t, got.Decision, "the decision survives the round-trip")

	// Second start: straight into rounds, no second proposal.
	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	assert.Equal(t, task.StatusPassed, getTask(t, fx, created.ID).Status)
	require.Len(t, fx.inv.promptsFor(prompt.PhaseProposal), 1, "approval must not re-run consensus")
	assert.Contains(t, eventKinds(t, fx.repo, created.ID), task.EventAuthorDecision)
}

func TestAuthorDecisionRejectCancels(t *testing.T) {
	fx := newFixture(t, consensusScript)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	_, err = fx.svc.SubmitAuthorDecision(ctx, created.ID, DecisionRequest{Decision: task.DecisionKind("ship")})
	require.Error(t, err, "unknown decision kinds are rejected up front")

	_, err = fx.svc.SubmitAuthorDecision(ctx, created.ID, DecisionRequest{Decision: task.DecisionReject})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "author decisions apply only to waiting_manual")

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	decided, err := fx.svc.SubmitAuthorDecision(ctx, created.ID, DecisionRequest{
		Decision: task.DecisionReject,
		Note:     "not worth the churn",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, decided.Status)

	got := getTask(t, fx, created.ID)
	assert.Equal(t, task.ReasonAuthorRejected, got.LastGateReason)
	require.NotNil(t, got.TerminatedAt)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "not worth the churn", got.Decision.Note)

	kinds := eventKinds(t, fx.repo, created.ID)
	assert.Contains(t, kinds, task.EventCanceled)
	assert.Contains(t, kinds, task.EventTerminated)
	assert.Less(t, indexOf(kinds, task.EventAuthorDecision), indexOf(kinds, task.EventCanceled),
		"the decision is recorded before the cancellation")
}

func TestAuthorDecisionReviseReentersConsensus(t *testing.T) {
	fx := newFixture(t, consensusScript)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, nil))
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	decided, err := fx.svc.SubmitAuthorDecision(ctx, created.ID, DecisionRequest{
		Decision: task.DecisionRevise,
		Note:     "tighten the backoff curve instead",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, decided.Status)
	assert.Equal(t, task.ReasonAuthorFeedback, getTask(t, fx, created.ID).LastGateReason)

	// The revision loops back through consensus with the note seeded, then
	// parks for approval again.
	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	assert.Equal(t, task.StatusWaitingManual, getTask(t, fx, created.ID).Status)
	proposals := fx.inv.promptsFor(prompt.PhaseProposal)
	require.Len(t, proposals, 2)
	assert.Contains(t, proposals[1], "asked for revisions: tighten the backoff curve instead")
}

func TestPromoteRoundWritesSnapshotIntoTarget(t *testing.T) {
	var workRoot string
	fx := newFixture(t, func(call gateway.Call, nth int) gateway.Outcome {
		if call.Phase == prompt.PhaseImplementation {
			path := filepath.Join(workRoot, "client", "jitter.go")
			if err := os.WriteFile(path, []byte("package client\n\nconst maxJitter = 3\n"), 0o644); err != nil {
				return gateway.Outcome{Class: gateway.ClassRuntimeError, Stderr: err.Error()}
			}
			return okOut("Added jitter bounds.\nEVIDENCE: client/jitter.go")
		}
		return passingRound(call, nth)
	})
	ctx := context.Background()

	req := taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
		r.Options.MaxRounds = 2 // candidate mode: rounds leave promotable snapshots
	})
	workRoot = req.WorkspacePath
	created, err := fx.svc.CreateTask(ctx, req)
	require.NoError(t, err)

	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))
	got := getTask(t, fx, created.ID)
	require.Equal(t, task.StatusPassed, got.Status)
	require.Equal(t, 1, got.RoundsCompleted)

	target := initRepo(t)
	summary, err := fx.svc.PromoteRound(ctx, created.ID, 1, target)
	require.NoError(t, err)
	assert.True(t, summary.Ok())
	assert.Contains(t, summary.FilesWritten, "client/jitter.go")
	assert.Equal(t, 1, summary.FilesSame, "the unchanged seed file is not rewritten")

	data, err := os.ReadFile(filepath.Join(target, "client", "jitter.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "maxJitter")

	assert.True(t, fx.artifacts.Exists(created.ID, artifact.PromoteSummary(1)))
	assert.Contains(t, eventKinds(t, fx.repo, created.ID), task.EventPromotionGuardChecked)

	_, err = fx.svc.PromoteRound(ctx, created.ID, 2, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never recorded")
}

func TestPromoteRoundGuards(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()

	queued, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.MaxRounds = 2
	}))
	require.NoError(t, err)
	_, err = fx.svc.PromoteRound(ctx, queued.ID, 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only finished tasks")

	single, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)
	require.NoError(t, fx.svc.StartTask(ctx, single.ID, false))
	_, err = fx.svc.PromoteRound(ctx, single.ID, 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_rounds > 1")
}

func TestGetEventsFallsBackToArtifactLog(t *testing.T) {
	fx := newFixture(t, passingRound)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)
	require.NoError(t, fx.svc.StartTask(ctx, created.ID, false))

	fromRepo, err := fx.svc.GetEvents(ctx, created.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, fromRepo)

	// Repository rows gone (retention sweep, backend swap); the artifact log
	// still replays the full timeline.
	require.NoError(t, fx.repo.DeleteTask(ctx, created.ID))

	replayed, err := fx.svc.GetEvents(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, replayed, len(fromRepo))
	assert.Equal(t, task.EventCreated, replayed[0].Kind)
	assert.Equal(t, task.EventTerminated, replayed[len(replayed)-1].Kind)

	gates, err := fx.svc.GetEvents(ctx, created.ID, &filter.Criteria{KindGlob: "gate_*"})
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, task.EventGateDecision, gates[0].Kind)
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	fx := newFixture(t, passingRound)
	blockImplementation(fx)
	ctx := context.Background()
	created, err := fx.svc.CreateTask(ctx, taskRequest(t, fx.svc, func(r *CreateRequest) {
		r.Options.SelfLoop = true
	}))
	require.NoError(t, err)
	require.NoError(t, fx.svc.StartTask(ctx, created.ID, true))
	waitStatus(t, fx, created.ID, task.StatusRunning)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, fx.svc.Shutdown(shutdownCtx))

	assert.Equal(t, task.StatusCanceled, getTask(t, fx, created.ID).Status)
}
