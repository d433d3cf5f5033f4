package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/task"
)

// fakeInvoker scripts gateway outcomes per phase and per nth call of that
// phase for a given participant.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []gateway.Call
	counts map[string]int
	script func(call gateway.Call, nth int) gateway.Outcome
}

func (f *fakeInvoker) Invoke(_ context.Context, call gateway.Call) gateway.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	key := call.Phase + "|" + call.Participant.ID()
	f.counts[key]++
	nth := f.counts[key]
	f.mu.Unlock()
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

type eventCollector struct {
	mu     sync.Mutex
	events []task.Event
}

func (c *eventCollector) Emit(_ string, e task.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) kinds() []task.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]task.EventKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
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

func unresolvedVerdict(id string) string {
	return fmt.Sprintf(`{"verdict": "blocker", "issue_checks": [{"issue_id": %q, "resolved": false, "note": "still present"}]}`, id)
}

func replyAccepting(ids ...string) string {
	r := Reply{Proposal: "answering the contract in full"}
	for _, id := range ids {
		r.IssueResponses = append(r.IssueResponses, IssueResponse{IssueID: id, Action: ActionAccept, Note: "will fix"})
	}
	data, _ := json.Marshal(r)
	return string(data)
}

func newTestMachine(t *testing.T, script func(call gateway.Call, nth int) gateway.Outcome) (*Machine, *fakeInvoker, *eventCollector, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	inv := &fakeInvoker{script: script}
	sink := &eventCollector{}
	m := NewMachine(inv, store, sink, config.PhaseTimeoutsConfig{}, zap.NewNop())
	return m, inv, sink, store
}

func consensusTask(tb testing.TB, mutate func(*task.Task)) *task.Task {
	tk := &task.Task{
		ID:            "0f9d2c1e-3333-4444-8888-aaaaaaaaaaaa",
		Title:         "Tighten session expiry",
		Description:   "Expire sessions server-side after the configured idle window.",
		WorkspacePath: tb.TempDir(),
		Author:        task.Participant{Provider: task.ProviderClaude, Alias: "author"},
		Reviewers: []task.Participant{
			{Provider: task.ProviderClaude, Alias: "critic"},
			{Provider: task.ProviderCodex, Alias: "second"},
		},
		Options: task.DefaultOptions(),
		Status:  task.StatusRunning,
	}
	if mutate != nil {
		mutate(tk)
	}
	return tk
}

func TestRunReachesConsensus(t *testing.T) {
	m, inv, sink, store := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		if call.Phase == prompt.PhaseProposal {
			return okOut(`{"proposal": "add an idle check to the session middleware"}`)
		}
		return okOut(clearVerdict())
	})
	tk := consensusTask(t, nil)

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonAuthorConfirmationRequired, res.Reason)
	assert.Equal(t, 3, res.Rounds)
	assert.False(t, res.Stalled)
	require.NotNil(t, res.Proposal)
	assert.Contains(t, res.Proposal.Proposal, "idle check")
	assert.Empty(t, res.RequiredIDs)

	assert.Len(t, inv.promptsFor(prompt.PhaseProposal), 3, "one proposal per round")
	assert.Contains(t, sink.kinds(), task.EventProposalConsensusReached)
	assert.True(t, store.Exists(tk.ID, artifact.PendingProposal))
	assert.False(t, store.Exists(tk.ID, artifact.ConsensusStall))
}

func TestRunRetriesOnBlockedReview(t *testing.T) {
	m, inv, sink, _ := newTestMachine(t, func(call gateway.Call, nth int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhasePrecheck:
			return okOut(clearVerdict())
		case prompt.PhaseProposal:
			if nth == 1 {
				return okOut(`{"proposal": "first cut"}`)
			}
			return okOut(replyAccepting("ISSUE-timezone"))
		default: // proposal review
			if call.Participant.Alias == "critic" && nth == 1 {
				return okOut(blockerVerdict("ISSUE-timezone", "expiry ignores the session timezone"))
			}
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.MaxRounds = 1 })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonAuthorConfirmationRequired, res.Reason)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, []string{"ISSUE-timezone"}, res.RequiredIDs)

	proposals := inv.promptsFor(prompt.PhaseProposal)
	require.Len(t, proposals, 2)
	assert.Contains(t, proposals[1], "attempt 2")
	assert.Contains(t, proposals[1], "ISSUE-timezone")
	assert.Contains(t, sink.kinds(), task.EventProposalConsensusRetry)
}

func TestRunContractViolationRetriesProposal(t *testing.T) {
	m, inv, _, _ := newTestMachine(t, func(call gateway.Call, nth int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhasePrecheck:
			if call.Participant.Alias == "critic" {
				return okOut(blockerVerdict("ISSUE-auth-bypass", "expiry check can be skipped via refresh"))
			}
			return okOut(clearVerdict())
		case prompt.PhaseProposal:
			if nth == 1 {
				return okOut("I will just fix it, trust me.")
			}
			return okOut(replyAccepting("ISSUE-auth-bypass"))
		default:
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.MaxRounds = 1 })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonAuthorConfirmationRequired, res.Reason)
	proposals := inv.promptsFor(prompt.PhaseProposal)
	require.Len(t, proposals, 2, "prose reply must be retried against the contract")
	assert.Contains(t, proposals[1], "contract:")
	assert.Contains(t, proposals[1], "does not answer")
}

func TestRunInRoundStall(t *testing.T) {
	m, inv, sink, store := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhasePrecheck:
			if call.Participant.Alias == "critic" {
				return okOut(blockerVerdict("ISSUE-stuck", "design disagreement"))
			}
			return okOut(clearVerdict())
		case prompt.PhaseProposal:
			return okOut(replyAccepting("ISSUE-stuck"))
		default:
			if call.Participant.Alias == "critic" {
				return okOut(unresolvedVerdict("ISSUE-stuck"))
			}
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.MaxRounds = 1 })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonConsensusStalledInRound, res.Reason)
	assert.True(t, res.Stalled)
	assert.Equal(t, 0, res.Rounds)
	assert.Contains(t, res.RequiredIDs, "ISSUE-stuck")
	assert.Len(t, inv.promptsFor(prompt.PhaseProposal), 10, "retry limit")
	assert.Contains(t, sink.kinds(), task.EventProposalConsensusStalled)
	assert.True(t, store.Exists(tk.ID, artifact.ConsensusStall))
	assert.True(t, store.Exists(tk.ID, artifact.PendingProposal))
}

func TestRunAcrossRoundsStall(t *testing.T) {
	m, _, sink, store := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhasePrecheck:
			if call.Participant.Alias == "critic" {
				return okOut(blockerVerdict("ISSUE-drift", "the same concern every round"))
			}
			return okOut(clearVerdict())
		case prompt.PhaseProposal:
			return okOut(replyAccepting("ISSUE-drift"))
		default:
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.MaxRounds = 6 })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonConsensusStalledAcrossRounds, res.Reason)
	assert.True(t, res.Stalled)
	assert.Equal(t, 4, res.Rounds, "the fourth round with the same signature trips the guard")
	assert.Contains(t, sink.kinds(), task.EventProposalConsensusStalled)
	assert.True(t, store.Exists(tk.ID, artifact.ConsensusStall))
}

func TestRunPrecheckUnavailable(t *testing.T) {
	m, _, sink, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		if call.Phase == prompt.PhasePrecheck && call.Participant.Alias == "critic" {
			return gateway.Outcome{Class: gateway.ClassTimeout}
		}
		return okOut(clearVerdict())
	})
	tk := consensusTask(t, nil)

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonPrecheckUnavailable, res.Reason)
	assert.Equal(t, 0, res.Rounds)
	assert.Contains(t, sink.kinds(), task.EventProposalPrecheckUnavailable)
}

func TestRunReviewUnavailable(t *testing.T) {
	m, _, sink, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhaseProposal:
			return okOut(`{"proposal": "straightforward change"}`)
		default:
			if call.Participant.Alias == "second" {
				return gateway.Outcome{Class: gateway.ClassProviderLimit, Stderr: "429 rate limit"}
			}
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.DebateMode = false })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonReviewUnavailable, res.Reason)
	assert.Contains(t, sink.kinds(), task.EventProposalReviewUnavailable)
}

func TestRunAuthorProviderLimit(t *testing.T) {
	m, _, _, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		if call.Phase == prompt.PhaseProposal {
			return gateway.Outcome{Class: gateway.ClassProviderLimit}
		}
		return okOut(clearVerdict())
	})
	tk := consensusTask(t, func(tk *task.Task) { tk.Options.DebateMode = false })

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, task.ReasonProviderLimit, res.Reason)
}

func TestRunAuditDowngradesScopeBlockers(t *testing.T) {
	m, inv, _, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhasePrecheck:
			if call.Participant.Alias == "critic" {
				return okOut(blockerVerdict("ISSUE-scope-unclear", "the scope is too broad to review"))
			}
			return okOut(clearVerdict())
		case prompt.PhaseProposal:
			return okOut(`{"proposal": "inventory insecure defaults module by module"}`)
		default:
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) {
		tk.Description = "Audit the entire auth package for insecure defaults."
		tk.Options.MaxRounds = 1
	})

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonAuthorConfirmationRequired, res.Reason)
	assert.Equal(t, 1, res.Rounds)
	assert.Empty(t, res.RequiredIDs, "downgraded scope blockers must not enter the contract")
	require.Len(t, inv.promptsFor(prompt.PhaseProposal), 1)
	assert.NotContains(t, inv.promptsFor(prompt.PhaseProposal)[0], "ISSUE-scope-unclear")
}

func TestRunEmitsPartialOnDegradedReviewer(t *testing.T) {
	m, _, sink, _ := newTestMachine(t, func(call gateway.Call, nth int) gateway.Outcome {
		switch call.Phase {
		case prompt.PhaseProposal:
			if nth == 1 {
				return okOut(`{"proposal": "first cut"}`)
			}
			return okOut(replyAccepting("ISSUE-unspecified"))
		default:
			if call.Participant.Alias == "critic" && nth == 1 {
				return okOut("sorry, I ran out of thoughts")
			}
			return okOut(clearVerdict())
		}
	})
	tk := consensusTask(t, func(tk *task.Task) {
		tk.Options.DebateMode = false
		tk.Options.MaxRounds = 1
	})

	res, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, task.ReasonAuthorConfirmationRequired, res.Reason)
	assert.Contains(t, sink.kinds(), task.EventProposalReviewPartial)
}

func TestRunCanceledContext(t *testing.T) {
	m, _, _, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		return okOut(clearVerdict())
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, consensusTask(t, nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSeedsGateReasonAndReviseNote(t *testing.T) {
	m, inv, _, _ := newTestMachine(t, func(call gateway.Call, _ int) gateway.Outcome {
		if call.Phase == prompt.PhaseProposal {
			return okOut(`{"proposal": "retry with the failure in mind"}`)
		}
		return okOut(clearVerdict())
	})
	tk := consensusTask(t, func(tk *task.Task) {
		tk.Options.DebateMode = false
		tk.Options.MaxRounds = 1
		tk.LastGateReason = task.ReasonVerificationFailed
		tk.Decision = &task.Decision{Kind: task.DecisionRevise, Note: "focus on the expiry branch only"}
	})

	_, err := m.Run(context.Background(), tk)
	require.NoError(t, err)

	proposals := inv.promptsFor(prompt.PhaseProposal)
	require.Len(t, proposals, 1)
	assert.Contains(t, proposals[0], `"verification_failed"`)
	assert.Contains(t, proposals[0], "focus on the expiry branch only")
}

func TestCollectOpenOrdering(t *testing.T) {
	critic := task.Participant{Provider: task.ProviderClaude, Alias: "critic"}
	outs := []reviewerOutcome{{
		participant: critic,
		verdict: Verdict{
			Verdict:     VerdictBlocker,
			Issues:      []Issue{{IssueID: "ISSUE-new", Detail: "fresh finding"}},
			IssueChecks: []IssueCheck{{IssueID: "ISSUE-old", Resolved: false}},
		},
	}}

	open, findings := collectOpen([]string{"ISSUE-old"}, outs)

	assert.Equal(t, []string{"ISSUE-old", "ISSUE-new"}, open, "required ids keep their position ahead of new ones")
	require.Len(t, findings, 2)
	assert.True(t, strings.HasPrefix(findings[0], "ISSUE-old:"))
}
