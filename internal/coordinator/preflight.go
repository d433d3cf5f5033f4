package coordinator

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/git"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

const proposalSeedLimit = 600

// resumeGuardRecord is persisted when a start finds the workspace changed
// since the task was created.
type resumeGuardRecord struct {
	TaskID    string    `json:"task_id"`
	Expected  string    `json:"expected"`
	Actual    string    `json:"actual"`
	CheckedAt time.Time `json:"checked_at"`
}

// preflightRecord is persisted for every start, pass or fail, so operators
// can see exactly which checks ran.
type preflightRecord struct {
	TaskID    string           `json:"task_id"`
	Passed    bool             `json:"passed"`
	Checks    []preflightCheck `json:"checks"`
	HeadSHA   string           `json:"head_sha,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

type preflightCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

func (r *preflightRecord) failedCheck() string {
	for _, c := range r.Checks {
		if !c.Passed {
			return c.Name
		}
	}
	return ""
}

// resumeGuard re-fingerprints the workspace and parks the task when the tree
// changed since create. The mismatch path allocates no sandbox and invokes no
// participant; the author decides whether the drifted tree is still the task
// they meant.
func (c *Coordinator) resumeGuard(t *task.Task) (bool, error) {
	if t.WorkspaceFingerprint == "" {
		return false, nil
	}
	current, err := workspace.Fingerprint(t.WorkspacePath)
	if err != nil {
		// An unreadable workspace falls through to the preflight gate,
		// which reports the precise check that failed.
		c.logger.Warn("workspace fingerprint check failed",
			zap.String("task_id", t.ID), zap.Error(err))
		return false, nil
	}
	if current == t.WorkspaceFingerprint {
		return false, nil
	}

	rec := resumeGuardRecord{
		TaskID:    t.ID,
		Expected:  t.WorkspaceFingerprint,
		Actual:    current,
		CheckedAt: time.Now().UTC(),
	}
	if err := c.artifacts.WriteJSON(t.ID, artifact.ResumeGuard, rec); err != nil {
		c.logger.Warn("resume guard artifact write failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventWorkspaceResumeGuard, map[string]any{
		"expected": rec.Expected,
		"actual":   rec.Actual,
	}))
	return true, c.park(t, task.ReasonResumeGuardMismatch)
}

// preflight runs the risk gate before any sandbox or participant work: the
// workspace must be a directory, auto-merge needs a git repository target,
// and an in-place auto-merge additionally needs a clean worktree. The target
// HEAD captured here anchors the merge guard's stability check at the end of
// the run.
func (c *Coordinator) preflight(ctx context.Context, t *task.Task) (string, bool, error) {
	rec := preflightRecord{TaskID: t.ID, Passed: true, CheckedAt: time.Now().UTC()}
	check := func(name string, ok bool, detail string) {
		rec.Checks = append(rec.Checks, preflightCheck{Name: name, Passed: ok, Detail: detail})
		if !ok {
			rec.Passed = false
		}
	}

	info, err := os.Stat(t.WorkspacePath)
	switch {
	case err != nil:
		check("workspace_directory", false, err.Error())
	case !info.IsDir():
		check("workspace_directory", false, "not a directory")
	default:
		check("workspace_directory", true, "")
	}

	if rec.Passed && t.Options.AutoMerge {
		checker := git.NewChecker(t.MergeTarget())
		repo, err := checker.IsRepo(ctx)
		switch {
		case err != nil:
			check("merge_target_repository", false, err.Error())
		case !repo:
			check("merge_target_repository", false, "merge target is not a git repository")
		default:
			check("merge_target_repository", true, "")
			if sha, err := checker.HeadSHA(ctx); err != nil {
				check("merge_target_head", false, err.Error())
			} else {
				rec.HeadSHA = sha
			}
		}

		// Without a sandbox the author writes the merge target directly;
		// starting dirty would make those edits indistinguishable from
		// whatever was already lying around.
		if rec.Passed && !t.Options.SandboxMode {
			clean, err := checker.IsClean(ctx)
			switch {
			case err != nil:
				check("clean_worktree", false, err.Error())
			case !clean:
				check("clean_worktree", false, "uncommitted changes in merge target")
			default:
				check("clean_worktree", true, "")
			}
		}
	}

	if err := c.artifacts.WriteJSON(t.ID, artifact.PreflightGate, rec); err != nil {
		return "", false, err
	}
	payload := map[string]any{"passed": rec.Passed}
	if name := rec.failedCheck(); name != "" {
		payload["failed_check"] = name
	}
	c.Emit(t.ID, task.NewEvent(t.ID, task.EventPreflightRiskGate, payload))

	if !rec.Passed {
		return "", false, c.finalize(t, task.StatusFailedGate, task.ReasonPreflightRiskGateFailed)
	}
	return rec.HeadSHA, true, nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
