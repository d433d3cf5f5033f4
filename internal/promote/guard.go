// Package promote is the only component allowed to write into a merge
// target. It gates every write-back behind the promotion policy (branch
// allow-list, worktree cleanliness, head-SHA stability) and a re-run of the
// evidence guard, then copies the winning tree over and records a summary
// artifact.
package promote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/git"
	"github.com/parleyhq/parley/internal/task"
)

// Policy is the operator-configured promotion policy.
type Policy struct {
	BranchAllowlist      []string
	RequireCleanWorktree bool
}

// Decision is the guard's verdict on one target. Reason is set only when the
// promotion is refused.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Reason  task.Reason `json:"reason,omitempty"`
	Branch  string      `json:"branch,omitempty"`
	HeadSHA string      `json:"head_sha,omitempty"`
	Dirty   []string    `json:"dirty,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// Guard evaluates the promotion policy against a git working tree.
type Guard struct {
	policy Policy
	logger *zap.Logger
}

// NewGuard creates a promotion guard with the given policy.
func NewGuard(policy Policy, logger *zap.Logger) *Guard {
	return &Guard{policy: policy, logger: logger}
}

// Check evaluates the policy against target. A non-empty preflightSHA must
// still be the target's HEAD, otherwise the target moved underneath the task
// and the check refuses with head_sha_mismatch. inPlace marks merges where
// the candidate changes already live in the target worktree; the cleanliness
// requirement cannot apply there because the changes themselves are the dirt.
//
// Errors cover git plumbing failures and non-repository targets; both mean
// the promotion cannot be evaluated at all.
func (g *Guard) Check(ctx context.Context, target, preflightSHA string, inPlace bool) (Decision, error) {
	checker := git.NewChecker(target)

	isRepo, err := checker.IsRepo(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !isRepo {
		return Decision{}, fmt.Errorf("merge target is not a git repository: %s", target)
	}

	branch, err := checker.CurrentBranch(ctx)
	if err != nil {
		return Decision{}, err
	}
	sha, err := checker.HeadSHA(ctx)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Branch: branch, HeadSHA: sha}

	if len(g.policy.BranchAllowlist) > 0 && !contains(g.policy.BranchAllowlist, branch) {
		d.Reason = task.ReasonBranchNotAllowed
		d.Detail = fmt.Sprintf("branch %q is not in the allow-list %v", branch, g.policy.BranchAllowlist)
		return d, nil
	}

	if g.policy.RequireCleanWorktree && !inPlace {
		clean, err := checker.IsClean(ctx)
		if err != nil {
			return Decision{}, err
		}
		if !clean {
			dirty, err := checker.DirtyFiles(ctx)
			if err != nil {
				return Decision{}, err
			}
			d.Reason = task.ReasonWorktreeDirty
			d.Dirty = dirty
			d.Detail = fmt.Sprintf("%d uncommitted changes in %s", len(dirty), target)
			return d, nil
		}
	}

	if preflightSHA != "" && sha != preflightSHA {
		d.Reason = task.ReasonHeadSHAMismatch
		d.Detail = fmt.Sprintf("HEAD moved from %.12s to %.12s since preflight", preflightSHA, sha)
		return d, nil
	}

	d.Allowed = true
	g.logger.Debug("promotion guard passed",
		zap.String("target", target),
		zap.String("branch", branch),
		zap.String("head_sha", sha))
	return d, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
