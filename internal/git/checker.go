// Package git wraps the git binary for the checks the promotion pipeline
// needs: repository detection, branch identity, head SHA, and working tree
// cleanliness. Every check is scoped to one directory so guards can inspect
// merge targets that are not the process working directory.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Checker runs git against a single working tree.
type Checker struct {
	dir string
}

// NewChecker creates a checker scoped to dir.
func NewChecker(dir string) *Checker {
	return &Checker{dir: dir}
}

// Dir returns the working tree the checker is scoped to.
func (c *Checker) Dir() string {
	return c.dir
}

// IsRepo reports whether the directory is inside a git repository. A missing
// git binary is an error, not a negative answer.
func (c *Checker) IsRepo(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = c.dir
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.Error); ok {
			return false, fmt.Errorf("git not found in PATH: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// CurrentBranch returns the checked-out branch name. A detached HEAD reports
// as "HEAD", which never matches a branch allow-list entry.
func (c *Checker) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return out, nil
}

// HeadSHA returns the full commit hash of HEAD.
func (c *Checker) HeadSHA(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return out, nil
}

// IsClean reports whether the working tree has no staged, unstaged, or
// untracked changes.
func (c *Checker) IsClean(ctx context.Context) (bool, error) {
	out, err := c.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check git status: %w", err)
	}
	return out == "", nil
}

// DirtyFiles returns the porcelain status entries for every uncommitted
// change, modified entries first, untracked after. Empty when the tree is
// clean.
func (c *Checker) DirtyFiles(ctx context.Context) ([]string, error) {
	out, err := c.output(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to check git status: %w", err)
	}
	if out == "" {
		return nil, nil
	}

	var modified, untracked []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		if strings.HasPrefix(line, "??") {
			untracked = append(untracked, line)
		} else {
			modified = append(modified, line)
		}
	}
	return append(modified, untracked...), nil
}

// Diff returns the unified diff of tracked files against HEAD. Untracked
// files do not appear; candidate-mode patches list them in the round manifest.
func (c *Checker) Diff(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "HEAD")
	cmd.Dir = c.dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to diff working tree: %w", err)
	}
	return string(out), nil
}

func (c *Checker) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
