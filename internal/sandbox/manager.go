// Package sandbox allocates filtered workspace copies for task execution.
// A sandbox receives every non-excluded file from the target workspace and
// nothing else: no VCS metadata, no dependency trees, no files matching
// secret patterns. Implementation phases mutate the sandbox; the target
// workspace is only ever written by the promotion pipeline.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// shortIDLength is how much of the task id participates in sandbox names.
const shortIDLength = 8

// Manager creates and removes generated sandboxes under a single base
// directory. Only paths the manager itself allocated are ever deleted.
type Manager struct {
	base   string
	logger *zap.Logger
}

// NewManager creates a manager rooted at the configured sandbox base.
func NewManager(cfg *config.SandboxConfig, logger *zap.Logger) *Manager {
	return &Manager{base: cfg.Base, logger: logger}
}

// Base returns the parent directory generated sandboxes live under.
func (m *Manager) Base() string {
	return m.base
}

// Allocate creates <base>/<project>-lab/<timestamp>-<taskid8>/ as a filtered
// copy of the task workspace. On any copy failure the partially created
// directory is removed before the error is returned.
func (m *Manager) Allocate(ctx context.Context, t *task.Task) (string, error) {
	info, err := os.Stat(t.WorkspacePath)
	if err != nil {
		return "", fmt.Errorf("workspace path not accessible: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace path is not a directory: %s", t.WorkspacePath)
	}

	id := t.ID
	if len(id) > shortIDLength {
		id = id[:shortIDLength]
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	dest := filepath.Join(m.base, workspace.Slug(t.WorkspacePath)+"-lab", fmt.Sprintf("%s-%s", stamp, id))

	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("sandbox path already exists: %s", dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	if err := CopyTree(ctx, t.WorkspacePath, dest); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			m.logger.Warn("failed to remove partial sandbox",
				zap.String("path", dest),
				zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to populate sandbox: %w", err)
	}

	m.logger.Info("sandbox allocated",
		zap.String("task_id", t.ID),
		zap.String("workspace", t.WorkspacePath),
		zap.String("sandbox", dest))
	return dest, nil
}

// Cleanup removes a generated sandbox. It refuses user-supplied paths, any
// path outside the manager's base, and any task that did not terminate as
// passed. Callers invoke this only after auto-merge has completed.
func (m *Manager) Cleanup(t *task.Task) error {
	if t.SandboxPath == "" {
		return nil
	}
	if !t.SandboxOwned {
		return fmt.Errorf("sandbox %s was not allocated by this manager", t.SandboxPath)
	}
	if t.Status != task.StatusPassed {
		return fmt.Errorf("sandbox cleanup requires a passed task, status is %q", t.Status)
	}
	if !m.owns(t.SandboxPath) {
		return fmt.Errorf("sandbox %s is outside the managed base %s", t.SandboxPath, m.base)
	}

	if err := os.RemoveAll(t.SandboxPath); err != nil {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}
	m.logger.Info("sandbox removed",
		zap.String("task_id", t.ID),
		zap.String("sandbox", t.SandboxPath))
	return nil
}

// owns reports whether path is strictly inside the managed base directory.
func (m *Manager) owns(path string) bool {
	rel, err := filepath.Rel(m.base, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CopyTree copies every non-excluded regular file from src into dst,
// preserving relative layout and file modes. Symlinks and irregular files
// are skipped. Round snapshots use the same filter, so a snapshot never
// captures more than the sandbox itself held.
func CopyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != src && workspace.ExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || workspace.IsSecretFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel), info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
