// Package artifact owns the on-disk artifact tree: one directory per task
// under a configurable root, holding the append-only event log, the state
// snapshot, and every named artifact the workflow produces. All relative
// paths are validated against the task directory; nothing escapes it.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrPathEscapes is returned when a relative artifact path would resolve
// outside the task's directory.
var ErrPathEscapes = errors.New("artifact path escapes task directory")

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store manages the artifact tree rooted at <root>/<task_id>/.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates the artifact root if needed and returns a store.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", abs, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute artifact root.
func (s *Store) Root() string {
	return s.root
}

// TaskDir returns the directory holding all artifacts for one task.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// resolve validates relPath and returns the absolute path inside the task
// directory. Absolute paths, drive-qualified paths, and any path whose
// cleaned form climbs out of the task directory are rejected.
func (s *Store) resolve(taskID, relPath string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if relPath == "" {
		return "", fmt.Errorf("artifact path cannot be empty")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscapes, relPath)
	}
	if strings.Contains(relPath, ":") {
		return "", fmt.Errorf("%w: %q contains a volume qualifier", ErrPathEscapes, relPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q contains '..'", ErrPathEscapes, relPath)
		}
	}
	dir := s.TaskDir(taskID)
	full := filepath.Clean(filepath.Join(dir, filepath.FromSlash(relPath)))
	if full != dir && !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}
	return full, nil
}

// WriteArtifact writes one named artifact, creating parent directories.
func (s *Store) WriteArtifact(taskID, relPath string, data []byte) error {
	full, err := s.resolve(taskID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", relPath, err)
	}
	s.logger.Debug("artifact written",
		zap.String("task_id", taskID),
		zap.String("path", relPath),
		zap.Int("bytes", len(data)))
	return nil
}

// WriteJSON marshals v with indentation and writes it as an artifact.
func (s *Store) WriteJSON(taskID, relPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", relPath, err)
	}
	return s.WriteArtifact(taskID, relPath, data)
}

// ReadJSON reads one named artifact and unmarshals it into v.
func (s *Store) ReadJSON(taskID, relPath string, v any) error {
	data, err := s.ReadArtifact(taskID, relPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", relPath, err)
	}
	return nil
}

// ReadArtifact reads one named artifact.
func (s *Store) ReadArtifact(taskID, relPath string) ([]byte, error) {
	full, err := s.resolve(taskID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", relPath, err)
	}
	return data, nil
}

// Exists reports whether the named artifact is present.
func (s *Store) Exists(taskID, relPath string) bool {
	full, err := s.resolve(taskID, relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// List returns the relative paths of all artifacts for a task, sorted by
// filepath.WalkDir order.
func (s *Store) List(taskID string) ([]string, error) {
	dir := s.TaskDir(taskID)
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

// Relativize rewrites an absolute path under the task directory into its
// task-relative form for event payloads; paths outside the task directory
// come back as just their base name so payloads never leak raw locations.
func (s *Store) Relativize(taskID, path string) string {
	dir := s.TaskDir(taskID)
	if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}
