package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/task"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	return NewManager(&config.SandboxConfig{Base: base}, zap.NewNop()), base
}

func seedWorkspace(t *testing.T) string {
	t.Helper()
	ws := filepath.Join(t.TempDir(), "payments")
	files := map[string]string{
		"main.go":                 "package main\n",
		"internal/api/handler.go": "package api\n",
		"scripts/build.sh":        "#!/bin/sh\necho build\n",
		".git/HEAD":               "ref: refs/heads/main\n",
		"node_modules/x/index.js": "1\n",
		".env":                    "TOKEN=abc\n",
		"certs/server.pem":        "---\n",
		"deploy/credentials.json": "{}\n",
		"docs/deployment-keys.md": "# not a secret\n",
	}
	for rel, content := range files {
		path := filepath.Join(ws, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		mode := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".sh") {
			mode = 0o755
		}
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}
	return ws
}

func testTask(id, workspace string) *task.Task {
	return &task.Task{
		ID:            id,
		Title:         "sandbox test",
		WorkspacePath: workspace,
		Status:        task.StatusRunning,
	}
}

func TestAllocateCopiesFilteredTree(t *testing.T) {
	manager, base := newTestManager(t)
	ws := seedWorkspace(t)

	path, err := manager.Allocate(context.Background(), testTask("0b8f2c41-dead-beef-0000-000000000001", ws))
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	// Shape: <base>/payments-lab/<timestamp>-<taskid8>/
	rel, err := filepath.Rel(base, path)
	require.NoError(t, err)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	require.Len(t, parts, 2)
	assert.Equal(t, "payments-lab", parts[0])
	assert.True(t, strings.HasSuffix(parts[1], "-0b8f2c41"), "dir %q should end with the task short id", parts[1])

	for _, want := range []string{"main.go", "internal/api/handler.go", "scripts/build.sh", "docs/deployment-keys.md"} {
		assert.FileExists(t, filepath.Join(path, want))
	}
	for _, skipped := range []string{".git", "node_modules", ".env", "certs/server.pem", "deploy/credentials.json"} {
		_, err := os.Stat(filepath.Join(path, skipped))
		assert.True(t, os.IsNotExist(err), "%s should not be copied", skipped)
	}
}

func TestAllocatePreservesFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on Windows")
	}
	manager, _ := newTestManager(t)
	ws := seedWorkspace(t)

	path, err := manager.Allocate(context.Background(), testTask("11112222-0000-0000-0000-000000000000", ws))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(path, "scripts", "build.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111, "executable bit should survive the copy")
}

func TestAllocateMissingWorkspace(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Allocate(context.Background(), testTask("t1", filepath.Join(t.TempDir(), "nope")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not accessible")
}

func TestAllocateCanceledContextRemovesPartialCopy(t *testing.T) {
	manager, base := newTestManager(t)
	ws := seedWorkspace(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.Allocate(ctx, testTask("deadbeef-1111-2222-3333-444444444444", ws))
	require.Error(t, err)

	// The lab directory may remain but must hold no partial sandbox.
	entries, readErr := os.ReadDir(filepath.Join(base, "payments-lab"))
	if readErr == nil {
		assert.Empty(t, entries, "partial sandbox must be removed on failure")
	}
}

func TestCleanup(t *testing.T) {
	manager, _ := newTestManager(t)
	ws := seedWorkspace(t)

	path, err := manager.Allocate(context.Background(), testTask("aaaabbbb-0000-0000-0000-000000000000", ws))
	require.NoError(t, err)

	tk := testTask("aaaabbbb-0000-0000-0000-000000000000", ws)
	tk.SandboxPath = path
	tk.SandboxOwned = true
	tk.Status = task.StatusPassed

	require.NoError(t, manager.Cleanup(tk))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupRefusals(t *testing.T) {
	manager, _ := newTestManager(t)
	ws := seedWorkspace(t)

	path, err := manager.Allocate(context.Background(), testTask("ccccdddd-0000-0000-0000-000000000000", ws))
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	t.Run("not owned", func(t *testing.T) {
		tk := testTask("ccccdddd-0000-0000-0000-000000000000", ws)
		tk.SandboxPath = path
		tk.SandboxOwned = false
		tk.Status = task.StatusPassed
		err := manager.Cleanup(tk)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not allocated by this manager")
		assert.DirExists(t, path)
	})

	t.Run("not passed", func(t *testing.T) {
		tk := testTask("ccccdddd-0000-0000-0000-000000000000", ws)
		tk.SandboxPath = path
		tk.SandboxOwned = true
		tk.Status = task.StatusFailedGate
		err := manager.Cleanup(tk)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires a passed task")
		assert.DirExists(t, path)
	})

	t.Run("outside base", func(t *testing.T) {
		outside := t.TempDir()
		tk := testTask("ccccdddd-0000-0000-0000-000000000000", ws)
		tk.SandboxPath = outside
		tk.SandboxOwned = true
		tk.Status = task.StatusPassed
		err := manager.Cleanup(tk)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside the managed base")
		assert.DirExists(t, outside)
	})

	t.Run("no sandbox is a no-op", func(t *testing.T) {
		tk := testTask("ccccdddd-0000-0000-0000-000000000000", ws)
		tk.Status = task.StatusPassed
		assert.NoError(t, manager.Cleanup(tk))
	})
}
