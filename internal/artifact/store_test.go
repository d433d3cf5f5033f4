package artifact

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "threads"), nil)
	require.NoError(t, err)
	return s
}

func TestWriteReadArtifact(t *testing.T) {
	s := newTestStore(t)

	err := s.WriteArtifact("task-1", "artifacts/evidence_bundle_round_1.json", []byte(`{"ok":true}`))
	require.NoError(t, err)

	data, err := s.ReadArtifact("task-1", "artifacts/evidence_bundle_round_1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	assert.True(t, s.Exists("task-1", "artifacts/evidence_bundle_round_1.json"))
	assert.False(t, s.Exists("task-1", "artifacts/missing.json"))
}

func TestReadArtifact_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadArtifact("task-1", "missing.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		path string
	}{
		{"parent escape", "../other-task/state.json"},
		{"nested parent escape", "artifacts/../../escape.json"},
		{"absolute path", "/etc/passwd"},
		{"bare dotdot", ".."},
		{"volume qualifier", `C:\Windows\system32`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WriteArtifact("task-1", tt.path, []byte("x"))
			assert.True(t, errors.Is(err, ErrPathEscapes), "expected ErrPathEscapes, got %v", err)

			_, err = s.ReadArtifact("task-1", tt.path)
			assert.Error(t, err)
		})
	}
}

// TestInternalDotDotStaysInside tests that '..' is rejected even when the
// cleaned path would still land inside the task directory.
func TestInternalDotDotStaysInside(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteArtifact("task-1", "artifacts/../state.json", []byte("x"))
	assert.True(t, errors.Is(err, ErrPathEscapes))
}

func TestInvalidTaskID(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteArtifact("../sneaky", "state.json", []byte("x"))
	assert.Error(t, err)
	err = s.WriteArtifact("", "state.json", []byte("x"))
	assert.Error(t, err)
}

func TestWriteJSONAndList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteJSON("task-2", "state.json", map[string]string{"status": "running"}))
	require.NoError(t, s.WriteArtifact("task-2", "artifacts/rounds/round-1.md", []byte("# plan")))

	paths, err := s.List("task-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"artifacts/rounds/round-1.md", "state.json"}, paths)
}

func TestList_UnknownTask(t *testing.T) {
	s := newTestStore(t)
	paths, err := s.List("nope")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestRelativize(t *testing.T) {
	s := newTestStore(t)
	inside := filepath.Join(s.TaskDir("task-3"), "artifacts", "consensus_stall.json")
	assert.Equal(t, "artifacts/consensus_stall.json", s.Relativize("task-3", inside))

	// Paths outside the task dir collapse to their base name.
	assert.Equal(t, "secrets.env", s.Relativize("task-3", "/home/user/secrets.env"))
}
