package resolver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "parley.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedTask(t *testing.T, repo store.Repository, id string) {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID:            id,
		Title:         "seed",
		Description:   "seed task",
		WorkspacePath: t.TempDir(),
		Author:        task.Participant{Provider: task.ProviderClaude, Alias: "author"},
		Reviewers: []task.Participant{
			{Provider: task.ProviderCodex, Alias: "critic"},
		},
		Options:   task.DefaultOptions(),
		Status:    task.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.CreateTask(context.Background(), tk))
}

func TestResolveFullUUID(t *testing.T) {
	repo := newTestRepo(t)
	id := "11111111-2222-3333-4444-555555555555"
	seedTask(t, repo, id)

	got, err := ResolveTaskID(context.Background(), repo, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestResolveFullUUIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := ResolveTaskID(context.Background(), repo, "11111111-2222-3333-4444-555555555555")
	assert.True(t, IsNotFoundError(err))
}

func TestResolveUniquePrefix(t *testing.T) {
	repo := newTestRepo(t)
	id := "abcdef01-2222-3333-4444-555555555555"
	seedTask(t, repo, id)
	seedTask(t, repo, "99999999-2222-3333-4444-555555555555")

	got, err := ResolveTaskID(context.Background(), repo, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestResolveRejectsShortPrefix(t *testing.T) {
	repo := newTestRepo(t)

	_, err := ResolveTaskID(context.Background(), repo, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 6 characters")
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	repo := newTestRepo(t)
	seedTask(t, repo, "abcdef01-2222-3333-4444-555555555555")
	seedTask(t, repo, "abcdef02-2222-3333-4444-555555555555")

	_, err := ResolveTaskID(context.Background(), repo, "abcdef")
	require.True(t, IsAmbiguousError(err))

	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.Len(t, ambiguous.Matches, 2)
	assert.Contains(t, FormatAmbiguousError(ambiguous), "abcdef01-2222-3333-4444-555555555555")
}

func TestResolveNoMatch(t *testing.T) {
	repo := newTestRepo(t)
	seedTask(t, repo, "abcdef01-2222-3333-4444-555555555555")

	_, err := ResolveTaskID(context.Background(), repo, "ffffff")
	assert.True(t, IsNotFoundError(err))
}
