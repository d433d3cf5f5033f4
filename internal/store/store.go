// Package store persists tasks, their event timelines, and project history.
//
// Two backends implement the same Repository interface: a SQLite store used
// by default (single-binary, no external services) and a Redis store selected
// when storage.redis_url is configured. Status transitions go through
// UpdateTaskStatusIf, a compare-and-set guarded by the task status graph, so
// concurrent operators and the coordinator can never produce an edge the
// graph forbids or clobber each other's writes.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/task"
)

var (
	// ErrNotFound indicates the requested task or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing task id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates a compare-and-set lost: the task's status no
	// longer matched the expected value when the update ran.
	ErrConflict = errors.New("status conflict")

	// ErrInvalidTransition indicates the requested status edge is not in
	// the task status graph. Callers should treat this as a programming
	// error or a stale client, not a retryable race.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// HistoryEntry is one project-history record, written when a task reaches a
// terminal status and queried by the stats and history surfaces.
type HistoryEntry struct {
	ID           string      `json:"id"`
	Project      string      `json:"project"`
	TaskID       string      `json:"task_id"`
	Title        string      `json:"title"`
	Status       task.Status `json:"status"`
	GateReason   task.Reason `json:"gate_reason,omitempty"`
	CoreFindings string      `json:"core_findings,omitempty"`
	Revisions    int         `json:"revisions"`
	Disputes     int         `json:"disputes"`
	NextSteps    string      `json:"next_steps,omitempty"`
	CreatedAt    int64       `json:"created_at_ms"`
}

// Validate checks that the entry carries the fields every consumer relies on.
func (h *HistoryEntry) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("history entry id cannot be empty")
	}
	if h.Project == "" {
		return fmt.Errorf("history entry project cannot be empty")
	}
	if h.TaskID == "" {
		return fmt.Errorf("history entry task_id cannot be empty")
	}
	return nil
}

// Repository is the storage contract shared by the SQLite and Redis backends.
//
// All methods are safe for concurrent use. Implementations return ErrNotFound
// for missing tasks, ErrConflict for lost compare-and-sets, and wrap backend
// errors with context rather than leaking driver types.
type Repository interface {
	// CreateTask persists a new task and its seq counter.
	// Returns ErrAlreadyExists if the id is taken.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask fetches a task by full id.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns tasks ordered newest-first. limit <= 0 means all.
	ListTasks(ctx context.Context, limit int) ([]*task.Task, error)

	// ScanTasks returns the ids of all tasks whose id starts with prefix,
	// for short-id resolution. An empty prefix matches every task.
	ScanTasks(ctx context.Context, prefix string) ([]string, error)

	// UpdateTaskStatusIf performs the guarded status transition
	// expect -> next, recording reason as last_gate_reason and stamping
	// terminated_at when next is terminal. Returns ErrInvalidTransition
	// if the graph forbids the edge, ErrConflict if the stored status
	// was not expect, ErrNotFound if the task is gone.
	UpdateTaskStatusIf(ctx context.Context, id string, expect, next task.Status, reason task.Reason) error

	// UpdateTaskRuntime persists the coordinator-owned runtime fields of t:
	// rounds completed, sandbox path and ownership, merge target, workspace
	// fingerprint, and the author decision. It never touches status or
	// last_gate_reason; those only move through UpdateTaskStatusIf.
	UpdateTaskRuntime(ctx context.Context, t *task.Task) error

	// DeleteTask removes a task, its events, and its seq counter.
	// The counter and events go first so a crash mid-delete cannot leave
	// a task that mints duplicate seq values after recovery.
	DeleteTask(ctx context.Context, id string) error

	// AppendEvent assigns the next seq for the event's task, stores the
	// event, and fills e.Seq. Seq values are strictly monotonic per task
	// and never reused, even across deletes of individual events.
	AppendEvent(ctx context.Context, e *task.Event) (int, error)

	// ListEvents returns a task's events in seq order. A nil criteria
	// returns everything.
	ListEvents(ctx context.Context, taskID string, crit *filter.Criteria) ([]task.Event, error)

	// AppendHistory records a project-history entry.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// QueryHistory returns entries for one project, newest-first.
	// An empty project returns entries for all projects.
	QueryHistory(ctx context.Context, project string) ([]HistoryEntry, error)

	// ClearHistory deletes a project's entries and reports how many were
	// removed. An empty project clears everything.
	ClearHistory(ctx context.Context, project string) (int, error)

	// Ping verifies backend connectivity. Used by health checks.
	Ping(ctx context.Context) error

	// Close releases the backend connection. The repository must not be
	// used after Close.
	Close() error
}

// Open selects and opens the backend for the given storage configuration:
// Redis when redis_url is set, SQLite otherwise.
func Open(cfg config.StorageConfig, logger *zap.Logger) (Repository, error) {
	if cfg.RedisURL != "" {
		repo, err := OpenRedis(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis repository: %w", err)
		}
		return repo, nil
	}
	repo, err := OpenSQLite(cfg.SQLitePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite repository: %w", err)
	}
	return repo, nil
}

// checkTransition enforces the status graph before any backend write.
// Both backends call this so an edge the graph forbids is rejected
// identically everywhere.
func checkTransition(expect, next task.Status) error {
	if err := expect.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if !expect.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expect, next)
	}
	return nil
}
