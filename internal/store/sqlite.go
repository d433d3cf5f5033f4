package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/task"
)

// SQLiteRepository is the default single-binary backend. One writer
// connection, WAL journaling, and a busy timeout cover the concurrency this
// process generates without an external service.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection keeps every statement on the connection that holds
	// the migration transaction and sidesteps SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("opened sqlite repository", zap.String("path", path))
	return &SQLiteRepository{db: db, logger: logger}, nil
}

// Close closes the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateTask inserts the task row and its seq counter in one transaction.
func (r *SQLiteRepository) CreateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	reviewers, options, decision, err := encodeTaskFields(t)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tasks (
		id, title, description, workspace_path, sandbox_path, sandbox_owned,
		merge_target_path, author, reviewers, options, status,
		rounds_completed, last_gate_reason, workspace_fingerprint, decision,
		created_at, updated_at, terminated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.WorkspacePath, t.SandboxPath,
		boolToInt(t.SandboxOwned), t.MergeTargetPath, t.Author.ID(),
		reviewers, options, string(t.Status), t.RoundsCompleted,
		string(t.LastGateReason), t.WorkspaceFingerprint, decision,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatNullableTime(t.TerminatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_seq (task_id, next) VALUES (?, 0)`, t.ID); err != nil {
		return fmt.Errorf("failed to insert seq counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task create: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, workspace_path, sandbox_path,
	sandbox_owned, merge_target_path, author, reviewers, options, status,
	rounds_completed, last_gate_reason, workspace_fingerprint, decision,
	created_at, updated_at, terminated_at`

// GetTask fetches a task by full id.
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest-first. limit <= 0 returns all.
func (r *SQLiteRepository) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ScanTasks returns ids of tasks whose id starts with prefix.
func (r *SQLiteRepository) ScanTasks(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE id LIKE ? || '%' ORDER BY id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTaskStatusIf performs the compare-and-set status transition as a
// single UPDATE guarded on the current status. Terminal transitions stamp
// terminated_at in the same statement so readers never observe a terminal
// status without its timestamp.
func (r *SQLiteRepository) UpdateTaskStatusIf(ctx context.Context, id string, expect, next task.Status, reason task.Reason) error {
	if err := checkTransition(expect, next); err != nil {
		return err
	}

	now := formatTime(time.Now().UTC())
	var terminated sql.NullString
	if next.IsTerminal() {
		terminated = sql.NullString{String: now, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `UPDATE tasks
		SET status = ?, last_gate_reason = ?, updated_at = ?,
		    terminated_at = COALESCE(?, terminated_at)
		WHERE id = ? AND status = ?`,
		string(next), string(reason), now, terminated, id, string(expect))
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 1 {
		return nil
	}

	// The CAS missed: distinguish a vanished task from a lost race.
	if _, err := r.GetTask(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("task %s: expected status %s: %w", id, expect, ErrConflict)
}

// UpdateTaskRuntime persists the coordinator-owned runtime fields.
// Status and last_gate_reason are deliberately absent from the SET list.
func (r *SQLiteRepository) UpdateTaskRuntime(ctx context.Context, t *task.Task) error {
	_, options, decision, err := encodeTaskFields(t)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `UPDATE tasks
		SET rounds_completed = ?, sandbox_path = ?, sandbox_owned = ?,
		    merge_target_path = ?, workspace_fingerprint = ?, options = ?,
		    decision = ?, updated_at = ?
		WHERE id = ?`,
		t.RoundsCompleted, t.SandboxPath, boolToInt(t.SandboxOwned),
		t.MergeTargetPath, t.WorkspaceFingerprint, options, decision,
		formatTime(time.Now().UTC()), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task runtime fields: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes events, the seq counter, then the task row.
func (r *SQLiteRepository) DeleteTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_seq WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete seq counter: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task delete: %w", err)
	}
	r.logger.Debug("deleted task", zap.String("task_id", id))
	return nil
}

// AppendEvent allocates the next seq from the counter row and inserts the
// event in the same transaction, so a crash can lose an event but never
// produce a duplicate or out-of-order seq.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, e *task.Event) (int, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("invalid event: %w", err)
	}

	payload := ""
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(raw)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`UPDATE task_seq SET next = next + 1 WHERE task_id = ? RETURNING next`,
		e.TaskID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %s: %w", e.TaskID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO task_events
		(task_id, seq, kind, participant_id, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, seq, string(e.Kind), e.ParticipantID, payload,
		formatTime(e.Timestamp)); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	e.Seq = seq
	return seq, nil
}

// ListEvents returns a task's events in seq order, filtered by crit.
func (r *SQLiteRepository) ListEvents(ctx context.Context, taskID string, crit *filter.Criteria) ([]task.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT seq, kind, participant_id, payload, ts
		FROM task_events WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []task.Event
	for rows.Next() {
		var (
			e       task.Event
			kind    string
			payload string
			ts      string
		)
		e.TaskID = taskID
		if err := rows.Scan(&e.Seq, &kind, &e.ParticipantID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = task.EventKind(kind)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if crit != nil && !crit.Matches(&e) {
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendHistory records one project-history entry.
func (r *SQLiteRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid history entry: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO project_history
		(id, project, task_id, title, status, gate_reason, core_findings,
		 revisions, disputes, next_steps, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Project, entry.TaskID, entry.Title,
		string(entry.Status), string(entry.GateReason), entry.CoreFindings,
		entry.Revisions, entry.Disputes, entry.NextSteps, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// QueryHistory returns entries newest-first, scoped to project when set.
func (r *SQLiteRepository) QueryHistory(ctx context.Context, project string) ([]HistoryEntry, error) {
	query := `SELECT id, project, task_id, title, status, gate_reason,
		core_findings, revisions, disputes, next_steps, created_at_ms
		FROM project_history`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			h      HistoryEntry
			status string
			reason string
		)
		if err := rows.Scan(&h.ID, &h.Project, &h.TaskID, &h.Title, &status,
			&reason, &h.CoreFindings, &h.Revisions, &h.Disputes,
			&h.NextSteps, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		h.Status = task.Status(status)
		h.GateReason = task.Reason(reason)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// ClearHistory deletes entries, scoped to project when set.
func (r *SQLiteRepository) ClearHistory(ctx context.Context, project string) (int, error) {
	query := `DELETE FROM project_history`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check clear result: %w", err)
	}
	r.logger.Debug("cleared project history",
		zap.String("project", project), zap.Int64("removed", n))
	return int(n), nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t            task.Task
		sandboxOwned int
		author       string
		reviewers    string
		options      string
		status       string
		reason       string
		decision     string
		createdAt    string
		updatedAt    string
		terminatedAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.WorkspacePath,
		&t.SandboxPath, &sandboxOwned, &t.MergeTargetPath, &author,
		&reviewers, &options, &status, &t.RoundsCompleted, &reason,
		&t.WorkspaceFingerprint, &decision, &createdAt, &updatedAt,
		&terminatedAt); err != nil {
		return nil, err
	}

	t.SandboxOwned = sandboxOwned != 0
	t.Status = task.Status(status)
	t.LastGateReason = task.Reason(reason)

	var err error
	if t.Author, err = task.ParseParticipant(author); err != nil {
		return nil, fmt.Errorf("invalid stored author: %w", err)
	}
	if err := json.Unmarshal([]byte(reviewers), &t.Reviewers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reviewers: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if decision != "" {
		t.Decision = &task.Decision{}
		if err := json.Unmarshal([]byte(decision), t.Decision); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if terminatedAt.Valid {
		ts, err := parseTime(terminatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse terminated_at: %w", err)
		}
		t.TerminatedAt = &ts
	}
	return &t, nil
}

func encodeTaskFields(t *task.Task) (reviewers, options, decision string, err error) {
	rawReviewers, err := json.Marshal(t.Reviewers)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal reviewers: %w", err)
	}
	rawOptions, err := json.Marshal(t.Options)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal options: %w", err)
	}
	if t.Decision != nil {
		rawDecision, err := json.Marshal(t.Decision)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal decision: %w", err)
		}
		decision = string(rawDecision)
	}
	return string(rawReviewers), string(rawOptions), decision, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
