package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/filter"
	"github.com/parleyhq/parley/internal/task"
)

// Redis key pattern helpers.
//
// All keys live under the parley: prefix so a shared Redis server can host
// other applications safely.
//
// Key patterns:
//
//	parley:task:{id}         hash, one task record
//	parley:task:{id}:events  list of event JSON documents
//	parley:task:{id}:seq     integer counter behind event seq allocation
//	parley:tasks             zset of task ids scored by created-at (ms)
//	parley:history:{project} list of history entry JSON documents
//	parley:history_projects  set of project names with history entries

func taskKey(id string) string {
	return fmt.Sprintf("parley:task:%s", id)
}

func taskEventsKey(id string) string {
	return fmt.Sprintf("parley:task:%s:events", id)
}

func taskSeqKey(id string) string {
	return fmt.Sprintf("parley:task:%s:seq", id)
}

const tasksIndexKey = "parley:tasks"

func historyKey(project string) string {
	return fmt.Sprintf("parley:history:%s", project)
}

const historyProjectsKey = "parley:history_projects"

// statusCASScript performs the guarded status transition atomically.
// Returns -1 when the task is missing, 0 when the stored status does not
// match the expected value, 1 on success.
var statusCASScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == false then
  return -1
end
if status ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_gate_reason', ARGV[3], 'updated_at', ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'terminated_at', ARGV[5])
end
return 1
`)

// RedisRepository stores tasks in Redis for deployments that already run
// one. Selected when storage.redis_url is configured.
type RedisRepository struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// OpenRedis connects to the Redis server at url (redis:// form).
func OpenRedis(url string, logger *zap.Logger) (*RedisRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	logger.Debug("opened redis repository", zap.String("addr", opts.Addr))
	return &RedisRepository{rdb: redis.NewClient(opts), logger: logger}, nil
}

// NewRedisRepository wraps an existing client. Used by tests.
func NewRedisRepository(rdb *redis.Client, logger *zap.Logger) *RedisRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRepository{rdb: rdb, logger: logger}
}

// Close closes the Redis connection.
func (r *RedisRepository) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// CreateTask writes the task hash and registers it in the task index.
// HSETNX on the id field provides the uniqueness check.
func (r *RedisRepository) CreateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	key := taskKey(t.ID)
	created, err := r.rdb.HSetNX(ctx, key, "id", t.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve task key: %w", err)
	}
	if !created {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}

	hash, err := taskToHash(t)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}
	if err := r.rdb.Set(ctx, taskSeqKey(t.ID), 0, 0).Err(); err != nil {
		return fmt.Errorf("failed to initialize seq counter: %w", err)
	}
	z := redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID}
	if err := r.rdb.ZAdd(ctx, tasksIndexKey, z).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by full id.
func (r *RedisRepository) GetTask(ctx context.Context, id string) (*task.Task, error) {
	hash, err := r.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	// HGetAll returns an empty map for missing keys.
	if len(hash) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t, err := hashToTask(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks walks the task index newest-first.
func (r *RedisRepository) ListTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.rdb.ZRevRange(ctx, tasksIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task index: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Stale index entry; the hash was deleted underneath us.
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ScanTasks returns ids with the given prefix from the task index.
func (r *RedisRepository) ScanTasks(ctx context.Context, prefix string) ([]string, error) {
	ids, err := r.rdb.ZRange(ctx, tasksIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task index: %w", err)
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// UpdateTaskStatusIf runs the CAS script against the task hash.
func (r *RedisRepository) UpdateTaskStatusIf(ctx context.Context, id string, expect, next task.Status, reason task.Reason) error {
	if err := checkTransition(expect, next); err != nil {
		return err
	}

	now := formatTime(time.Now().UTC())
	terminated := ""
	if next.IsTerminal() {
		terminated = now
	}

	res, err := statusCASScript.Run(ctx, r.rdb, []string{taskKey(id)},
		string(expect), string(next), string(reason), now, terminated).Int()
	if err != nil {
		return fmt.Errorf("failed to run status transition: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("task %s: expected status %s: %w", id, expect, ErrConflict)
	default:
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
}

// UpdateTaskRuntime writes the coordinator-owned fields into the hash.
// Status and last_gate_reason stay untouched; only the CAS script moves them.
func (r *RedisRepository) UpdateTaskRuntime(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}

	optionsJSON, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	decisionJSON := ""
	if t.Decision != nil {
		raw, err := json.Marshal(t.Decision)
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
		decisionJSON = string(raw)
	}

	fields := map[string]interface{}{
		"rounds_completed":      t.RoundsCompleted,
		"sandbox_path":          t.SandboxPath,
		"sandbox_owned":         boolToInt(t.SandboxOwned),
		"merge_target_path":     t.MergeTargetPath,
		"workspace_fingerprint": t.WorkspaceFingerprint,
		"options":               string(optionsJSON),
		"decision":              decisionJSON,
		"updated_at":            formatTime(time.Now().UTC()),
	}
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to update task runtime fields: %w", err)
	}
	return nil
}

// DeleteTask removes the events list and seq counter before the task hash,
// then drops the index entry.
func (r *RedisRepository) DeleteTask(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, taskEventsKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if err := r.rdb.Del(ctx, taskSeqKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete seq counter: %w", err)
	}
	removed, err := r.rdb.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if err := r.rdb.ZRem(ctx, tasksIndexKey, id).Err(); err != nil {
		return fmt.Errorf("failed to drop task from index: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	r.logger.Debug("deleted task", zap.String("task_id", id))
	return nil
}

// AppendEvent allocates seq with INCR and appends the event JSON to the
// task's event list. INCR guarantees seq uniqueness and monotonicity; the
// reader sorts by seq to restore order if concurrent appends interleave.
func (r *RedisRepository) AppendEvent(ctx context.Context, e *task.Event) (int, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("invalid event: %w", err)
	}

	exists, err := r.rdb.Exists(ctx, taskKey(e.TaskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("task %s: %w", e.TaskID, ErrNotFound)
	}

	seq, err := r.rdb.Incr(ctx, taskSeqKey(e.TaskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event seq: %w", err)
	}
	e.Seq = int(seq)

	raw, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.rdb.RPush(ctx, taskEventsKey(e.TaskID), raw).Err(); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return e.Seq, nil
}

// ListEvents returns the task's events in seq order, filtered by crit.
func (r *RedisRepository) ListEvents(ctx context.Context, taskID string, crit *filter.Criteria) ([]task.Event, error) {
	raw, err := r.rdb.LRange(ctx, taskEventsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	var events []task.Event
	for _, doc := range raw {
		var e task.Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if crit != nil && !crit.Matches(&e) {
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// AppendHistory records one project-history entry.
func (r *RedisRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid history entry: %w", err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	if err := r.rdb.RPush(ctx, historyKey(entry.Project), raw).Err(); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	if err := r.rdb.SAdd(ctx, historyProjectsKey, entry.Project).Err(); err != nil {
		return fmt.Errorf("failed to register history project: %w", err)
	}
	return nil
}

// QueryHistory returns entries newest-first, scoped to project when set.
func (r *RedisRepository) QueryHistory(ctx context.Context, project string) ([]HistoryEntry, error) {
	projects := []string{project}
	if project == "" {
		all, err := r.rdb.SMembers(ctx, historyProjectsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history projects: %w", err)
		}
		projects = all
	}

	var entries []HistoryEntry
	for _, p := range projects {
		raw, err := r.rdb.LRange(ctx, historyKey(p), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history for %s: %w", p, err)
		}
		for _, doc := range raw {
			var h HistoryEntry
			if err := json.Unmarshal([]byte(doc), &h); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
			}
			entries = append(entries, h)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt > entries[j].CreatedAt
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

// ClearHistory deletes entries, scoped to project when set.
func (r *RedisRepository) ClearHistory(ctx context.Context, project string) (int, error) {
	projects := []string{project}
	if project == "" {
		all, err := r.rdb.SMembers(ctx, historyProjectsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read history projects: %w", err)
		}
		projects = all
	}

	removed := 0
	for _, p := range projects {
		n, err := r.rdb.LLen(ctx, historyKey(p)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to measure history for %s: %w", p, err)
		}
		if err := r.rdb.Del(ctx, historyKey(p)).Err(); err != nil {
			return removed, fmt.Errorf("failed to clear history for %s: %w", p, err)
		}
		if err := r.rdb.SRem(ctx, historyProjectsKey, p).Err(); err != nil {
			return removed, fmt.Errorf("failed to deregister history project: %w", err)
		}
		removed += int(n)
	}
	r.logger.Debug("cleared project history",
		zap.String("project", project), zap.Int("removed", removed))
	return removed, nil
}

// taskToHash converts a Task to Redis hash format. Complex fields
// (reviewers, options, decision) are JSON-encoded into single hash fields.
func taskToHash(t *task.Task) (map[string]interface{}, error) {
	reviewers, options, decision, err := encodeTaskFields(t)
	if err != nil {
		return nil, err
	}

	hash := map[string]interface{}{
		"id":                    t.ID,
		"title":                 t.Title,
		"description":           t.Description,
		"workspace_path":        t.WorkspacePath,
		"sandbox_path":          t.SandboxPath,
		"sandbox_owned":         boolToInt(t.SandboxOwned),
		"merge_target_path":     t.MergeTargetPath,
		"author":                t.Author.ID(),
		"reviewers":             reviewers,
		"options":               options,
		"status":                string(t.Status),
		"rounds_completed":      t.RoundsCompleted,
		"last_gate_reason":      string(t.LastGateReason),
		"workspace_fingerprint": t.WorkspaceFingerprint,
		"decision":              decision,
		"created_at":            formatTime(t.CreatedAt),
		"updated_at":            formatTime(t.UpdatedAt),
		"terminated_at":         "",
	}
	if t.TerminatedAt != nil {
		hash["terminated_at"] = formatTime(*t.TerminatedAt)
	}
	return hash, nil
}

// hashToTask converts a Redis hash back to a Task.
func hashToTask(hash map[string]string) (*task.Task, error) {
	roundsCompleted, err := strconv.Atoi(hash["rounds_completed"])
	if err != nil {
		return nil, fmt.Errorf("invalid rounds_completed field: %w", err)
	}

	t := &task.Task{
		ID:                   hash["id"],
		Title:                hash["title"],
		Description:          hash["description"],
		WorkspacePath:        hash["workspace_path"],
		SandboxPath:          hash["sandbox_path"],
		SandboxOwned:         hash["sandbox_owned"] == "1",
		MergeTargetPath:      hash["merge_target_path"],
		Status:               task.Status(hash["status"]),
		RoundsCompleted:      roundsCompleted,
		LastGateReason:       task.Reason(hash["last_gate_reason"]),
		WorkspaceFingerprint: hash["workspace_fingerprint"],
	}

	if t.Author, err = task.ParseParticipant(hash["author"]); err != nil {
		return nil, fmt.Errorf("invalid author field: %w", err)
	}
	if err := json.Unmarshal([]byte(hash["reviewers"]), &t.Reviewers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reviewers: %w", err)
	}
	if err := json.Unmarshal([]byte(hash["options"]), &t.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if decision := hash["decision"]; decision != "" {
		t.Decision = &task.Decision{}
		if err := json.Unmarshal([]byte(decision), t.Decision); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
	}
	if t.CreatedAt, err = parseTime(hash["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	if t.UpdatedAt, err = parseTime(hash["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}
	if ts := hash["terminated_at"]; ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("invalid terminated_at field: %w", err)
		}
		t.TerminatedAt = &parsed
	}
	return t, nil
}
