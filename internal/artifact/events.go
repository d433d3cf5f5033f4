package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/task"
)

// eventsFile is the per-task append-only event log name.
const eventsFile = "events.jsonl"

// EventLog appends task events to <task_dir>/events.jsonl, one JSON object
// per line, durable before return. It is the observability fallback: the
// full event history can be reconstructed from the file alone after
// repository loss.
//
// The log is the sole owner of event file handles. Appends for the same task
// reuse one handle; Close releases it.
type EventLog struct {
	store  *Store
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*os.File // task id -> open append handle
}

// NewEventLog returns an event log writing under the store's task dirs.
func NewEventLog(store *Store, logger *zap.Logger) *EventLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLog{store: store, logger: logger, open: make(map[string]*os.File)}
}

// Append writes one event line and syncs the file. A zero timestamp is
// filled at write time so replayed lines always carry one.
func (l *EventLog) Append(taskID string, e task.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.handleLocked(taskID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (l *EventLog) handleLocked(taskID string) (*os.File, error) {
	if f, ok := l.open[taskID]; ok {
		return f, nil
	}
	dir := l.store.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task dir: %w", err)
	}
	path := filepath.Join(dir, eventsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.open[taskID] = f
	return f, nil
}

// Read replays all events for a task from disk. A missing file yields an
// empty slice: no events have been recorded. Unparseable lines are skipped
// with a warning rather than failing the whole replay.
func (l *EventLog) Read(taskID string) ([]task.Event, error) {
	path := filepath.Join(l.store.TaskDir(taskID), eventsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []task.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e task.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn("skipping malformed event line",
				zap.String("task_id", taskID),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}

// Close releases the open handle for one task. Safe to call when none is open.
func (l *EventLog) Close(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.open[taskID]; ok {
		_ = f.Close()
		delete(l.open, taskID)
	}
}

// CloseAll releases every open handle; called on daemon shutdown.
func (l *EventLog) CloseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, f := range l.open {
		_ = f.Close()
		delete(l.open, id)
	}
}
