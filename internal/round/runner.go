package round

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/evidence"
)

const (
	// tailCapacity bounds the combined output kept per verification
	// command. The full output stays in the sandbox; the bundle only
	// needs enough tail to explain a failure.
	tailCapacity = 8 * 1024

	// notFoundExit is the shell's exit status for an unresolvable command.
	notFoundExit = 127

	// runnerKillGrace bounds how long Wait may block on pipes after the
	// deadline kills the process tree's leader.
	runnerKillGrace = 10 * time.Second
)

// CommandRunner executes one verification command in a working directory.
// The result is always a structured record; runner failures are encoded in
// it rather than returned as errors so the gate can reason over them.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string, timeout time.Duration) evidence.CommandResult
}

// shellRunner runs commands through `sh -c`, the same contract task options
// document for test_command and lint_command.
type shellRunner struct {
	logger *zap.Logger
}

// NewShellRunner returns the default CommandRunner.
func NewShellRunner(logger *zap.Logger) CommandRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &shellRunner{logger: logger}
}

func (r *shellRunner) Run(ctx context.Context, command, dir string, timeout time.Duration) evidence.CommandResult {
	res := evidence.CommandResult{Command: command, ExitCode: -1}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tail := &tailWriter{capacity: tailCapacity}
	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.WaitDelay = runnerKillGrace

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	res.Tail = tail.String()

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
	case isExitError(err, &res.ExitCode):
		// sh reports an unresolvable command as 127; that is a
		// configuration problem, not a verification failure.
		if res.ExitCode == notFoundExit {
			res.NotFound = true
		}
	case errors.Is(err, exec.ErrNotFound):
		res.NotFound = true
	}

	r.logger.Debug("verification command finished",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Bool("not_found", res.NotFound),
		zap.Duration("duration", duration))
	return res
}

func isExitError(err error, code *int) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		*code = exitErr.ExitCode()
		return true
	}
	return false
}

// tailWriter keeps the last capacity bytes written. stdout and stderr share
// one instance, so writes are serialized.
type tailWriter struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if excess := len(w.buf) - w.capacity; excess > 0 {
		w.buf = w.buf[excess:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.ToValidUTF8(string(w.buf), "")
}
