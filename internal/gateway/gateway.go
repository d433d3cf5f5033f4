// Package gateway invokes participant provider CLIs as subprocesses.
//
// Every call is one subprocess run: the prompt goes to stdin, stdout and
// stderr are captured with a hard size cap, and the result is returned as a
// structured Outcome. The gateway never panics and never returns a bare
// error; all failure modes are classified into the closed Outcome.Class set
// so callers can branch on them deterministically.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/task"
)

const (
	// maxOutputSize caps captured stdout/stderr at 10MB per stream.
	// Output past the cap is discarded, not failed: a chatty agent is
	// still a usable agent.
	maxOutputSize = 10 * 1024 * 1024

	// maxStreamLine bounds a single forwarded stream line.
	maxStreamLine = 1024 * 1024

	// killGracePeriod bounds how long Wait may block on output pipes after
	// the process is killed. Provider CLIs fork helpers that inherit the
	// pipes and can outlive their parent.
	killGracePeriod = 10 * time.Second
)

// Class classifies how an invocation ended.
type Class string

const (
	// ClassOk indicates the subprocess exited zero.
	ClassOk Class = "ok"
	// ClassTimeout indicates the phase deadline elapsed before exit.
	ClassTimeout Class = "timeout"
	// ClassNotFound indicates the provider executable could not be resolved.
	ClassNotFound Class = "not_found"
	// ClassProviderLimit indicates stderr matched a rate-limit or quota
	// pattern for the provider.
	ClassProviderLimit Class = "provider_limit"
	// ClassRuntimeError covers every other failure (non-zero exit, start
	// failure, canceled context).
	ClassRuntimeError Class = "runtime_error"
)

// Call describes one participant invocation.
type Call struct {
	Participant task.Participant
	Phase       string        // Label carried into logs and stream events
	Prompt      string        // Delivered on stdin, closed after write
	Workdir     string        // Subprocess working directory
	Timeout     time.Duration // Per-call deadline; 0 means parent ctx only

	// Overrides resolved from task options. ParticipantOverride wins over
	// ProviderOverride field-wise; both layer on the provider config.
	ProviderOverride    *task.Override
	ParticipantOverride *task.Override

	// Stream, when non-nil, receives stdout lines while the subprocess
	// runs. Sends never block: lines are dropped (and counted) when the
	// channel is full.
	Stream chan<- string
}

// Outcome is the structured result of an invocation.
type Outcome struct {
	Class        Class
	ExitCode     int           // -1 when the process never ran or was killed
	Stdout       string
	Stderr       string
	Duration     time.Duration
	Truncated    bool // Either stream hit the output cap
	DroppedLines int  // Stream lines dropped because the channel was full

	err error
}

// Ok reports whether the invocation succeeded.
func (o Outcome) Ok() bool {
	return o.Class == ClassOk
}

// Err returns the failure behind a non-Ok outcome. Always nil for Ok.
func (o Outcome) Err() error {
	return o.err
}

// builtinLimitPatterns classify provider rate-limit chatter on stderr.
// Config limit_patterns extend these per provider.
var builtinLimitPatterns = map[string][]string{
	task.ProviderClaude: {`(?i)rate.?limit`, `(?i)usage limit`, `(?i)overloaded`, `\b429\b`},
	task.ProviderCodex:  {`(?i)rate.?limit`, `(?i)quota`, `\b429\b`},
	task.ProviderGemini: {`(?i)quota exceeded`, `(?i)resource.?exhausted`, `\b429\b`},
}

// Gateway resolves and runs provider CLIs.
type Gateway struct {
	providers map[string]config.ProviderConfig
	limits    map[string][]*regexp.Regexp
	logger    *zap.Logger
}

// New builds a gateway over the configured providers. Returns an error if
// any configured limit pattern fails to compile.
func New(providers map[string]config.ProviderConfig, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	limits := make(map[string][]*regexp.Regexp)
	for name, pc := range providers {
		patterns := append([]string{}, builtinLimitPatterns[name]...)
		patterns = append(patterns, pc.LimitPatterns...)
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("provider %s: invalid limit pattern %q: %w", name, p, err)
			}
			limits[name] = append(limits[name], re)
		}
	}

	return &Gateway{providers: providers, limits: limits, logger: logger}, nil
}

// Invoke runs one participant call to completion and classifies the result.
func (g *Gateway) Invoke(ctx context.Context, call Call) Outcome {
	provider := call.Participant.Provider
	pc, ok := g.providers[provider]
	if !ok {
		return Outcome{
			Class:    ClassNotFound,
			ExitCode: -1,
			err:      fmt.Errorf("provider %s is not configured", provider),
		}
	}

	argv, env := g.buildInvocation(pc, call)
	path, err := resolveCommand(argv[0], env)
	if err != nil {
		return Outcome{
			Class:    ClassNotFound,
			ExitCode: -1,
			err:      fmt.Errorf("failed to resolve %s executable: %w", provider, err),
		}
	}

	execCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, path, argv[1:]...)
	cmd.Dir = call.Workdir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = killGracePeriod

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{
			Class:    ClassRuntimeError,
			ExitCode: -1,
			err:      fmt.Errorf("failed to create stdin pipe: %w", err),
		}
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdoutCap := &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	stderrCap := &limitedWriter{w: stderrBuf, limit: maxOutputSize}
	cmd.Stderr = stderrCap

	var stdoutPipe io.ReadCloser
	if call.Stream != nil {
		// Streamed calls read stdout through a pipe so lines can be
		// forwarded while the process runs.
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return Outcome{
				Class:    ClassRuntimeError,
				ExitCode: -1,
				err:      fmt.Errorf("failed to create stdout pipe: %w", err),
			}
		}
	} else {
		cmd.Stdout = stdoutCap
	}

	g.logger.Debug("invoking participant",
		zap.String("participant", call.Participant.ID()),
		zap.String("phase", call.Phase),
		zap.String("command", path),
		zap.Duration("timeout", call.Timeout))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{
			Class:    classifyStartError(err),
			ExitCode: -1,
			err:      fmt.Errorf("failed to start %s: %w", provider, err),
		}
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := io.WriteString(stdinPipe, call.Prompt); err != nil {
			g.logger.Warn("failed to write prompt to stdin",
				zap.String("participant", call.Participant.ID()), zap.Error(err))
		}
	}()

	dropped := 0
	if stdoutPipe != nil {
		dropped = forwardStream(stdoutPipe, stdoutCap, call.Stream)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	out := Outcome{
		Class:        ClassOk,
		ExitCode:     0,
		Stdout:       stdoutBuf.String(),
		Stderr:       stderrBuf.String(),
		Duration:     duration,
		Truncated:    stdoutCap.truncated() || stderrCap.truncated(),
		DroppedLines: dropped,
	}

	if waitErr == nil {
		if dropped > 0 {
			g.logger.Warn("stream channel dropped lines",
				zap.String("participant", call.Participant.ID()),
				zap.Int("dropped", dropped))
		}
		return out
	}

	out.ExitCode = -1
	var exitErr *exec.ExitError
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		out.Class = ClassTimeout
		out.err = fmt.Errorf("%s timed out after %s", provider, duration.Round(time.Millisecond))
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		if g.matchesLimit(provider, out.Stderr) {
			out.Class = ClassProviderLimit
			out.err = fmt.Errorf("%s reported a usage limit (exit %d)", provider, out.ExitCode)
		} else {
			out.Class = ClassRuntimeError
			out.err = fmt.Errorf("%s exited with code %d", provider, out.ExitCode)
		}
	default:
		out.Class = ClassRuntimeError
		out.err = fmt.Errorf("%s failed: %w", provider, waitErr)
	}

	g.logger.Debug("participant invocation failed",
		zap.String("participant", call.Participant.ID()),
		zap.String("class", string(out.Class)),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", duration))
	return out
}

// buildInvocation merges provider config with call overrides into the final
// argv and environment. Precedence for the model: participant override, then
// provider override, then provider config. Extra args and env accumulate in
// the same order, lowest precedence first.
func (g *Gateway) buildInvocation(pc config.ProviderConfig, call Call) (argv, env []string) {
	model := pc.Model
	env = append(env, pc.Env...)
	extra := append([]string{}, pc.ExtraArgs...)

	for _, o := range []*task.Override{call.ProviderOverride, call.ParticipantOverride} {
		if o == nil {
			continue
		}
		if o.Model != "" {
			model = o.Model
		}
		extra = append(extra, o.ExtraArgs...)
		env = append(env, o.Env...)
	}

	argv = []string{pc.Command}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	argv = append(argv, extra...)
	return argv, env
}

func (g *Gateway) matchesLimit(provider, stderr string) bool {
	for _, re := range g.limits[provider] {
		if re.MatchString(stderr) {
			return true
		}
	}
	return false
}

func classifyStartError(err error) Class {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ClassNotFound
	}
	return ClassRuntimeError
}

// forwardStream copies subprocess stdout into the capped capture buffer
// while forwarding complete lines to the stream channel. Channel sends are
// non-blocking; a full channel drops the line and bumps the counter. The
// pipe is always drained to EOF so the subprocess never blocks on write.
func forwardStream(pipe io.Reader, capture io.Writer, stream chan<- string) (dropped int) {
	tee := io.TeeReader(pipe, capture)
	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		select {
		case stream <- scanner.Text():
		default:
			dropped++
		}
	}
	if scanner.Err() != nil {
		// An oversized line stops tokenization. Keep consuming through
		// the tee so the capture buffer still sees the full output.
		_, _ = io.Copy(io.Discard, tee)
	}
	return dropped
}

// limitedWriter enforces a byte cap. Writes past the cap are discarded but
// reported as successful so the producing subprocess is never back-pressured.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.written += len(p)
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err = lw.w.Write(toWrite)
	lw.written += len(p)
	return len(p), err
}

func (lw *limitedWriter) truncated() bool {
	return lw.written > lw.limit
}
