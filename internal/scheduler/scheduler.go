// Package scheduler owns process-wide admission: a weighted semaphore caps
// how many tasks run at once, a dedup set collapses concurrent starts of the
// same task, and a per-provider cooldown map holds work away from providers
// that recently reported usage limits.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/task"
)

// Admission is the outcome of one admission attempt. Exactly one of Granted,
// Deduped, or Deferred is set.
type Admission struct {
	Granted  bool
	Deduped  bool
	Deferred bool
	Reason   task.Reason // Set on deferral: concurrency_limit or provider_cooldown

	// Substitutions maps cooling providers to the fallback chosen for this
	// run. The caller applies them to its working copy of the task.
	Substitutions map[string]string
}

// Scheduler is safe for concurrent use. One instance serves the whole
// process; it is owned by the orchestrator, never package state.
type Scheduler struct {
	sem      *semaphore.Weighted
	backoff  time.Duration
	cooldown time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
	cooling  map[string]time.Time
}

// New builds a scheduler from config. A nil config falls back to a single
// admission slot with default windows.
func New(cfg *config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = &config.SchedulerConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := 1
	if cfg.MaxConcurrent != nil && *cfg.MaxConcurrent > 0 {
		capacity = *cfg.MaxConcurrent
	}
	return &Scheduler{
		sem:      semaphore.NewWeighted(int64(capacity)),
		backoff:  cfg.GetStartRetryBackoff(),
		cooldown: cfg.GetProviderCooldown(),
		logger:   logger,
		inflight: make(map[string]bool),
		cooling:  make(map[string]time.Time),
	}
}

// Backoff is the delay before a deferred start should retry.
func (s *Scheduler) Backoff() time.Duration {
	return s.backoff
}

// Admit attempts to admit one start for the task. A grant holds one
// admission slot and the task's dedup mark until Done is called.
func (s *Scheduler) Admit(t *task.Task) Admission {
	s.mu.Lock()
	if s.inflight[t.ID] {
		s.mu.Unlock()
		return Admission{Deduped: true, Reason: task.ReasonStartDeduped}
	}

	subs, held := s.routeLocked(t)
	if held != "" {
		s.mu.Unlock()
		s.logger.Info("start held for provider cooldown",
			zap.String("task_id", t.ID),
			zap.String("provider", held))
		return Admission{Deferred: true, Reason: task.ReasonProviderCooldown}
	}
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		return Admission{Deferred: true, Reason: task.ReasonConcurrencyLimit}
	}

	s.mu.Lock()
	// A racing start may have won the slot between the two sections.
	if s.inflight[t.ID] {
		s.mu.Unlock()
		s.sem.Release(1)
		return Admission{Deduped: true, Reason: task.ReasonStartDeduped}
	}
	s.inflight[t.ID] = true
	s.mu.Unlock()

	return Admission{Granted: true, Substitutions: subs}
}

// Done releases the admission slot and the dedup mark for a granted start.
// Calling it for a task that was never granted is a no-op.
func (s *Scheduler) Done(taskID string) {
	s.mu.Lock()
	granted := s.inflight[taskID]
	delete(s.inflight, taskID)
	s.mu.Unlock()
	if granted {
		s.sem.Release(1)
	}
}

// ObserveLimit opens (or extends) the cooldown window for a provider after
// a usage-limit outcome was observed on it.
func (s *Scheduler) ObserveLimit(provider string) {
	if provider == "" {
		return
	}
	until := time.Now().Add(s.cooldown)
	s.mu.Lock()
	s.cooling[provider] = until
	s.mu.Unlock()
	s.logger.Warn("provider entered cooldown",
		zap.String("provider", provider),
		zap.Time("until", until))
}

// Cooling reports whether a provider is currently inside its cooldown
// window.
func (s *Scheduler) Cooling(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coolingLocked(provider)
}

func (s *Scheduler) coolingLocked(provider string) bool {
	until, ok := s.cooling[provider]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.cooling, provider)
		return false
	}
	return true
}

// routeLocked checks every provider the task routes work to. Cooling
// providers are replaced by the task's fallback when one is configured and
// itself admissible; otherwise the first unreplaceable provider holds the
// start.
func (s *Scheduler) routeLocked(t *task.Task) (subs map[string]string, held string) {
	fallback := t.Options.FallbackProvider
	for _, p := range t.Participants() {
		provider := p.Provider
		if !s.coolingLocked(provider) {
			continue
		}
		if fallback != "" && fallback != provider && !s.coolingLocked(fallback) {
			if subs == nil {
				subs = make(map[string]string)
			}
			subs[provider] = fallback
			continue
		}
		return nil, provider
	}
	return subs, ""
}
