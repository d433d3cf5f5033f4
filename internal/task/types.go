// Package task defines the core domain model for parley: tasks, their
// strategy options, participants, lifecycle status, and the append-only
// event vocabulary. Every other component speaks in these types; they carry
// no behavior beyond validation and the status transition graph.
package task

import (
	"fmt"
	"time"
)

// Task is the unit of work: one review-and-repair workflow against a target
// workspace, driven by an author participant and a set of reviewers.
type Task struct {
	ID          string `json:"id"`          // UUID - unique identifier for this task
	Title       string `json:"title"`       // Human-readable short title
	Description string `json:"description"` // Free-text goal description fed to prompts

	WorkspacePath   string `json:"workspace_path"`              // Target source tree the task operates on
	SandboxPath     string `json:"sandbox_path,omitempty"`      // Filtered copy where implementation runs (set at start when sandbox_mode=1)
	MergeTargetPath string `json:"merge_target_path,omitempty"` // Write-back destination; defaults to workspace_path
	SandboxOwned    bool   `json:"sandbox_owned,omitempty"`     // True when the sandbox manager allocated the sandbox (user-supplied paths are never deleted)

	Author    Participant   `json:"author"`    // The participant producing proposals and implementations
	Reviewers []Participant `json:"reviewers"` // Ordered list of reviewing participants

	Options Options `json:"options"` // Strategy options, immutable after create

	Status               Status     `json:"status"`
	RoundsCompleted      int        `json:"rounds_completed"`
	LastGateReason       Reason     `json:"last_gate_reason,omitempty"`
	WorkspaceFingerprint string     `json:"workspace_fingerprint,omitempty"` // Stable digest captured at create, re-checked on every start
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	TerminatedAt         *time.Time `json:"terminated_at,omitempty"`

	Decision *Decision `json:"decision,omitempty"` // Latest author decision, present after waiting_manual hand-off
}

// MergeTarget returns the effective write-back destination.
func (t *Task) MergeTarget() string {
	if t.MergeTargetPath != "" {
		return t.MergeTargetPath
	}
	return t.WorkspacePath
}

// WorkRoot returns the directory implementation and verification run in:
// the sandbox when one is allocated, the workspace otherwise.
func (t *Task) WorkRoot() string {
	if t.SandboxPath != "" {
		return t.SandboxPath
	}
	return t.WorkspacePath
}

// Participants returns the author followed by all reviewers.
func (t *Task) Participants() []Participant {
	out := make([]Participant, 0, len(t.Reviewers)+1)
	out = append(out, t.Author)
	out = append(out, t.Reviewers...)
	return out
}

// Validate checks structural validity of the task record.
// Option and participant validation is delegated to the respective types.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if t.WorkspacePath == "" {
		return fmt.Errorf("workspace_path cannot be empty")
	}
	if err := t.Author.Validate(); err != nil {
		return fmt.Errorf("invalid author: %w", err)
	}
	if len(t.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer is required")
	}
	seen := map[string]bool{t.Author.ID(): true}
	for i, r := range t.Reviewers {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid reviewer %d: %w", i, err)
		}
		if seen[r.ID()] {
			return fmt.Errorf("duplicate participant %q", r.ID())
		}
		seen[r.ID()] = true
	}
	if err := t.Options.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if err := t.Status.Validate(); err != nil {
		return err
	}
	return nil
}

// Status defines the lifecycle state of a task.
type Status string

const (
	// StatusQueued indicates the task is created or re-queued and waiting to start
	StatusQueued Status = "queued"

	// StatusRunning indicates the coordinator loop is driving the task
	StatusRunning Status = "running"

	// StatusWaitingManual indicates the task is parked for an author decision
	StatusWaitingManual Status = "waiting_manual"

	// StatusPassed indicates the task passed its gate (terminal)
	StatusPassed Status = "passed"

	// StatusFailedGate indicates the task exhausted its budget without passing (terminal)
	StatusFailedGate Status = "failed_gate"

	// StatusFailedSystem indicates an infrastructure failure, not task content (terminal)
	StatusFailedSystem Status = "failed_system"

	// StatusCanceled indicates an operator or deadline stop (terminal)
	StatusCanceled Status = "canceled"
)

// Validate checks that the status is one of the known values.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusRunning, StatusWaitingManual, StatusPassed,
		StatusFailedGate, StatusFailedSystem, StatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %q", s)
	}
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailedGate, StatusFailedSystem, StatusCanceled:
		return true
	default:
		return false
	}
}

// statusGraph holds the exhaustive set of allowed transitions. Any edge not
// listed here is rejected by the repository compare-and-set.
var statusGraph = map[Status][]Status{
	StatusQueued:        {StatusRunning, StatusCanceled},
	StatusRunning:       {StatusWaitingManual, StatusPassed, StatusFailedGate, StatusFailedSystem, StatusCanceled},
	StatusWaitingManual: {StatusQueued, StatusCanceled, StatusFailedSystem},
}

// CanTransitionTo reports whether the edge s -> next is on the allowed graph.
func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range statusGraph[s] {
		if n == next {
			return true
		}
	}
	return false
}

// RepairMode controls how aggressively the author is asked to restructure code.
type RepairMode string

const (
	RepairMinimal    RepairMode = "minimal"    // Smallest possible change
	RepairBalanced   RepairMode = "balanced"   // Fix plus local cleanup
	RepairStructural RepairMode = "structural" // Allowed to reshape surrounding code
)

// Validate checks that the repair mode is a known value.
func (m RepairMode) Validate() error {
	switch m {
	case RepairMinimal, RepairBalanced, RepairStructural:
		return nil
	default:
		return fmt.Errorf("invalid repair_mode: %q (must be minimal, balanced, or structural)", m)
	}
}

// MemoryMode controls how much project history is fed into prompts.
type MemoryMode string

const (
	MemoryOff    MemoryMode = "off"
	MemoryBasic  MemoryMode = "basic"  // Recent history summary seeds the discussion prompt
	MemoryStrict MemoryMode = "strict" // History seeded and the author must address it
)

// Validate checks that the memory mode is a known value.
func (m MemoryMode) Validate() error {
	switch m {
	case MemoryOff, MemoryBasic, MemoryStrict:
		return nil
	default:
		return fmt.Errorf("invalid memory_mode: %q (must be off, basic, or strict)", m)
	}
}

// Language selects the conversation language for prompts.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageChinese Language = "zh"
)

// Validate checks that the language is a known value.
func (l Language) Validate() error {
	switch l {
	case LanguageEnglish, LanguageChinese:
		return nil
	default:
		return fmt.Errorf("invalid conversation_language: %q (must be en or zh)", l)
	}
}

// PhaseTimeouts carries optional per-phase deadlines. Zero means the
// configured default for that phase applies.
type PhaseTimeouts struct {
	Proposal       time.Duration `json:"proposal,omitempty"`
	Discussion     time.Duration `json:"discussion,omitempty"`
	Implementation time.Duration `json:"implementation,omitempty"`
	Review         time.Duration `json:"review,omitempty"`
	Verification   time.Duration `json:"verification,omitempty"`
}

// Override adjusts how a provider or a single participant is invoked.
// Participant-level overrides take precedence over provider-level ones.
type Override struct {
	Model     string   `json:"model,omitempty"`      // Model name passed to the CLI
	ExtraArgs []string `json:"extra_args,omitempty"` // Appended to the argv verbatim
	Env       []string `json:"env,omitempty"`        // KEY=VALUE pairs added to the subprocess environment
}

// Options are the per-task strategy knobs. All fields are immutable after
// create; the coordinator and executors read, never write.
type Options struct {
	SandboxMode bool `json:"sandbox_mode"` // Run implementation in a filtered workspace copy
	SelfLoop    bool `json:"self_loop_mode"`
	AutoMerge   bool `json:"auto_merge"`
	DebateMode  bool `json:"debate_mode"`
	PlainMode   bool `json:"plain_mode"`  // Plain-text prompts, no markdown scaffolding
	StreamMode  bool `json:"stream_mode"` // Forward adapter stdout chunks as events

	EvolutionLevel int        `json:"evolution_level"` // 0..3, how far self-evolution may go
	RepairMode     RepairMode `json:"repair_mode"`
	MaxRounds      int        `json:"max_rounds"`             // 1..20; consulted only when EvolveUntil is absent
	EvolveUntil    *time.Time `json:"evolve_until,omitempty"` // Wall-clock stop condition; takes precedence over MaxRounds

	ConversationLanguage Language      `json:"conversation_language"`
	MemoryMode           MemoryMode    `json:"memory_mode"`
	PhaseTimeouts        PhaseTimeouts `json:"phase_timeouts,omitempty"`

	ProviderOverrides    map[string]Override `json:"provider_overrides,omitempty"`    // Keyed by provider name
	ParticipantOverrides map[string]Override `json:"participant_overrides,omitempty"` // Keyed by participant id, wins over provider

	ClaudeTeamAgents bool `json:"claude_team_agents,omitempty"`
	CodexMultiAgents bool `json:"codex_multi_agents,omitempty"`

	// FallbackProvider, when set, may be substituted for a provider that is
	// inside a rate-limit cooldown window at admission time.
	FallbackProvider string `json:"fallback_provider,omitempty"`

	TestCommand    string        `json:"test_command,omitempty"` // Verification test command; config default applies when empty
	LintCommand    string        `json:"lint_command,omitempty"`
	CommandTimeout time.Duration `json:"command_timeout,omitempty"`
}

// MaxRoundsLimit is the upper bound for Options.MaxRounds.
const MaxRoundsLimit = 20

// Validate checks option cardinalities and enum values.
func (o *Options) Validate() error {
	if o.EvolutionLevel < 0 || o.EvolutionLevel > 3 {
		return fmt.Errorf("evolution_level must be 0..3, got %d", o.EvolutionLevel)
	}
	if err := o.RepairMode.Validate(); err != nil {
		return err
	}
	if o.MaxRounds < 1 || o.MaxRounds > MaxRoundsLimit {
		return fmt.Errorf("max_rounds must be 1..%d, got %d", MaxRoundsLimit, o.MaxRounds)
	}
	if err := o.ConversationLanguage.Validate(); err != nil {
		return err
	}
	if err := o.MemoryMode.Validate(); err != nil {
		return err
	}
	return nil
}

// DefaultOptions returns the option set applied when a create request leaves
// fields unset.
func DefaultOptions() Options {
	return Options{
		SandboxMode:          true,
		DebateMode:           true,
		RepairMode:           RepairBalanced,
		MaxRounds:            3,
		ConversationLanguage: LanguageEnglish,
		MemoryMode:           MemoryBasic,
	}
}

// DecisionKind is the author's verdict on a task parked in waiting_manual.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve" // Re-queue for full execution
	DecisionReject  DecisionKind = "reject"  // Cancel the task
	DecisionRevise  DecisionKind = "revise"  // Re-queue; the note seeds the next proposal
)

// Validate checks that the decision kind is a known value.
func (d DecisionKind) Validate() error {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRevise:
		return nil
	default:
		return fmt.Errorf("invalid decision: %q (must be approve, reject, or revise)", d)
	}
}

// Decision records an author decision on a waiting_manual task.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	Note      string       `json:"note,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
