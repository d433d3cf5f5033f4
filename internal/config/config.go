// Package config loads and validates parley.yml, the single configuration
// file for the daemon and CLI. Secrets and endpoints may be overridden from
// the environment (PARLEY_API_TOKEN, PARLEY_REDIS_URL, PARLEY_BIND); every
// other knob lives in the file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level parley.yml configuration.
type Config struct {
	Version   string           `yaml:"version"`
	Server    *ServerConfig    `yaml:"server,omitempty"`
	Storage   *StorageConfig   `yaml:"storage,omitempty"`
	Artifacts *ArtifactsConfig `yaml:"artifacts,omitempty"`
	Sandbox   *SandboxConfig   `yaml:"sandbox,omitempty"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
	Workflow  *WorkflowConfig  `yaml:"workflow,omitempty"`

	// Providers maps provider names to their invocation settings. The three
	// built-in providers get defaults; extension providers must declare a
	// command.
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// ServerConfig specifies the REST control plane surface.
type ServerConfig struct {
	Bind               string   `yaml:"bind,omitempty"`                  // Default 127.0.0.1:7177 (loopback)
	AuthToken          string   `yaml:"auth_token,omitempty"`            // Empty disables token auth
	AuthHeader         string   `yaml:"auth_header,omitempty"`           // Default X-Parley-Token
	RateLimitPerMinute *int     `yaml:"rate_limit_per_minute,omitempty"` // Per client+path; 0 disables (default 120)
	CORSOrigins        []string `yaml:"cors_origins,omitempty"`          // Dashboard origins; empty allows none
}

// StorageConfig selects the task repository backend.
type StorageConfig struct {
	RedisURL   string `yaml:"redis_url,omitempty"`   // When set, tasks persist in Redis
	SQLitePath string `yaml:"sqlite_path,omitempty"` // Embedded default: .agents/parley.db
}

// ArtifactsConfig locates the per-task artifact tree.
type ArtifactsConfig struct {
	Root string `yaml:"root,omitempty"` // Default .agents/threads
}

// SandboxConfig controls sandbox allocation.
type SandboxConfig struct {
	Base string `yaml:"base,omitempty"` // Parent dir for generated sandboxes
}

// SchedulerConfig controls process-wide admission. Durations are Go duration
// strings ("90s", "2m"); accessors parse and default.
type SchedulerConfig struct {
	MaxConcurrent     *int   `yaml:"max_concurrent,omitempty"`      // Admission cap (default 1)
	StartRetryBackoff string `yaml:"start_retry_backoff,omitempty"` // Delay before retrying a deferred start
	ProviderCooldown  string `yaml:"provider_cooldown,omitempty"`   // Hold window after a provider-limit outcome
}

// GetStartRetryBackoff parses the deferred-start retry delay.
func (s *SchedulerConfig) GetStartRetryBackoff() time.Duration {
	return parseDurationOr(s.StartRetryBackoff, 5*time.Second)
}

// GetProviderCooldown parses the provider cooldown window.
func (s *SchedulerConfig) GetProviderCooldown() time.Duration {
	return parseDurationOr(s.ProviderCooldown, 2*time.Minute)
}

// WorkflowConfig carries workflow-wide defaults that individual tasks may
// override through their options.
type WorkflowConfig struct {
	DefaultMaxRounds   *int   `yaml:"default_max_rounds,omitempty"`
	StrategyShiftLimit *int   `yaml:"strategy_shift_limit,omitempty"` // Shifts without progress before loop_no_progress
	CommandTimeout     string `yaml:"command_timeout,omitempty"`      // Verification command budget
	TestCommand        string `yaml:"test_command,omitempty"`
	LintCommand        string `yaml:"lint_command,omitempty"`

	PhaseTimeouts PhaseTimeoutsConfig `yaml:"phase_timeouts,omitempty"`

	BranchAllowlist      []string `yaml:"branch_allowlist,omitempty"`       // Promotion guard; empty allows any branch
	RequireCleanWorktree *bool    `yaml:"require_clean_worktree,omitempty"` // Promotion guard (default true)

	// FinishPhaseOnDeadline keeps the current phase running when evolve_until
	// passes mid-phase instead of stopping at the next suspension point.
	FinishPhaseOnDeadline bool `yaml:"finish_phase_on_deadline,omitempty"`

	WatchdogBudget string `yaml:"watchdog_budget,omitempty"` // Wall budget per task; empty disables the watchdog
}

// GetCommandTimeout parses the verification command budget.
func (w *WorkflowConfig) GetCommandTimeout() time.Duration {
	return parseDurationOr(w.CommandTimeout, 15*time.Minute)
}

// GetWatchdogBudget parses the per-task wall budget; zero disables it.
func (w *WorkflowConfig) GetWatchdogBudget() time.Duration {
	return parseDurationOr(w.WatchdogBudget, 0)
}

// PhaseTimeoutsConfig holds default per-phase deadlines as duration strings.
type PhaseTimeoutsConfig struct {
	Proposal       string `yaml:"proposal,omitempty"`
	Discussion     string `yaml:"discussion,omitempty"`
	Implementation string `yaml:"implementation,omitempty"`
	Review         string `yaml:"review,omitempty"`
	Verification   string `yaml:"verification,omitempty"`
}

// GetProposal parses the proposal phase deadline.
func (p *PhaseTimeoutsConfig) GetProposal() time.Duration {
	return parseDurationOr(p.Proposal, 10*time.Minute)
}

// GetDiscussion parses the discussion phase deadline.
func (p *PhaseTimeoutsConfig) GetDiscussion() time.Duration {
	return parseDurationOr(p.Discussion, 10*time.Minute)
}

// GetImplementation parses the implementation phase deadline.
func (p *PhaseTimeoutsConfig) GetImplementation() time.Duration {
	return parseDurationOr(p.Implementation, 30*time.Minute)
}

// GetReview parses the review phase deadline.
func (p *PhaseTimeoutsConfig) GetReview() time.Duration {
	return parseDurationOr(p.Review, 10*time.Minute)
}

// GetVerification parses the verification phase deadline.
func (p *PhaseTimeoutsConfig) GetVerification() time.Duration {
	return parseDurationOr(p.Verification, 20*time.Minute)
}

// ProviderConfig specifies how one provider's CLI is invoked.
type ProviderConfig struct {
	Command       string   `yaml:"command,omitempty"`        // Executable name or path; defaults to the provider name for built-ins
	Model         string   `yaml:"model,omitempty"`          // Default model flag value
	ExtraArgs     []string `yaml:"extra_args,omitempty"`     // Appended to every invocation
	Env           []string `yaml:"env,omitempty"`            // KEY=VALUE pairs for the subprocess
	LimitPatterns []string `yaml:"limit_patterns,omitempty"` // Extra stderr regexes classified as provider_limit
}

// Load reads, parses, validates, and defaults a config file, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML. Exposed separately so tests can feed
// configuration without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// Default returns the configuration used when no parley.yml exists.
func Default() *Config {
	cfg := &Config{Version: "1"}
	// Validate fills defaults on an empty config and cannot fail on it.
	_ = cfg.Validate()
	cfg.applyEnvOverrides()
	return cfg
}

// Validate performs strict validation and fills defaults for omitted
// sections. It is safe to call on a zero Config.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Version != "1" {
		return fmt.Errorf("unsupported config version: %s (expected: 1)", c.Version)
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if err := c.Server.validate(); err != nil {
		return err
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = ".agents/parley.db"
	}

	if c.Artifacts == nil {
		c.Artifacts = &ArtifactsConfig{}
	}
	if c.Artifacts.Root == "" {
		c.Artifacts.Root = ".agents/threads"
	}

	if c.Sandbox == nil {
		c.Sandbox = &SandboxConfig{}
	}
	if c.Sandbox.Base == "" {
		c.Sandbox.Base = defaultSandboxBase()
	}

	if c.Scheduler == nil {
		c.Scheduler = &SchedulerConfig{}
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}

	if c.Workflow == nil {
		c.Workflow = &WorkflowConfig{}
	}
	if err := c.Workflow.validate(); err != nil {
		return err
	}

	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for _, name := range []string{"claude", "codex", "gemini"} {
		p := c.Providers[name]
		if p.Command == "" {
			p.Command = name
		}
		c.Providers[name] = p
	}
	for name, p := range c.Providers {
		if p.Command == "" {
			return fmt.Errorf("provider %q: command is required for extension providers", name)
		}
	}

	return nil
}

func (s *ServerConfig) validate() error {
	if s.Bind == "" {
		s.Bind = "127.0.0.1:7177"
	}
	if s.AuthHeader == "" {
		s.AuthHeader = "X-Parley-Token"
	}
	if s.RateLimitPerMinute == nil {
		defaultLimit := 120
		s.RateLimitPerMinute = &defaultLimit
	}
	if *s.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute cannot be negative: %d", *s.RateLimitPerMinute)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.MaxConcurrent == nil {
		defaultCap := 1
		s.MaxConcurrent = &defaultCap
	}
	if *s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", *s.MaxConcurrent)
	}
	if err := checkDuration("scheduler.start_retry_backoff", s.StartRetryBackoff); err != nil {
		return err
	}
	if err := checkDuration("scheduler.provider_cooldown", s.ProviderCooldown); err != nil {
		return err
	}
	return nil
}

func (w *WorkflowConfig) validate() error {
	if w.DefaultMaxRounds == nil {
		defaultRounds := 3
		w.DefaultMaxRounds = &defaultRounds
	}
	if *w.DefaultMaxRounds < 1 || *w.DefaultMaxRounds > 20 {
		return fmt.Errorf("default_max_rounds must be 1..20, got %d", *w.DefaultMaxRounds)
	}
	if w.StrategyShiftLimit == nil {
		defaultShifts := 2
		w.StrategyShiftLimit = &defaultShifts
	}
	if *w.StrategyShiftLimit < 1 {
		return fmt.Errorf("strategy_shift_limit must be at least 1, got %d", *w.StrategyShiftLimit)
	}
	if w.RequireCleanWorktree == nil {
		requireClean := true
		w.RequireCleanWorktree = &requireClean
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"workflow.command_timeout", w.CommandTimeout},
		{"workflow.watchdog_budget", w.WatchdogBudget},
		{"workflow.phase_timeouts.proposal", w.PhaseTimeouts.Proposal},
		{"workflow.phase_timeouts.discussion", w.PhaseTimeouts.Discussion},
		{"workflow.phase_timeouts.implementation", w.PhaseTimeouts.Implementation},
		{"workflow.phase_timeouts.review", w.PhaseTimeouts.Review},
		{"workflow.phase_timeouts.verification", w.PhaseTimeouts.Verification},
	} {
		if err := checkDuration(d.name, d.value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PARLEY_API_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("PARLEY_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("PARLEY_BIND"); v != "" {
		c.Server.Bind = v
	}
}

func checkDuration(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid %s: %q (use Go duration syntax like '90s' or '2m')", name, value)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// defaultSandboxBase picks the sandbox parent directory. Windows gets a
// user-public root so generated paths survive profile redirection; everywhere
// else the system temp dir is used.
func defaultSandboxBase() string {
	if runtime.GOOS == "windows" {
		return `C:\Users\Public\parley`
	}
	return os.TempDir()
}
