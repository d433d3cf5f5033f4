package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/timespec"
)

var createFlags struct {
	title       string
	description string
	workspace   string
	mergeTarget string
	author      string
	reviewers   []string

	maxRounds      int
	sandbox        bool
	debate         bool
	selfLoop       bool
	autoMerge      bool
	plain          bool
	stream         bool
	evolutionLevel int
	repair         string
	language       string
	memory         string
	testCommand    string
	lintCommand    string
	evolveUntil    string
	fallback       string

	autoStart bool
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a review task",
	Long: `Create a review task against a workspace. The author participant
implements; reviewers critique each round. Participants are written as
provider#alias, for example claude#author or codex#critic.

The task starts queued; run 'parley task start' or pass --auto-start.`,
	RunE: runTaskCreate,
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVarP(&createFlags.title, "title", "t", "", "Task title (required)")
	f.StringVarP(&createFlags.description, "description", "d", "", "Goal description fed to prompts")
	f.StringVarP(&createFlags.workspace, "workspace", "w", ".", "Target workspace directory")
	f.StringVar(&createFlags.mergeTarget, "merge-target", "", "Write-back destination (defaults to the workspace)")
	f.StringVar(&createFlags.author, "author", "claude#author", "Author participant (provider#alias)")
	f.StringArrayVarP(&createFlags.reviewers, "reviewer", "r", []string{"codex#critic", "gemini#second"},
		"Reviewer participant, repeatable")

	f.IntVar(&createFlags.maxRounds, "max-rounds", 0, "Round budget 1..20 (default from daemon config)")
	f.BoolVar(&createFlags.sandbox, "sandbox", true, "Run implementation in a filtered workspace copy")
	f.BoolVar(&createFlags.debate, "debate", true, "Reviewers see and answer each other")
	f.BoolVar(&createFlags.selfLoop, "self-loop", false, "Skip the proposal ceremony and iterate directly")
	f.BoolVar(&createFlags.autoMerge, "auto-merge", false, "Promote into the merge target when a round passes")
	f.BoolVar(&createFlags.plain, "plain", false, "Plain-text prompts without markdown scaffolding")
	f.BoolVar(&createFlags.stream, "stream", false, "Forward participant output chunks as events")
	f.IntVar(&createFlags.evolutionLevel, "evolution-level", 0, "Self-evolution reach 0..3")
	f.StringVar(&createFlags.repair, "repair", string(task.RepairBalanced), "Repair mode: minimal, balanced, structural")
	f.StringVar(&createFlags.language, "language", string(task.LanguageEnglish), "Conversation language: en, zh")
	f.StringVar(&createFlags.memory, "memory", string(task.MemoryBasic), "Project memory mode: off, basic, strict")
	f.StringVar(&createFlags.testCommand, "test-command", "", "Verification test command (default from workspace profile)")
	f.StringVar(&createFlags.lintCommand, "lint-command", "", "Verification lint command")
	f.StringVar(&createFlags.evolveUntil, "evolve-until", "",
		"Keep evolving until this deadline: duration like 8h or an RFC3339 timestamp")
	f.StringVar(&createFlags.fallback, "fallback-provider", "", "Substitute provider during rate-limit cooldowns")

	f.BoolVar(&createFlags.autoStart, "auto-start", false, "Start the task immediately in the background")
	_ = taskCreateCmd.MarkFlagRequired("title")

	taskCmd.AddCommand(taskCreateCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	req, err := buildCreateRequest()
	if err != nil {
		return err
	}

	ctx, cancel := readContext()
	defer cancel()

	var created task.Task
	if err := newAPIClient().call(ctx, "POST", "/api/tasks", req, &created); err != nil {
		return err
	}

	printer.Success("created task %s (%s)\n", shortID(created.ID), created.Title)
	if createFlags.autoStart {
		printer.Info("  started in the background; follow with: parley task show %s\n", shortID(created.ID))
	} else {
		printer.Info("  start it with: parley task start %s\n", shortID(created.ID))
	}
	return nil
}

// buildCreateRequest folds the flags into a full request. The complete
// option set is sent, so the values shown in --help are exactly the values
// the daemon applies.
func buildCreateRequest() (*orchestrator.CreateRequest, error) {
	workspace, err := filepath.Abs(createFlags.workspace)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve workspace path: %w", err)
	}
	mergeTarget := createFlags.mergeTarget
	if mergeTarget != "" {
		if mergeTarget, err = filepath.Abs(mergeTarget); err != nil {
			return nil, fmt.Errorf("cannot resolve merge target path: %w", err)
		}
	}

	opts := task.DefaultOptions()
	opts.SandboxMode = createFlags.sandbox
	opts.DebateMode = createFlags.debate
	opts.SelfLoop = createFlags.selfLoop
	opts.AutoMerge = createFlags.autoMerge
	opts.PlainMode = createFlags.plain
	opts.StreamMode = createFlags.stream
	opts.EvolutionLevel = createFlags.evolutionLevel
	opts.RepairMode = task.RepairMode(createFlags.repair)
	opts.ConversationLanguage = task.Language(createFlags.language)
	opts.MemoryMode = task.MemoryMode(createFlags.memory)
	opts.TestCommand = createFlags.testCommand
	opts.LintCommand = createFlags.lintCommand
	opts.FallbackProvider = createFlags.fallback
	if createFlags.maxRounds > 0 {
		opts.MaxRounds = createFlags.maxRounds
	}
	if createFlags.evolveUntil != "" {
		deadline, err := timespec.ParseDeadline(createFlags.evolveUntil)
		if err != nil {
			return nil, err
		}
		opts.EvolveUntil = &deadline
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &orchestrator.CreateRequest{
		Title:           createFlags.title,
		Description:     createFlags.description,
		WorkspacePath:   workspace,
		MergeTargetPath: mergeTarget,
		Author:          createFlags.author,
		Reviewers:       createFlags.reviewers,
		Options:         opts,
		AutoStart:       createFlags.autoStart,
	}, nil
}
