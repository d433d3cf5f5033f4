package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and drive review tasks",
}

var (
	listLimit int
	listJSON  bool
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTaskList,
}

var showJSON bool

var taskShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show one task record",
	Long: `Show one task record. TASK_ID may be a full UUID or a unique prefix of
at least 6 characters.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskShow,
}

var taskSummaryCmd = &cobra.Command{
	Use:   "summary TASK_ID",
	Short: "Print the GitHub-flavored markdown digest for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskSummary,
}

func init() {
	taskListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum tasks to list (0 for all)")
	taskListCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	taskShowCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskSummaryCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	var tasks []task.Task
	if err := newAPIClient().call(ctx, "GET", fmt.Sprintf("/api/tasks?limit=%d", listLimit), nil, &tasks); err != nil {
		return err
	}

	if listJSON {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet. Run 'parley task create' to start one.")
		return nil
	}

	fmt.Printf("%-10s %-16s %-8s %-20s %s\n", "ID", "STATUS", "ROUNDS", "REASON", "TITLE")
	for _, t := range tasks {
		fmt.Printf("%-10s %-16s %-8d %-20s %s\n",
			shortID(t.ID), t.Status, t.RoundsCompleted, dash(string(t.LastGateReason)), truncate(t.Title, 50))
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	var t task.Task
	if err := newAPIClient().call(ctx, "GET", "/api/tasks/"+args[0], nil, &t); err != nil {
		return err
	}
	if showJSON {
		return printJSON(t)
	}

	fmt.Printf("%-14s %s\n", "ID:", t.ID)
	fmt.Printf("%-14s %s\n", "Title:", t.Title)
	if t.Description != "" {
		fmt.Printf("%-14s %s\n", "Description:", t.Description)
	}
	status := string(t.Status)
	if t.LastGateReason != "" {
		status += fmt.Sprintf(" (%s)", t.LastGateReason)
	}
	fmt.Printf("%-14s %s\n", "Status:", status)
	fmt.Printf("%-14s %d/%d\n", "Rounds:", t.RoundsCompleted, t.Options.MaxRounds)
	fmt.Printf("%-14s %s\n", "Author:", t.Author.ID())
	ids := make([]string, len(t.Reviewers))
	for i, r := range t.Reviewers {
		ids[i] = r.ID()
	}
	fmt.Printf("%-14s %s\n", "Reviewers:", strings.Join(ids, ", "))
	fmt.Printf("%-14s %s\n", "Workspace:", t.WorkspacePath)
	if t.SandboxPath != "" {
		fmt.Printf("%-14s %s\n", "Sandbox:", t.SandboxPath)
	}
	if t.MergeTargetPath != "" {
		fmt.Printf("%-14s %s\n", "Merge target:", t.MergeTargetPath)
	}
	fmt.Printf("%-14s sandbox=%v auto_merge=%v self_loop=%v debate=%v repair=%s\n",
		"Options:", t.Options.SandboxMode, t.Options.AutoMerge, t.Options.SelfLoop,
		t.Options.DebateMode, t.Options.RepairMode)
	if t.Options.EvolveUntil != nil {
		fmt.Printf("%-14s %s\n", "Evolve until:", t.Options.EvolveUntil.Format(time.RFC3339))
	}
	fmt.Printf("%-14s %s\n", "Created:", t.CreatedAt.Format(time.RFC3339))
	if t.TerminatedAt != nil {
		fmt.Printf("%-14s %s\n", "Terminated:", t.TerminatedAt.Format(time.RFC3339))
	}
	if t.Decision != nil {
		note := ""
		if t.Decision.Note != "" {
			note = ": " + t.Decision.Note
		}
		fmt.Printf("%-14s %s%s\n", "Decision:", t.Decision.Kind, note)
	}
	return nil
}

func runTaskSummary(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	data, err := newAPIClient().raw(ctx, "/api/tasks/"+args[0]+"/github-summary")
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
