package commands

import (
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/task"
)

var decideFlags struct {
	note      string
	autoStart bool
}

var taskDecideCmd = &cobra.Command{
	Use:   "decide <task-id> <approve|reject|revise>",
	Short: "Record the author's decision on a waiting task",
	Long: `Record the author's decision on a task parked in waiting_manual.
Approve re-queues the task for full execution, reject cancels it, and
revise re-queues it with --note folded into the next proposal.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskDecide,
}

func init() {
	taskDecideCmd.Flags().StringVar(&decideFlags.note, "note", "", "Feedback recorded with the decision")
	taskDecideCmd.Flags().BoolVar(&decideFlags.autoStart, "auto-start", false, "Start the re-queued task immediately")
	taskCmd.AddCommand(taskDecideCmd)
}

func runTaskDecide(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	req := orchestrator.DecisionRequest{
		Decision:  task.DecisionKind(args[1]),
		Note:      decideFlags.note,
		AutoStart: decideFlags.autoStart,
	}
	var decided task.Task
	if err := newAPIClient().call(ctx, "POST", "/api/tasks/"+args[0]+"/author-decision", req, &decided); err != nil {
		return err
	}

	printer.Success("recorded %s for task %s\n", req.Decision, shortID(decided.ID))
	switch {
	case decided.Status == task.StatusQueued && decideFlags.autoStart:
		printer.Info("  re-queued and started in the background\n")
	case decided.Status == task.StatusQueued:
		printer.Info("  re-queued; run it with: parley task start %s\n", shortID(decided.ID))
	case decided.Status == task.StatusCanceled:
		printer.Info("  task canceled\n")
	}
	return nil
}
