package commands

import (
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/promote"
)

var promoteFlags struct {
	round  int
	target string
	asJSON bool
}

var taskPromoteCmd = &cobra.Command{
	Use:   "promote <task-id>",
	Short: "Promote a recorded round into the merge target",
	Long: `Promote the snapshot of a recorded round into the merge target. Only
finished candidate-mode tasks (max_rounds > 1, auto_merge off) can
promote; the evidence and promotion guards re-run before any file is
written.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskPromote,
}

func init() {
	taskPromoteCmd.Flags().IntVar(&promoteFlags.round, "round", 0, "Round to promote (required)")
	taskPromoteCmd.Flags().StringVar(&promoteFlags.target, "target", "", "Override the task's merge target")
	taskPromoteCmd.Flags().BoolVar(&promoteFlags.asJSON, "json", false, "Print the promotion summary as JSON")
	_ = taskPromoteCmd.MarkFlagRequired("round")
	taskCmd.AddCommand(taskPromoteCmd)
}

func runTaskPromote(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	body := map[string]any{"round": promoteFlags.round}
	if promoteFlags.target != "" {
		body["merge_target_path"] = promoteFlags.target
	}
	var summary promote.Summary
	if err := newAPIClient().call(ctx, "POST", "/api/tasks/"+args[0]+"/promote-round", body, &summary); err != nil {
		return err
	}
	if promoteFlags.asJSON {
		return printJSON(summary)
	}

	if summary.Ok() {
		printer.Success("promoted round %d into %s\n", summary.Round, summary.Target)
		printer.Info("  %d file(s) written, %d unchanged\n", len(summary.FilesWritten), summary.FilesSame)
		return nil
	}
	printer.Warning("promotion refused: %s\n", summary.FailureReason())
	if len(summary.Evidence.Missing) > 0 {
		for _, m := range summary.Evidence.Missing {
			printer.Info("  missing: %s\n", m)
		}
	}
	if summary.Guard.Detail != "" {
		printer.Info("  %s\n", summary.Guard.Detail)
	}
	return nil
}
