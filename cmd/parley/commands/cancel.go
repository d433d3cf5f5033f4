package commands

import (
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/task"
)

var cancelReason string
var forceFailReason string

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued, running, or waiting task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskForceFailCmd = &cobra.Command{
	Use:   "force-fail <task-id>",
	Short: "Force a stuck running task into failed_system",
	Long: `Force a running task into failed_system when its participant process
is wedged. Queued tasks cannot be force-failed; cancel those instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskForceFail,
}

func init() {
	taskCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Recorded cancellation reason")
	taskForceFailCmd.Flags().StringVar(&forceFailReason, "reason", string(task.ReasonWatchdogTimeout),
		"Recorded failure reason")
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskForceFailCmd)
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	body := map[string]any{"reason": cancelReason}
	var canceled task.Task
	if err := newAPIClient().call(ctx, "POST", "/api/tasks/"+args[0]+"/cancel", body, &canceled); err != nil {
		return err
	}
	printer.Success("task %s canceled\n", shortID(canceled.ID))
	return nil
}

func runTaskForceFail(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	body := map[string]any{"reason": forceFailReason}
	var failed task.Task
	if err := newAPIClient().call(ctx, "POST", "/api/tasks/"+args[0]+"/force-fail", body, &failed); err != nil {
		return err
	}
	printer.Success("task %s marked %s (%s)\n", shortID(failed.ID), failed.Status, failed.LastGateReason)
	return nil
}
