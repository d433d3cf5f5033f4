package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/task"
)

var startFlags struct {
	background bool
	wait       bool
}

const waitPollInterval = 500 * time.Millisecond

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a queued task",
	Long: `Start a queued task. By default the command blocks until the round
loop finishes and reports the final status. With --background the daemon
runs the task and the command returns immediately; --wait starts in the
background and polls until the task settles.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskStart,
}

func init() {
	taskStartCmd.Flags().BoolVar(&startFlags.background, "background", false, "Return immediately, run on the daemon")
	taskStartCmd.Flags().BoolVar(&startFlags.wait, "wait", false, "Start in the background and poll until the task settles")
	taskCmd.AddCommand(taskStartCmd)
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	background := startFlags.background || startFlags.wait

	// A synchronous start blocks for the whole round loop, so no timeout.
	body := map[string]any{"background": background}
	var started task.Task
	if err := client.call(context.Background(), "POST", "/api/tasks/"+args[0]+"/start", body, &started); err != nil {
		return err
	}

	if !background {
		reportSettled(&started)
		return nil
	}
	if !startFlags.wait {
		printer.Success("task %s started in the background\n", shortID(started.ID))
		printer.Info("  follow with: parley task show %s\n", shortID(started.ID))
		return nil
	}
	return waitForTask(client, started.ID)
}

// waitForTask polls until the task reaches a terminal status or parks for
// an author decision, echoing each status change.
func waitForTask(client *apiClient, id string) error {
	last := task.Status("")
	for {
		ctx, cancel := readContext()
		var current task.Task
		err := client.call(ctx, "GET", "/api/tasks/"+id, nil, &current)
		cancel()
		if err != nil {
			return err
		}

		if current.Status != last {
			last = current.Status
			if !settled(&current) {
				printer.Info("  %s (round %d)\n", current.Status, current.RoundsCompleted)
			}
		}
		if settled(&current) {
			reportSettled(&current)
			return nil
		}
		time.Sleep(waitPollInterval)
	}
}

func settled(t *task.Task) bool {
	return t.Status.IsTerminal() || t.Status == task.StatusWaitingManual
}

func reportSettled(t *task.Task) {
	line := fmt.Sprintf("task %s finished: %s", shortID(t.ID), t.Status)
	if t.LastGateReason != "" {
		line += fmt.Sprintf(" (%s)", t.LastGateReason)
	}
	switch t.Status {
	case task.StatusPassed:
		printer.Success("%s after %d round(s)\n", line, t.RoundsCompleted)
	case task.StatusWaitingManual:
		printer.Info("task %s is waiting for an author decision\n", shortID(t.ID))
		printer.Info("  review it with: parley task summary %s\n", shortID(t.ID))
		printer.Info("  then decide:    parley task decide %s approve\n", shortID(t.ID))
	default:
		printer.Warning("%s after %d round(s)\n", line, t.RoundsCompleted)
	}
}
