package commands

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/store"
)

var historyFlags struct {
	project string
	clear   bool
	asJSON  bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or clear accumulated project memory",
	Long: `Show the project memory entries finished tasks leave behind. Entries
seed later tasks' prompts when memory_mode is basic or strict. --clear
removes them, for the named project or all projects.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFlags.project, "project", "", "Limit to one project (workspace path)")
	historyCmd.Flags().BoolVar(&historyFlags.clear, "clear", false, "Delete matching entries instead of listing")
	historyCmd.Flags().BoolVar(&historyFlags.asJSON, "json", false, "Print entries as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()
	client := newAPIClient()

	if historyFlags.clear {
		body := map[string]any{"project": historyFlags.project}
		var out struct {
			Cleared int `json:"cleared"`
		}
		if err := client.call(ctx, "POST", "/api/project-history/clear", body, &out); err != nil {
			return err
		}
		printer.Success("cleared %d history entr%s\n", out.Cleared, plural(out.Cleared, "y", "ies"))
		return nil
	}

	path := "/api/project-history"
	if historyFlags.project != "" {
		path += "?project=" + url.QueryEscape(historyFlags.project)
	}
	var entries []store.HistoryEntry
	if err := client.call(ctx, "GET", path, nil, &entries); err != nil {
		return err
	}
	if historyFlags.asJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No history entries.")
		return nil
	}

	fmt.Printf("%-10s %-12s %-20s %-9s %-8s %s\n", "TASK", "STATUS", "WHEN", "REVISIONS", "DISPUTES", "TITLE")
	for _, e := range entries {
		when := time.UnixMilli(e.CreatedAt).Local().Format("2006-01-02 15:04")
		fmt.Printf("%-10s %-12s %-20s %-9d %-8d %s\n",
			shortID(e.TaskID), e.Status, when, e.Revisions, e.Disputes, truncate(e.Title, 40))
		if e.CoreFindings != "" {
			fmt.Printf("           %s\n", truncate(e.CoreFindings, 90))
		}
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
