package commands

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/stats"
)

var statsFlags struct {
	window string
	asJSON bool
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics and reviewer analytics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsFlags.window, "window", "", "Recent-activity window, e.g. 24h or 7h30m (default 24h)")
	statsCmd.Flags().BoolVar(&statsFlags.asJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()
	client := newAPIClient()

	statsPath := "/api/stats"
	if statsFlags.window != "" {
		statsPath += "?window=" + url.QueryEscape(statsFlags.window)
	}
	var agg stats.Aggregates
	if err := client.call(ctx, "GET", statsPath, nil, &agg); err != nil {
		return err
	}
	var ana stats.Analytics
	if err := client.call(ctx, "GET", "/api/analytics", nil, &ana); err != nil {
		return err
	}

	if statsFlags.asJSON {
		return printJSON(struct {
			Stats     stats.Aggregates `json:"stats"`
			Analytics stats.Analytics  `json:"analytics"`
		}{agg, ana})
	}

	fmt.Printf("Tasks: %d total (%d terminal, %d active)\n\n", agg.TotalTasks, ana.Terminal, ana.Active)
	printCountTable("STATUS", agg.StatusCounts)
	printCountTable("GATE REASON", agg.ReasonCounts)
	printCountTable("OUTCOME", ana.Taxonomy)
	printCountTable("PROVIDER ERRORS", agg.ProviderErrors)

	r := agg.Recent
	fmt.Printf("Last %s: %d created, %d finished, %d passed", r.Window, r.Created, r.Finished, r.Passed)
	if r.Finished > 0 {
		fmt.Printf(" (%.0f%% pass rate, %.1f avg rounds)", r.PassRate*100, r.AvgRounds)
	}
	fmt.Println()

	if len(ana.Reviewers) > 0 {
		fmt.Printf("\n%-24s %-8s %-9s %-6s %-6s %s\n", "REVIEWER", "REVIEWS", "BLOCKERS", "RATE", "SOLO", "DRIFT")
		for _, rv := range ana.Reviewers {
			fmt.Printf("%-24s %-8d %-9d %-6.2f %-6d %.2f\n",
				rv.Participant, rv.Reviews, rv.Blockers, rv.BlockerRate, rv.SoloBlockers, rv.DriftRate)
		}
	}
	return nil
}

func printCountTable(header string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%-34s %s\n", header, "COUNT")
	for _, k := range keys {
		fmt.Printf("%-34s %d\n", k, counts[k])
	}
	fmt.Println()
}
