package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/task"
)

var eventFlags struct {
	kind        string
	participant string
	since       string
	until       string
	asJSON      bool
}

var eventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Show a task's event log",
	Long: `Show a task's event log in sequence order. Filters combine: --kind
takes a glob (gate_*), --since and --until take a duration back from now
(30m, 2h) or an RFC3339 timestamp.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.StringVarP(&eventFlags.kind, "kind", "k", "", "Filter by event kind glob")
	f.StringVarP(&eventFlags.participant, "participant", "p", "", "Filter by participant id")
	f.StringVar(&eventFlags.since, "since", "", "Only events at or after this time")
	f.StringVar(&eventFlags.until, "until", "", "Only events at or before this time")
	f.BoolVar(&eventFlags.asJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := readContext()
	defer cancel()

	q := url.Values{}
	if eventFlags.kind != "" {
		q.Set("kind", eventFlags.kind)
	}
	if eventFlags.participant != "" {
		q.Set("participant", eventFlags.participant)
	}
	if eventFlags.since != "" {
		q.Set("since", eventFlags.since)
	}
	if eventFlags.until != "" {
		q.Set("until", eventFlags.until)
	}
	path := "/api/tasks/" + args[0] + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var events []task.Event
	if err := newAPIClient().call(ctx, "GET", path, nil, &events); err != nil {
		return err
	}
	if eventFlags.asJSON {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No events matched.")
		return nil
	}

	fmt.Printf("%-5s %-28s %-20s %s\n", "SEQ", "KIND", "PARTICIPANT", "TIME")
	for _, e := range events {
		fmt.Printf("%-5d %-28s %-20s %s\n",
			e.Seq, e.Kind, dash(e.ParticipantID), e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
