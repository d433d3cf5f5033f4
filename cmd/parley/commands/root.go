// Package commands wires the parley CLI: project scaffolding, the serve
// daemon, and the task/event/stats views that talk to a running daemon over
// the REST API.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	serverURL string
	apiToken  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - multi-agent code review and self-evolution orchestrator",
	Long: `Parley drives review-and-repair workflows over a codebase: an author
agent proposes and implements, reviewer agents critique, and a gated round
loop repeats until the work passes, stalls, or runs out of budget.

The daemon (parley serve) owns all state; every other command talks to it
over the REST API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"daemon base URL (default http://127.0.0.1:7177, env PARLEY_SERVER)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "",
		"API token sent as X-Parley-Token (env PARLEY_API_TOKEN)")
}

// resolveServerURL applies flag, environment, and default in that order.
func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("PARLEY_SERVER"); env != "" {
		return env
	}
	return "http://127.0.0.1:7177"
}

// resolveToken applies flag then environment.
func resolveToken() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv("PARLEY_API_TOKEN")
}
