package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a parley project",
	Long: `Initialize a parley project in the given directory (default: current).

Creates:
  parley.yml          starter configuration
  .agents/            state directory (database, task artifacts)

Use --force to replace an existing parley.yml; the .agents/ directory is
never removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Replace an existing parley.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("cannot resolve project directory: %w", err)
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return err
		}
	}
	if err := scaffold.Initialize(dir, forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("initialized parley project in %s\n", dir)
	printer.Info("\nCreated:\n")
	for _, f := range scaffold.CreatedFiles() {
		printer.Info("  %s\n", f)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Review parley.yml and adjust providers if needed\n")
	printer.Info("  2. Run 'parley serve' to start the daemon\n")
	printer.Info("  3. Create a task: parley task create --title \"...\" --workspace .\n")
	return nil
}
