package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/cmd/relay/commands"
	"github.com/teranos/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay - pipeline orchestration engine",
	Long: `relay runs pipelines of agent jobs ordered by their dependencies.

Available commands:
  run      - Run a pipeline definition
  status   - Show the state of a run
  ls       - List recent runs
  resume   - Resume an interrupted or paused run
  cancel   - Cancel a run
  validate - Check a pipeline definition without running it
  serve    - Serve run status and event streams over HTTP
  am       - Manage relay configuration

Examples:
  relay run pipeline.yaml --input branch=main
  relay status 7f0c2d1e-...
  relay ls --limit 10
  relay serve`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		// Config errors surface in the command itself; logging falls back to console
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.LsCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}
