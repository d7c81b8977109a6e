package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/drip/cmd/drip/commands"
	"github.com/teranos/drip/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drip",
	Short: "drip - Drip sequence engine",
	Long: `drip - Time-driven follow-up sequences.

drip advances every enrollment whose next step is due: it renders the step's
template, hands the message to the configured transport, and moves the
enrollment along its sequence. Each invocation claims a time bucket, so a
trigger that fires twice in the same bucket does nothing the second time.

Available commands:
  run        - Process due enrollments once and exit
  serve      - Start the trigger server (optionally self-triggering)
  executions - Inspect and repair execution records
  seed       - Load sequences, clients and enrollments from YAML
  db         - Manage the drip database
  am         - Show or initialise configuration

Examples:
  drip run                  # One invocation, summary table
  drip run --json           # One invocation, JSON response
  drip serve --self-trigger # Trigger server plus in-process ticker
  drip executions ls        # Recent execution records`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// serve is a long-running process; show startup and run summaries by default
		if cmd.Name() == "serve" && verbosity == 0 {
			verbosity = logger.VerbosityInfo
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if !jsonLogs {
			jsonLogs = logger.IsProductionEnvironment()
		}
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs (default when ENVIRONMENT=production or DRIP_LOG_FORMAT=json)")
	rootCmd.PersistentFlags().StringVar(&commands.DatabasePath, "db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ExecutionsCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.SeedCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
