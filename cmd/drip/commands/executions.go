package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/pulse/schedule"
	"github.com/teranos/drip/sym"
)

// ExecutionsCmd inspects and repairs execution records
var ExecutionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   sym.Pulse + " Inspect and repair execution records",
	Long: sym.Pulse + ` executions — Inspect and repair execution records

Every invocation claims one record per time bucket. A record left running by a
crashed process blocks its bucket until it is reset.

Examples:
  drip executions ls                   # Most recent first
  drip executions ls --status failed   # Only failed runs
  drip executions show exec_5926656    # One record with its error sample
  drip executions reset exec_5926656   # Release a stuck bucket
  drip executions prune --days 30      # Delete old finished records`,
}

var executionsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List execution records",
	RunE:    runExecutionsLs,
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one execution record",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsShow,
}

var executionsResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Mark a stuck running execution failed so its bucket can run again",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsReset,
}

var executionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished execution records older than the retention period",
	RunE:  runExecutionsPrune,
}

var (
	executionsJSON   bool
	executionsStatus string
	executionsLimit  int
	executionsOffset int
	pruneDays        int
)

func init() {
	executionsLsCmd.Flags().StringVar(&executionsStatus, "status", "", "Filter by status: running, completed, failed")
	executionsLsCmd.Flags().IntVar(&executionsLimit, "limit", 20, "Maximum records to show")
	executionsLsCmd.Flags().IntVar(&executionsOffset, "offset", 0, "Records to skip")
	executionsLsCmd.Flags().BoolVar(&executionsJSON, "json", false, "Output as JSON")
	executionsShowCmd.Flags().BoolVar(&executionsJSON, "json", false, "Output as JSON")
	executionsPruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Retention in days (default: drip.execution_retention_days)")

	ExecutionsCmd.AddCommand(executionsLsCmd)
	ExecutionsCmd.AddCommand(executionsShowCmd)
	ExecutionsCmd.AddCommand(executionsResetCmd)
	ExecutionsCmd.AddCommand(executionsPruneCmd)
}

// openExecutions opens the configured database and returns its execution store
func openExecutions() (*schedule.ExecutionStore, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return schedule.NewExecutionStore(database), database.Close, nil
}

func runExecutionsLs(cmd *cobra.Command, args []string) error {
	switch executionsStatus {
	case "", schedule.ExecutionStatusRunning, schedule.ExecutionStatusCompleted, schedule.ExecutionStatusFailed:
	default:
		return errors.Newf("unknown status %q (running, completed, failed)", executionsStatus)
	}

	store, closeDB, err := openExecutions()
	if err != nil {
		return err
	}
	defer closeDB()

	execs, total, err := store.ListExecutions(cmd.Context(), executionsLimit, executionsOffset, executionsStatus)
	if err != nil {
		return err
	}

	if executionsJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
			"executions": execs,
			"count":      len(execs),
			"total":      total,
		})
	}

	if len(execs) == 0 {
		pterm.Info.Println("No execution records")
		return nil
	}
	rows := pterm.TableData{{"ID", "Status", "Started", "Duration", "Processed", "OK", "Failed"}}
	for _, e := range execs {
		rows = append(rows, executionRow(e))
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Printf("%d of %d\n", len(execs), total)
	return nil
}

func executionRow(e *schedule.Execution) []string {
	duration := "-"
	if e.DurationMs != nil {
		duration = fmt.Sprintf("%dms", *e.DurationMs)
	}
	return []string{
		e.ID,
		e.Status,
		e.StartedAt,
		duration,
		fmt.Sprint(e.ProcessedCount),
		fmt.Sprint(e.SuccessCount),
		fmt.Sprint(e.FailureCount),
	}
}

func runExecutionsShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openExecutions()
	if err != nil {
		return err
	}
	defer closeDB()

	exec, err := store.GetExecution(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if executionsJSON {
		return writeJSON(cmd.OutOrStdout(), exec)
	}

	pterm.DefaultSection.Printf("%s %s", sym.Pulse, exec.ID)
	rows := pterm.TableData{{"ID", "Status", "Started", "Duration", "Processed", "OK", "Failed"}, executionRow(exec)}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if exec.ErrorMessage != nil {
		pterm.Error.Println(*exec.ErrorMessage)
	}
	if exec.ErrorSample != nil {
		pterm.Println()
		pterm.Info.Println("Error sample:")
		pterm.Println(*exec.ErrorSample)
	}
	return nil
}

func runExecutionsReset(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openExecutions()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.ResetExecution(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("%s %s marked failed; the next invocation in its bucket will run\n", sym.Pulse, args[0])
	return nil
}

func runExecutionsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	days := pruneDays
	if days == 0 {
		days = cfg.Drip.ExecutionRetentionDays
	}
	if days <= 0 {
		return errors.New("retention must be at least one day")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := schedule.NewExecutionStore(database).CleanupOldExecutions(cmd.Context(), days)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s Deleted %d execution record(s) older than %d days\n", sym.DB, n, days)
	return nil
}
