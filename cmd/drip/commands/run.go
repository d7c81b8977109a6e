package commands

import (
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/drip"
	"github.com/teranos/drip/drip/sender"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/sym"
)

// RunCmd performs one invocation of the engine and exits
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Drip + " Process due enrollments once",
	Long: sym.Drip + ` run — Process due enrollments once

Claims the current execution bucket, processes every due enrollment in paced
sub-batches, records the outcome and exits. A second run in the same bucket is
reported as skipped and changes nothing.

Suitable for cron: exit status is non-zero only when the run itself failed,
not when individual enrollments failed.

Examples:
  drip run                  # Summary table
  drip run --json           # Same response body as POST /api/drip/run`,
	RunE: runOnce,
}

var runJSON bool

func init() {
	RunCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run response as JSON")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	engine, err := newEngine(database, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := engine.Run(ctx)
	if err != nil {
		if res != nil && res.ExecutionID != "" {
			return errors.Wrapf(err, "run %s failed", res.ExecutionID)
		}
		return errors.Wrap(err, "run failed")
	}

	if runJSON {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	printRunResult(res)
	return nil
}

// newEngine wires the configured transport into an engine
func newEngine(database *sql.DB, cfg *am.Config, opts ...drip.Option) (*drip.Engine, error) {
	s, err := sender.New(cfg, logger.ComponentLogger("drip.sender"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build transport")
	}
	return engineWith(database, s, cfg, opts...), nil
}

func engineWith(database *sql.DB, s sender.Sender, cfg *am.Config, opts ...drip.Option) *drip.Engine {
	return drip.New(database, s, cfg, logger.AddDripSymbol(logger.ComponentLogger("drip.engine")), opts...)
}

func printRunResult(res *drip.RunResult) {
	if res.Skipped {
		pterm.Info.Printf("%s Skipped %s: %s\n", sym.Pulse, res.ExecutionID, res.Reason)
		return
	}

	s := res.Summary
	pterm.DefaultSection.Printf("%s Run %s", sym.Drip, res.ExecutionID)
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Processed", "Successful", "Failed", "Advanced", "Completed", "Paused", "Duration"},
		{
			fmt.Sprint(s.Processed), fmt.Sprint(s.Successful), fmt.Sprint(s.Failed),
			fmt.Sprint(s.Advanced), fmt.Sprint(s.Completed), fmt.Sprint(s.Paused),
			res.Duration.Round(time.Millisecond).String(),
		},
	}).Render()

	if len(s.Sample) == 0 {
		if s.Processed == 0 {
			pterm.Info.Println("No enrollments were due")
		} else {
			pterm.Success.Println("All enrollments processed")
		}
		return
	}

	rows := pterm.TableData{{"Enrollment", "Code", "Error"}}
	for _, f := range s.Sample {
		rows = append(rows, []string{f.EnrollmentID, string(f.Code), f.Error})
	}
	pterm.Println()
	pterm.Warning.Printf("%d enrollment(s) failed (showing %d)\n", s.Failed, len(s.Sample))
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
