package commands

import (
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drip/drip/fixtures"
	"github.com/teranos/drip/sym"
)

// SeedCmd loads sequences, clients and enrollments from a YAML fixtures file
var SeedCmd = &cobra.Command{
	Use:   "seed <fixtures.yaml>",
	Short: sym.DB + " Load sequences, clients and enrollments from YAML",
	Long: sym.DB + ` seed — Load sequences, clients and enrollments from YAML

Templates, sequences, steps and clients are upserted. Enrollments that already
exist keep their progress; only new enrollments are inserted, with next_step_at
computed from due_in relative to now.

Examples:
  drip seed fixtures/onboarding.yaml
  drip seed fixtures/onboarding.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

var seedJSON bool

func init() {
	SeedCmd.Flags().BoolVar(&seedJSON, "json", false, "Print the written row counts as JSON")
}

func runSeed(cmd *cobra.Command, args []string) error {
	fx, err := fixtures.Load(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	warnings := fx.Warnings()
	if !seedJSON {
		for _, w := range warnings {
			pterm.Warning.Println(w)
		}
	}

	counts, err := fixtures.Seed(cmd.Context(), database, fx, time.Now().UTC())
	if err != nil {
		return err
	}

	if seedJSON {
		return writeJSON(cmd.OutOrStdout(), counts)
	}
	pterm.Success.Printf("%s Seeded %s\n", sym.DB, cfg.GetDatabasePath())
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Templates", "Sequences", "Steps", "Clients", "Enrollments"},
		{strconv.Itoa(counts.Templates), strconv.Itoa(counts.Sequences), strconv.Itoa(counts.Steps), strconv.Itoa(counts.Clients), strconv.Itoa(counts.Enrollments)},
	}).Render()
}
