package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drip/db"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the drip database",
	Long: sym.DB + ` db — Manage the drip database

Examples:
  drip db migrate                 # Apply pending migrations
  drip db status                  # Show which migrations are applied`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	before, err := db.Status(database)
	if err != nil {
		return err
	}
	if err := db.Migrate(database, logger.AddDBSymbol(logger.Logger)); err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", path)
	}

	pending := 0
	for _, m := range before {
		if !m.Applied {
			pending++
		}
	}
	if pending == 0 {
		pterm.Info.Printf("%s %s is up to date\n", sym.DB, path)
		return nil
	}
	pterm.Success.Printf("%s Applied %d migration(s) to %s\n", sym.DB, pending, path)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	statuses, err := db.Status(database)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"Version", "Migration", "Applied"}}
	for _, m := range statuses {
		applied := "no"
		if m.Applied {
			applied = "yes"
		}
		rows = append(rows, []string{m.Version, m.Name, applied})
	}
	pterm.DefaultSection.Printf("%s %s", sym.DB, path)
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
