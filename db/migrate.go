package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	migrationFiles, err := migrationNames()
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range migrationFiles {
		version := migrationVersion(filename)

		// schema_migrations is created by 000
		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if IsDatabaseClosed(err) {
				return errors.Wrap(err, "check schema_migrations")
			}
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(migrationFiles),
			"applied", applied,
		)
	}

	return nil
}

// MigrationStatus pairs an embedded migration with whether it has been applied
type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}

// Status reports every embedded migration and whether the database has applied it
func Status(db *sql.DB) ([]MigrationStatus, error) {
	migrationFiles, err := migrationNames()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err == nil {
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan schema_migrations")
			}
			applied[v] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "iterate schema_migrations")
		}
		rows.Close()
	} else if IsDatabaseClosed(err) {
		return nil, errors.Wrap(err, "query schema_migrations")
	}

	statuses := make([]MigrationStatus, 0, len(migrationFiles))
	for _, filename := range migrationFiles {
		version := migrationVersion(filename)
		statuses = append(statuses, MigrationStatus{
			Version: version,
			Name:    strings.TrimSuffix(filename, ".sql"),
			Applied: applied[version],
		})
	}
	return statuses, nil
}

// migrationNames returns the embedded .sql files in apply order
func migrationNames() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func migrationVersion(filename string) string {
	return strings.SplitN(filename, "_", 2)[0]
}
