package commands

import (
	"database/sql"
	"encoding/json"
	"io"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/db"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
)

// DatabasePath overrides database.path when set (root --db flag)
var DatabasePath string

// loadConfig loads the layered configuration and applies the --db override.
// The returned config is a copy; the cached global is never mutated.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	c := *cfg
	if DatabasePath != "" {
		c.Database.Path = DatabasePath
	}
	return &c, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
