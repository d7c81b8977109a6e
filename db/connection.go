package db

import (
	"database/sql"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/sym"
)

// SQLite connection settings applied to every pooled connection via the DSN.
const (
	SQLiteBusyTimeoutMS = 5000
	// MaxOpenConns bounds the pool; SQLite serializes writers anyway.
	MaxOpenConns = 8
)

// Open opens a SQLite database at the specified path with WAL, foreign keys
// and a busy timeout set on every connection in the pool.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if isMemory(path) {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", !isMemory(path),
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

// dsn appends the connection pragmas understood by go-sqlite3
func dsn(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", strconv.Itoa(SQLiteBusyTimeoutMS))
	if !isMemory(path) {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:") || strings.Contains(path, "mode=memory")
}
