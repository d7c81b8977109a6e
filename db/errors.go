package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/drip/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers errors returned directly by database/sql.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY constraint failure
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED after the busy timeout expired
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
