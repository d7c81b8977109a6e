package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/drip/db"
)

// CreateTestDB creates an in-memory SQLite database with all migrations applied.
// The pool holds a single connection, so callers must not hold rows open
// while issuing another query. Cleanup is registered via t.Cleanup().
func CreateTestDB(t testing.TB) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
