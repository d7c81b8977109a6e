package db

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/drip/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		var journalMode string
		err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
		require.NoError(t, err)
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		err = db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
		require.NoError(t, err)
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		err = db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
		require.NoError(t, err)
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("pragmas apply to every pooled connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "pool.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		// Hold several connections open at once so the pool must create new ones
		var wg sync.WaitGroup
		results := make([]int, 4)
		start := make(chan struct{})
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				tx, err := db.Begin()
				if err != nil {
					return
				}
				defer tx.Rollback()
				tx.QueryRow("PRAGMA foreign_keys").Scan(&results[i])
			}(i)
		}
		close(start)
		wg.Wait()

		for i, fk := range results {
			assert.Equal(t, 1, fk, "connection %d", i)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			db.Close()
		}
		require.Error(t, err)

		stackTrace := errors.GetStack(err)
		assert.NotNil(t, stackTrace, "error should have stack trace from errors.Wrap")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("in-memory database uses a single connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		assert.Equal(t, 1, db.Stats().MaxOpenConnections)

		_, err = db.Exec("CREATE TABLE t (id INTEGER)")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO t VALUES (1)")
		require.NoError(t, err, "table must be visible on the next statement")
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "drip.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", dsn("drip.db"))
	assert.Equal(t, ":memory:?_busy_timeout=5000&_foreign_keys=on", dsn(":memory:"))
	assert.True(t, strings.HasPrefix(dsn("file:x.db?cache=shared"), "file:x.db?cache=shared&"))
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "shutdown")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("no such table")))
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "unique.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO drip_executions (id, bucket, status, started_at, created_at, updated_at)
		VALUES ('exec_1', 1, 'running', 'x', 'x', 'x')`
	_, err = db.Exec(insert)
	require.NoError(t, err)

	_, err = db.Exec(insert)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(errors.Wrap(err, "insert")))
	assert.False(t, IsUniqueViolation(errors.New("other")))
	assert.False(t, IsBusy(err))
}
