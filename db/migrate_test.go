package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("successfully opens database and runs migrations", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{
			"schema_migrations", "sequences", "sequence_steps", "templates", "clients",
			"enrollments", "drip_executions", "messages", "lead_activities", "audit_log",
		} {
			var exists int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("migration errors include stack traces", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tmpDir := t.TempDir()
		require.NoError(t, os.Chmod(tmpDir, 0555))
		defer os.Chmod(tmpDir, 0755)

		db, err := OpenWithMigrations(filepath.Join(tmpDir, "test.db"), nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "stack should reference source file")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("records every migration", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		names, err := migrationNames()
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(names), count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})

	t.Run("enforces step uniqueness per sequence", func(t *testing.T) {
		db, err := OpenWithMigrations(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO sequences (id, name) VALUES ('seq', 'Welcome')`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO sequence_steps (id, sequence_id, step_number) VALUES ('s1', 'seq', 1)`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO sequence_steps (id, sequence_id, step_number) VALUES ('s2', 'seq', 1)`)
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("rejects unknown enrollment status", func(t *testing.T) {
		db, err := OpenWithMigrations(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO enrollments (id, client_id, sequence_id, status) VALUES ('e1', 'c1', 'seq', 'archived')`)
		assert.Error(t, err)
	})
}

func TestStatus(t *testing.T) {
	db, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	before, err := Status(db)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	for _, s := range before {
		assert.False(t, s.Applied, s.Name)
	}
	assert.Equal(t, "000", before[0].Version)
	assert.Equal(t, "000_create_schema_migrations", before[0].Name)

	require.NoError(t, Migrate(db, nil))

	after, err := Status(db)
	require.NoError(t, err)
	for _, s := range after {
		assert.True(t, s.Applied, s.Name)
	}
}
