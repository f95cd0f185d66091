package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesWorkspaceAndSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, filepath.Join(dir, ".buildd", defaultDBName))

	var version int
	require.NoError(t, db.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.GreaterOrEqual(t, version, 1)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	for _, table := range []string{"events", "checkpoints", "escalations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("ws", ".buildd", defaultDBName), Path("ws"))
	assert.Equal(t, filepath.Join(".", ".buildd", defaultDBName), Path(""))
}
