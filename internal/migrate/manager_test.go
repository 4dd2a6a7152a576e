package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`create table a (id int); insert into a values (1);`)
	require.Len(t, stmts, 2)

	// Semicolons inside string literals do not split.
	stmts = splitStatements(`insert into a (v) values ('x;y'); select 1;`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "'x;y'")

	// Trailing statement without a semicolon is kept.
	stmts = splitStatements(`select 1`)
	require.Len(t, stmts, 1)
}

func TestCollectSQLOrdersByName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644))
	}

	files, err := collectSQL(dir, ".up.sql")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001_a.up.sql", files[0].Base)
	assert.Equal(t, "0002_b.up.sql", files[1].Base)
}

func TestCollectSQLMissingDir(t *testing.T) {
	files, err := collectSQL(filepath.Join(t.TempDir(), "absent"), ".up.sql")
	require.NoError(t, err)
	assert.Empty(t, files)
}
