package tablestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTable_MissingFileReturnsNil(t *testing.T) {
	table, err := ReadTable(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Nil(t, table)
}

func TestWriteTable_RoundTripWithBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	in := NewTable([]string{"run_id", "job_id", "error"})
	in.Append(map[string]string{"run_id": "r1", "job_id": "j1", "error": "line one\nline two, with comma"})
	require.NoError(t, WriteTable(path, in))

	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, utf8BOM, raw[:3], "table must start with a UTF-8 BOM")

	out, readErr := ReadTable(path)
	require.NoError(t, readErr)
	require.NotNil(t, out)
	assert.Equal(t, in.Columns, out.Columns)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "line one\nline two, with comma", out.Rows[0]["error"])
}

func TestReadTable_ToleratesMissingBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(path, []byte("run_id,job_id\nr1,j1\n"), 0644))

	table, readErr := ReadTable(path)
	require.NoError(t, readErr)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "j1", table.Rows[0]["job_id"])
}

func TestAtomicWrite_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.txt")
	require.NoError(t, AtomicWrite(path, []byte("payload")))

	got, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "payload", string(got))
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, AtomicWrite(path, []byte("one")))
	require.NoError(t, AtomicWrite(path, []byte("two")))

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.txt", entries[0].Name())
}

func TestAtomicWrite_ReplacesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, AtomicWrite(path, []byte("old")))
	require.NoError(t, AtomicWrite(path, []byte("new")))

	got, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "new", string(got))
}
