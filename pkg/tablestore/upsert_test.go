package tablestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.csv")
}

func TestUpsert_CreatesInitialTable(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)

	res, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "enqueued"},
		{"run_id": "r1", "job_id": "j2", "status": "enqueued"},
	}, []string{"run_id", "job_id"}, UpsertOptions{ColumnOrder: []string{"run_id", "job_id", "status"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, []string{"run_id", "job_id", "status"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "j1", table.Rows[0]["job_id"])
}

func TestUpsert_NoOpReportsZeroCounts(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	records := []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "completed"},
	}
	keys := []string{"run_id", "job_id"}

	_, err := Upsert(ctx, path, records, keys, UpsertOptions{})
	require.NoError(t, err)

	res, err := Upsert(ctx, path, records, keys, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Updated)
}

func TestUpsert_ReplacesMatchingRow(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	keys := []string{"run_id", "job_id"}

	_, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "enqueued"},
	}, keys, UpsertOptions{})
	require.NoError(t, err)

	res, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "completed"},
	}, keys, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "completed", table.Rows[0]["status"])
}

func TestUpsert_DeduplicatesIncomingLastWins(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)

	res, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "running"},
		{"run_id": "r1", "job_id": "j1", "status": "completed"},
	}, []string{"run_id", "job_id"}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "completed", table.Rows[0]["status"])
}

func TestUpsert_ColumnUnionKeepsExistingOrder(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	keys := []string{"run_id", "job_id"}

	_, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "enqueued", "algorithm": "mesh_v2"},
	}, keys, UpsertOptions{ColumnOrder: []string{"run_id", "job_id", "status", "algorithm"}})
	require.NoError(t, err)

	// A later pass introduces new metric columns; existing order must
	// not shift.
	_, err = Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j2", "status": "enqueued", "algorithm": "mesh_v2", "score_geo": "0.91", "score_vis": "0.84"},
	}, keys, UpsertOptions{ColumnOrder: []string{"run_id", "job_id", "status", "algorithm", "score_geo", "score_vis"}})
	require.NoError(t, err)

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_id", "job_id", "status", "algorithm", "score_geo", "score_vis"}, table.Columns)
	assert.Equal(t, "", table.Rows[0]["score_geo"])
	assert.Equal(t, "0.91", table.Rows[1]["score_geo"])
}

func TestUpsert_KeyColumnMismatchFailsWithoutWrite(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	keys := []string{"run_id", "job_id"}

	_, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "enqueued"},
	}, keys, UpsertOptions{})
	require.NoError(t, err)

	_, err = Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "status": "completed"},
	}, keys, UpsertOptions{})
	require.ErrorIs(t, err, ErrKeyColumnMissing)

	// Original table untouched.
	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "enqueued", table.Rows[0]["status"])
}

func TestUpsert_SkipExistingLeavesLifecycleFieldsAlone(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	keys := []string{"run_id", "job_id"}

	_, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "completed"},
	}, keys, UpsertOptions{})
	require.NoError(t, err)

	res, err := Upsert(ctx, path, []map[string]string{
		{"run_id": "r1", "job_id": "j1", "status": "enqueued"},
		{"run_id": "r1", "job_id": "j2", "status": "enqueued"},
	}, keys, UpsertOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Updated)

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "completed", table.Rows[0]["status"])
}

func TestUpsert_ConcurrentWritersLoseNoRows(t *testing.T) {
	ctx := context.Background()
	path := ledgerPath(t)
	keys := []string{"run_id", "job_id"}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Upsert(ctx, path, []map[string]string{
				{"run_id": "r1", "job_id": fmt.Sprintf("j%02d", i), "status": "completed"},
			}, keys, UpsertOptions{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Len(t, table.Rows, writers)
}
