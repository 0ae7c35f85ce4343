package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
	"github.com/3leaps/batchforge/pkg/tablestore"
)

type fixture struct {
	root string
	rec  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		root: root,
		rec: &Reconciler{
			Root:       root,
			Ledger:     filepath.Join(root, "ledger.csv"),
			StateRoot:  filepath.Join(root, ".state"),
			OutputRoot: filepath.Join(root, "outputs"),
			EventLog:   filepath.Join(root, "events.log"),
			Freshness:  10 * time.Minute,
		},
	}
}

func (f *fixture) store(runID string) *marker.Store {
	return marker.NewStore(filepath.Join(f.rec.StateRoot, runID))
}

func (f *fixture) writeArtifact(t *testing.T, rel string) string {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte("mesh-bytes"), 0644))
	return abs
}

func (f *fixture) seed(t *testing.T, rows ...map[string]string) {
	t.Helper()
	table := tablestore.NewTable(ledger.Columns)
	for _, row := range rows {
		table.Append(row)
	}
	require.NoError(t, tablestore.WriteTable(f.rec.Ledger, table))
}

func (f *fixture) load(t *testing.T, runID string) map[string]*ledger.Job {
	t.Helper()
	jobs, err := ledger.LoadRun(f.rec.Ledger, runID)
	require.NoError(t, err)
	byID := make(map[string]*ledger.Job, len(jobs))
	for _, j := range jobs {
		byID[j.JobID] = j
	}
	return byID
}

func TestReconcile_MissingArtifactDowngradesWhenFixEnabled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{
		ledger.ColRunID:        "r1",
		ledger.ColJobID:        "j1",
		ledger.ColStatus:       string(ledger.StatusCompleted),
		ledger.ColArtifactPath: "outputs/r1/j1/model.glb", // never written
	})

	// Without --fix the claim is left alone.
	report, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Downgraded)
	assert.Equal(t, ledger.StatusCompleted, f.load(t, "r1")["j1"].Status)

	// With --fix the completed claim is overridden.
	f.rec.Fix = true
	report, err = f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downgraded)

	job := f.load(t, "r1")["j1"]
	assert.Equal(t, ledger.StatusFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestReconcile_CompletedMarkerAndArtifactRestoreStatus(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "outputs/r1/j1/model.glb")
	f.seed(t, map[string]string{
		ledger.ColRunID:        "r1",
		ledger.ColJobID:        "j1",
		ledger.ColStatus:       string(ledger.StatusRunning), // crashed before commit
		ledger.ColArtifactPath: "outputs/r1/j1/model.glb",
	})
	require.NoError(t, f.store("r1").Write(marker.KindCompleted, &marker.Payload{RunID: "r1", JobID: "j1"}))

	report, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)

	job := f.load(t, "r1")["j1"]
	assert.Equal(t, ledger.StatusCompleted, job.Status)
	require.NotNil(t, job.EndedAt, "end timestamp synthesized from artifact mtime")
}

func TestReconcile_FailedMarkerWinsOverRunning(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{
		ledger.ColRunID:  "r1",
		ledger.ColJobID:  "j1",
		ledger.ColStatus: string(ledger.StatusRunning),
	})
	store := f.store("r1")
	require.NoError(t, store.Write(marker.KindFailed, &marker.Payload{RunID: "r1", JobID: "j1"}))
	require.NoError(t, store.WriteErrorDetail("j1", "generator segfault\nfull stack trace follows"))

	_, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)

	job := f.load(t, "r1")["j1"]
	assert.Equal(t, ledger.StatusFailed, job.Status)
	assert.Equal(t, "generator segfault", job.Error, "summary is the sidecar's first line")
}

func TestReconcile_DuplicateRowsMergeToOne(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "outputs/r1/jY/model.glb")
	f.seed(t,
		map[string]string{
			ledger.ColRunID:    "r1",
			ledger.ColJobID:    "jY",
			ledger.ColStatus:   string(ledger.StatusRunning),
			ledger.ColWorkerID: "w-7",
		},
		map[string]string{
			ledger.ColRunID:        "r1",
			ledger.ColJobID:        "jY",
			ledger.ColStatus:       string(ledger.StatusCompleted),
			ledger.ColArtifactPath: "outputs/r1/jY/model.glb",
		},
	)

	report, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesMerged)

	jobs, err := ledger.LoadRun(f.rec.Ledger, "r1")
	require.NoError(t, err)
	require.Len(t, jobs, 1, "duplicates must collapse to exactly one row")
	assert.Equal(t, ledger.StatusCompleted, jobs[0].Status)
	assert.Equal(t, "w-7", jobs[0].WorkerID, "worker metadata preserved from the other duplicate")
	assert.Equal(t, "outputs/r1/jY/model.glb", jobs[0].ArtifactPath)
}

func TestReconcile_StaleInProgressLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{
		ledger.ColRunID:  "r1",
		ledger.ColJobID:  "j1",
		ledger.ColStatus: string(ledger.StatusRunning),
	})
	store := f.store("r1")
	require.NoError(t, store.Write(marker.KindInProgress, &marker.Payload{RunID: "r1", JobID: "j1"}))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path("j1", marker.KindInProgress), old, old))

	f.rec.Fix = true
	report, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleMarkers)

	job := f.load(t, "r1")["j1"]
	assert.Equal(t, ledger.StatusRunning, job.Status, "stale marker must not auto-fail the job")
}

func TestReconcile_FreshInProgressRestoresRunning(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{
		ledger.ColRunID:  "r1",
		ledger.ColJobID:  "j1",
		ledger.ColStatus: string(ledger.StatusEnqueued),
	})
	require.NoError(t, f.store("r1").Write(marker.KindInProgress, &marker.Payload{RunID: "r1", JobID: "j1"}))

	_, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, f.load(t, "r1")["j1"].Status)
}

func TestReconcile_ArtifactPathRecoveredFromResponseFile(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "outputs/r1/j1/model.glb")
	outDir := filepath.Join(f.root, "outputs", "r1", "j1")
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "response.json"),
		[]byte(`{"success": true, "artifact_path": "model.glb"}`), 0644))
	f.seed(t, map[string]string{
		ledger.ColRunID:  "r1",
		ledger.ColJobID:  "j1",
		ledger.ColStatus: string(ledger.StatusCompleted),
		// artifact_path lost
	})
	require.NoError(t, f.store("r1").Write(marker.KindCompleted, &marker.Payload{RunID: "r1", JobID: "j1"}))

	_, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "outputs/r1/j1/model.glb", f.load(t, "r1")["j1"].ArtifactPath)
}

func TestReconcile_AuxPathsRecoveredWhenOnlyAuxLost(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "outputs/r1/j1/model.glb")
	f.writeArtifact(t, "outputs/r1/j1/preview.png")
	outDir := filepath.Join(f.root, "outputs", "r1", "j1")
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "response.json"),
		[]byte(`{"success": true, "artifact_path": "model.glb", "aux_paths": ["preview.png"]}`), 0644))
	f.seed(t, map[string]string{
		ledger.ColRunID:        "r1",
		ledger.ColJobID:        "j1",
		ledger.ColStatus:       string(ledger.StatusCompleted),
		ledger.ColArtifactPath: "outputs/r1/j1/model.glb",
		// aux_paths lost; artifact_path intact
	})

	_, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)

	job := f.load(t, "r1")["j1"]
	assert.Equal(t, "outputs/r1/j1/model.glb", job.ArtifactPath, "intact primary path must be kept")
	assert.Equal(t, []string{"outputs/r1/j1/preview.png"}, job.AuxPaths,
		"aux paths must be recovered even when the primary path was never lost")
}

func TestReconcile_SecondPassIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.writeArtifact(t, "outputs/r1/j1/model.glb")
	f.seed(t,
		map[string]string{
			ledger.ColRunID:  "r1",
			ledger.ColJobID:  "j1",
			ledger.ColStatus: string(ledger.StatusRunning),
		},
		map[string]string{
			ledger.ColRunID:        "r1",
			ledger.ColJobID:        "j1",
			ledger.ColStatus:       string(ledger.StatusCompleted),
			ledger.ColArtifactPath: "outputs/r1/j1/model.glb",
		},
		map[string]string{
			ledger.ColRunID:  "r1",
			ledger.ColJobID:  "j2",
			ledger.ColStatus: string(ledger.StatusCompleted),
			// artifact missing → downgraded
		},
	)
	require.NoError(t, f.store("r1").Write(marker.KindCompleted, &marker.Payload{RunID: "r1", JobID: "j1"}))

	f.rec.Fix = true
	first, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Positive(t, first.Corrected)

	second, err := f.rec.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Corrected, "unchanged evidence must yield zero corrections")
	assert.Equal(t, 0, second.DuplicatesMerged)
	assert.Equal(t, 0, second.Downgraded)
}

func TestMergeDuplicates_InformationPreserved(t *testing.T) {
	rows := []map[string]string{
		{ledger.ColRunID: "r1", ledger.ColJobID: "j", ledger.ColStatus: "running", ledger.ColWorkerID: "w-1", "score_geo": "0.88"},
		{ledger.ColRunID: "r1", ledger.ColJobID: "j", ledger.ColStatus: "completed", ledger.ColArtifactPath: "outputs/a.glb"},
		{ledger.ColRunID: "r1", ledger.ColJobID: "j", ledger.ColStatus: "enqueued", ledger.ColError: "old transient error"},
	}

	merged := mergeDuplicates(rows)
	assert.Equal(t, "completed", merged[ledger.ColStatus])
	assert.Equal(t, "w-1", merged[ledger.ColWorkerID])
	assert.Equal(t, "outputs/a.glb", merged[ledger.ColArtifactPath])
	assert.Equal(t, "0.88", merged["score_geo"], "unknown columns survive the merge")

	// Non-empty-field count of the merge is at least that of any input.
	count := func(row map[string]string) int {
		n := 0
		for _, v := range row {
			if v != "" {
				n++
			}
		}
		return n
	}
	for i, row := range rows {
		assert.GreaterOrEqual(t, count(merged), count(row), "input %d", i)
	}
}
