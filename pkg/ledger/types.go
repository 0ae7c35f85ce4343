// Package ledger defines the persistent job record model and the run
// manifest derived from it.
//
// The ledger is one CSV row per (run_id, job_id). Columns are
// append-only: new metric or cost columns may be introduced over time
// but existing columns are never removed or renamed, so old tables stay
// readable by new code and by spreadsheet tools.
package ledger

import (
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the ledger and are part of the
// stable on-disk contract.
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// statusPrecedence orders statuses for duplicate-row merging. Higher
// wins.
var statusPrecedence = map[Status]int{
	StatusCompleted: 4,
	StatusFailed:    3,
	StatusRunning:   2,
	StatusEnqueued:  1,
}

// Precedence returns the merge precedence of s. Unknown statuses rank
// below every known one.
func (s Status) Precedence() int {
	return statusPrecedence[s]
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusPrecedence[s]
	return ok
}

// Ledger column names. KeyColumns is the primary key; everything else
// is nullable.
const (
	ColRunID            = "run_id"
	ColJobID            = "job_id"
	ColParentID         = "parent_id"
	ColVariant          = "variant"
	ColAlgorithm        = "algorithm"
	ColInputFingerprint = "input_fingerprint"
	ColInputs           = "inputs"
	ColReferencePath    = "reference_path"
	ColStatus           = "status"
	ColStartedAt        = "started_at"
	ColEndedAt          = "ended_at"
	ColDurationSeconds  = "duration_seconds"
	ColWorkerID         = "worker_id"
	ColArtifactPath     = "artifact_path"
	ColAuxPaths         = "aux_paths"
	ColMetricsPath      = "metrics_path"
	ColAdapterVersion   = "adapter_version"
	ColError            = "error"
	ColCostUSD          = "cost_usd"
)

// KeyColumns is the ledger primary key.
var KeyColumns = []string{ColRunID, ColJobID}

// Columns is the canonical column introduction order for new tables.
var Columns = []string{
	ColRunID, ColJobID, ColParentID, ColVariant, ColAlgorithm,
	ColInputFingerprint, ColInputs, ColReferencePath, ColStatus,
	ColStartedAt, ColEndedAt, ColDurationSeconds, ColWorkerID,
	ColArtifactPath, ColAuxPaths, ColMetricsPath, ColAdapterVersion,
	ColError, ColCostUSD,
}

// pathListSep joins multi-valued path cells. Paths never legitimately
// contain it.
const pathListSep = ";"

// timeFormat is the persisted timestamp encoding (UTC, RFC3339Nano).
const timeFormat = time.RFC3339Nano

// Job is one ledger row, typed.
//
// All paths are stored relative to the workspace root, never absolute,
// so the workspace can be mounted or moved without corrupting records.
type Job struct {
	RunID string
	JobID string

	// Static definition, written once at batch creation.
	ParentID         string
	Variant          string
	Algorithm        string
	InputFingerprint string
	Inputs           []string
	ReferencePath    string

	// Lifecycle fields, owned by the worker and reconciliation.
	Status    Status
	StartedAt *time.Time
	EndedAt   *time.Time
	WorkerID  string

	// Result fields.
	ArtifactPath   string
	AuxPaths       []string
	MetricsPath    string
	AdapterVersion string
	Error          string
	CostUSD        string

	// Extra preserves columns this version of the code does not know
	// about, so rewriting a row never drops cells introduced by newer
	// schema growth.
	Extra map[string]string
}

// Duration returns the elapsed time when both endpoints are known.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0, false
	}
	return j.EndedAt.Sub(*j.StartedAt), true
}

// ToRow converts the job to a ledger row.
func (j *Job) ToRow() map[string]string {
	row := map[string]string{
		ColRunID:            j.RunID,
		ColJobID:            j.JobID,
		ColParentID:         j.ParentID,
		ColVariant:          j.Variant,
		ColAlgorithm:        j.Algorithm,
		ColInputFingerprint: j.InputFingerprint,
		ColInputs:           strings.Join(j.Inputs, pathListSep),
		ColReferencePath:    j.ReferencePath,
		ColStatus:           string(j.Status),
		ColStartedAt:        formatTime(j.StartedAt),
		ColEndedAt:          formatTime(j.EndedAt),
		ColWorkerID:         j.WorkerID,
		ColArtifactPath:     j.ArtifactPath,
		ColAuxPaths:         strings.Join(j.AuxPaths, pathListSep),
		ColMetricsPath:      j.MetricsPath,
		ColAdapterVersion:   j.AdapterVersion,
		ColError:            j.Error,
		ColCostUSD:          j.CostUSD,
	}
	if d, ok := j.Duration(); ok {
		row[ColDurationSeconds] = strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
	} else {
		row[ColDurationSeconds] = ""
	}
	for col, v := range j.Extra {
		if _, known := row[col]; !known {
			row[col] = v
		}
	}
	return row
}

var knownColumns = func() map[string]bool {
	m := make(map[string]bool, len(Columns))
	for _, c := range Columns {
		m[c] = true
	}
	return m
}()

// FromRow parses a ledger row into a Job. Unknown columns are kept in
// Extra; malformed timestamps read as absent rather than failing the
// load.
func FromRow(row map[string]string) *Job {
	var extra map[string]string
	for col, v := range row {
		if knownColumns[col] || v == "" {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[col] = v
	}
	return &Job{
		RunID:            row[ColRunID],
		JobID:            row[ColJobID],
		ParentID:         row[ColParentID],
		Variant:          row[ColVariant],
		Algorithm:        row[ColAlgorithm],
		InputFingerprint: row[ColInputFingerprint],
		Inputs:           splitPathList(row[ColInputs]),
		ReferencePath:    row[ColReferencePath],
		Status:           Status(row[ColStatus]),
		StartedAt:        parseTime(row[ColStartedAt]),
		EndedAt:          parseTime(row[ColEndedAt]),
		WorkerID:         row[ColWorkerID],
		ArtifactPath:     row[ColArtifactPath],
		AuxPaths:         splitPathList(row[ColAuxPaths]),
		MetricsPath:      row[ColMetricsPath],
		AdapterVersion:   row[ColAdapterVersion],
		Error:            row[ColError],
		CostUSD:          row[ColCostUSD],
		Extra:            extra,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func splitPathList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, pathListSep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
