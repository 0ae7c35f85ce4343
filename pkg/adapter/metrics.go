package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/batchforge/pkg/tablestore"
)

// MetricsFileName is the per-job side artifact holding scorer output.
// Scorers never write the ledger; the calling layer performs the
// ledger upsert.
const MetricsFileName = "metrics.json"

// MetricRequest asks a scorer to grade one artifact against reference
// data.
type MetricRequest struct {
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`

	// ArtifactPath is the candidate artifact to score.
	ArtifactPath string `json:"artifact_path"`

	// ReferencePath is the ground-truth reference.
	ReferencePath string `json:"reference_path"`

	// OutputDir receives the metrics side artifact and any scorer
	// scratch files.
	OutputDir string `json:"output_dir"`

	// Params are numeric tuning parameters passed through unchanged.
	Params map[string]float64 `json:"params,omitempty"`
}

// MetricResponse is the scorer's normalized payload.
type MetricResponse struct {
	Success bool `json:"success"`

	// Metrics maps metric name to value (e.g. geometry similarity,
	// visual fidelity scores).
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// ToolVersion identifies the scorer build.
	ToolVersion string `json:"tool_version,omitempty"`

	// ConfigFingerprint identifies the scoring configuration, so scores
	// from different configurations are never compared blindly.
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`

	// DurationSeconds is the scorer's own timing.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// ScoredAt stamps when the score was produced (UTC).
	ScoredAt time.Time `json:"scored_at,omitempty"`

	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`
}

// MetricScorer grades artifacts. External to the core worker loop.
type MetricScorer interface {
	Score(ctx context.Context, req *MetricRequest) (*MetricResponse, error)
}

// WriteMetricsArtifact persists a scorer response as the per-job
// metrics side artifact, atomically, and returns its path.
func WriteMetricsArtifact(outputDir string, resp *MetricResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("metric response is nil")
	}
	if resp.ScoredAt.IsZero() {
		resp.ScoredAt = time.Now().UTC()
	}
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	path := filepath.Join(outputDir, MetricsFileName)
	if err := tablestore.AtomicWrite(path, append(b, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// ReadMetricsArtifact loads a previously written metrics side artifact.
func ReadMetricsArtifact(outputDir string) (*MetricResponse, error) {
	path := filepath.Join(outputDir, MetricsFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metrics artifact: %w", err)
	}
	var resp MetricResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("parse metrics artifact: %w", err)
	}
	return &resp, nil
}
