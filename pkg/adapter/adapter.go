// Package adapter defines the narrow boundary to external payload
// computation tools (3D content generation, quality scoring).
//
// The orchestrator never interprets a tool's internals: it hands over a
// request with resolved inputs and an output directory scoped
// exclusively to one job, and reads back a success flag, artifact
// paths, and metadata. Adapters must not write outside their assigned
// output directory and must not mutate the ledger.
package adapter

import (
	"context"
	"time"
)

// Request describes one payload invocation.
type Request struct {
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`

	// Algorithm selects the payload algorithm.
	Algorithm string `json:"algorithm"`

	// InputPaths are absolute, resolved input file paths.
	InputPaths []string `json:"input_paths"`

	// ReferencePath is an optional absolute ground-truth reference.
	ReferencePath string `json:"reference_path,omitempty"`

	// OutputDir is the directory scoped exclusively to this job. The
	// adapter must confine every write to it.
	OutputDir string `json:"output_dir"`

	// Timeout bounds the invocation; zero means no limit.
	Timeout time.Duration `json:"-"`
}

// Response is the adapter's verdict on one invocation.
type Response struct {
	Success bool `json:"success"`

	// ArtifactPath is the absolute path of the primary output artifact.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// AuxPaths are secondary artifacts (previews, intermediate meshes).
	AuxPaths []string `json:"aux_paths,omitempty"`

	// Version identifies the tool build that produced the artifact.
	Version string `json:"version,omitempty"`

	// Metadata carries tool-specific key/value details.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CostUSD is the reported cost of the invocation, if any.
	CostUSD string `json:"cost_usd,omitempty"`

	// Error is the tool's failure message when Success is false.
	Error string `json:"error,omitempty"`
}

// Adapter invokes an external payload tool for one job.
//
// Implementations may be unavailable, slow, or non-deterministic; the
// worker engine treats every invocation error as a per-job failure, not
// a run failure.
type Adapter interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
