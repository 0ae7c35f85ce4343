package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// requestFileName and responseFileName are the exchange files in the
// job's output directory.
const (
	requestFileName  = "request.json"
	responseFileName = "response.json"
)

// CommandAdapter runs an external generator binary per job.
//
// Contract: the binary is invoked as
//
//	<binary> [extra args...] --request <output_dir>/request.json
//
// with the request serialized to request.json beforehand. The binary
// writes <output_dir>/response.json and exits zero on orderly
// completion (including reported failure); a non-zero exit or a missing
// response file is an invocation error. stdout/stderr are captured to
// log files beside the artifacts.
type CommandAdapter struct {
	// Binary is the generator executable. Resolved via $PATH when not
	// absolute.
	Binary string

	// Args are fixed arguments prepended before --request.
	Args []string

	// Env entries are appended to the inherited environment.
	Env []string
}

// NewCommandAdapter returns an adapter running binary with fixed args.
func NewCommandAdapter(binary string, args ...string) *CommandAdapter {
	return &CommandAdapter{Binary: binary, Args: args}
}

// Invoke implements Adapter.
func (a *CommandAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(a.Binary) == "" {
		return nil, fmt.Errorf("adapter binary is not configured")
	}
	if req == nil || strings.TrimSpace(req.OutputDir) == "" {
		return nil, fmt.Errorf("request output dir is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	reqPath := filepath.Join(req.OutputDir, requestFileName)
	b, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := os.WriteFile(reqPath, append(b, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("write request file: %w", err)
	}

	stdout, err := os.Create(filepath.Join(req.OutputDir, "stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(filepath.Join(req.OutputDir, "stderr.log"))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	args := append(append([]string(nil), a.Args...), "--request", reqPath)
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), a.Env...)
	// Run the tool inside its own output directory so relative writes
	// stay confined to it.
	cmd.Dir = req.OutputDir

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("run %s: %w", a.Binary, err)
	}

	return ReadResponse(req.OutputDir)
}

// ReadResponse loads the response file a tool left in a job's output
// directory. Relative artifact paths are resolved against the
// directory. Reconciliation uses this to recover artifact paths from
// on-disk evidence when the ledger lost them.
func ReadResponse(outputDir string) (*Response, error) {
	path := filepath.Join(outputDir, responseFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapter response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("parse adapter response: %w", err)
	}
	// Relative artifact paths are resolved against the output dir,
	// the only directory the adapter may write to.
	if resp.ArtifactPath != "" && !filepath.IsAbs(resp.ArtifactPath) {
		resp.ArtifactPath = filepath.Join(outputDir, resp.ArtifactPath)
	}
	for i, p := range resp.AuxPaths {
		if p != "" && !filepath.IsAbs(p) {
			resp.AuxPaths[i] = filepath.Join(outputDir, p)
		}
	}
	return &resp, nil
}

// Compile-time check that CommandAdapter implements Adapter.
var _ Adapter = (*CommandAdapter)(nil)
