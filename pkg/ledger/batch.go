package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BatchVersion is the supported batch definition schema version.
const BatchVersion = "1.0"

// Batch is a validated batch definition: the set of jobs to enqueue
// for one run.
//
// Example (YAML):
//
//	version: "1.0"
//	run_id: run-2026-09-01
//	defaults:
//	  algorithm: mesh_v2
//	items:
//	  - parent: asset-042
//	    variant: a
//	    includes:
//	      - "scans/042/**/*.png"
//	    reference: refs/042/truth.glb
type Batch struct {
	Version  string      `yaml:"version"`
	RunID    string      `yaml:"run_id"`
	Defaults BatchItem   `yaml:"defaults,omitempty"`
	Items    []BatchItem `yaml:"items"`
}

// BatchItem defines one candidate job. Empty fields fall back to the
// batch defaults.
type BatchItem struct {
	Parent    string   `yaml:"parent,omitempty"`
	Variant   string   `yaml:"variant,omitempty"`
	Algorithm string   `yaml:"algorithm,omitempty"`
	Includes  []string `yaml:"includes,omitempty"`
	Excludes  []string `yaml:"excludes,omitempty"`
	Reference string   `yaml:"reference,omitempty"`
}

// LoadBatch reads and validates a batch definition from path.
// Unknown fields are rejected.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("batch file not found: %s", path)
		}
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return LoadBatchFromBytes(data)
}

// LoadBatchFromBytes parses and validates a batch definition.
func LoadBatchFromBytes(data []byte) (*Batch, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("batch file is empty")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	b.applyDefaults()
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Batch) applyDefaults() {
	for i := range b.Items {
		item := &b.Items[i]
		if item.Algorithm == "" {
			item.Algorithm = b.Defaults.Algorithm
		}
		if item.Variant == "" {
			item.Variant = b.Defaults.Variant
		}
		if len(item.Includes) == 0 {
			item.Includes = b.Defaults.Includes
		}
		if len(item.Excludes) == 0 {
			item.Excludes = b.Defaults.Excludes
		}
	}
}

func (b *Batch) validate() error {
	if strings.TrimSpace(b.Version) != BatchVersion {
		return fmt.Errorf("unsupported batch version %q (want %q)", b.Version, BatchVersion)
	}
	if strings.TrimSpace(b.RunID) == "" {
		return errors.New("run_id is required")
	}
	if len(b.Items) == 0 {
		return errors.New("batch has no items")
	}
	for i, item := range b.Items {
		if strings.TrimSpace(item.Parent) == "" {
			return fmt.Errorf("items[%d]: parent is required", i)
		}
		if strings.TrimSpace(item.Algorithm) == "" {
			return fmt.Errorf("items[%d]: algorithm is required (set it or defaults.algorithm)", i)
		}
		if len(item.Includes) == 0 {
			return fmt.Errorf("items[%d]: at least one include pattern is required", i)
		}
	}
	return nil
}
