// Package identity derives stable job identifiers from a job's
// semantic inputs.
//
// Identity is a pure function of (parent, variant, algorithm, ordered
// input set), so re-running batch creation with unchanged inputs always
// reproduces the same job id and existing rows are recognized instead
// of duplicated.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// fingerprintLen is the hex length of short fingerprints. 12 hex chars
// (48 bits) keeps ids readable while making accidental collision within
// a run practically impossible.
const fingerprintLen = 12

type jobIDPayload struct {
	Parent    string `json:"parent"`
	Variant   string `json:"variant,omitempty"`
	Algorithm string `json:"algorithm"`
	Inputs    string `json:"inputs"`
}

// Seed is the semantic identity of a job.
type Seed struct {
	// Parent identifies the source entity the job derives from.
	Parent string

	// Variant distinguishes multiple jobs generated from one parent.
	Variant string

	// Algorithm names the payload algorithm the job will run.
	Algorithm string

	// Inputs is the ordered list of selected input paths, relative to
	// the workspace root. Order matters: the same files in a different
	// order are a different job.
	Inputs []string
}

// InputSetFingerprint computes a short fingerprint over the ordered
// input list. Paths are normalized to forward slashes first so the
// fingerprint is stable across platforms.
func InputSetFingerprint(inputs []string) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("input set is empty")
	}
	normalized := make([]string, len(inputs))
	for i, p := range inputs {
		trimmed := strings.TrimSpace(filepath.ToSlash(p))
		if trimmed == "" {
			return "", fmt.Errorf("input %d is empty", i)
		}
		normalized[i] = trimmed
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal input set: %w", err)
	}
	return shortHash(b), nil
}

// JobID computes the job identifier for a seed.
func JobID(seed Seed) (string, error) {
	parent := strings.TrimSpace(seed.Parent)
	if parent == "" {
		return "", errors.New("parent identity is required")
	}
	algorithm := strings.TrimSpace(seed.Algorithm)
	if algorithm == "" {
		return "", errors.New("algorithm is required")
	}

	inputFP, err := InputSetFingerprint(seed.Inputs)
	if err != nil {
		return "", err
	}

	payload := jobIDPayload{
		Parent:    parent,
		Variant:   strings.TrimSpace(seed.Variant),
		Algorithm: algorithm,
		Inputs:    inputFP,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job id payload: %w", err)
	}
	return shortHash(b), nil
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
