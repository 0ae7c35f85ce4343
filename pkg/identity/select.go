package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Selection errors.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a glob pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// SelectConfig configures input file selection under a workspace root.
type SelectConfig struct {
	// Includes are glob patterns files must match (at least one).
	Includes []string

	// Excludes are glob patterns files must not match (any). Optional.
	Excludes []string

	// IncludeHidden controls whether paths with a dot-prefixed segment
	// are eligible. Default false.
	IncludeHidden bool
}

// SelectInputs walks root and returns the slash-normalized relative
// paths of files matching cfg, sorted lexically for deterministic
// ordering. The sorted order is the ordered input set used for job
// identity.
func SelectInputs(root string, cfg SelectConfig) ([]string, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	for _, p := range append(append([]string(nil), cfg.Includes...), cfg.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}

	var selected []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)

		if !cfg.IncludeHidden && hasHiddenSegment(key) {
			return nil
		}
		included := false
		for _, p := range cfg.Includes {
			if ok, _ := doublestar.Match(p, key); ok {
				included = true
				break
			}
		}
		if !included {
			return nil
		}
		for _, p := range cfg.Excludes {
			if ok, _ := doublestar.Match(p, key); ok {
				return nil
			}
		}
		selected = append(selected, key)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	sort.Strings(selected)
	return selected, nil
}

func hasHiddenSegment(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
