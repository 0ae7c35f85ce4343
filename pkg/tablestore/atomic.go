// Package tablestore provides durable, concurrency-safe persistence for
// the job ledger and its append-only event log.
//
// The ledger is a single CSV table shared by every worker on the host.
// All mutation goes through Upsert, which holds an exclusive lock scoped
// to the table path and rewrites the file with write-temp-then-rename
// semantics, so no reader ever observes a partially written table.
package tablestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWrite writes data to path via a temporary sibling file.
//
// The temporary file is flushed and synced before being renamed into
// place, and the parent directory is synced after the rename, so a
// crash at any point leaves either the old content or the new content
// at path, never a partial file. Parent directories are created on
// demand.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	// The rename is only durable once the directory entry is synced.
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync parent dir: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
