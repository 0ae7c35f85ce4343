// Package marker persists per-job lifecycle flags in a state directory,
// independent of the ledger.
//
// Markers let an interrupted run recover: a worker writes an
// in-progress marker (refreshed as a heartbeat) before invoking the
// payload adapter, then replaces it with a completed or failed marker.
// Reconciliation reads markers as evidence when the ledger and the
// filesystem disagree.
//
// Directory layout:
//
//	<state>/<run_id>/<job_id>.inprogress
//	<state>/<run_id>/<job_id>.completed
//	<state>/<run_id>/<job_id>.failed
//	<state>/<run_id>/<job_id>.error     (full error detail sidecar)
package marker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind is a marker flavor.
type Kind string

const (
	KindInProgress Kind = "inprogress"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
)

// errorSidecarSuffix holds full error detail next to a failed marker.
const errorSidecarSuffix = "error"

// DefaultFreshness is the heartbeat window: an in-progress marker older
// than this is considered stale.
const DefaultFreshness = 10 * time.Minute

// Payload is the JSON body of a marker file.
type Payload struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	PID       int       `json:"pid,omitempty"`
	WrittenAt time.Time `json:"written_at"`
}

// Store reads and writes markers for one run's state directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir (typically
// <state>/<run_id>).
func NewStore(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// Dir returns the store's state directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the marker file path for a job and kind.
func (s *Store) Path(jobID string, kind Kind) string {
	return filepath.Join(s.dir, jobID+"."+string(kind))
}

// ErrorPath returns the error-detail sidecar path for a job.
func (s *Store) ErrorPath(jobID string) string {
	return filepath.Join(s.dir, jobID+"."+errorSidecarSuffix)
}

// LockPath returns the per-job lock resource path.
func (s *Store) LockPath(jobID string) string {
	return filepath.Join(s.dir, jobID)
}

// Write writes (or refreshes) a marker. The write is a plain truncating
// write: marker files are single-writer under the per-job lock, and a
// torn marker is repaired by reconciliation.
func (s *Store) Write(kind Kind, p *Payload) error {
	if p == nil || strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("marker payload requires a job_id")
	}
	if p.WrittenAt.IsZero() {
		p.WrittenAt = time.Now().UTC()
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(s.Path(p.JobID, kind), b, 0644); err != nil {
		return fmt.Errorf("write %s marker: %w", kind, err)
	}
	return nil
}

// Read loads a marker payload and its file mtime. Returns
// (nil, zero, nil) when the marker does not exist. A marker that exists
// but cannot be parsed still reports its mtime: presence is evidence
// even when the body is torn.
func (s *Store) Read(jobID string, kind Kind) (*Payload, time.Time, error) {
	path := s.Path(jobID, kind)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("stat %s marker: %w", kind, err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, info.ModTime().UTC(), fmt.Errorf("read %s marker: %w", kind, err)
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, info.ModTime().UTC(), nil
	}
	return &p, info.ModTime().UTC(), nil
}

// Has reports marker presence.
func (s *Store) Has(jobID string, kind Kind) bool {
	_, err := os.Stat(s.Path(jobID, kind))
	return err == nil
}

// Remove deletes a marker if present.
func (s *Store) Remove(jobID string, kind Kind) error {
	err := os.Remove(s.Path(jobID, kind))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s marker: %w", kind, err)
	}
	return nil
}

// Clear removes every marker and the error sidecar for a job. Used by
// explicit redo requests.
func (s *Store) Clear(jobID string) error {
	for _, kind := range []Kind{KindInProgress, KindCompleted, KindFailed} {
		if err := s.Remove(jobID, kind); err != nil {
			return err
		}
	}
	err := os.Remove(s.ErrorPath(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove error sidecar: %w", err)
	}
	return nil
}

// WriteErrorDetail stores the full error text sidecar for a job.
func (s *Store) WriteErrorDetail(jobID, detail string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(s.ErrorPath(jobID), []byte(detail), 0644); err != nil {
		return fmt.Errorf("write error sidecar: %w", err)
	}
	return nil
}

// ReadErrorDetail returns the error sidecar contents, or "" when absent.
func (s *Store) ReadErrorDetail(jobID string) string {
	b, err := os.ReadFile(s.ErrorPath(jobID))
	if err != nil {
		return ""
	}
	return string(b)
}

// Fresh reports whether a marker mtime is within the freshness window.
// A zero window uses DefaultFreshness.
func Fresh(mtime time.Time, window time.Duration, now time.Time) bool {
	if mtime.IsZero() {
		return false
	}
	if window <= 0 {
		window = DefaultFreshness
	}
	return now.Sub(mtime) <= window
}
