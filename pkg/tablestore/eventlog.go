package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event type constants for the structured event log.
// These follow the pattern: batchforge.<type>.v<version>
const (
	TypeJobStart  = "batchforge.job_start.v1"
	TypeJobFinish = "batchforge.job_finish.v1"
	TypeRunStart  = "batchforge.run_start.v1"
	TypeRunFinish = "batchforge.run_finish.v1"
	TypeRepair    = "batchforge.repair.v1"
	TypeNote      = "batchforge.note.v1"
)

// Event is the envelope for event log lines.
type Event struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	JobID string          `json:"job_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AppendRecord serializes record as one line, prefixed with a UTC
// timestamp, and appends it to the log at path under the log's
// exclusive lock. Parent directories are created on demand.
//
// record may be a string (written verbatim) or any JSON-marshalable
// value. Each line is self-contained:
//
//	2026-01-19T12:00:00.000000000Z	{"type":"batchforge.job_start.v1",...}
func AppendRecord(ctx context.Context, path string, record any) error {
	var payload []byte
	switch v := record.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		payload = b
	}

	line := make([]byte, 0, len(payload)+40)
	line = append(line, time.Now().UTC().Format(time.RFC3339Nano)...)
	line = append(line, '\t')
	line = append(line, payload...)
	line = append(line, '\n')

	lock, err := AcquireLock(ctx, path, 0)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := writeAll(f, line); err != nil {
		return fmt.Errorf("append event record: %w", err)
	}
	return nil
}

// AppendEvent marshals an Event envelope with a typed payload and
// appends it via AppendRecord.
func AppendEvent(ctx context.Context, path, eventType, runID, jobID string, data any) error {
	ev := Event{Type: eventType, RunID: runID, JobID: jobID}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		ev.Data = b
	}
	return AppendRecord(ctx, path, ev)
}

// writeAll writes all bytes to f, handling short writes.
//
// A Write may return n < len(p) with a nil error, which would silently
// truncate log lines.
func writeAll(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write to event log")
		}
		p = p[n:]
	}
	return nil
}
