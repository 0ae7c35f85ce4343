package marker

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	p := &Payload{RunID: "r1", JobID: "j1", WorkerID: "w-1", PID: 1234}
	if err := s.Write(KindInProgress, p); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, mtime, err := s.Read("j1", KindInProgress)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got == nil {
		t.Fatal("expected payload, got nil")
	}
	if got.WorkerID != "w-1" {
		t.Fatalf("worker_id mismatch: got=%q", got.WorkerID)
	}
	if got.WrittenAt.IsZero() {
		t.Fatal("written_at was not stamped")
	}
	if mtime.IsZero() {
		t.Fatal("mtime missing")
	}
}

func TestStore_AbsentMarkerReadsAsNil(t *testing.T) {
	s := NewStore(t.TempDir())

	got, mtime, err := s.Read("nope", KindCompleted)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got != nil || !mtime.IsZero() {
		t.Fatalf("expected absent marker, got payload=%v mtime=%v", got, mtime)
	}
	if s.Has("nope", KindCompleted) {
		t.Fatal("Has() reported a marker that does not exist")
	}
}

func TestStore_TornMarkerStillReportsMTime(t *testing.T) {
	s := NewStore(t.TempDir())

	p := &Payload{RunID: "r1", JobID: "j1"}
	if err := s.Write(KindFailed, p); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := os.WriteFile(s.Path("j1", KindFailed), []byte("{torn"), 0644); err != nil {
		t.Fatalf("corrupt marker: %v", err)
	}

	got, mtime, err := s.Read("j1", KindFailed)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got != nil {
		t.Fatal("torn marker should parse as nil payload")
	}
	if mtime.IsZero() {
		t.Fatal("torn marker must still report mtime as evidence")
	}
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	s := NewStore(t.TempDir())

	for _, kind := range []Kind{KindInProgress, KindCompleted, KindFailed} {
		if err := s.Write(kind, &Payload{RunID: "r1", JobID: "j1"}); err != nil {
			t.Fatalf("Write(%s): %v", kind, err)
		}
	}
	if err := s.WriteErrorDetail("j1", "full trace"); err != nil {
		t.Fatalf("WriteErrorDetail: %v", err)
	}

	if err := s.Clear("j1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, kind := range []Kind{KindInProgress, KindCompleted, KindFailed} {
		if s.Has("j1", kind) {
			t.Fatalf("%s marker survived Clear", kind)
		}
	}
	if s.ReadErrorDetail("j1") != "" {
		t.Fatal("error sidecar survived Clear")
	}
}

func TestFresh(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	if !Fresh(now.Add(-time.Minute), 10*time.Minute, now) {
		t.Fatal("one-minute-old marker should be fresh")
	}
	if Fresh(now.Add(-2*time.Hour), 10*time.Minute, now) {
		t.Fatal("two-hour-old marker should be stale")
	}
	if Fresh(time.Time{}, 10*time.Minute, now) {
		t.Fatal("zero mtime is never fresh")
	}
	// Zero window falls back to the default.
	if !Fresh(now.Add(-5*time.Minute), 0, now) {
		t.Fatal("five-minute-old marker should be fresh under the default window")
	}
}

func TestStartHeartbeat_RefreshesMarker(t *testing.T) {
	s := NewStore(t.TempDir())
	p := &Payload{RunID: "r1", JobID: "j1", WorkerID: "w-1"}
	if err := s.Write(KindInProgress, p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first, _, err := s.Read("j1", KindInProgress)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StartHeartbeat(ctx, s, p, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _, err := s.Read("j1", KindInProgress)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got != nil && got.WrittenAt.After(first.WrittenAt) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never refreshed the marker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()
}
