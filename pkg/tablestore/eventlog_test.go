package tablestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRecord_TimestampPrefixedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs", "events.log")

	require.NoError(t, AppendRecord(ctx, path, "worker pass started"))
	require.NoError(t, AppendEvent(ctx, path, TypeJobStart, "r1", "j1", map[string]string{"worker": "w-1"}))

	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)

	for _, line := range lines {
		ts, rest, found := strings.Cut(line, "\t")
		require.True(t, found, "line missing timestamp prefix: %q", line)
		_, parseErr := time.Parse(time.RFC3339Nano, ts)
		require.NoError(t, parseErr, "bad timestamp prefix: %q", ts)
		require.NotEmpty(t, rest)
	}

	_, payload, _ := strings.Cut(lines[1], "\t")
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, TypeJobStart, ev.Type)
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, "j1", ev.JobID)
}

func TestAppendRecord_AppendsNotTruncates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.log")

	for i := 0; i < 5; i++ {
		require.NoError(t, AppendRecord(ctx, path, "tick"))
	}

	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, 5, strings.Count(string(raw), "\n"))
}
