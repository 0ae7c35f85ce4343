package tablestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrKeyColumnMissing is returned when a key column named in an upsert
// is absent from the existing table or the incoming records.
var ErrKeyColumnMissing = errors.New("key column missing")

// UpsertOptions tunes Upsert behavior.
type UpsertOptions struct {
	// LockTimeout bounds lock acquisition on the table.
	// Zero uses DefaultLockTimeout.
	LockTimeout time.Duration

	// SkipExisting inserts only rows whose key is not already present,
	// leaving matching rows byte-for-byte untouched. Used by batch
	// creation so re-enqueueing a run never disturbs lifecycle fields.
	SkipExisting bool

	// ColumnOrder is the caller's preferred introduction order for
	// columns not yet present in the table. Records are plain maps, so
	// without a hint new columns would be introduced in key-first
	// lexical order instead.
	ColumnOrder []string
}

// UpsertResult reports exact mutation counts for telemetry.
type UpsertResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Upsert merges records into the table at path, keyed by keyColumns.
//
// The whole read-merge-write cycle runs under an exclusive lock scoped
// to path. If no table exists yet the records become the initial table.
// Incoming records are deduplicated by key (last occurrence wins). Each
// keyed record either replaces the matching existing row or is appended
// as a new row; row order is otherwise preserved.
//
// The resulting column set is the union of the existing columns (in
// their original order) followed by any new columns in first-seen order
// of the incoming records, so incremental schema growth never reorders
// unrelated columns.
//
// Updated counts only rows whose content actually changed; a no-op
// upsert therefore reports Inserted=0, Updated=0.
func Upsert(ctx context.Context, path string, records []map[string]string, keyColumns []string, opts UpsertOptions) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}
	if len(keyColumns) == 0 {
		return res, errors.New("at least one key column is required")
	}

	lock, err := AcquireLock(ctx, path, opts.LockTimeout)
	if err != nil {
		return res, err
	}
	defer func() { _ = lock.Release() }()

	existing, err := ReadTable(path)
	if err != nil {
		return res, err
	}

	// Validate key columns before touching anything.
	for _, key := range keyColumns {
		for _, rec := range records {
			if _, ok := rec[key]; !ok {
				return res, fmt.Errorf("%w: %q absent from incoming record", ErrKeyColumnMissing, key)
			}
		}
		if existing != nil && len(existing.Columns) > 0 && !existing.HasColumn(key) {
			return res, fmt.Errorf("%w: %q absent from existing table %s", ErrKeyColumnMissing, key, path)
		}
	}

	// Deduplicate incoming records by key, last occurrence wins.
	incoming := make([]map[string]string, 0, len(records))
	seen := make(map[string]int, len(records))
	for _, rec := range records {
		k := rowKey(rec, keyColumns)
		if idx, ok := seen[k]; ok {
			incoming[idx] = rec
			continue
		}
		seen[k] = len(incoming)
		incoming = append(incoming, rec)
	}

	merged := existing
	if merged == nil || len(merged.Columns) == 0 {
		merged = NewTable(nil)
	}
	for _, col := range opts.ColumnOrder {
		if anyRecordHas(incoming, col) {
			merged.AddColumn(col)
		}
	}
	for _, rec := range incoming {
		for _, col := range columnOrder(rec, keyColumns) {
			merged.AddColumn(col)
		}
	}

	// First occurrence of each key wins the index; later occurrences
	// are duplicate-key faults from a prior partial write. When an
	// incoming record targets such a key, the extra rows are dropped so
	// the corrected table is single-row-per-key again.
	index := make(map[string]int, len(merged.Rows))
	duplicates := make(map[string][]int)
	for i, row := range merged.Rows {
		k := rowKey(row, keyColumns)
		if _, ok := index[k]; ok {
			duplicates[k] = append(duplicates[k], i)
			continue
		}
		index[k] = i
	}

	removed := make(map[int]bool)
	for _, rec := range incoming {
		k := rowKey(rec, keyColumns)
		i, exists := index[k]
		if !exists {
			merged.Append(rec)
			res.Inserted++
			continue
		}
		if opts.SkipExisting {
			res.Skipped++
			continue
		}
		changed := !rowsEqual(merged.Rows[i], rec, merged.Columns)
		for _, dup := range duplicates[k] {
			removed[dup] = true
			changed = true
		}
		if !changed {
			continue
		}
		merged.Rows[i] = rec
		res.Updated++
	}
	if len(removed) > 0 {
		kept := merged.Rows[:0]
		for i, row := range merged.Rows {
			if !removed[i] {
				kept = append(kept, row)
			}
		}
		merged.Rows = kept
	}

	if res.Inserted == 0 && res.Updated == 0 {
		return res, nil
	}
	if err := WriteTable(path, merged); err != nil {
		return res, err
	}
	return res, nil
}

// columnOrder yields a record's columns with the key columns first and
// the rest in a stable lexical order, so first-seen column introduction
// is deterministic regardless of map iteration.
func columnOrder(rec map[string]string, keyColumns []string) []string {
	out := make([]string, 0, len(rec))
	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
		out = append(out, k)
	}
	rest := make([]string, 0, len(rec))
	for col := range rec {
		if !isKey[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func anyRecordHas(records []map[string]string, col string) bool {
	for _, rec := range records {
		if _, ok := rec[col]; ok {
			return true
		}
	}
	return false
}

func rowKey(row map[string]string, keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		parts[i] = row[k]
	}
	return strings.Join(parts, "\x1f")
}

func rowsEqual(a, b map[string]string, columns []string) bool {
	for _, col := range columns {
		if a[col] != b[col] {
			return false
		}
	}
	return true
}
