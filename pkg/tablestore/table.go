package tablestore

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
)

// utf8BOM is written ahead of the header so spreadsheet tools pick up
// the encoding. ReadTable tolerates tables with or without it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is an in-memory tabular snapshot: an ordered column set plus
// one string map per row. Missing cells read as "".
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// NewTable returns an empty table with the given column order.
func NewTable(columns []string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// HasColumn reports whether name is a known column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn appends a new column if it is not already present,
// preserving the existing order.
func (t *Table) AddColumn(name string) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
}

// Append adds a row. Cells for unknown columns are dropped by Write,
// so callers should AddColumn first.
func (t *Table) Append(row map[string]string) {
	t.Rows = append(t.Rows, row)
}

// ReadTable loads a CSV table from path.
//
// Returns (nil, nil) when the file does not exist, which callers treat
// as "no table yet". A leading UTF-8 byte order marker is stripped.
func ReadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table %s: %w", path, err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}

	t := NewTable(records[0])
	for _, rec := range records[1:] {
		row := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		t.Append(row)
	}
	return t, nil
}

// WriteTable persists the table to path via AtomicWrite, prefixed with
// a UTF-8 byte order marker for spreadsheet interoperability.
func WriteTable(path string, t *Table) error {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, col := range t.Columns {
			rec[i] = row[col]
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode table: %w", err)
	}

	return AtomicWrite(path, buf.Bytes())
}
