package reconcile

import (
	"github.com/3leaps/batchforge/pkg/ledger"
)

// mergeDuplicates collapses duplicate rows for one (run_id, job_id)
// into a single row carrying the union of all non-empty information.
//
// The row with the highest status precedence
// (completed > failed > running > enqueued) is the base; every other
// column is then filled independently from whichever duplicate has a
// non-empty value. Works on raw rows so columns unknown to this build
// survive the merge.
func mergeDuplicates(rows []map[string]string) map[string]string {
	if len(rows) == 1 {
		return rows[0]
	}

	base := rows[0]
	for _, row := range rows[1:] {
		if ledger.Status(row[ledger.ColStatus]).Precedence() > ledger.Status(base[ledger.ColStatus]).Precedence() {
			base = row
		}
	}

	merged := make(map[string]string, len(base))
	for col, v := range base {
		merged[col] = v
	}
	for _, row := range rows {
		for col, v := range row {
			if v != "" && merged[col] == "" {
				merged[col] = v
			}
		}
	}
	return merged
}
