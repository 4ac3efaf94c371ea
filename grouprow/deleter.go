/*
deleter.go - Batched, range-coalescing row deletion

PURPOSE:
  Bulk mutation of a flat table is dominated by the number of mutating
  calls, not the number of rows. Given an unordered set of physical row
  numbers, DeleteRows merges them into minimal contiguous ranges and
  issues one delete call per range.

ORDERING INVARIANT:
  Ranges are processed from the highest start downward. Deleting a lower
  range first would shift every row below it and invalidate the numbers
  of ranges not yet processed.

GUARANTEE:
  DeleteRows({5,6,7,10}) issues exactly two underlying calls: range 5-7,
  then row 10. Nothing is guaranteed about the final numbers of surviving
  rows other than that their relative order is preserved.
*/
package grouprow

import (
	"context"
	"sort"

	"github.com/warp/ledger-engine/metrics"
)

type rowSpan struct {
	start int
	count int
}

// DeleteRows removes the given physical rows from the table using the
// minimum number of range-delete calls. Duplicate row numbers are
// tolerated; an empty set is a no-op.
func DeleteRows(ctx context.Context, t TabularStore, rows []int) error {
	spans := coalesceRows(rows)
	// Bottom-up so earlier deletions cannot shift pending ranges.
	for i := len(spans) - 1; i >= 0; i-- {
		if err := t.DeleteRowRange(ctx, spans[i].start, spans[i].count); err != nil {
			return err
		}
		metrics.DeleteCalls.Inc()
		metrics.RowsDeleted.Add(float64(spans[i].count))
	}
	return nil
}

// coalesceRows sorts ascending, drops duplicates, and merges consecutive
// numbers into {start,count} spans.
func coalesceRows(rows []int) []rowSpan {
	if len(rows) == 0 {
		return nil
	}
	sorted := make([]int, len(rows))
	copy(sorted, rows)
	sort.Ints(sorted)

	var spans []rowSpan
	start, count := sorted[0], 1
	for _, r := range sorted[1:] {
		switch {
		case r == start+count:
			count++
		case r < start+count:
			// duplicate
		default:
			spans = append(spans, rowSpan{start: start, count: count})
			start, count = r, 1
		}
	}
	return append(spans, rowSpan{start: start, count: count})
}
