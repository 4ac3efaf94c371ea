/*
grouped.go - GroupedStore: records as contiguous row runs

PURPOSE:
  Encodes one logical record (header + ordered line items) as a contiguous
  run of rows in a flat table, where only the first row of the run carries
  the record ID and header fields. Reads reconstruct records by scanning
  and grouping; writes replace a record's rows wholesale.

WRITE MODEL:
  Save = delete the old run (if any) + append freshly encoded rows in one
  block. There is no cell-level patching of record runs; full replacement
  keeps the contiguity invariant trivially true.

CONCURRENCY:
  GroupedStore itself takes no locks. Callers serialize mutations through
  the shared Locker; concurrent saves to the same ID are not serialized
  here and must be avoided by callers (acceptable for human-paced usage).

SEE ALSO:
  - deleter.go: range-coalescing removal used by Delete
  - types.go: Record and Codec
*/
package grouprow

import (
	"context"
	"strings"
)

// headerScanLimit bounds the search for the header row; imported tables
// sometimes carry note rows above the real header.
const headerScanLimit = 10

// GroupedStore reads and writes records of one type as grouped row runs.
type GroupedStore[H, I any] struct {
	Book  Workbook
	Codec Codec[H, I]

	// NewID allocates an ID for records saved without one. When nil,
	// saving an ID-less record is ErrInvalidInput.
	NewID func(ctx context.Context) (string, error)
}

func (s *GroupedStore[H, I]) table(ctx context.Context) (TabularStore, error) {
	return s.Book.EnsureTable(ctx, s.Codec.Table(), s.Codec.Columns())
}

// Save replaces the record's rows wholesale and returns its ID, allocating
// one first when the record has none. A record with zero items is stored
// as a single placeholder row carrying the header.
func (s *GroupedStore[H, I]) Save(ctx context.Context, rec Record[H, I]) (string, error) {
	t, err := s.table(ctx)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		if s.NewID == nil {
			return "", ErrInvalidInput
		}
		if id, err = s.NewID(ctx); err != nil {
			return "", err
		}
	} else {
		if _, err := DeleteRunsByID(ctx, t, id); err != nil {
			return "", err
		}
	}

	items := rec.Items
	if len(items) == 0 {
		var placeholder I
		items = []I{placeholder}
	}

	cols := len(s.Codec.Columns())
	rows := make([][]string, 0, len(items))
	for i, item := range items {
		rows = append(rows, PadRow(s.Codec.EncodeRow(id, rec.Header, item, i == 0), cols))
	}

	last, err := t.LastRow(ctx)
	if err != nil {
		return "", err
	}
	if err := t.WriteRange(ctx, last+1, 1, rows); err != nil {
		return "", err
	}
	return id, nil
}

// Get reconstructs the record by a full scan grouping rows under their
// leading non-blank ID. Returns ErrNotFound when no run matches.
func (s *GroupedStore[H, I]) Get(ctx context.Context, id string) (Record[H, I], error) {
	var rec Record[H, I]
	id = strings.TrimSpace(id)
	if id == "" {
		return rec, ErrInvalidInput
	}
	t, err := s.table(ctx)
	if err != nil {
		return rec, err
	}

	found := false
	err = ScanRuns(ctx, t, len(s.Codec.Columns()), func(runID string, first bool, row []string) error {
		if runID != id {
			return nil
		}
		if first {
			found = true
			rec.ID = runID
			rec.Header = s.Codec.DecodeHeader(runID, row)
		}
		if item, ok := s.Codec.DecodeItem(row); ok {
			rec.Items = append(rec.Items, item)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	if !found {
		return rec, &NotFoundError{Table: s.Codec.Table(), ID: id}
	}
	return rec, nil
}

// Delete removes every row of the record's run, including blank-ID
// continuation rows, and reports whether any row matched.
func (s *GroupedStore[H, I]) Delete(ctx context.Context, id string) (bool, error) {
	t, err := s.table(ctx)
	if err != nil {
		return false, err
	}
	return DeleteRunsByID(ctx, t, id)
}

// DeleteWhere removes every run whose given column (1-based, sticky per
// run like the ID column) equals value. Used to drop auto-generated
// orders by related-estimate ID before regeneration. Returns the number
// of rows removed.
func (s *GroupedStore[H, I]) DeleteWhere(ctx context.Context, col int, value string) (int, error) {
	t, err := s.table(ctx)
	if err != nil {
		return 0, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	var doomed []int
	current := ""
	err = scanRows(ctx, t, len(s.Codec.Columns()), func(rowNum int, row []string) error {
		if strings.TrimSpace(row[0]) != "" {
			current = strings.TrimSpace(row[col-1])
		}
		if current == value {
			doomed = append(doomed, rowNum)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	return len(doomed), DeleteRows(ctx, t, doomed)
}

// =============================================================================
// RUN SCANNING - shared by Get/Delete and by rollup readers
// =============================================================================

// ScanRuns walks every data row once, tracking the sticky run ID, and
// calls fn with the ID the row belongs to. first is true on the leading
// row of each run. Rows above the first run (blank ID, nothing to attach
// to) are skipped.
func ScanRuns(ctx context.Context, t TabularStore, numCols int, fn func(id string, first bool, row []string) error) error {
	current := ""
	return scanRows(ctx, t, numCols, func(_ int, row []string) error {
		id := strings.TrimSpace(row[0])
		first := false
		if id != "" {
			first = id != current
			current = id
		}
		if current == "" {
			return nil
		}
		return fn(current, first, row)
	})
}

// DeleteRunsByID collects the physical rows of the run(s) with the given
// leading ID and removes them with batched range deletes.
func DeleteRunsByID(ctx context.Context, t TabularStore, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	var doomed []int
	current := ""
	err := scanRows(ctx, t, 1, func(rowNum int, row []string) error {
		if v := strings.TrimSpace(row[0]); v != "" {
			current = v
		}
		if current == id {
			doomed = append(doomed, rowNum)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(doomed) == 0 {
		return false, nil
	}
	return true, DeleteRows(ctx, t, doomed)
}

// ScanRunsDisplay is ScanRuns over display-formatted values; rollup
// readers use it so totals match what an operator sees, parsing cells
// with ParseCurrency.
func ScanRunsDisplay(ctx context.Context, t TabularStore, numCols int, fn func(id string, first bool, row []string) error) error {
	current := ""
	return scanRowsWith(ctx, t, numCols, t.ReadDisplayRange, func(_ int, row []string) error {
		id := strings.TrimSpace(row[0])
		first := false
		if id != "" {
			first = id != current
			current = id
		}
		if current == "" {
			return nil
		}
		return fn(current, first, row)
	})
}

// scanRows reads the whole table once and feeds fn every data row below
// the header, padded to numCols. The header row is located by its leading
// "ID" cell within the first few rows; tables whose first column is not
// named ID fall back to treating row 1 as the header.
func scanRows(ctx context.Context, t TabularStore, numCols int, fn func(rowNum int, row []string) error) error {
	return scanRowsWith(ctx, t, numCols, t.ReadRange, fn)
}

type rangeReader func(ctx context.Context, startRow, startCol, numRows, numCols int) ([][]string, error)

func scanRowsWith(ctx context.Context, t TabularStore, numCols int, read rangeReader, fn func(rowNum int, row []string) error) error {
	last, err := t.LastRow(ctx)
	if err != nil {
		return err
	}
	if last < 2 {
		return nil
	}
	data, err := read(ctx, 1, 1, last, numCols)
	if err != nil {
		return err
	}
	headerIdx := 0
	for i := 0; i < len(data) && i < headerScanLimit; i++ {
		if strings.TrimSpace(data[i][0]) == "ID" {
			headerIdx = i
			break
		}
	}
	for i := headerIdx + 1; i < len(data); i++ {
		if err := fn(i+1, PadRow(data[i], numCols)); err != nil {
			return err
		}
	}
	return nil
}
