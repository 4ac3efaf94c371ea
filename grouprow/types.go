/*
Package grouprow provides the grouped-row ledger engine.

PURPOSE:
  Stores multi-line business records (an estimate with N line items, an
  order with N line items, monthly progress rows) as contiguous runs of
  rows inside flat, append-only tables. The same engine handles estimates,
  orders, and progress items; domain packages supply a Codec describing
  their column layout.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: a logical entity (ID + header fields + ordered line items)
  - Codec: maps a record type to and from its fixed column layout
  - ParseCurrency/ParseDecimal: tolerant numeric parsing for display cells

GROUPED-ROW INVARIANT:
  A record's rows are contiguous; the ID and header values appear only on
  the first row of the run and are blank on all continuation rows. While
  scanning top to bottom, a row belongs to the most recently seen
  non-blank ID. A record with zero items is one placeholder row.

DESIGN PRINCIPLES:
  1. Full-record replacement: save = delete old run + append new rows.
     No cell-level patching of record runs.
  2. Precision: decimal.Decimal for all quantities and amounts.
  3. Derived values are recomputed on read, never trusted from storage.

SEE ALSO:
  - grouped.go: GroupedStore save/get/delete/scan
  - deleter.go: batched range deletion
*/
package grouprow

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD - One logical entity stored as a run of rows
// =============================================================================

// Record is a header plus an ordered list of line items, identified by a
// string ID issued by the SequenceAllocator.
type Record[H, I any] struct {
	ID     string
	Header H
	Items  []I
}

// Codec maps a record type onto its fixed column layout. The first row of
// a run carries the ID and header cells; continuation rows leave them
// blank (how much of the header repeats is up to the codec).
type Codec[H, I any] interface {
	// Table returns the name of the table this record type occupies.
	Table() string

	// Columns returns the header row, which also fixes the column count.
	Columns() []string

	// EncodeRow renders one physical row. first is true for the run's
	// leading row, which must carry the ID.
	EncodeRow(id string, header H, item I, first bool) []string

	// DecodeHeader extracts header fields from the run's leading row.
	DecodeHeader(id string, row []string) H

	// DecodeItem extracts one line item from a row. ok is false for
	// placeholder rows carrying no item payload.
	DecodeItem(row []string) (item I, ok bool)
}

// =============================================================================
// CELL PARSING HELPERS
// =============================================================================

// ParseCurrency parses a display-formatted numeric cell ("¥1,234", "１２３",
// "1234.5") into a decimal. Unparseable or empty cells return zero; rollups
// never fail a whole scan for one bad cell.
func ParseCurrency(s string) decimal.Decimal {
	cleaned := normalizeDigits(s)
	var b strings.Builder
	for _, r := range cleaned {
		if r >= '0' && r <= '9' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseDecimal parses a raw numeric cell, returning zero for blank or
// malformed input.
func ParseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ParseCurrency(s)
	}
	return d
}

// normalizeDigits folds full-width digits and signs to ASCII.
func normalizeDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '０' && r <= '９' {
			r = r - '０' + '0'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PadRow extends row with blank cells to exactly n columns.
func PadRow(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	return row[:n]
}
