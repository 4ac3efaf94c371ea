package grouprow_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/grouprow"
)

// =============================================================================
// DISPLAY-CELL PARSING TESTS
// =============================================================================

func TestParseCurrency(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1234", "1234"},
		{"¥1,234", "1234"},
		{"1,234.5", "1234.5"},
		{"１２３", "123"},   // full-width digits
		{"-500", "-500"},
		{"3.5 t", "3.5"},
		{"", "0"},
		{"未定", "0"},
		{"¥", "0"},
	}
	for _, c := range cases {
		got := grouprow.ParseCurrency(c.in)
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("ParseCurrency(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10", "10"},
		{" 2.5 ", "2.5"},
		{"", "0"},
		{"1,000", "1000"}, // falls through to currency parsing
		{"x", "0"},
	}
	for _, c := range cases {
		got := grouprow.ParseDecimal(c.in)
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("ParseDecimal(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestPadRow(t *testing.T) {
	row := grouprow.PadRow([]string{"a"}, 3)
	if len(row) != 3 || row[0] != "a" || row[2] != "" {
		t.Errorf("pad short: %v", row)
	}
	row = grouprow.PadRow([]string{"a", "b", "c", "d"}, 3)
	if len(row) != 3 {
		t.Errorf("pad long must truncate: %v", row)
	}
}
