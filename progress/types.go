/*
types.go - Progress ledger row shape and derived-field arithmetic

PURPOSE:
  One progress row tracks cumulative completed quantity for a line item
  within a reporting month. Stored truth is the input columns only
  (quantities, unit price, identifiers, report month); the money and
  rate columns are derived and recomputed on every read.
*/
package progress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/grouprow"
)

// Table is the progress ledger table name.
const Table = "出来高DB"

// Columns is the progress table header row.
var Columns = []string{
	"No.", "品名", "仕様", "全体数量", "単位", "単価", "見積金額",
	"前月末累積数量", "現在の累積数量", "出来高金額", "出来高比率",
	"今回数量", "今回支払金額", "関連見積ID", "関連発注ID", "報告月",
}

// Column positions (1-based) for single-cell writes.
const (
	colCurrCumQty  = 9
	colReportMonth = 16
)

// Item is one progress ledger row. RowIndex is the physical table row
// it was read from and is the handle for in-place quantity updates.
type Item struct {
	RowIndex int    `json:"rowIndex"`
	No       string `json:"no"`
	Name     string `json:"name"`
	Spec     string `json:"spec"`

	TotalQty   decimal.Decimal `json:"totalQty"`
	Unit       string          `json:"unit"`
	Price      decimal.Decimal `json:"price"`
	PrevCumQty decimal.Decimal `json:"prevCumQty"`
	CurrCumQty decimal.Decimal `json:"currCumQty"`

	// Derived on read, never authoritative in storage.
	EstimateAmt   decimal.Decimal `json:"estimateAmt"`
	ProgressAmt   decimal.Decimal `json:"progressAmt"`
	ProgressRate  string          `json:"progressRate"`
	PeriodQty     decimal.Decimal `json:"periodQty"`
	PeriodPayment decimal.Decimal `json:"periodPayment"`

	EstimateID  string `json:"estId"`
	OrderID     string `json:"orderId"`
	ReportMonth string `json:"reportMonth"`
}

// Recompute refreshes the derived columns from the stored inputs.
// The rate is a ratio (0..1), blank when the estimate amount is zero.
func (it *Item) Recompute() {
	it.EstimateAmt = it.TotalQty.Mul(it.Price)
	it.ProgressAmt = it.CurrCumQty.Mul(it.Price)
	if it.EstimateAmt.IsZero() {
		it.ProgressRate = ""
	} else {
		it.ProgressRate = it.ProgressAmt.DivRound(it.EstimateAmt, 4).String()
	}
	it.PeriodQty = it.CurrCumQty.Sub(it.PrevCumQty)
	it.PeriodPayment = it.PeriodQty.Mul(it.Price)
}

// Key is the dedupe identity used by the import paths.
func (it Item) Key() string { return it.Name + "|" + it.Spec }

func (it Item) encode() []string {
	row := make([]string, len(Columns))
	row[0] = it.No
	row[1] = it.Name
	row[2] = it.Spec
	row[3] = it.TotalQty.String()
	row[4] = it.Unit
	row[5] = it.Price.String()
	row[7] = it.PrevCumQty.String()
	row[8] = it.CurrCumQty.String()
	row[13] = it.EstimateID
	row[14] = it.OrderID
	row[15] = it.ReportMonth
	return row
}

func decodeItem(rowIndex int, row []string) Item {
	it := Item{
		RowIndex:    rowIndex,
		No:          row[0],
		Name:        strings.TrimSpace(row[1]),
		Spec:        strings.TrimSpace(row[2]),
		TotalQty:    grouprow.ParseCurrency(row[3]),
		Unit:        strings.TrimSpace(row[4]),
		Price:       grouprow.ParseCurrency(row[5]),
		PrevCumQty:  grouprow.ParseCurrency(row[7]),
		CurrCumQty:  grouprow.ParseCurrency(row[8]),
		EstimateID:  strings.TrimSpace(row[13]),
		OrderID:     strings.TrimSpace(row[14]),
		ReportMonth: strings.TrimSpace(row[15]),
	}
	it.Recompute()
	return it
}

// NextMonth returns the calendar month after ym ("YYYY-MM").
func NextMonth(ym string) (string, error) {
	parts := strings.SplitN(ym, "-", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: bad month %q", grouprow.ErrInvalidInput, ym)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: bad month %q", grouprow.ErrInvalidInput, ym)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return "", fmt.Errorf("%w: bad month %q", grouprow.ErrInvalidInput, ym)
	}
	month++
	if month > 12 {
		month = 1
		year++
	}
	return fmt.Sprintf("%d-%02d", year, month), nil
}
