package progress_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/grouprow"
	"github.com/warp/ledger-engine/grouprow/store"
	"github.com/warp/ledger-engine/progress"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stubEstimates struct {
	details map[string]*estimating.EstimateDetails
}

func (s *stubEstimates) GetEstimate(_ context.Context, id string) (*estimating.EstimateDetails, error) {
	d, ok := s.details[id]
	if !ok {
		return nil, &grouprow.NotFoundError{Table: estimating.EstimateTable, ID: id}
	}
	return d, nil
}

func newTestLedger(t *testing.T) (*progress.Ledger, *store.MemoryWorkbook, *store.MemoryKV, *stubEstimates) {
	t.Helper()
	book := store.NewMemoryWorkbook()
	kv := store.NewMemoryKV()
	est := &stubEstimates{details: map[string]*estimating.EstimateDetails{}}
	l := &progress.Ledger{
		Book:      book,
		Props:     kv,
		Cache:     &grouprow.Cache{Store: store.NewMemoryCache()},
		Lock:      store.NewMemoryLock(),
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Estimates: est,
	}
	return l, book, kv, est
}

func detailItem(product, spec string, qty, price int64) estimating.EstimateDetailItem {
	return estimating.EstimateDetailItem{
		EstimateItem: estimating.EstimateItem{
			Product: product,
			Spec:    spec,
			Qty:     decimal.NewFromInt(qty),
			Unit:    "t",
			Price:   decimal.NewFromInt(price),
		},
	}
}

// seedOrder writes an order run straight into the order table: the
// import path resolves columns by header name.
func seedOrder(t *testing.T, book *store.MemoryWorkbook, orderID, estID string, lines [][4]string) {
	t.Helper()
	ctx := context.Background()
	tab, err := book.EnsureTable(ctx, estimating.OrderTable, estimating.OrderColumns)
	require.NoError(t, err)
	for i, ln := range lines {
		row := make([]string, len(estimating.OrderColumns))
		if i == 0 {
			row[0] = orderID
		}
		row[3] = estID
		row[5], row[6], row[7], row[9] = ln[0], ln[1], ln[2], ln[3]
		require.NoError(t, tab.AppendRow(ctx, row))
	}
}

// =============================================================================
// DERIVED-FIELD ARITHMETIC
// =============================================================================

func TestItem_Recompute(t *testing.T) {
	it := progress.Item{
		TotalQty:   decimal.NewFromInt(100),
		Price:      decimal.NewFromInt(1000),
		PrevCumQty: decimal.NewFromInt(10),
		CurrCumQty: decimal.NewFromInt(25),
	}
	it.Recompute()

	assert.True(t, it.EstimateAmt.Equal(decimal.NewFromInt(100000)))
	assert.True(t, it.ProgressAmt.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, "0.25", it.ProgressRate)
	assert.True(t, it.PeriodQty.Equal(decimal.NewFromInt(15)))
	assert.True(t, it.PeriodPayment.Equal(decimal.NewFromInt(15000)))
}

func TestItem_Recompute_ZeroEstimateAmount(t *testing.T) {
	it := progress.Item{CurrCumQty: decimal.NewFromInt(5)}
	it.Recompute()
	assert.Empty(t, it.ProgressRate, "rate must be blank when the estimate amount is zero")
}

func TestNextMonth(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2025-01", "2025-02"},
		{"2025-11", "2025-12"},
		{"2025-12", "2026-01"},
	}
	for _, c := range cases {
		got, err := progress.NextMonth(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	for _, bad := range []string{"", "2025", "2025-13", "2025-00", "abc-01"} {
		_, err := progress.NextMonth(bad)
		assert.ErrorIs(t, err, grouprow.ErrInvalidInput, "input %q", bad)
	}
}

// =============================================================================
// IMPORT TESTS
// =============================================================================

func TestLedger_ImportFromEstimate_DedupesByNameAndSpec(t *testing.T) {
	// GIVEN: An estimate with two items
	// WHEN: Imported twice
	// THEN: The second import skips every row

	l, _, _, est := newTestLedger(t)
	ctx := context.Background()
	est.details["0000001-00"] = &estimating.EstimateDetails{
		ID: "0000001-00",
		Items: []estimating.EstimateDetailItem{
			detailItem("鉄筋", "D10", 100, 1000),
			detailItem("鉄筋", "D13", 50, 1200),
		},
	}

	res, err := l.ImportFromEstimate(ctx, "0000001-00")
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 2, Skipped: 0}, res)

	res, err = l.ImportFromEstimate(ctx, "0000001-00")
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 0, Skipped: 2}, res)

	items, err := l.Items(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "0000001-00", items[0].EstimateID)
	assert.True(t, items[0].CurrCumQty.IsZero())
}

func TestLedger_ImportFromEstimate_Missing(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	_, err := l.ImportFromEstimate(context.Background(), "9999999-00")
	assert.True(t, grouprow.IsNotFound(err))
}

func TestLedger_ImportFromOrder_ScopedDedupe(t *testing.T) {
	// GIVEN: Two orders carrying the same (name, spec) item
	// WHEN: Both are imported
	// THEN: Dedupe is scoped per order, so both imports add rows

	l, book, _, _ := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, book, "0000010-00", "0000001-00", [][4]string{
		{"鉄筋", "D10", "100", "1000"},
		{"鉄筋", "D13", "50", "1200"},
	})
	seedOrder(t, book, "0000011-00", "0000001-00", [][4]string{
		{"鉄筋", "D10", "30", "1000"},
	})

	res, err := l.ImportFromOrder(ctx, "0000010-00", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 2}, res)

	res, err = l.ImportFromOrder(ctx, "0000011-00", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 1}, res, "other order's rows must not block the import")

	// Same order again: everything is a duplicate now.
	res, err = l.ImportFromOrder(ctx, "0000010-00", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 0, Skipped: 2}, res)

	items, err := l.Items(ctx, "0000010-00", "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "2025-01", items[0].ReportMonth)
	assert.Equal(t, "0000001-00", items[0].EstimateID)
	assert.True(t, items[0].TotalQty.Equal(decimal.NewFromInt(100)))
}

func TestLedger_ImportFromOrder_UnknownOrder(t *testing.T) {
	l, book, _, _ := newTestLedger(t)
	seedOrder(t, book, "0000010-00", "", [][4]string{{"鉄筋", "D10", "1", "1"}})
	_, err := l.ImportFromOrder(context.Background(), "0000099-00", "2025-01")
	assert.True(t, grouprow.IsNotFound(err))
}

func TestLedger_ImportManual(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.ImportManual(ctx, []progress.ManualItem{
		{Name: "仮設足場", Spec: "枠組", Qty: decimal.NewFromInt(200), Unit: "m2", Price: decimal.NewFromInt(800)},
		{Name: "", Spec: "x"}, // nameless rows are dropped silently
	})
	require.NoError(t, err)
	assert.Equal(t, progress.ImportResult{Added: 1}, res)

	_, err = l.ImportManual(ctx, nil)
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)
}

// =============================================================================
// QUANTITY UPDATE TESTS
// =============================================================================

func TestLedger_UpdateCumQty(t *testing.T) {
	l, _, _, est := newTestLedger(t)
	ctx := context.Background()
	est.details["0000001-00"] = &estimating.EstimateDetails{
		Items: []estimating.EstimateDetailItem{detailItem("鉄筋", "D10", 100, 1000)},
	}
	_, err := l.ImportFromEstimate(ctx, "0000001-00")
	require.NoError(t, err)

	it, err := l.UpdateCumQty(ctx, 2, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.True(t, it.CurrCumQty.Equal(decimal.NewFromInt(40)))
	assert.True(t, it.ProgressAmt.Equal(decimal.NewFromInt(40000)))
	assert.Equal(t, "0.4", it.ProgressRate)
}

func TestLedger_UpdateCumQty_GuardRows(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.UpdateCumQty(ctx, 1, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput, "header row must be rejected")

	_, err = l.UpdateCumQty(ctx, 50, decimal.NewFromInt(1))
	assert.True(t, grouprow.IsNotFound(err), "row beyond the table must be not-found")
}

func TestLedger_BatchUpdate(t *testing.T) {
	l, _, _, est := newTestLedger(t)
	ctx := context.Background()
	est.details["0000001-00"] = &estimating.EstimateDetails{
		Items: []estimating.EstimateDetailItem{
			detailItem("鉄筋", "D10", 100, 1000),
			detailItem("鉄筋", "D13", 50, 1200),
		},
	}
	_, err := l.ImportFromEstimate(ctx, "0000001-00")
	require.NoError(t, err)

	items, err := l.BatchUpdate(ctx, []progress.CumQtyUpdate{
		{RowIndex: 2, CurrCumQty: decimal.NewFromInt(10)},
		{RowIndex: 3, CurrCumQty: decimal.NewFromInt(20)},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].CurrCumQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, items[1].CurrCumQty.Equal(decimal.NewFromInt(20)))

	_, err = l.BatchUpdate(ctx, nil)
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)
}

func TestLedger_DeleteRow(t *testing.T) {
	l, _, _, est := newTestLedger(t)
	ctx := context.Background()
	est.details["0000001-00"] = &estimating.EstimateDetails{
		Items: []estimating.EstimateDetailItem{
			detailItem("鉄筋", "D10", 100, 1000),
			detailItem("鉄筋", "D13", 50, 1200),
		},
	}
	_, err := l.ImportFromEstimate(ctx, "0000001-00")
	require.NoError(t, err)

	items, err := l.DeleteRow(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "D13", items[0].Spec)

	_, err = l.DeleteRow(ctx, 1)
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)
}

// =============================================================================
// MONTHLY CLOSE TESTS
// =============================================================================

func TestLedger_CloseMonth_CarriesForwardCumulatives(t *testing.T) {
	// GIVEN: Open rows for an order with updated quantities
	// WHEN: The month 2025-01 is closed
	// THEN: The open rows are tagged 2025-01 and every 2025-02 row starts
	//       with prevCum = currCum = the closed row's currCum

	l, book, _, _ := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, book, "0000010-00", "", [][4]string{
		{"鉄筋", "D10", "100", "1000"},
		{"型枠", "合板", "200", "500"},
	})
	_, err := l.ImportFromOrder(ctx, "0000010-00", "")
	require.NoError(t, err)
	_, err = l.BatchUpdate(ctx, []progress.CumQtyUpdate{
		{RowIndex: 2, CurrCumQty: decimal.NewFromInt(40)},
		{RowIndex: 3, CurrCumQty: decimal.NewFromInt(75)},
	})
	require.NoError(t, err)

	res, err := l.CloseMonth(ctx, "0000010-00", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-02", res.NextMonth)
	assert.Equal(t, 2, res.Count)

	closed, err := l.Items(ctx, "0000010-00", "2025-01")
	require.NoError(t, err)
	require.Len(t, closed, 2)
	for _, it := range closed {
		assert.Equal(t, "2025-01", it.ReportMonth)
	}

	opened, err := l.Items(ctx, "0000010-00", "2025-02")
	require.NoError(t, err)
	require.Len(t, opened, 2)
	for _, it := range opened {
		assert.True(t, it.PrevCumQty.Equal(it.CurrCumQty), "new month must open with zero period progress")
		assert.True(t, it.PeriodQty.IsZero())
	}
	assert.True(t, opened[0].PrevCumQty.Equal(decimal.NewFromInt(40)))
	assert.True(t, opened[1].PrevCumQty.Equal(decimal.NewFromInt(75)))
}

func TestLedger_CloseMonth_DoubleCloseRejectedWithoutMutation(t *testing.T) {
	l, book, _, _ := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, book, "0000010-00", "", [][4]string{{"鉄筋", "D10", "100", "1000"}})
	_, err := l.ImportFromOrder(ctx, "0000010-00", "")
	require.NoError(t, err)

	_, err = l.CloseMonth(ctx, "0000010-00", "2025-01")
	require.NoError(t, err)

	tab, err := book.Table(ctx, progress.Table)
	require.NoError(t, err)
	before, err := tab.LastRow(ctx)
	require.NoError(t, err)

	_, err = l.CloseMonth(ctx, "0000010-00", "2025-01")
	assert.ErrorIs(t, err, grouprow.ErrDoubleClose)

	after, err := tab.LastRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected close must not mutate the ledger")
}

func TestLedger_CloseMonth_YearRollover(t *testing.T) {
	l, book, _, _ := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, book, "0000010-00", "", [][4]string{{"鉄筋", "D10", "100", "1000"}})
	_, err := l.ImportFromOrder(ctx, "0000010-00", "2025-12")
	require.NoError(t, err)

	res, err := l.CloseMonth(ctx, "0000010-00", "2025-12")
	require.NoError(t, err)
	assert.Equal(t, "2026-01", res.NextMonth)
}

func TestLedger_CloseMonth_Guards(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CloseMonth(ctx, "", "2025-01")
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)

	_, err = l.CloseMonth(ctx, "0000010-00", "2025/01")
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)

	_, err = l.CloseMonth(ctx, "0000010-00", "2025-01")
	assert.True(t, grouprow.IsNotFound(err), "close with no matching rows must be not-found")
}

// =============================================================================
// REPORT LIST AND HEADER TESTS
// =============================================================================

func TestLedger_ReportList_GroupsByOrder(t *testing.T) {
	l, book, _, _ := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, book, "0000010-00", "", [][4]string{
		{"鉄筋", "D10", "100", "1000"},
		{"型枠", "合板", "200", "500"},
	})
	seedOrder(t, book, "0000011-00", "", [][4]string{{"左官", "モルタル", "10", "3000"}})

	_, err := l.ImportFromOrder(ctx, "0000010-00", "")
	require.NoError(t, err)
	_, err = l.ImportFromOrder(ctx, "0000011-00", "")
	require.NoError(t, err)
	_, err = l.BatchUpdate(ctx, []progress.CumQtyUpdate{
		{RowIndex: 2, CurrCumQty: decimal.NewFromInt(50)},
	})
	require.NoError(t, err)

	require.NoError(t, l.SaveReportHeader(ctx, "0000010-00", map[string]string{"siteName": "A棟"}))

	groups, err := l.ReportList(ctx, "")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	g := groups[0]
	assert.Equal(t, "0000010-00", g.OrderID)
	assert.Equal(t, 2, g.ItemCount)
	// 100x1000 + 200x500
	assert.True(t, g.EstimateTotal.Equal(decimal.NewFromInt(200000)))
	// 50x1000
	assert.True(t, g.ProgressTotal.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, "0.25", g.OverallRate)
	assert.Equal(t, "A棟", g.HeaderInfo["siteName"])

	assert.Equal(t, "0000011-00", groups[1].OrderID)
	assert.Equal(t, "0", groups[1].OverallRate)
	assert.True(t, groups[1].ProgressTotal.IsZero())
}

func TestLedger_ReportHeader_RoundTrip(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	h, err := l.GetReportHeader(ctx, "0000010-00")
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, l.SaveReportHeader(ctx, "0000010-00", map[string]string{"siteName": "A棟", "client": "大成建設"}))
	require.NoError(t, l.SaveReportHeader(ctx, "", map[string]string{"siteName": "旧様式"}))

	h, err = l.GetReportHeader(ctx, "0000010-00")
	require.NoError(t, err)
	assert.Equal(t, "A棟", h["siteName"])

	h, err = l.GetReportHeader(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "旧様式", h["siteName"])
}

func TestLedger_ReportHeader_LegacyMigration(t *testing.T) {
	// GIVEN: Only the legacy single-header key exists
	// WHEN: A header is read
	// THEN: The legacy value is served from the unscoped slot and the
	//       keyed map is persisted

	l, _, kv, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "PROGRESS_REPORT_HEADER", `{"siteName":"旧現場"}`))

	h, err := l.GetReportHeader(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "旧現場", h["siteName"])

	migrated, err := kv.Get(ctx, "PROGRESS_REPORT_HEADERS")
	require.NoError(t, err)
	assert.Contains(t, migrated, "__none__")
	assert.Contains(t, migrated, "旧現場")
}
