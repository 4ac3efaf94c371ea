package estimating_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/grouprow"
	"github.com/warp/ledger-engine/grouprow/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*estimating.Service, *store.MemoryWorkbook) {
	t.Helper()
	book := store.NewMemoryWorkbook()
	seq := &grouprow.SequenceAllocator{Props: store.NewMemoryKV(), Lock: store.NewMemoryLock()}
	cache := &grouprow.Cache{Store: store.NewMemoryCache()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := estimating.NewService(book, seq, cache, store.NewMemoryLock(), log)
	svc.Creator = "高橋"
	svc.Now = func() time.Time {
		return time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
	}
	return svc, book
}

func estItem(category, product, spec string, qty, cost, price int64, vendor string) estimating.EstimateItem {
	q := decimal.NewFromInt(qty)
	p := decimal.NewFromInt(price)
	return estimating.EstimateItem{
		Category: category,
		Product:  product,
		Spec:     spec,
		Qty:      q,
		Unit:     "m3",
		Cost:     decimal.NewFromInt(cost),
		Price:    p,
		Amount:   q.Mul(p),
		Vendor:   vendor,
	}
}

// =============================================================================
// SAVE / GET TESTS
// =============================================================================

func TestService_SaveAndGetEstimate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設", Project: "A棟新築"},
		Items: []estimating.EstimateItem{
			estItem("土工", "砕石", "40-0", 10, 80, 100, ""),
			estItem("土工", "生コン", "21-8-25", 2, 800, 1000, ""),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0000001-00", id)

	details, err := svc.GetEstimate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "大成建設", details.Header.Client)
	assert.Equal(t, "2025/03/10 09:30", details.Header.Date)
	require.Len(t, details.Items, 2)
	// 10x100 + 2x1000
	assert.True(t, details.TotalAmount.Equal(decimal.NewFromInt(3000)),
		"expected total 3000, got %s", details.TotalAmount)
}

func TestService_SaveUnified_DefaultsApplied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "個人"},
	})
	require.NoError(t, err)

	details, err := svc.GetEstimate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, estimating.DefaultEstimateStatus, details.Header.Status)
	assert.Equal(t, estimating.DefaultVisibility, details.Header.Visibility)
	assert.Equal(t, estimating.DefaultTaxMode, details.Header.TaxMode)
	assert.Empty(t, details.Items)
}

func TestService_GetEstimate_Missing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetEstimate(context.Background(), "9999999-00")
	assert.True(t, grouprow.IsNotFound(err), "expected not found, got %v", err)
}

// =============================================================================
// AUTO-GENERATED VENDOR ORDERS
// =============================================================================

func TestService_SaveUnified_GeneratesVendorOrders(t *testing.T) {
	// GIVEN: An estimate with items for two vendors and one without
	// WHEN: Saved
	// THEN: One order per vendor, amounts rounded qty x cost

	svc, _ := newTestService(t)
	ctx := context.Background()

	estID, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設", Location: "川崎市"},
		Items: []estimating.EstimateItem{
			estItem("土工", "砕石", "40-0", 10, 80, 100, "株式会社田中組"),
			estItem("土工", "生コン", "21-8-25", 2, 800, 1000, "株式会社田中組"),
			estItem("設備", "配管", "VP50", 5, 300, 400, "鈴木建材"),
			estItem("手間", "据付", "", 1, 0, 5000, ""), // no vendor, no order
		},
	})
	require.NoError(t, err)

	orders, err := svc.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	byVendor := map[string]estimating.OrderSummary{}
	for _, o := range orders {
		byVendor[o.Vendor] = o
		assert.Equal(t, estID, o.RelEstimateID)
		assert.Equal(t, "川崎市", o.Location)
		assert.Equal(t, estimating.DefaultOrderStatus, o.Status)
		assert.Equal(t, "高橋", o.Creator)
	}
	// 10x80 + 2x800
	assert.True(t, byVendor["株式会社田中組"].TotalAmount.Equal(decimal.NewFromInt(2400)))
	// 5x300
	assert.True(t, byVendor["鈴木建材"].TotalAmount.Equal(decimal.NewFromInt(1500)))
}

func TestService_SaveUnified_Resave_RegeneratesNotDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	est := estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設"},
		Items: []estimating.EstimateItem{
			estItem("土工", "砕石", "40-0", 10, 80, 100, "株式会社田中組"),
		},
	}
	id, err := svc.SaveUnified(ctx, est)
	require.NoError(t, err)

	est.ID = id
	est.Items[0].Qty = decimal.NewFromInt(20)
	_, err = svc.SaveUnified(ctx, est)
	require.NoError(t, err)

	orders, err := svc.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1, "resave must replace the auto order, not add one")
	// 20x80
	assert.True(t, orders[0].TotalAmount.Equal(decimal.NewFromInt(1600)))
}

func TestService_GetEstimate_JoinsOrderedTotals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設"},
		Items: []estimating.EstimateItem{
			estItem("土工", "砕石", "40-0", 10, 80, 100, "株式会社田中組"),
			estItem("手間", "据付", "", 1, 0, 5000, ""),
		},
	})
	require.NoError(t, err)

	details, err := svc.GetEstimate(ctx, id)
	require.NoError(t, err)
	require.Len(t, details.Items, 2)

	ordered := details.Items[0]
	assert.True(t, ordered.OrderedQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, ordered.OrderedAmount.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, "田中組", ordered.OrderedVendors)

	unordered := details.Items[1]
	assert.True(t, unordered.OrderedQty.IsZero())
	assert.Empty(t, unordered.OrderedVendors)
}

// =============================================================================
// STANDALONE ORDERS
// =============================================================================

func TestService_SaveOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, count, err := svc.SaveOrder(ctx, estimating.Order{
		Header: estimating.OrderHeader{Vendor: "鈴木建材"},
		Items: []estimating.OrderItem{
			{Product: "配管", Spec: "VP50", Qty: decimal.NewFromInt(5), Cost: decimal.NewFromInt(300)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0000001-00", id)
	assert.Equal(t, 1, count)

	orders, err := svc.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "高橋", orders[0].Creator)
	assert.True(t, orders[0].TotalAmount.Equal(decimal.NewFromInt(1500)))
}

// =============================================================================
// DELETE SWEEP
// =============================================================================

func TestService_Delete_SweepsRecordTables(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 1, 10, 20, "")},
	})
	require.NoError(t, err)

	ok, err := svc.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.GetEstimate(ctx, id)
	assert.True(t, grouprow.IsNotFound(err))

	ok, err = svc.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second delete must find nothing")
}

func TestService_Delete_BlankID(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Delete(context.Background(), " ")
	assert.ErrorIs(t, err, grouprow.ErrInvalidInput)
}

// =============================================================================
// ROLLUP READERS
// =============================================================================

func seedDeposit(t *testing.T, book *store.MemoryWorkbook, id, estID, amount, status string) {
	t.Helper()
	ctx := context.Background()
	tab, err := book.Table(ctx, estimating.DepositsTable)
	require.NoError(t, err)
	last, err := tab.LastRow(ctx)
	require.NoError(t, err)
	if last == 0 {
		require.NoError(t, tab.AppendRow(ctx, []string{"ID"}))
	}
	row := make([]string, 12)
	row[0], row[3], row[7], row[11] = id, estID, amount, status
	require.NoError(t, tab.AppendRow(ctx, row))
}

func TestService_Projects_JoinsDepositTotals(t *testing.T) {
	// GIVEN: An estimate with two deposits, one of them cancelled
	// WHEN: Projects is read
	// THEN: Only the live deposit counts toward the rollup

	svc, book := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設", Project: "A棟新築"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 10, 80, 100, "")},
	})
	require.NoError(t, err)

	seedDeposit(t, book, "DEP-1", id, "50,000", "")
	seedDeposit(t, book, "DEP-2", id, "30,000", "取消")

	projects, err := svc.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	p := projects[0]
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "A棟新築", p.Project)
	assert.True(t, p.TotalAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, p.TotalDeposit.Equal(decimal.NewFromInt(50000)),
		"cancelled deposit must be excluded, got %s", p.TotalDeposit)
	assert.Equal(t, 1, p.DepositCount)
}

func TestService_Projects_ServedFromCacheUntilInvalidated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "大成建設"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 1, 10, 20, "")},
	})
	require.NoError(t, err)

	first, err := svc.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Second save invalidates; the next read must see both records.
	_, err = svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "鹿島建設"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 1, 10, 20, "")},
	})
	require.NoError(t, err)

	second, err := svc.Projects(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestService_ActiveProjects_ExcludesClosedStatuses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, c := range []struct{ client, status string }{
		{"進行中A", ""},
		{"完了した", "完了"},
		{"失注した", "失注"},
		{"進行中B", "見積提出"},
	} {
		_, err := svc.SaveUnified(ctx, estimating.Estimate{
			Header: estimating.EstimateHeader{Client: c.client, Status: c.status},
		})
		require.NoError(t, err)
	}

	active, err := svc.ActiveProjects(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	// newest first
	assert.Equal(t, "進行中B", active[0].Client)
	assert.Equal(t, "進行中A", active[1].Client)
}

func TestService_Drafts_NewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Now = func() time.Time { return time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC) }
	_, err := svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "古い方"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 1, 10, 20, "")},
	})
	require.NoError(t, err)

	svc.Now = func() time.Time { return time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC) }
	_, err = svc.SaveUnified(ctx, estimating.Estimate{
		Header: estimating.EstimateHeader{Client: "新しい方"},
		Items:  []estimating.EstimateItem{estItem("土工", "砕石", "", 2, 10, 30, "")},
	})
	require.NoError(t, err)

	drafts, err := svc.Drafts(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "新しい方", drafts[0].Client)
	assert.True(t, drafts[0].TotalAmount.Equal(decimal.NewFromInt(60)))
}

// =============================================================================
// INVOICE FILE NUMBERS
// =============================================================================

func TestService_NextInvoiceFileNo_BucketedByInitial(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	no, err := svc.NextInvoiceFileNo(ctx, "株式会社田中組")
	require.NoError(t, err)
	assert.Equal(t, "0001", no)

	no, err = svc.NextInvoiceFileNo(ctx, "竹内工業") // also T
	require.NoError(t, err)
	assert.Equal(t, "0002", no)

	no, err = svc.NextInvoiceFileNo(ctx, "鈴木建材") // S bucket
	require.NoError(t, err)
	assert.Equal(t, "0001", no)
}
