/*
service.go - Record operations and rollup readers for estimates/orders

PURPOSE:
  The write paths (SaveUnified, SaveOrder, Delete) serialize through the
  shared lock, replace whole row runs, and invalidate the record caches.
  The read paths are read-through cached scans: either full record
  reconstruction (GetEstimate) or single-pass rollups that accumulate
  per-key totals without materializing records (Projects, Orders).

AUTO-GENERATED ORDERS:
  Saving an estimate whose items name vendors also (re)generates one
  purchase order per vendor: previously auto-generated orders for the
  estimate are dropped by related-estimate ID, then fresh orders are
  saved with newly allocated IDs. Amounts are rounded qty x cost.

CACHE KEYS OWNED HERE:
  projects_data, active_projects_data, orders_data (read-through);
  invalidation fans out through Cache.InvalidateRecordData.
*/
package estimating

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/grouprow"
	"github.com/warp/ledger-engine/metrics"
)

// mutateWait bounds the lock wait for record writes.
const mutateWait = 10 * time.Second

// saveTimestampLayout is the layout written into the date column.
const saveTimestampLayout = "2006/01/02 15:04"

// Service owns the estimate and order record operations.
type Service struct {
	Book  grouprow.Workbook
	Seq   *grouprow.SequenceAllocator
	Cache *grouprow.Cache
	Lock  grouprow.Locker
	Log   *slog.Logger

	// Creator is stamped into the 作成者 column of saved orders.
	Creator string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	estimates grouprow.GroupedStore[EstimateHeader, EstimateItem]
	orders    grouprow.GroupedStore[OrderHeader, OrderItem]
}

// NewService wires a Service over the shared storage services.
func NewService(book grouprow.Workbook, seq *grouprow.SequenceAllocator, cache *grouprow.Cache, lock grouprow.Locker, log *slog.Logger) *Service {
	s := &Service{Book: book, Seq: seq, Cache: cache, Lock: lock, Log: log}
	s.estimates = grouprow.GroupedStore[EstimateHeader, EstimateItem]{
		Book:  book,
		Codec: estimateCodec{},
		NewID: func(ctx context.Context) (string, error) { return seq.NextRecordID(ctx, grouprow.KindEstimate) },
	}
	s.orders = grouprow.GroupedStore[OrderHeader, OrderItem]{
		Book:  book,
		Codec: orderCodec{},
		NewID: func(ctx context.Context) (string, error) { return seq.NextRecordID(ctx, grouprow.KindOrder) },
	}
	return s
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// =============================================================================
// WRITE PATHS
// =============================================================================

// SaveUnified saves the estimate (allocating an ID when new) and
// regenerates the per-vendor auto orders for items that name a vendor.
// Returns the estimate ID.
func (s *Service) SaveUnified(ctx context.Context, est Estimate) (string, error) {
	if !s.Lock.TryAcquire(mutateWait) {
		metrics.LockTimeouts.WithLabelValues("save_estimate").Inc()
		return "", grouprow.ErrLockTimeout
	}
	defer s.Lock.Release()

	est.Header.Date = s.now().Format(saveTimestampLayout)
	id, err := s.estimates.Save(ctx, est)
	if err != nil {
		return "", err
	}

	if err := s.regenerateVendorOrders(ctx, id, est); err != nil {
		return "", err
	}

	s.Cache.InvalidateRecordData(ctx)
	s.log().Info("estimate saved", "id", id, "items", len(est.Items))
	return id, nil
}

// regenerateVendorOrders drops this estimate's previously auto-generated
// orders and saves one order per vendor named in the items.
func (s *Service) regenerateVendorOrders(ctx context.Context, estimateID string, est Estimate) error {
	var vendorNames []string
	vendorItems := make(map[string][]EstimateItem)
	for _, item := range est.Items {
		v := strings.TrimSpace(item.Vendor)
		if v == "" || strings.TrimSpace(item.Product) == "" {
			continue
		}
		if _, seen := vendorItems[v]; !seen {
			vendorNames = append(vendorNames, v)
		}
		vendorItems[v] = append(vendorItems[v], item)
	}
	if len(vendorNames) == 0 {
		return nil
	}

	if _, err := s.orders.DeleteWhere(ctx, OrderColRelEstimateID, estimateID); err != nil {
		return err
	}

	for _, vendor := range vendorNames {
		ord := Order{
			Header: OrderHeader{
				Date:          est.Header.Date,
				Vendor:        vendor,
				RelEstimateID: estimateID,
				Location:      est.Header.Location,
				Status:        DefaultOrderStatus,
				Creator:       s.Creator,
				Visibility:    DefaultVisibility,
			},
		}
		for _, item := range vendorItems[vendor] {
			ord.Items = append(ord.Items, OrderItem{
				Category: item.Category,
				Product:  item.Product,
				Spec:     item.Spec,
				Qty:      item.Qty,
				Unit:     item.Unit,
				Cost:     item.Cost,
				Amount:   item.Qty.Mul(item.Cost).Round(0),
			})
		}
		if _, err := s.orders.Save(ctx, ord); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder saves a standalone order, replacing its run when an ID is
// present. Returns the order ID and the number of item rows written.
func (s *Service) SaveOrder(ctx context.Context, ord Order) (string, int, error) {
	if !s.Lock.TryAcquire(mutateWait) {
		metrics.LockTimeouts.WithLabelValues("save_order").Inc()
		return "", 0, grouprow.ErrLockTimeout
	}
	defer s.Lock.Release()

	ord.Header.Date = s.now().Format(saveTimestampLayout)
	if ord.Header.Creator == "" {
		ord.Header.Creator = s.Creator
	}
	id, err := s.orders.Save(ctx, ord)
	if err != nil {
		return "", 0, err
	}
	s.Cache.InvalidateRecordData(ctx)
	return id, len(ord.Items), nil
}

// Delete removes the record's run from every record table independently;
// deletion succeeds when any table had matching rows.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, grouprow.ErrInvalidInput
	}
	if !s.Lock.TryAcquire(mutateWait) {
		metrics.LockTimeouts.WithLabelValues("delete_record").Inc()
		return false, grouprow.ErrLockTimeout
	}
	defer s.Lock.Release()

	deleted := false
	for _, name := range []string{EstimateTable, OrderTable, InvoiceTable, DepositsTable, PaymentsTable} {
		t, err := s.Book.Table(ctx, name)
		if err != nil {
			return deleted, err
		}
		ok, err := grouprow.DeleteRunsByID(ctx, t, id)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	s.Cache.InvalidateRecordData(ctx)
	s.log().Info("record deleted", "id", id, "matched", deleted)
	return deleted, nil
}

// =============================================================================
// RECORD READS
// =============================================================================

// EstimateDetailItem is a line item joined with what has already been
// ordered for the same product+spec.
type EstimateDetailItem struct {
	EstimateItem
	OrderedQty     decimal.Decimal `json:"orderedQty"`
	OrderedAmount  decimal.Decimal `json:"orderedAmount"`
	OrderedVendors string          `json:"orderedVendors"`
}

type EstimateDetails struct {
	ID          string               `json:"id"`
	Header      EstimateHeader       `json:"header"`
	Items       []EstimateDetailItem `json:"items"`
	TotalAmount decimal.Decimal      `json:"totalAmount"`
}

// GetEstimate reconstructs the estimate and joins each item with the
// aggregated ordered quantity/amount/vendors from the order table.
func (s *Service) GetEstimate(ctx context.Context, id string) (*EstimateDetails, error) {
	rec, err := s.estimates.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ordered, err := s.orderAggByItem(ctx, id)
	if err != nil {
		return nil, err
	}

	details := &EstimateDetails{ID: rec.ID, Header: rec.Header}
	for _, item := range rec.Items {
		agg := ordered[item.Product+"_"+item.Spec]
		details.Items = append(details.Items, EstimateDetailItem{
			EstimateItem:   item,
			OrderedQty:     agg.qty,
			OrderedAmount:  agg.amount,
			OrderedVendors: strings.Join(agg.vendors, ", "),
		})
		details.TotalAmount = details.TotalAmount.Add(item.Amount)
	}
	return details, nil
}

type itemOrderAgg struct {
	qty     decimal.Decimal
	amount  decimal.Decimal
	vendors []string
}

// orderAggByItem rolls up the order table rows related to one estimate,
// keyed by product+spec, in a single display-value scan.
func (s *Service) orderAggByItem(ctx context.Context, estimateID string) (map[string]itemOrderAgg, error) {
	t, err := s.Book.Table(ctx, OrderTable)
	if err != nil {
		return nil, err
	}
	agg := make(map[string]itemOrderAgg)
	err = grouprow.ScanRunsDisplay(ctx, t, len(OrderColumns), func(_ string, _ bool, row []string) error {
		if strings.TrimSpace(row[3]) != estimateID {
			return nil
		}
		key := row[5] + "_" + row[6]
		a := agg[key]
		a.qty = a.qty.Add(grouprow.ParseCurrency(row[7]))
		a.amount = a.amount.Add(grouprow.ParseCurrency(row[10]))
		if v := StripLegalForm(row[2]); v != "" && !contains(a.vendors, v) {
			a.vendors = append(a.vendors, v)
		}
		agg[key] = a
		return nil
	})
	return agg, err
}

// =============================================================================
// ROLLUP READERS (cached)
// =============================================================================

type ProjectSummary struct {
	ID                  string          `json:"id"`
	Date                string          `json:"date"`
	UpdatedAt           int64           `json:"updatedAt"`
	Client              string          `json:"client"`
	Project             string          `json:"project"`
	Location            string          `json:"location"`
	Period              string          `json:"period"`
	Payment             string          `json:"payment"`
	Expiry              string          `json:"expiry"`
	Status              string          `json:"status"`
	Visibility          string          `json:"visibility"`
	TaxMode             string          `json:"taxMode"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	TotalOrderAmount    decimal.Decimal `json:"totalOrderAmount"`
	OrderCount          int             `json:"orderCount"`
	TotalInvoicedAmount decimal.Decimal `json:"totalInvoicedAmount"`
	InvoiceCount        int             `json:"invoiceCount"`
	TotalDeposit        decimal.Decimal `json:"totalDeposit"`
	DepositCount        int             `json:"depositCount"`
}

// Projects returns the per-estimate rollup joined with order, invoice,
// and deposit summaries, newest first. Cached for TTLList.
func (s *Service) Projects(ctx context.Context) ([]ProjectSummary, error) {
	return cachedRead(ctx, s.Cache, "projects_data", grouprow.TTLList, func() ([]ProjectSummary, error) {
		return s.scanProjects(ctx)
	})
}

func (s *Service) scanProjects(ctx context.Context) ([]ProjectSummary, error) {
	orderTotals, err := s.sumByKey(ctx, OrderTable, 4, 11, nil)
	if err != nil {
		return nil, err
	}
	invoiceTotals, err := s.sumByKey(ctx, InvoiceTable, 5, 11, nil)
	if err != nil {
		return nil, err
	}
	depositTotals, err := s.sumByKey(ctx, DepositsTable, 4, 8, &statusFilter{col: 12, exclude: "取消"})
	if err != nil {
		return nil, err
	}

	t, err := s.Book.Table(ctx, EstimateTable)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*ProjectSummary)
	var order []string
	err = grouprow.ScanRuns(ctx, t, len(EstimateColumns), func(id string, first bool, row []string) error {
		p, ok := byID[id]
		if !ok {
			if !first {
				return nil // continuation rows of a run whose lead we never saw
			}
			ot := orderTotals[id]
			it := invoiceTotals[id]
			dt := depositTotals[id]
			p = &ProjectSummary{
				ID:         id,
				Date:       row[1],
				UpdatedAt:  parseTimestamp(row[1]),
				Client:     row[2],
				Location:   row[12],
				Project:    row[13],
				Period:     row[14],
				Payment:    row[15],
				Expiry:     row[16],
				Status:     orDefault(row[17], "未作成"),
				Visibility: orDefault(row[19], DefaultVisibility),
				TaxMode:    orDefault(row[20], DefaultTaxMode),

				TotalOrderAmount:    ot.total,
				OrderCount:          ot.count,
				TotalInvoicedAmount: it.total,
				InvoiceCount:        it.count,
				TotalDeposit:        dt.total,
				DepositCount:        dt.count,
			}
			byID[id] = p
			order = append(order, id)
		}
		p.TotalAmount = p.TotalAmount.Add(grouprow.ParseDecimal(row[10]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ProjectSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

type OrderSummary struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	Vendor        string          `json:"vendor"`
	RelEstimateID string          `json:"relEstId"`
	Location      string          `json:"location"`
	Status        string          `json:"status"`
	Remarks       string          `json:"remarks"`
	Creator       string          `json:"creator"`
	Visibility    string          `json:"visibility"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	TotalPaid     decimal.Decimal `json:"totalPaid"`
	PaymentCount  int             `json:"paymentCount"`
}

// Orders returns the per-order rollup joined with payment summaries.
// Cached for TTLOrders; the order list has the highest edit frequency.
func (s *Service) Orders(ctx context.Context) ([]OrderSummary, error) {
	return cachedRead(ctx, s.Cache, "orders_data", grouprow.TTLOrders, func() ([]OrderSummary, error) {
		return s.scanOrders(ctx)
	})
}

func (s *Service) scanOrders(ctx context.Context) ([]OrderSummary, error) {
	paymentTotals, err := s.sumByKey(ctx, PaymentsTable, 4, 9, &statusFilter{col: 13, exclude: "取消"})
	if err != nil {
		return nil, err
	}

	t, err := s.Book.Table(ctx, OrderTable)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*OrderSummary)
	var order []string
	err = grouprow.ScanRunsDisplay(ctx, t, len(OrderColumns), func(id string, first bool, row []string) error {
		o, ok := byID[id]
		if !ok {
			if !first {
				return nil
			}
			pt := paymentTotals[id]
			o = &OrderSummary{
				ID:            id,
				Date:          row[1],
				Vendor:        row[2],
				RelEstimateID: row[3],
				Location:      row[11],
				Status:        row[12],
				Remarks:       row[13],
				Creator:       row[14],
				Visibility:    orDefault(row[15], DefaultVisibility),
				TotalPaid:     pt.total,
				PaymentCount:  pt.count,
			}
			byID[id] = o
			order = append(order, id)
		}
		o.TotalAmount = o.TotalAmount.Add(grouprow.ParseCurrency(row[10]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]OrderSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

type ActiveProject struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Client  string `json:"client"`
	Project string `json:"project"`
}

// ActiveProjects lists estimates whose status is neither completed nor
// lost, newest first. Cached for TTLList.
func (s *Service) ActiveProjects(ctx context.Context) ([]ActiveProject, error) {
	return cachedRead(ctx, s.Cache, "active_projects_data", grouprow.TTLList, func() ([]ActiveProject, error) {
		t, err := s.Book.Table(ctx, EstimateTable)
		if err != nil {
			return nil, err
		}
		var out []ActiveProject
		err = grouprow.ScanRuns(ctx, t, len(EstimateColumns), func(id string, first bool, row []string) error {
			if !first || row[17] == "完了" || row[17] == "失注" {
				return nil
			}
			out = append(out, ActiveProject{
				ID:      id,
				Name:    fmt.Sprintf("%s %s", row[2], row[13]),
				Client:  row[2],
				Project: row[13],
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		// newest (appended last) first
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	})
}

type Draft struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Timestamp   int64           `json:"timestamp"`
	Client      string          `json:"client"`
	Project     string          `json:"project"`
	Location    string          `json:"location"`
	Period      string          `json:"period"`
	Payment     string          `json:"payment"`
	Expiry      string          `json:"expiry"`
	Status      string          `json:"status"`
	TaxMode     string          `json:"taxMode"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// Drafts lists every estimate with its recomputed total, newest first.
// Deliberately uncached: the draft list is read right after saves.
func (s *Service) Drafts(ctx context.Context) ([]Draft, error) {
	t, err := s.Book.Table(ctx, EstimateTable)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Draft)
	var order []string
	err = grouprow.ScanRuns(ctx, t, len(EstimateColumns), func(id string, first bool, row []string) error {
		d, ok := byID[id]
		if !ok {
			if !first {
				return nil
			}
			d = &Draft{
				ID:        id,
				Date:      row[1],
				Timestamp: parseTimestamp(row[1]),
				Client:    row[2],
				Location:  row[12],
				Project:   row[13],
				Period:    row[14],
				Payment:   row[15],
				Expiry:    row[16],
				Status:    row[17],
				TaxMode:   orDefault(row[20], DefaultTaxMode),
			}
			byID[id] = d
			order = append(order, id)
		}
		if row[4] != "" {
			d.TotalAmount = d.TotalAmount.Add(grouprow.ParseDecimal(row[10]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Draft, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// NextInvoiceFileNo allocates the next invoice file number for a vendor,
// bucketed by the vendor's guessed initial.
func (s *Service) NextInvoiceFileNo(ctx context.Context, vendorName string) (string, error) {
	return s.Seq.NextInvoiceFileNo(ctx, GuessInitial(vendorName))
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type keyedTotal struct {
	total decimal.Decimal
	count int
}

type statusFilter struct {
	col     int // 1-based status column
	exclude string
}

// sumByKey accumulates amountCol per keyCol over single-row record
// tables (invoices, deposits, payments) and the row-wise order table.
// Rows with a blank key are skipped; rows matching the status filter's
// excluded value are ignored.
func (s *Service) sumByKey(ctx context.Context, table string, keyCol, amountCol int, filter *statusFilter) (map[string]keyedTotal, error) {
	t, err := s.Book.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := amountCol
	if keyCol > cols {
		cols = keyCol
	}
	if filter != nil && filter.col > cols {
		cols = filter.col
	}
	totals := make(map[string]keyedTotal)
	err = grouprow.ScanRunsDisplay(ctx, t, cols, func(_ string, _ bool, row []string) error {
		key := strings.TrimSpace(row[keyCol-1])
		if key == "" {
			return nil
		}
		if filter != nil && strings.TrimSpace(row[filter.col-1]) == filter.exclude {
			return nil
		}
		kt := totals[key]
		kt.total = kt.total.Add(grouprow.ParseCurrency(row[amountCol-1]))
		kt.count++
		totals[key] = kt
		return nil
	})
	return totals, err
}

// cachedRead is the read-through pattern shared by the rollup readers:
// hit decodes the cached snapshot, miss computes and stores one.
func cachedRead[T any](ctx context.Context, c *grouprow.Cache, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	var out T
	if c != nil {
		if snapshot, ok := c.Get(ctx, key); ok {
			if err := json.Unmarshal([]byte(snapshot), &out); err == nil {
				return out, nil
			}
			// corrupt snapshot: fall through to recompute
		}
	}
	out, err := compute()
	if err != nil {
		return out, err
	}
	if c != nil {
		if raw, err := json.Marshal(out); err == nil {
			c.Put(ctx, key, string(raw), ttl)
		}
	}
	return out, nil
}

func parseTimestamp(s string) int64 {
	for _, layout := range []string{saveTimestampLayout, "2006/01/02", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
