/*
ledger.go - Monthly progress-billing state machine

PURPOSE:
  The ledger tracks, per purchase order, how much of each line item is
  complete in the current reporting month. Rows with a blank report
  month are the open period; closing a month freezes them with the
  month tag and appends a carried-forward row set for the next month.

STATE TRANSITIONS (per order ID):
  import   -> open rows appended, deduplicated by (name, spec)
  update   -> current cumulative quantity edited in place
  close    -> open rows tagged currentYM, nextYM rows appended with
              prevCum = currCum = the closed row's currCum

CLOSE IDEMPOTENCE:
  A close aborts with DoubleCloseError when rows for (orderID, nextYM)
  already exist, before any mutation. Tag-then-append is two phases
  under one lock hold; a crash between phases leaves tagged rows
  without successors, which a re-run close cannot repair automatically.

CACHE KEYS OWNED HERE:
  progress_data_<orderID|all>_<month>, progress_report_list_<month|all>;
  invalidation fans out through Cache.InvalidateProgress.
*/
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/grouprow"
	"github.com/warp/ledger-engine/metrics"
)

const (
	importWait = 10 * time.Second
	closeWait  = 15 * time.Second
)

// Property-store keys for the per-order report header map. The legacy
// key held a single unkeyed header and is migrated under "__none__".
const (
	reportHeadersKey      = "PROGRESS_REPORT_HEADERS"
	legacyReportHeaderKey = "PROGRESS_REPORT_HEADER"
	noOrderKey            = "__none__"
)

// EstimateSource supplies estimate line items for imports.
type EstimateSource interface {
	GetEstimate(ctx context.Context, id string) (*estimating.EstimateDetails, error)
}

// Ledger owns the progress table and its report headers.
type Ledger struct {
	Book      grouprow.Workbook
	Props     grouprow.KeyValueStore
	Cache     *grouprow.Cache
	Lock      grouprow.Locker
	Log       *slog.Logger
	Estimates EstimateSource
}

func (l *Ledger) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l *Ledger) table(ctx context.Context) (grouprow.TabularStore, error) {
	return l.Book.EnsureTable(ctx, Table, Columns)
}

// readAll loads every ledger row with derived fields recomputed.
func (l *Ledger) readAll(ctx context.Context) ([]Item, error) {
	t, err := l.table(ctx)
	if err != nil {
		return nil, err
	}
	last, err := t.LastRow(ctx)
	if err != nil {
		return nil, err
	}
	if last <= 1 {
		return nil, nil
	}
	rows, err := t.ReadRange(ctx, 2, 1, last-1, len(Columns))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		items = append(items, decodeItem(i+2, row))
	}
	return items, nil
}

// Items returns ledger rows filtered by order and reporting month.
// A month filter keeps that month's rows plus still-open rows.
func (l *Ledger) Items(ctx context.Context, orderID, reportMonth string) ([]Item, error) {
	cacheKey := itemsCacheKey(orderID, reportMonth)
	if snapshot, ok := l.Cache.Get(ctx, cacheKey); ok {
		var out []Item
		if err := json.Unmarshal([]byte(snapshot), &out); err == nil {
			return out, nil
		}
	}
	all, err := l.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := filterItems(all, orderID, reportMonth)
	if raw, err := json.Marshal(out); err == nil {
		l.Cache.Put(ctx, cacheKey, string(raw), grouprow.TTLOrders)
	}
	return out, nil
}

func itemsCacheKey(orderID, reportMonth string) string {
	if orderID == "" && reportMonth == "" {
		return "progress_data_all"
	}
	oid := orderID
	if oid == "" {
		oid = "all"
	}
	return "progress_data_" + oid + "_" + reportMonth
}

func filterItems(all []Item, orderID, reportMonth string) []Item {
	out := make([]Item, 0, len(all))
	for _, it := range all {
		if orderID != "" && it.OrderID != orderID {
			continue
		}
		if reportMonth != "" && it.ReportMonth != "" && it.ReportMonth != reportMonth {
			continue
		}
		out = append(out, it)
	}
	return out
}

// =============================================================================
// IMPORTS
// =============================================================================

// ImportResult reports a partial-success import: bad or duplicate rows
// are counted, never failed wholesale.
type ImportResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// ImportFromEstimate appends one open row per estimate line item,
// skipping (name, spec) pairs already present anywhere in the ledger.
func (l *Ledger) ImportFromEstimate(ctx context.Context, estimateID string) (ImportResult, error) {
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_import").Inc()
		return ImportResult{}, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	est, err := l.Estimates.GetEstimate(ctx, estimateID)
	if err != nil {
		return ImportResult{}, err
	}
	if len(est.Items) == 0 {
		return ImportResult{}, &grouprow.NotFoundError{Table: estimating.EstimateTable, ID: estimateID}
	}

	var candidates []Item
	for _, item := range est.Items {
		candidates = append(candidates, Item{
			Name:       strings.TrimSpace(item.Product),
			Spec:       strings.TrimSpace(item.Spec),
			TotalQty:   item.Qty,
			Unit:       item.Unit,
			Price:      item.Price,
			EstimateID: estimateID,
		})
	}
	res, err := l.appendDeduped(ctx, candidates, "", "")
	if err == nil {
		l.Cache.InvalidateProgress(ctx, "")
		l.log().Info("progress import from estimate", "estId", estimateID, "added", res.Added, "skipped", res.Skipped)
	}
	return res, err
}

// ImportFromOrder appends one row per order line, tagged with the given
// reporting month. Deduplication is scoped to rows of the same order
// and month so the same item can recur across orders and months.
func (l *Ledger) ImportFromOrder(ctx context.Context, orderID, reportMonth string) (ImportResult, error) {
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_import").Inc()
		return ImportResult{}, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	lines, err := l.readOrderLines(ctx, orderID)
	if err != nil {
		return ImportResult{}, err
	}
	if len(lines) == 0 {
		return ImportResult{}, &grouprow.NotFoundError{Table: estimating.OrderTable, ID: orderID}
	}
	for i := range lines {
		lines[i].OrderID = orderID
		lines[i].ReportMonth = reportMonth
	}
	res, err := l.appendDeduped(ctx, lines, orderID, reportMonth)
	if err == nil {
		l.Cache.InvalidateProgress(ctx, orderID)
		l.log().Info("progress import from order", "orderId", orderID, "month", reportMonth, "added", res.Added, "skipped", res.Skipped)
	}
	return res, err
}

// ManualItem is an operator-entered line for ImportManual.
type ManualItem struct {
	Name  string          `json:"name"`
	Spec  string          `json:"spec"`
	Qty   decimal.Decimal `json:"qty"`
	Unit  string          `json:"unit"`
	Price decimal.Decimal `json:"price"`
}

// ImportManual appends operator-entered rows with no related record.
func (l *Ledger) ImportManual(ctx context.Context, items []ManualItem) (ImportResult, error) {
	if len(items) == 0 {
		return ImportResult{}, fmt.Errorf("%w: no rows to import", grouprow.ErrInvalidInput)
	}
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_import").Inc()
		return ImportResult{}, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	var candidates []Item
	for _, m := range items {
		candidates = append(candidates, Item{
			Name:     strings.TrimSpace(m.Name),
			Spec:     strings.TrimSpace(m.Spec),
			TotalQty: m.Qty,
			Unit:     strings.TrimSpace(m.Unit),
			Price:    m.Price,
		})
	}
	res, err := l.appendDeduped(ctx, candidates, "", "")
	if err == nil {
		l.Cache.InvalidateProgress(ctx, "")
	}
	return res, err
}

// appendDeduped appends candidate rows whose (name, spec) key is not
// already present. With a scopeOrderID the existing-key set is limited
// to rows of that order whose month is blank or equals scopeMonth;
// otherwise every ledger row blocks a duplicate.
func (l *Ledger) appendDeduped(ctx context.Context, candidates []Item, scopeOrderID, scopeMonth string) (ImportResult, error) {
	existing, err := l.readAll(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	seen := make(map[string]bool)
	for _, it := range existing {
		if scopeOrderID != "" {
			if it.OrderID != scopeOrderID {
				continue
			}
			if it.ReportMonth != "" && scopeMonth != "" && it.ReportMonth != scopeMonth {
				continue
			}
		}
		seen[it.Key()] = true
	}

	t, err := l.table(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	var res ImportResult
	for _, it := range candidates {
		if it.Name == "" {
			continue
		}
		if seen[it.Key()] {
			res.Skipped++
			continue
		}
		seen[it.Key()] = true
		if err := t.AppendRow(ctx, it.encode()); err != nil {
			return res, err
		}
		res.Added++
	}
	return res, nil
}

// readOrderLines collects one order's line items from the order table,
// resolving columns by header name and carrying the run's ID across
// its continuation rows.
func (l *Ledger) readOrderLines(ctx context.Context, orderID string) ([]Item, error) {
	t, err := l.Book.Table(ctx, estimating.OrderTable)
	if err != nil {
		return nil, err
	}
	last, err := t.LastRow(ctx)
	if err != nil {
		return nil, err
	}
	if last <= 1 {
		return nil, nil
	}
	rows, err := t.ReadDisplayRange(ctx, 1, 1, last, len(estimating.OrderColumns))
	if err != nil {
		return nil, err
	}

	headerIdx := 0
	for i := 0; i < len(rows) && i < 10; i++ {
		if strings.TrimSpace(rows[i][0]) == "ID" {
			headerIdx = i
			break
		}
	}
	col := make(map[string]int)
	for i, name := range rows[headerIdx] {
		col[strings.TrimSpace(name)] = i
	}
	need := []string{"ID", "品名", "仕様", "数量", "単位", "単価", "関連見積ID"}
	for _, name := range need {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: order table missing column %q", grouprow.ErrStoreUnavailable, name)
		}
	}

	var lines []Item
	currentID := ""
	for _, row := range rows[headerIdx+1:] {
		if id := strings.TrimSpace(row[col["ID"]]); id != "" && id != "ID" {
			currentID = id
		}
		if currentID != orderID {
			continue
		}
		lines = append(lines, Item{
			Name:       strings.TrimSpace(row[col["品名"]]),
			Spec:       strings.TrimSpace(row[col["仕様"]]),
			TotalQty:   grouprow.ParseCurrency(row[col["数量"]]),
			Unit:       strings.TrimSpace(row[col["単位"]]),
			Price:      grouprow.ParseCurrency(row[col["単価"]]),
			EstimateID: strings.TrimSpace(row[col["関連見積ID"]]),
		})
	}
	return lines, nil
}

// =============================================================================
// IN-PLACE QUANTITY UPDATES
// =============================================================================

// UpdateCumQty writes one row's current cumulative quantity and returns
// the row with derived fields recomputed.
func (l *Ledger) UpdateCumQty(ctx context.Context, rowIndex int, qty decimal.Decimal) (*Item, error) {
	if rowIndex < 2 {
		return nil, fmt.Errorf("%w: row %d is not a data row", grouprow.ErrInvalidInput, rowIndex)
	}
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_update").Inc()
		return nil, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	t, err := l.table(ctx)
	if err != nil {
		return nil, err
	}
	last, err := t.LastRow(ctx)
	if err != nil {
		return nil, err
	}
	if rowIndex > last {
		return nil, &grouprow.NotFoundError{Table: Table, ID: fmt.Sprintf("row %d", rowIndex)}
	}
	if err := t.WriteRange(ctx, rowIndex, colCurrCumQty, [][]string{{qty.String()}}); err != nil {
		return nil, err
	}
	l.Cache.InvalidateProgress(ctx, "")

	rows, err := t.ReadRange(ctx, rowIndex, 1, 1, len(Columns))
	if err != nil {
		return nil, err
	}
	it := decodeItem(rowIndex, rows[0])
	return &it, nil
}

// CumQtyUpdate is one row edit within a BatchUpdate.
type CumQtyUpdate struct {
	RowIndex   int             `json:"rowIndex"`
	CurrCumQty decimal.Decimal `json:"currCumQty"`
}

// BatchUpdate applies many quantity edits under one lock hold and
// returns the full recomputed ledger.
func (l *Ledger) BatchUpdate(ctx context.Context, updates []CumQtyUpdate) ([]Item, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no rows to update", grouprow.ErrInvalidInput)
	}
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_update").Inc()
		return nil, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	t, err := l.table(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.RowIndex < 2 {
			continue
		}
		if err := t.WriteRange(ctx, u.RowIndex, colCurrCumQty, [][]string{{u.CurrCumQty.String()}}); err != nil {
			return nil, err
		}
	}
	l.Cache.InvalidateProgress(ctx, "")
	return l.readAll(ctx)
}

// DeleteRow removes one ledger row and returns the remaining ledger.
func (l *Ledger) DeleteRow(ctx context.Context, rowIndex int) ([]Item, error) {
	if rowIndex < 2 {
		return nil, fmt.Errorf("%w: header row cannot be deleted", grouprow.ErrInvalidInput)
	}
	if !l.Lock.TryAcquire(importWait) {
		metrics.LockTimeouts.WithLabelValues("progress_delete").Inc()
		return nil, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	t, err := l.table(ctx)
	if err != nil {
		return nil, err
	}
	last, err := t.LastRow(ctx)
	if err != nil {
		return nil, err
	}
	if rowIndex > last {
		return nil, &grouprow.NotFoundError{Table: Table, ID: fmt.Sprintf("row %d", rowIndex)}
	}
	if err := grouprow.DeleteRows(ctx, t, []int{rowIndex}); err != nil {
		return nil, err
	}
	l.Cache.InvalidateProgress(ctx, "")
	return l.readAll(ctx)
}

// =============================================================================
// MONTHLY CLOSE
// =============================================================================

// CloseResult reports a completed monthly close.
type CloseResult struct {
	NextMonth string `json:"nextMonth"`
	Count     int    `json:"count"`
}

// CloseMonth freezes the order's open rows into currentYM and appends
// the next month's opening row set. Every appended row starts with
// prevCum = currCum = the closed row's currCum, so the new month opens
// exactly where the old one ended with zero period progress.
func (l *Ledger) CloseMonth(ctx context.Context, orderID, currentYM string) (CloseResult, error) {
	if orderID == "" || currentYM == "" {
		return CloseResult{}, fmt.Errorf("%w: order ID and month are required", grouprow.ErrInvalidInput)
	}
	nextYM, err := NextMonth(currentYM)
	if err != nil {
		return CloseResult{}, err
	}

	if !l.Lock.TryAcquire(closeWait) {
		metrics.LockTimeouts.WithLabelValues("progress_close").Inc()
		return CloseResult{}, grouprow.ErrLockTimeout
	}
	defer l.Lock.Release()

	all, err := l.readAll(ctx)
	if err != nil {
		return CloseResult{}, err
	}

	var targets []Item
	for _, it := range all {
		if it.OrderID != orderID {
			continue
		}
		if it.ReportMonth == nextYM {
			return CloseResult{}, &grouprow.DoubleCloseError{OrderID: orderID, Month: nextYM}
		}
		if it.ReportMonth == "" || it.ReportMonth == currentYM {
			targets = append(targets, it)
		}
	}
	if len(targets) == 0 {
		return CloseResult{}, &grouprow.NotFoundError{Table: Table, ID: orderID + " " + currentYM}
	}

	t, err := l.table(ctx)
	if err != nil {
		return CloseResult{}, err
	}

	// Phase 1: freeze open rows into the closing month.
	for _, it := range targets {
		if it.ReportMonth != "" {
			continue
		}
		if err := t.WriteRange(ctx, it.RowIndex, colReportMonth, [][]string{{currentYM}}); err != nil {
			return CloseResult{}, err
		}
	}

	// Phase 2: append the carried-forward rows for the next month.
	for _, it := range targets {
		next := Item{
			Name:        it.Name,
			Spec:        it.Spec,
			TotalQty:    it.TotalQty,
			Unit:        it.Unit,
			Price:       it.Price,
			PrevCumQty:  it.CurrCumQty,
			CurrCumQty:  it.CurrCumQty,
			EstimateID:  it.EstimateID,
			OrderID:     orderID,
			ReportMonth: nextYM,
		}
		if err := t.AppendRow(ctx, next.encode()); err != nil {
			return CloseResult{}, err
		}
	}

	l.Cache.InvalidateProgress(ctx, orderID)
	l.log().Info("progress month closed", "orderId", orderID, "closed", currentYM, "opened", nextYM, "rows", len(targets))
	return CloseResult{NextMonth: nextYM, Count: len(targets)}, nil
}

// =============================================================================
// REPORT LIST AND HEADERS
// =============================================================================

// ReportGroup is the per-order rollup shown in the report list.
type ReportGroup struct {
	OrderID            string            `json:"orderId"`
	ItemCount          int               `json:"itemCount"`
	EstimateTotal      decimal.Decimal   `json:"estimateTotal"`
	ProgressTotal      decimal.Decimal   `json:"progressTotal"`
	OverallRate        string            `json:"overallRate"`
	PeriodPaymentTotal decimal.Decimal   `json:"periodPaymentTotal"`
	HeaderInfo         map[string]string `json:"headerInfo"`
}

// ReportList groups the ledger by order ID with totals and the saved
// report header for each group.
func (l *Ledger) ReportList(ctx context.Context, reportMonth string) ([]ReportGroup, error) {
	cacheKey := "progress_report_list_" + orDefaultStr(reportMonth, "all")
	if snapshot, ok := l.Cache.Get(ctx, cacheKey); ok {
		var out []ReportGroup
		if err := json.Unmarshal([]byte(snapshot), &out); err == nil {
			return out, nil
		}
	}

	all, err := l.readAll(ctx)
	if err != nil {
		return nil, err
	}
	items := filterItems(all, "", reportMonth)

	headers, err := l.loadHeaderMap(ctx)
	if err != nil {
		headers = map[string]map[string]string{}
	}

	byOrder := make(map[string]*ReportGroup)
	var order []string
	for _, it := range items {
		oid := orDefaultStr(it.OrderID, noOrderKey)
		g, ok := byOrder[oid]
		if !ok {
			shown := it.OrderID
			g = &ReportGroup{OrderID: shown, HeaderInfo: headers[oid]}
			if g.HeaderInfo == nil {
				g.HeaderInfo = map[string]string{}
			}
			byOrder[oid] = g
			order = append(order, oid)
		}
		g.ItemCount++
		g.EstimateTotal = g.EstimateTotal.Add(it.EstimateAmt)
		g.ProgressTotal = g.ProgressTotal.Add(it.ProgressAmt)
		g.PeriodPaymentTotal = g.PeriodPaymentTotal.Add(it.PeriodPayment)
	}

	out := make([]ReportGroup, 0, len(order))
	for _, oid := range order {
		g := byOrder[oid]
		if !g.EstimateTotal.IsZero() {
			g.OverallRate = g.ProgressTotal.DivRound(g.EstimateTotal, 4).String()
		}
		out = append(out, *g)
	}

	if raw, err := json.Marshal(out); err == nil {
		l.Cache.Put(ctx, cacheKey, string(raw), grouprow.TTLOrders)
	}
	return out, nil
}

// GetReportHeader returns the saved report header for an order, or an
// empty header. Blank order ID addresses the unscoped legacy slot.
func (l *Ledger) GetReportHeader(ctx context.Context, orderID string) (map[string]string, error) {
	headers, err := l.loadHeaderMap(ctx)
	if err != nil {
		return nil, err
	}
	h := headers[orDefaultStr(orderID, noOrderKey)]
	if h == nil {
		h = map[string]string{}
	}
	return h, nil
}

// SaveReportHeader stores the report header for an order in the keyed
// header map.
func (l *Ledger) SaveReportHeader(ctx context.Context, orderID string, header map[string]string) error {
	headers, err := l.loadHeaderMap(ctx)
	if err != nil {
		return err
	}
	headers[orDefaultStr(orderID, noOrderKey)] = header
	raw, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	return l.Props.Set(ctx, reportHeadersKey, string(raw))
}

// loadHeaderMap reads the keyed header map, migrating a legacy unkeyed
// header into the "__none__" slot once when the map is absent.
func (l *Ledger) loadHeaderMap(ctx context.Context) (map[string]map[string]string, error) {
	raw, err := l.Props.Get(ctx, reportHeadersKey)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]map[string]string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("decode report headers: %w", err)
		}
		return headers, nil
	}

	legacy, err := l.Props.Get(ctx, legacyReportHeaderKey)
	if err != nil || legacy == "" {
		return headers, err
	}
	var old map[string]string
	if err := json.Unmarshal([]byte(legacy), &old); err != nil || len(old) == 0 {
		return headers, nil
	}
	headers[noOrderKey] = old
	if migrated, err := json.Marshal(headers); err == nil {
		if err := l.Props.Set(ctx, reportHeadersKey, string(migrated)); err != nil {
			l.log().Warn("report header migration failed", "error", err)
		}
	}
	return headers, nil
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
