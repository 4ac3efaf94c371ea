/*
Package estimating implements the estimate and purchase-order record
types on top of the grouped-row engine.

PURPOSE:
  Estimates and orders are multi-line records stored as grouped row runs
  in the 見積リスト (estimate) and 発注リスト (order) tables. This file
  defines their headers, line items, and the Codecs that map them onto
  the fixed column layouts. Invoice, deposit, and payment tables are not
  reconstructed as records here; they are scanned for rollups and swept
  by ID-scoped deletion only.

COLUMN LAYOUTS:
  Estimate (21 columns): header fields are written on the first row of a
  run only. Order (16 columns): only the ID is first-row-only; the vendor,
  related-estimate ID, and delivery fields repeat on every row.

PRECISION:
  Quantities, costs, prices, and amounts are decimal.Decimal end to end.

SEE ALSO:
  - service.go: save/get/delete and the cached rollup readers
  - vendor.go: vendor-initial guessing and fiscal-year helpers
*/
package estimating

import (
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/grouprow"
)

// Table names, one flat table per record type.
const (
	EstimateTable = "見積リスト"
	OrderTable    = "発注リスト"
	InvoiceTable  = "受取請求書リスト"
	DepositsTable = "入金リスト"
	PaymentsTable = "出金リスト"
)

// EstimateColumns is the estimate table header row.
var EstimateColumns = []string{
	"ID", "日付", "顧客名", "工種", "品名", "仕様", "数量", "単位", "原価", "単価",
	"金額", "備考", "工事場所", "工事名", "工期", "支払条件", "有効期限", "状態",
	"発注先", "公開範囲", "税区分",
}

// OrderColumns is the order table header row.
var OrderColumns = []string{
	"ID", "日付", "発注先", "関連見積ID", "工種", "品名", "仕様", "数量", "単位",
	"単価", "金額", "納品場所", "状態", "備考", "作成者", "公開範囲",
}

// Column positions referenced outside the codecs (1-based).
const (
	OrderColRelEstimateID = 4
)

// Defaults applied when a saved header leaves the field blank.
const (
	DefaultEstimateStatus = "見積提出"
	DefaultOrderStatus    = "発注書作成"
	DefaultVisibility     = "public"
	DefaultTaxMode        = "税別"
)

// =============================================================================
// ESTIMATE
// =============================================================================

type EstimateHeader struct {
	Date       string `json:"date"`
	Client     string `json:"client"`
	Location   string `json:"location"`
	Project    string `json:"project"`
	Period     string `json:"period"`
	Payment    string `json:"payment"`
	Expiry     string `json:"expiry"`
	Status     string `json:"status"`
	Remarks    string `json:"remarks"`
	Visibility string `json:"visibility"`
	TaxMode    string `json:"taxMode"`
}

type EstimateItem struct {
	Category string          `json:"category"`
	Product  string          `json:"product"`
	Spec     string          `json:"spec"`
	Qty      decimal.Decimal `json:"qty"`
	Unit     string          `json:"unit"`
	Cost     decimal.Decimal `json:"cost"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Remarks  string          `json:"remarks"`
	Vendor   string          `json:"vendor"`
}

type Estimate = grouprow.Record[EstimateHeader, EstimateItem]

type estimateCodec struct{}

func (estimateCodec) Table() string     { return EstimateTable }
func (estimateCodec) Columns() []string { return EstimateColumns }

func (estimateCodec) EncodeRow(id string, h EstimateHeader, item EstimateItem, first bool) []string {
	hdr := func(v string) string {
		if first {
			return v
		}
		return ""
	}
	return []string{
		hdr(id),
		hdr(h.Date),
		hdr(h.Client),
		item.Category,
		item.Product,
		item.Spec,
		cell(item.Qty),
		item.Unit,
		cell(item.Cost),
		cell(item.Price),
		cell(item.Amount),
		item.Remarks,
		hdr(h.Location),
		hdr(h.Project),
		hdr(h.Period),
		hdr(h.Payment),
		hdr(h.Expiry),
		hdr(orDefault(h.Status, DefaultEstimateStatus)),
		item.Vendor,
		hdr(orDefault(h.Visibility, DefaultVisibility)),
		hdr(orDefault(h.TaxMode, DefaultTaxMode)),
	}
}

func (estimateCodec) DecodeHeader(_ string, row []string) EstimateHeader {
	return EstimateHeader{
		Date:       row[1],
		Client:     row[2],
		Remarks:    row[11],
		Location:   row[12],
		Project:    row[13],
		Period:     row[14],
		Payment:    row[15],
		Expiry:     row[16],
		Status:     row[17],
		Visibility: orDefault(row[19], DefaultVisibility),
		TaxMode:    orDefault(row[20], DefaultTaxMode),
	}
}

func (estimateCodec) DecodeItem(row []string) (EstimateItem, bool) {
	if row[4] == "" {
		return EstimateItem{}, false
	}
	return EstimateItem{
		Category: row[3],
		Product:  row[4],
		Spec:     row[5],
		Qty:      grouprow.ParseDecimal(row[6]),
		Unit:     row[7],
		Cost:     grouprow.ParseDecimal(row[8]),
		Price:    grouprow.ParseDecimal(row[9]),
		Amount:   grouprow.ParseDecimal(row[10]),
		Remarks:  row[11],
		Vendor:   row[18],
	}, true
}

// =============================================================================
// ORDER
// =============================================================================

type OrderHeader struct {
	Date          string `json:"date"`
	Vendor        string `json:"vendor"`
	RelEstimateID string `json:"relEstId"`
	Location      string `json:"location"`
	Status        string `json:"status"`
	Remarks       string `json:"remarks"`
	Creator       string `json:"creator"`
	Visibility    string `json:"visibility"`
}

type OrderItem struct {
	Category string          `json:"category"`
	Product  string          `json:"product"`
	Spec     string          `json:"spec"`
	Qty      decimal.Decimal `json:"qty"`
	Unit     string          `json:"unit"`
	Cost     decimal.Decimal `json:"cost"`
	Amount   decimal.Decimal `json:"amount"`
}

type Order = grouprow.Record[OrderHeader, OrderItem]

type orderCodec struct{}

func (orderCodec) Table() string     { return OrderTable }
func (orderCodec) Columns() []string { return OrderColumns }

// EncodeRow repeats every header field except the ID; the order table is
// read row-wise by downstream consumers and keeps context on each line.
func (orderCodec) EncodeRow(id string, h OrderHeader, item OrderItem, first bool) []string {
	rowID := ""
	if first {
		rowID = id
	}
	amount := item.Amount
	if amount.IsZero() {
		amount = item.Qty.Mul(item.Cost).Round(0)
	}
	return []string{
		rowID,
		h.Date,
		h.Vendor,
		h.RelEstimateID,
		item.Category,
		item.Product,
		item.Spec,
		cell(item.Qty),
		item.Unit,
		cell(item.Cost),
		amount.String(),
		h.Location,
		orDefault(h.Status, DefaultOrderStatus),
		h.Remarks,
		h.Creator,
		orDefault(h.Visibility, DefaultVisibility),
	}
}

func (orderCodec) DecodeHeader(_ string, row []string) OrderHeader {
	return OrderHeader{
		Date:          row[1],
		Vendor:        row[2],
		RelEstimateID: row[3],
		Location:      row[11],
		Status:        row[12],
		Remarks:       row[13],
		Creator:       row[14],
		Visibility:    orDefault(row[15], DefaultVisibility),
	}
}

func (orderCodec) DecodeItem(row []string) (OrderItem, bool) {
	if row[5] == "" {
		return OrderItem{}, false
	}
	return OrderItem{
		Category: row[4],
		Product:  row[5],
		Spec:     row[6],
		Qty:      grouprow.ParseDecimal(row[7]),
		Unit:     row[8],
		Cost:     grouprow.ParseDecimal(row[9]),
		Amount:   grouprow.ParseDecimal(row[10]),
	}, true
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

// cell renders a decimal cell, writing zero as "0" (blank cells mean "no
// item payload", not "zero of something").
func cell(d decimal.Decimal) string { return d.String() }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
