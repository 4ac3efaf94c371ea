/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Request bodies and the result envelope. Responses always carry a
  success flag; payload fields ride alongside it on success and a short
  operator-facing message replaces them on failure.

SEE ALSO:
  - handlers.go: Handler implementations using these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/progress"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// envelope is the response shape shared by every endpoint.
type envelope map[string]any

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// ESTIMATE / ORDER REQUESTS
// =============================================================================

// SaveEstimateRequest saves an estimate; a blank ID allocates a new one.
type SaveEstimateRequest struct {
	ID     string                    `json:"id"`
	Header estimating.EstimateHeader `json:"header"`
	Items  []estimating.EstimateItem `json:"items"`
}

// SaveOrderRequest saves a standalone purchase order.
type SaveOrderRequest struct {
	ID     string                 `json:"id"`
	Header estimating.OrderHeader `json:"header"`
	Items  []estimating.OrderItem `json:"items"`
}

// InvoiceFileNoRequest allocates the next invoice file number for a vendor.
type InvoiceFileNoRequest struct {
	VendorName string `json:"vendorName"`
}

// =============================================================================
// PROGRESS REQUESTS
// =============================================================================

type ImportFromEstimateRequest struct {
	EstimateID string `json:"estimateId"`
}

type ImportFromOrderRequest struct {
	OrderID     string `json:"orderId"`
	ReportMonth string `json:"reportMonth"`
}

type ImportManualRequest struct {
	Items []progress.ManualItem `json:"items"`
}

type UpdateCumQtyRequest struct {
	Qty decimal.Decimal `json:"qty"`
}

type BatchUpdateRequest struct {
	Rows []progress.CumQtyUpdate `json:"rows"`
}

type CloseMonthRequest struct {
	OrderID string `json:"orderId"`
	Month   string `json:"month"`
}

type SaveReportHeaderRequest struct {
	OrderID string            `json:"orderId"`
	Header  map[string]string `json:"header"`
}
