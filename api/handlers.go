/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes record save/get/delete, the rollup readers, and the progress
  ledger via REST. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Estimates:
    GET    /api/estimates               Draft list with recomputed totals
    POST   /api/estimates               Save estimate (+ auto vendor orders)
    GET    /api/estimates/{id}          Estimate with ordered-item rollup

  Orders:
    GET    /api/orders                  Order rollup with payment totals
    POST   /api/orders                  Save standalone order

  Projects:
    GET    /api/projects                Project rollup (orders/invoices/deposits)
    GET    /api/projects/active         Active projects, newest first

  Records:
    DELETE /api/records/{id}            Remove a record from every table

  Invoices:
    POST   /api/invoices/file-number    Next per-initial invoice file number

  Progress:
    GET    /api/progress/items                    Filterable item list
    POST   /api/progress/imports/estimate        Import from an estimate
    POST   /api/progress/imports/order           Import from an order
    POST   /api/progress/imports/manual          Operator-entered rows
    PUT    /api/progress/items/{row}/quantity    Update one cumulative qty
    POST   /api/progress/items/batch             Update many quantities
    DELETE /api/progress/items/{row}             Delete one row
    POST   /api/progress/close                   Monthly close for an order
    GET    /api/progress/reports                 Per-order report rollup
    GET    /api/progress/reports/header          Saved report header
    PUT    /api/progress/reports/header          Save report header

ERROR HANDLING:
  Every response is a {success: ...} envelope. Failures map the domain
  error taxonomy to HTTP status:
  - 400: invalid input, malformed JSON
  - 404: record or row not found
  - 409: double close
  - 503: lock acquisition timeout (retryable)
  - 500: storage failures and everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledger-engine/estimating"
	"github.com/warp/ledger-engine/grouprow"
	"github.com/warp/ledger-engine/progress"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Estimates *estimating.Service
	Progress  *progress.Ledger
}

// NewHandler creates a new handler over the domain services.
func NewHandler(estimates *estimating.Service, ledger *progress.Ledger) *Handler {
	return &Handler{Estimates: estimates, Progress: ledger}
}

// =============================================================================
// ESTIMATE HANDLERS
// =============================================================================

// ListEstimates returns the draft list, newest first.
func (h *Handler) ListEstimates(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.Estimates.Drafts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"estimates": drafts})
}

// SaveEstimate saves an estimate and regenerates its vendor orders.
func (h *Handler) SaveEstimate(w http.ResponseWriter, r *http.Request) {
	var req SaveEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}

	id, err := h.Estimates.SaveUnified(r.Context(), estimating.Estimate{
		ID:     req.ID,
		Header: req.Header,
		Items:  req.Items,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"id": id})
}

// GetEstimate returns one estimate with its ordered-item rollup.
func (h *Handler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	details, err := h.Estimates.GetEstimate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"estimate": details})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns the order rollup with payment totals.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Estimates.Orders(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"orders": orders})
}

// SaveOrder saves a standalone purchase order.
func (h *Handler) SaveOrder(w http.ResponseWriter, r *http.Request) {
	var req SaveOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}

	id, count, err := h.Estimates.SaveOrder(r.Context(), estimating.Order{
		ID:     req.ID,
		Header: req.Header,
		Items:  req.Items,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"id": id, "count": count})
}

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

// ListProjects returns the per-estimate rollup.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Estimates.Projects(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"projects": projects})
}

// ListActiveProjects returns projects that are neither completed nor lost.
func (h *Handler) ListActiveProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Estimates.ActiveProjects(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"projects": projects})
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// DeleteRecord removes the record's rows from every record table.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Estimates.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"deleted": deleted})
}

// NextInvoiceFileNo allocates the next invoice file number for a vendor.
func (h *Handler) NextInvoiceFileNo(w http.ResponseWriter, r *http.Request) {
	var req InvoiceFileNoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	fileNo, err := h.Estimates.NextInvoiceFileNo(r.Context(), req.VendorName)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"fileNo": fileNo})
}

// =============================================================================
// PROGRESS HANDLERS
// =============================================================================

// ListProgressItems returns ledger rows filtered by order and month.
func (h *Handler) ListProgressItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Progress.Items(r.Context(),
		r.URL.Query().Get("orderId"), r.URL.Query().Get("month"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"items": items})
}

// ImportFromEstimate imports an estimate's line items into the ledger.
func (h *Handler) ImportFromEstimate(w http.ResponseWriter, r *http.Request) {
	var req ImportFromEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	res, err := h.Progress.ImportFromEstimate(r.Context(), req.EstimateID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"added": res.Added, "skipped": res.Skipped})
}

// ImportFromOrder imports an order's line items into the ledger.
func (h *Handler) ImportFromOrder(w http.ResponseWriter, r *http.Request) {
	var req ImportFromOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	res, err := h.Progress.ImportFromOrder(r.Context(), req.OrderID, req.ReportMonth)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"added": res.Added, "skipped": res.Skipped})
}

// ImportManual appends operator-entered ledger rows.
func (h *Handler) ImportManual(w http.ResponseWriter, r *http.Request) {
	var req ImportManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	res, err := h.Progress.ImportManual(r.Context(), req.Items)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"added": res.Added, "skipped": res.Skipped})
}

// UpdateCumQty writes one row's current cumulative quantity.
func (h *Handler) UpdateCumQty(w http.ResponseWriter, r *http.Request) {
	rowIndex, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	var req UpdateCumQtyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	item, err := h.Progress.UpdateCumQty(r.Context(), rowIndex, req.Qty)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"row": item})
}

// BatchUpdateCumQty applies many quantity edits under one lock hold.
func (h *Handler) BatchUpdateCumQty(w http.ResponseWriter, r *http.Request) {
	var req BatchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	items, err := h.Progress.BatchUpdate(r.Context(), req.Rows)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"items": items})
}

// DeleteProgressRow removes one ledger row.
func (h *Handler) DeleteProgressRow(w http.ResponseWriter, r *http.Request) {
	rowIndex, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	items, err := h.Progress.DeleteRow(r.Context(), rowIndex)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"items": items})
}

// CloseMonth freezes an order's open rows and opens the next month.
func (h *Handler) CloseMonth(w http.ResponseWriter, r *http.Request) {
	var req CloseMonthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	res, err := h.Progress.CloseMonth(r.Context(), req.OrderID, req.Month)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"nextMonth": res.NextMonth, "count": res.Count})
}

// ListReports returns the per-order report rollup.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Progress.ReportList(r.Context(), r.URL.Query().Get("month"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"reports": reports})
}

// GetReportHeader returns the saved report header for an order.
func (h *Handler) GetReportHeader(w http.ResponseWriter, r *http.Request) {
	header, err := h.Progress.GetReportHeader(r.Context(), r.URL.Query().Get("orderId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"header": header})
}

// SaveReportHeader stores the report header for an order.
func (h *Handler) SaveReportHeader(w http.ResponseWriter, r *http.Request) {
	var req SaveReportHeaderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errInvalidBody(err))
		return
	}
	if err := h.Progress.SaveReportHeader(r.Context(), req.OrderID, req.Header); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess injects the success flag into the payload envelope.
func writeSuccess(w http.ResponseWriter, status int, payload envelope) {
	body := envelope{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeFailure maps the domain error taxonomy onto HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, grouprow.ErrLockTimeout):
		status = http.StatusServiceUnavailable
	case errors.Is(err, grouprow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, grouprow.ErrDoubleClose):
		status = http.StatusConflict
	case errors.Is(err, grouprow.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: err.Error()})
}

func errInvalidBody(err error) error {
	return &invalidBodyError{cause: err}
}

type invalidBodyError struct {
	cause error
}

func (e *invalidBodyError) Error() string { return "invalid request body: " + e.cause.Error() }
func (e *invalidBodyError) Unwrap() error { return grouprow.ErrInvalidInput }
