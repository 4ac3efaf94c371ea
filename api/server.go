/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/estimates/*  Estimate save/get and draft list
  /api/orders/*     Order save and rollup
  /api/projects/*   Project rollups
  /api/records/*    Cross-table record deletion
  /api/invoices/*   Invoice file numbering
  /api/progress/*   Progress ledger
  /metrics          Prometheus metrics
  /healthz          Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/estimates", func(r chi.Router) {
			r.Get("/", h.ListEstimates)
			r.Post("/", h.SaveEstimate)
			r.Get("/{id}", h.GetEstimate)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.SaveOrder)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Get("/active", h.ListActiveProjects)
		})

		r.Route("/records", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteRecord)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/file-number", h.NextInvoiceFileNo)
		})

		r.Route("/progress", func(r chi.Router) {
			r.Get("/items", h.ListProgressItems)
			r.Post("/items/batch", h.BatchUpdateCumQty)
			r.Put("/items/{row}/quantity", h.UpdateCumQty)
			r.Delete("/items/{row}", h.DeleteProgressRow)

			r.Post("/imports/estimate", h.ImportFromEstimate)
			r.Post("/imports/order", h.ImportFromOrder)
			r.Post("/imports/manual", h.ImportManual)

			r.Post("/close", h.CloseMonth)

			r.Get("/reports", h.ListReports)
			r.Get("/reports/header", h.GetReportHeader)
			r.Put("/reports/header", h.SaveReportHeader)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
