package rest

import (
	"database/sql"
	"log/slog"

	"github.com/finclose/close-engine/internal/approval"
	"github.com/finclose/close-engine/internal/transport/middleware"
	"github.com/finclose/close-engine/internal/workflow"
	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, workflowHandler *workflow.Handler, approvalHandler *approval.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.TraceID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if workflowHandler != nil {
			r.Route("/workflows", func(wr chi.Router) {
				wr.Post("/{type}/runs", workflowHandler.StartRun)
				wr.Route("/runs/{id}", func(rr chi.Router) {
					rr.Get("/", workflowHandler.GetRun)
					rr.Get("/audit", workflowHandler.GetRunAudit)
					rr.Post("/resume", workflowHandler.ResumeRun)
					rr.Post("/cancel", workflowHandler.CancelRun)
				})
			})
		}

		if approvalHandler != nil {
			r.Route("/approvals", func(ar chi.Router) {
				ar.Get("/pending", approvalHandler.ListPending)
				ar.Post("/{id}/decision", approvalHandler.Decide)
			})
		}
	})
}
