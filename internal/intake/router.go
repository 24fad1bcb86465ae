package intake

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulsegate/internal/admission"
	"pulsegate/internal/platform/middleware/apikey"
	"pulsegate/internal/platform/middleware/correlation"
	"pulsegate/internal/platform/middleware/httpmetrics"
	"pulsegate/internal/platform/middleware/metadata"
)

// NewRouter wires the full intake surface. Middleware order matters:
// correlation and client metadata run before admission so rejections carry
// a correlation id and are attributed to the right client IP. httpMetrics
// may be nil in tests to avoid default-registry collisions.
func NewRouter(h *Handler, apiKey string, adm *admission.Controller, httpMetrics *httpmetrics.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}
	r.Use(correlation.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(adm.Middleware)
	r.Use(apikey.Require(apiKey, logger))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.SubmitEvent)
		r.Post("/events/batch", h.SubmitBatch)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", h.DashboardStats)
			r.Get("/detailed-stats", h.DashboardDetailedStats)
			r.Get("/alerts", h.DashboardAlerts)
			r.Get("/top-users", h.DashboardTopUsers)
			r.Get("/audit-log", h.DashboardAuditLog)
		})
	})

	return r
}
