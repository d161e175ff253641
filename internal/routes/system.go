package routes

import (
	"net/http"

	"github.com/dukerupert/tally/internal/handler"
	"github.com/dukerupert/tally/internal/middleware"
	"github.com/dukerupert/tally/internal/router"
)

// RegisterSystemRoutes registers /health and, when configured, /metrics.
func RegisterSystemRoutes(r *router.Router, deps SystemDeps) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(req); err != nil {
				middleware.GetLogger(req.Context()).WarnContext(req.Context(), "health check failed", "error", err)
				handler.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		handler.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Metrics != nil {
		r.Handle(http.MethodGet, "/metrics", deps.Metrics)
	}
}
