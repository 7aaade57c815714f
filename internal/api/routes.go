package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.TriggerRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Advance
	mux.Handle("POST /api/v1/advance", chain(BearerToken(h.advanceToken)(http.HandlerFunc(h.Advance))))

	// Settings
	mux.Handle("GET /api/v1/settings", chain(http.HandlerFunc(h.GetSettings)))
	mux.Handle("PATCH /api/v1/settings", chain(http.HandlerFunc(h.UpdateSettings)))

	// Steps
	mux.Handle("GET /api/v1/steps", chain(http.HandlerFunc(h.ListSteps)))
}
