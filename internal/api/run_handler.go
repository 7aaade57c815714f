package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/scheduler"
)

// ListRuns возвращает последние runs, новые первыми.
// limit по умолчанию repo.DefaultListLimit, не больше repo.MaxListLimit.
// GET /api/v1/runs?limit=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := repo.DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, repo.MaxListLimit)
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run, h.registry)
	}

	List(w, result, len(result))
}

// TriggerRun ставит run вне расписания.
// POST /api/v1/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	run, err := h.advancer.Trigger(r.Context(), scheduler.TriggerRequest{
		TriggeredBy:      req.TriggeredBy,
		IncludeInstagram: req.IncludeInstagram,
	})
	if errors.Is(err, scheduler.ErrActiveRun) {
		Conflict(w, "a pipeline run is already queued or running")
		return
	}
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Created(w, RunFromDomain(*run, h.registry))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run, h.registry))
}

// CancelRun отменяет run: queued - сразу, running - на границе шагов.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.RequestCancel(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	h.logger.Info("run cancel requested", "run_id", run.ID, "status", run.Status)
	Success(w, RunFromDomain(*run, h.registry))
}

// Advance выполняет одно решение планировщика.
// Повторный вызов безопасен.
// POST /api/v1/advance
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	res, err := h.advancer.Advance(r.Context(), time.Now())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Success(w, AdvanceFromResult(res))
}
