package api

import (
	"net/http"
)

// ListSteps возвращает реестр шагов в порядке выполнения.
// GET /api/v1/steps
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		List(w, []StepResponse{}, 0)
		return
	}

	defs := h.registry.Steps()
	result := make([]StepResponse, len(defs))
	for i, def := range defs {
		result[i] = StepFromDefinition(def)
	}

	List(w, result, len(result))
}
