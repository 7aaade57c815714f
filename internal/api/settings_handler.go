package api

import (
	"errors"
	"net/http"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
)

// settingsUpdateAttempts - сколько раз перечитывать настройки, если их
// изменили между чтением и записью (например, Advancer сдвинул next_run_at).
const settingsUpdateAttempts = 3

// GetSettings возвращает настройки пайплайна.
// GET /api/v1/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if HandleRepoError(w, h.logger, err, "settings not found") {
		return
	}

	Success(w, settings)
}

// UpdateSettings частично обновляет настройки.
// Результат валидируется целиком: run_interval_hours > 0,
// лимиты - известные ключи с положительными значениями.
//
// Patch применяется к свежему чтению; если строку изменили до записи,
// чтение и применение повторяются, поля вне patch не затираются.
// PATCH /api/v1/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	var updated domain.Settings
	for attempt := 1; ; attempt++ {
		current, err := h.store.GetSettings(r.Context())
		if HandleRepoError(w, h.logger, err, "settings not found") {
			return
		}

		updated, err = patch.Apply(*current)
		if HandleRepoError(w, h.logger, err, "") {
			return
		}

		err = h.store.UpdateSettings(r.Context(), &updated)
		if errors.Is(err, repo.ErrConflict) && attempt < settingsUpdateAttempts {
			h.logger.Debug("settings changed concurrently, retrying patch", "attempt", attempt)
			continue
		}
		if HandleRepoError(w, h.logger, err, "settings not found") {
			return
		}
		break
	}

	h.logger.Info("pipeline settings updated",
		"is_enabled", updated.IsEnabled,
		"run_interval_hours", updated.RunIntervalHours,
		"include_instagram", updated.IncludeInstagram,
	)
	Success(w, updated)
}
