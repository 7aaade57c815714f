package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Harvester/internal/domain"
)

// GetSettings читает singleton-строку pipeline_settings.
// Отсутствующие в БД лимиты заполняются значениями по умолчанию.
func (s *PGStore) GetSettings(ctx context.Context) (*domain.Settings, error) {
	var (
		settings   domain.Settings
		limitsJSON []byte
	)

	err := s.db.QueryRow(ctx, `
		SELECT is_enabled, run_interval_hours, next_run_at, include_instagram, limits, updated_at
		FROM pipeline_settings
		WHERE id = 1
	`).Scan(
		&settings.IsEnabled,
		&settings.RunIntervalHours,
		&settings.NextRunAt,
		&settings.IncludeInstagram,
		&limitsJSON,
		&settings.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	settings.Limits = domain.DefaultLimits()
	if len(limitsJSON) > 0 {
		stored := map[string]int{}
		if err := json.Unmarshal(limitsJSON, &stored); err != nil {
			return nil, fmt.Errorf("unmarshal limits: %w", err)
		}
		for k, v := range stored {
			settings.Limits[k] = v
		}
	}

	return &settings, nil
}

// UpdateSettings валидирует и сохраняет настройки целиком.
//
// settings.UpdatedAt - версия, с которой настройки были прочитаны:
// если строку успели изменить (например, AdvanceNextRun), запись
// отклоняется с ErrConflict. Новый updated_at записывается обратно в s.
func (s *PGStore) UpdateSettings(ctx context.Context, settings *domain.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	limitsJSON, err := json.Marshal(settings.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		UPDATE pipeline_settings
		SET is_enabled = $1, run_interval_hours = $2, next_run_at = $3,
		    include_instagram = $4, limits = $5, updated_at = now()
		WHERE id = 1 AND updated_at = $6
		RETURNING updated_at
	`,
		settings.IsEnabled,
		settings.RunIntervalHours,
		settings.NextRunAt,
		settings.IncludeInstagram,
		limitsJSON,
		settings.UpdatedAt,
	).Scan(&settings.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Отличаем "нет строки" от "строку изменили"
		if _, getErr := s.GetSettings(ctx); getErr != nil {
			return getErr
		}
		return fmt.Errorf("update settings: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// AdvanceNextRun сдвигает next_run_at.
func (s *PGStore) AdvanceNextRun(ctx context.Context, next time.Time) error {
	result, err := s.db.Exec(ctx, `
		UPDATE pipeline_settings SET next_run_at = $1, updated_at = now() WHERE id = 1
	`, next.UTC())
	if err != nil {
		return fmt.Errorf("advance next run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
