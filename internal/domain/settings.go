package domain

import (
	"fmt"
	"sort"
	"time"
)

// Имена известных лимитов. Значения подставляются в аргументы шагов
// через шаблоны вида {{ .Limits.enrich_workers }}.
const (
	LimitScrapeBatchSize       = "scrape_batch_size"
	LimitProcessBatchSize      = "process_batch_size"
	LimitEnrichWorkers         = "enrich_workers"
	LimitEnrichCooldownSeconds = "enrich_cooldown_seconds"
	LimitDedupeBatchSize       = "dedupe_batch_size"
	LimitDedupeWorkers         = "dedupe_workers"
	LimitBackfillBatchSize     = "backfill_batch_size"
)

// DefaultLimits возвращает лимиты по умолчанию.
func DefaultLimits() map[string]int {
	return map[string]int{
		LimitScrapeBatchSize:       50,
		LimitProcessBatchSize:      200,
		LimitEnrichWorkers:         4,
		LimitEnrichCooldownSeconds: 2,
		LimitDedupeBatchSize:       500,
		LimitDedupeWorkers:         2,
		LimitBackfillBatchSize:     100,
	}
}

// KnownLimit возвращает true, если ключ лимита известен системе.
func KnownLimit(key string) bool {
	_, ok := DefaultLimits()[key]
	return ok
}

// Settings - singleton-настройки пайплайна (pipeline_settings, id = 1).
//
// Меняются только через обновление настроек или Advancer'ом,
// который сдвигает NextRunAt после постановки run в очередь.
type Settings struct {
	IsEnabled        bool `json:"is_enabled"`
	RunIntervalHours int  `json:"run_interval_hours"`

	// NextRunAt - когда Advancer может поставить следующий run.
	// Nil означает "при первом же вызове".
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	IncludeInstagram bool           `json:"include_instagram"`
	Limits           map[string]int `json:"limits"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DefaultSettings возвращает настройки свежей установки.
func DefaultSettings() Settings {
	return Settings{
		IsEnabled:        false,
		RunIntervalHours: 48,
		IncludeInstagram: false,
		Limits:           DefaultLimits(),
	}
}

// Validate проверяет run_interval_hours и лимиты.
func (s *Settings) Validate() error {
	if s.RunIntervalHours <= 0 {
		return fmt.Errorf("%w: run_interval_hours must be positive", ErrInvalidSettings)
	}
	for _, key := range sortedKeys(s.Limits) {
		if !KnownLimit(key) {
			return fmt.Errorf("%w: unknown limit %q", ErrInvalidSettings, key)
		}
		if s.Limits[key] <= 0 {
			return fmt.Errorf("%w: limit %q must be a positive integer", ErrInvalidSettings, key)
		}
	}
	return nil
}

// Limit возвращает значение лимита, подставляя значение по умолчанию,
// если ключ отсутствует.
func (s *Settings) Limit(key string) int {
	if v, ok := s.Limits[key]; ok && v > 0 {
		return v
	}
	return DefaultLimits()[key]
}

// RunInterval возвращает интервал между runs.
func (s *Settings) RunInterval() time.Duration {
	return time.Duration(s.RunIntervalHours) * time.Hour
}

// IsDue проверяет, пора ли ставить новый run.
func (s *Settings) IsDue(now time.Time) bool {
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// Clone возвращает глубокую копию (для config_snapshot).
func (s Settings) Clone() Settings {
	out := s
	out.Limits = make(map[string]int, len(s.Limits))
	for k, v := range s.Limits {
		out.Limits[k] = v
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	return out
}

// SettingsPatch - частичное обновление настроек.
// Nil-поля не меняются; Limits сливаются по ключам.
// ClearNextRunAt сбрасывает next_run_at в null ("при первом же вызове").
type SettingsPatch struct {
	IsEnabled        *bool          `json:"is_enabled,omitempty"`
	RunIntervalHours *int           `json:"run_interval_hours,omitempty"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	ClearNextRunAt   bool           `json:"clear_next_run_at,omitempty"`
	IncludeInstagram *bool          `json:"include_instagram,omitempty"`
	Limits           map[string]int `json:"limits,omitempty"`
}

// Apply применяет patch к копии настроек и валидирует результат.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	if p.ClearNextRunAt && p.NextRunAt != nil {
		return Settings{}, fmt.Errorf("%w: next_run_at and clear_next_run_at are mutually exclusive", ErrInvalidSettings)
	}
	out := s.Clone()
	if p.IsEnabled != nil {
		out.IsEnabled = *p.IsEnabled
	}
	if p.RunIntervalHours != nil {
		out.RunIntervalHours = *p.RunIntervalHours
	}
	if p.NextRunAt != nil {
		t := *p.NextRunAt
		out.NextRunAt = &t
	}
	if p.ClearNextRunAt {
		out.NextRunAt = nil
	}
	if p.IncludeInstagram != nil {
		out.IncludeInstagram = *p.IncludeInstagram
	}
	for k, v := range p.Limits {
		out.Limits[k] = v
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
