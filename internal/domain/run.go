package domain

import (
	"time"

	"github.com/google/uuid"
)

// Источники запуска run.
const (
	TriggerManual = "manual"
	TriggerCron   = "cron"
)

// Run - одно сквозное выполнение пайплайна.
//
// Run создаётся когда:
// - Advancer решает, что пора (triggered_by = "cron")
// - Пользователь запускает пайплайн вручную (API/CLI)
//
// Run никогда не удаляется физически: pipeline_runs - таблица истории.
type Run struct {
	ID     uuid.UUID `json:"id"`
	Status RunStatus `json:"status"`

	// CurrentStep - шаг, который выполняется или на котором run остановился.
	CurrentStep string `json:"current_step,omitempty"`

	StepStates StepStates `json:"step_states"`

	// IncludeInstagram - снимок флага на момент создания.
	IncludeInstagram bool `json:"include_instagram"`

	TriggeredBy string `json:"triggered_by"`

	// ConfigSnapshot - копия Settings на момент создания (для аудита
	// и подстановки лимитов в аргументы шагов).
	ConfigSnapshot Settings `json:"config_snapshot"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error - причина завершения со статусом failed.
	Error string `json:"error,omitempty"`

	// ClaimedBy - ID воркера, который держит run.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// HeartbeatAt - последняя отметка жизни от воркера.
	// По ней определяется "застрявший" run.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// ResumeCount - сколько раз run был перезахвачен после падения воркера.
	ResumeCount int `json:"resume_count"`

	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// NewRun создаёт run в статусе queued.
func NewRun(triggeredBy string, snapshot Settings, includeInstagram bool) *Run {
	if triggeredBy == "" {
		triggeredBy = TriggerManual
	}
	return &Run{
		ID:               uuid.New(),
		Status:           RunStatusQueued,
		StepStates:       StepStates{},
		IncludeInstagram: includeInstagram,
		TriggeredBy:      triggeredBy,
		ConfigSnapshot:   snapshot.Clone(),
		CreatedAt:        time.Now().UTC(),
	}
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Limit возвращает лимит из снимка настроек.
func (r *Run) Limit(key string) int {
	return r.ConfigSnapshot.Limit(key)
}
