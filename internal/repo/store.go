package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Harvester/internal/domain"
)

// RunStore - долговременное хранилище runs и настроек пайплайна.
//
// Все мутации проходят через атомарные примитивы (enqueue, claim,
// update, finalize); единственный арбитр владения run - хранилище.
type RunStore interface {
	GetSettings(ctx context.Context) (*domain.Settings, error)

	// UpdateSettings сохраняет настройки, только если строка не менялась
	// с s.UpdatedAt (в том числе Advancer'ом). Иначе ErrConflict.
	UpdateSettings(ctx context.Context, s *domain.Settings) error
	AdvanceNextRun(ctx context.Context, next time.Time) error

	// TryEnqueueRun вставляет run в статусе queued, только если нет
	// другого queued/running run. Иначе возвращает nil, nil.
	TryEnqueueRun(ctx context.Context, triggeredBy string, snapshot domain.Settings, includeInstagram bool) (*domain.Run, error)

	// ClaimNextQueued атомарно забирает самый старый queued run
	// или перезахватывает running run без heartbeat дольше staleAfter.
	// Возвращает nil, nil, если забирать нечего.
	ClaimNextQueued(ctx context.Context, workerID string, staleAfter time.Duration) (*domain.Run, error)

	// UpdateStepState сливает состояние одного шага в step_states
	// и выставляет current_step. Повтор с тем же payload безопасен.
	//
	// Записи run (UpdateStepState, Heartbeat, Finalize, Release) проходят
	// только от воркера, который держит claim; иначе ErrInvalidState.
	UpdateStepState(ctx context.Context, runID uuid.UUID, workerID, step string, state domain.StepState) error

	Heartbeat(ctx context.Context, runID uuid.UUID, workerID string) error
	Finalize(ctx context.Context, runID uuid.UUID, workerID string, status domain.RunStatus, errMsg string) error

	// Release снимает claim с running run при мягкой остановке:
	// run сразу доступен для ClaimNextQueued, resume_count не растёт.
	Release(ctx context.Context, runID uuid.UUID, workerID string) error

	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)

	// RequestCancel отменяет queued run сразу, а для running
	// выставляет флаг, который supervisor проверяет между шагами.
	RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// Лимиты выборки ListRuns.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// NormalizeLimit приводит limit к допустимому диапазону.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
