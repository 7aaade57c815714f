package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// Причины решения Advance.
const (
	ReasonEnqueued  = "enqueued"
	ReasonDisabled  = "disabled"
	ReasonNotDue    = "not_due"
	ReasonActiveRun = "active_run"
)

// Notifier будит supervisor'ов после постановки run в очередь.
type Notifier interface {
	PublishRunPending(ctx context.Context, runID uuid.UUID, triggeredBy string) error
}

// Result - итог Advance.
type Result struct {
	Enqueued  bool        `json:"enqueued"`
	Run       *domain.Run `json:"run,omitempty"`
	NextRunAt *time.Time  `json:"next_run_at,omitempty"`
	Reason    string      `json:"reason"`
}

// Advancer решает, пора ли ставить новый run, и ставит его.
//
// Вызывается внешним триггером (HTTP, cron-контейнер) или Loop.
// Повторный вызов безопасен: второй run не появится, пока первый
// queued или running, а next_run_at сдвигается только при постановке.
type Advancer struct {
	store    repo.RunStore
	notifier Notifier
	logger   *slog.Logger
}

// Config - конфигурация Advancer.
type Config struct {
	Store    repo.RunStore
	Notifier Notifier // опционально
	Logger   *slog.Logger
}

// New создаёт новый Advancer.
func New(cfg Config) *Advancer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advancer{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
	}
}

// Advance выполняет одно решение на момент now.
//
//  1. Пайплайн выключен → disabled.
//  2. next_run_at в будущем → not_due.
//  3. TryEnqueueRun("cron"); уже есть активный run → active_run.
//  4. next_run_at = now + run_interval_hours, публикуется run.pending.
//
// Проверка next_run_at лишь снижает конкуренцию: два одновременных
// вызова могут оба пройти шаг 2, но только один получит run на шаге 3.
func (a *Advancer) Advance(ctx context.Context, now time.Time) (Result, error) {
	now = now.UTC()

	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("get settings: %w", err)
	}

	if !settings.IsEnabled {
		return a.decide(Result{Reason: ReasonDisabled, NextRunAt: settings.NextRunAt}), nil
	}
	if !settings.IsDue(now) {
		return a.decide(Result{Reason: ReasonNotDue, NextRunAt: settings.NextRunAt}), nil
	}

	run, err := a.store.TryEnqueueRun(ctx, domain.TriggerCron, settings.Clone(), settings.IncludeInstagram)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue run: %w", err)
	}
	if run == nil {
		return a.decide(Result{Reason: ReasonActiveRun, NextRunAt: settings.NextRunAt}), nil
	}

	next := now.Add(settings.RunInterval())
	res := a.decide(Result{Enqueued: true, Run: run, NextRunAt: &next, Reason: ReasonEnqueued})

	if err := a.store.AdvanceNextRun(ctx, next); err != nil {
		// Run уже в очереди; следующий Advance увидит active_run,
		// а после завершения run - снова due.
		return res, fmt.Errorf("advance next_run_at: %w", err)
	}

	a.logger.Info("run enqueued by advance",
		"run_id", run.ID,
		"include_instagram", run.IncludeInstagram,
		"next_run_at", next,
	)
	a.notify(ctx, run)
	return res, nil
}

// TriggerRequest - параметры ручного запуска.
type TriggerRequest struct {
	TriggeredBy      string // default: "manual"
	IncludeInstagram *bool  // nil - из настроек
}

// Trigger ставит run вне расписания. Работает и при выключенном
// пайплайне; next_run_at не меняется.
// Возвращает ErrActiveRun, если уже есть queued или running run.
func (a *Advancer) Trigger(ctx context.Context, req TriggerRequest) (*domain.Run, error) {
	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = domain.TriggerManual
	}
	include := settings.IncludeInstagram
	if req.IncludeInstagram != nil {
		include = *req.IncludeInstagram
	}

	run, err := a.store.TryEnqueueRun(ctx, triggeredBy, settings.Clone(), include)
	if err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	if run == nil {
		return nil, ErrActiveRun
	}

	a.logger.Info("run triggered",
		"run_id", run.ID,
		"triggered_by", triggeredBy,
		"include_instagram", include,
	)
	a.notify(ctx, run)
	return run, nil
}

func (a *Advancer) decide(res Result) Result {
	telemetry.RecordAdvance(res.Reason)
	if !res.Enqueued {
		a.logger.Debug("advance skipped", "reason", res.Reason, "next_run_at", res.NextRunAt)
	}
	return res
}

// notify - best effort: supervisor всё равно опрашивает хранилище.
func (a *Advancer) notify(ctx context.Context, run *domain.Run) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.PublishRunPending(ctx, run.ID, run.TriggeredBy); err != nil {
		a.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
	}
}
