package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/steps"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// defaultWaitDelay - сколько ждать закрытия stdout/stderr после
// завершения процесса (дочерние процессы могут держать пайпы).
const defaultWaitDelay = 5 * time.Second

// persistTimeout ограничивает запись итогового состояния шага.
const persistTimeout = 30 * time.Second

// StateWriter сохраняет состояние шага от имени воркера, который держит
// claim run'а. Реализуется supervisor'ом поверх repo.RunStore.
type StateWriter interface {
	UpdateStepState(ctx context.Context, runID uuid.UUID, step string, state domain.StepState) error
}

// StepResult - итог выполнения шага.
type StepResult struct {
	Status   domain.StepStatus
	ExitCode int
	LogTail  string
	Duration time.Duration

	// Err - причина падения шага. Nil для completed.
	Err error
}

// Failed возвращает true, если шаг упал.
func (r StepResult) Failed() bool {
	return r.Status == domain.StepStatusFailed
}

// Executor запускает один шаг run.
//
// Executor не делает повторов: падение шага фатально для run,
// решение принимает supervisor.
type Executor struct {
	store     StateWriter
	tailBytes int
	logger    *slog.Logger
	now       func() time.Time
	env       []string
}

// Config - конфигурация Executor.
type Config struct {
	Store     StateWriter
	TailBytes int      // размер log_tail (default: 16KiB)
	Env       []string // дополнительные переменные окружения для команд
	Logger    *slog.Logger
}

// New создаёт новый Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tailBytes := cfg.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	return &Executor{
		store:     cfg.Store,
		tailBytes: tailBytes,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		env:       cfg.Env,
	}
}

// Execute выполняет шаг def для run.
//
// Последовательность:
//  1. Состояние running (attempt = prev.Attempt + 1) сохраняется сразу.
//  2. Шаг выполняется под context.WithTimeout(def.Timeout).
//  3. Итоговое состояние (completed/failed, exit code, log tail) сохраняется.
//
// Ошибка возвращается только если не удалось сохранить состояние
// или ctx отменён до завершения шага. Падение самого шага - в StepResult.
func (e *Executor) Execute(ctx context.Context, def *steps.Definition, run *domain.Run, prev domain.StepState) (StepResult, error) {
	logger := telemetry.WithStep(telemetry.WithRunID(e.logger, run.ID.String()), def.Name)

	startedAt := e.now()
	state := domain.StepState{
		Status:    domain.StepStatusRunning,
		StartedAt: &startedAt,
		Attempt:   prev.Attempt + 1,
	}
	if err := e.store.UpdateStepState(ctx, run.ID, def.Name, state); err != nil {
		return StepResult{}, fmt.Errorf("persist running state: %w", err)
	}

	logger.Info("step started", "attempt", state.Attempt, "timeout", def.EffectiveTimeout())

	telemetry.StepStarted()
	tail := NewTailBuffer(e.tailBytes)
	result := e.run(ctx, def, run, tail)
	telemetry.StepFinished()

	// Остановка процесса: шаг не завершён, run останется running
	// и будет перезахвачен после staleness.
	if ctx.Err() != nil && result.Status != domain.StepStatusCompleted {
		logger.Warn("step interrupted", "error", ctx.Err())
		return StepResult{Status: domain.StepStatusRunning}, ctx.Err()
	}

	completedAt := e.now()
	result.Duration = completedAt.Sub(startedAt)
	result.LogTail = tail.String()

	exitCode := result.ExitCode
	state.Status = result.Status
	state.CompletedAt = &completedAt
	state.ExitCode = &exitCode
	state.LogTail = result.LogTail
	if result.Err != nil {
		state.Error = result.Err.Error()
	}

	telemetry.ObserveStep(def.Name, string(result.Status), result.Duration)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.UpdateStepState(persistCtx, run.ID, def.Name, state); err != nil {
		return result, fmt.Errorf("persist %s state: %w", result.Status, err)
	}

	if result.Failed() {
		logger.Warn("step failed",
			"exit_code", result.ExitCode,
			"duration", result.Duration,
			"error", result.Err,
		)
	} else {
		logger.Info("step completed", "duration", result.Duration)
	}

	return result, nil
}

// run запускает исполняемую часть шага и классифицирует итог.
func (e *Executor) run(ctx context.Context, def *steps.Definition, run *domain.Run, tail *TailBuffer) StepResult {
	timeout := def.EffectiveTimeout()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch {
	case def.InProcess():
		err = def.Unit.Run(stepCtx, run, tail)
	case def.Command != "":
		err = e.runCommand(stepCtx, def, run, tail)
	default:
		return failed(ExitCodeStartFailed, fmt.Errorf("%w: %s", ErrNotConfigured, def.Name))
	}

	if err == nil {
		return StepResult{Status: domain.StepStatusCompleted, ExitCode: 0}
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return failed(ExitCodeTimeout, fmt.Errorf("%w after %s", ErrStepTimeout, timeout))
	}
	if errors.Is(err, ErrStartFailed) {
		return failed(ExitCodeStartFailed, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitCode(exitErr)
		return failed(code, fmt.Errorf("%w: exit code %d", ErrStepFailed, code))
	}
	return failed(1, fmt.Errorf("%w: %v", ErrStepFailed, err))
}

// runCommand запускает внешнюю команду, направляя stdout и stderr в tail.
func (e *Executor) runCommand(ctx context.Context, def *steps.Definition, run *domain.Run, tail *TailBuffer) error {
	args, err := def.RenderArgs(run)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	cmd := exec.CommandContext(ctx, def.Command, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.WaitDelay = defaultWaitDelay
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Env = append(cmd.Env,
		"HARVESTER_RUN_ID="+run.ID.String(),
		"HARVESTER_STEP="+def.Name,
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return cmd.Wait()
}

func failed(code int, err error) StepResult {
	return StepResult{Status: domain.StepStatusFailed, ExitCode: code, Err: err}
}

// exitCode возвращает код выхода; для процессов, убитых сигналом,
// по соглашению shell - 128 + номер сигнала.
func exitCode(err *exec.ExitError) int {
	if code := err.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 1
}
