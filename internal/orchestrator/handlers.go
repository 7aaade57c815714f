package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/steps"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// handleRunPending будит цикл по сообщению run.pending.
// Сам run забирается через хранилище, payload нужен только для логов.
func (s *Supervisor) handleRunPending(_ context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](msg)
	if err != nil {
		s.logger.Warn("failed to parse run.pending payload", "error", err)
	} else {
		s.logger.Debug("received run.pending", "run_id", payload.RunID, "triggered_by", payload.TriggeredBy)
	}
	s.Wake()
	return nil
}

// supervise ведёт claimed run: resume → шаги → финализация.
//
// ctx run'а отменяется с причиной ErrClaimLost, если heartbeat
// обнаружил, что run перезахвачен: текущий шаг прерывается,
// дальнейшие записи этого воркера хранилище всё равно отклонит.
func (s *Supervisor) supervise(ctx context.Context, run *domain.Run) error {
	ctx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	logger := telemetry.WithRunID(s.logger, run.ID.String())
	if run.StepStates == nil {
		run.StepStates = domain.StepStates{}
	}
	defs := s.registry.Steps()
	start := ResumeIndex(defs, run.StepStates)
	resumed := run.ResumeCount > 0 || start > 0

	telemetry.RecordRunClaimed(resumed)
	logger.Info("run claimed",
		"triggered_by", run.TriggeredBy,
		"resume_count", run.ResumeCount,
		"resume_from", stepName(defs, start),
	)

	// Прежний воркер записал failed, но не успел финализировать run.
	// Упавший шаг не повторяется.
	if start < len(defs) {
		def := defs[start]
		if prev := run.StepStates.Get(def.Name); prev.Status == domain.StepStatusFailed {
			logger.Warn("resumed run stopped at a failed step", "step", def.Name)
			run.CurrentStep = def.Name
			return s.finish(ctx, run, domain.RunStatusFailed, failedStepReason(def.Name, prev), logger)
		}
	}

	if run.ResumeCount > s.maxResumeAttempts {
		return s.escalate(ctx, run, logger)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx, run, logger, cancelRun)

	for i := start; i < len(defs); i++ {
		def := defs[i]

		// Остановка между шагами: claim снимается, run сразу
		// доступен следующему supervisor'у.
		if s.IsStopped() {
			stopHeartbeat()
			return s.release(ctx, run, def.Name, logger)
		}

		var cancelRequested bool
		err := s.withRetry(ctx, "check cancel", func(ctx context.Context) error {
			var err error
			cancelRequested, err = s.store.IsCancelRequested(ctx, run.ID)
			return err
		})
		if err != nil {
			return s.abandon(ctx, run, logger, err)
		}
		if cancelRequested {
			logger.Info("run cancelled", "next_step", def.Name)
			return s.finish(ctx, run, domain.RunStatusCancelled, ErrCancelled.Error(), logger)
		}

		prev := run.StepStates.Get(def.Name)

		if !def.Included(run) || (def.Optional && !def.Configured()) {
			now := s.now()
			skipped := domain.StepState{
				Status:      domain.StepStatusSkipped,
				CompletedAt: &now,
				Attempt:     prev.Attempt,
			}
			err := s.withRetry(ctx, "skip step", func(ctx context.Context) error {
				return s.store.UpdateStepState(ctx, run.ID, s.workerID, def.Name, skipped)
			})
			if err != nil {
				return s.abandon(ctx, run, logger, err)
			}
			run.StepStates[def.Name] = skipped
			telemetry.ObserveStep(def.Name, string(domain.StepStatusSkipped), 0)
			logger.Info("step skipped", "step", def.Name)
			continue
		}

		res, err := s.executor.Execute(ctx, def, run, prev)
		if err != nil {
			return s.abandon(ctx, run, logger, err)
		}
		run.StepStates[def.Name] = domain.StepState{Status: res.Status, Attempt: prev.Attempt + 1}
		run.CurrentStep = def.Name

		if res.Failed() {
			reason := fmt.Sprintf("step %s failed: %v", def.Name, res.Err)
			return s.finish(ctx, run, domain.RunStatusFailed, reason, logger)
		}
	}

	return s.finish(ctx, run, domain.RunStatusCompleted, "", logger)
}

// escalate завершает run, исчерпавший перезахваты: прерванный шаг
// помечается failed, run - failed с причиной "resume limit exceeded".
func (s *Supervisor) escalate(ctx context.Context, run *domain.Run, logger *slog.Logger) error {
	reason := ErrResumeLimitExceeded.Error()
	logger.Error("run exceeded resume limit",
		"resume_count", run.ResumeCount,
		"max_resume_attempts", s.maxResumeAttempts,
	)

	if def, ok := InFlightStep(s.registry.Steps(), run.StepStates); ok {
		prev := run.StepStates.Get(def.Name)
		now := s.now()
		state := domain.StepState{
			Status:      domain.StepStatusFailed,
			StartedAt:   prev.StartedAt,
			CompletedAt: &now,
			Attempt:     prev.Attempt,
			LogTail:     prev.LogTail,
			Error:       reason,
		}
		err := s.withRetry(ctx, "fail in-flight step", func(ctx context.Context) error {
			return s.store.UpdateStepState(ctx, run.ID, s.workerID, def.Name, state)
		})
		if err != nil {
			return s.abandon(ctx, run, logger, err)
		}
		run.StepStates[def.Name] = state
		run.CurrentStep = def.Name
	}

	return s.finish(ctx, run, domain.RunStatusFailed, reason, logger)
}

// finish финализирует run и публикует run.finished.
func (s *Supervisor) finish(ctx context.Context, run *domain.Run, status domain.RunStatus, reason string, logger *slog.Logger) error {
	err := s.withRetry(ctx, "finalize run", func(ctx context.Context) error {
		return s.store.Finalize(ctx, run.ID, s.workerID, status, reason)
	})
	if err != nil {
		// Run уже финализирован или перезахвачен другим воркером.
		if errors.Is(err, repo.ErrInvalidState) {
			logger.Warn("run not finalized: no longer owned by this worker", "status", status, "error", err)
			return nil
		}
		return s.abandon(ctx, run, logger, err)
	}

	now := s.now()
	run.Status = status
	run.CompletedAt = &now
	run.Error = reason
	telemetry.RecordRunFinalized(string(status))

	logArgs := []any{"status", status, "current_step", run.CurrentStep, "duration", run.Duration()}
	if reason != "" {
		logArgs = append(logArgs, "reason", reason)
	}
	if status == domain.RunStatusCompleted {
		logger.Info("run finished", logArgs...)
	} else {
		logger.Warn("run finished", logArgs...)
	}

	s.publishFinished(ctx, run, logger)
	return nil
}

// publishFinished - best effort: события только информационные.
func (s *Supervisor) publishFinished(ctx context.Context, run *domain.Run, logger *slog.Logger) {
	if s.notifier == nil {
		return
	}
	payload := mq.RunFinishedPayload{
		RunID:       run.ID,
		Status:      string(run.Status),
		CurrentStep: run.CurrentStep,
		Error:       run.Error,
		DurationMs:  run.Duration().Milliseconds(),
	}
	if err := s.notifier.PublishRunFinished(ctx, payload); err != nil {
		logger.Warn("failed to publish run.finished", "error", err)
	}
}

// release снимает claim при мягкой остановке. Если запись не удалась,
// run перезахватят после StaleAfter как обычный resume.
func (s *Supervisor) release(ctx context.Context, run *domain.Run, nextStep string, logger *slog.Logger) error {
	err := s.withRetry(ctx, "release run", func(ctx context.Context) error {
		return s.store.Release(ctx, run.ID, s.workerID)
	})
	if err != nil {
		logger.Warn("failed to release run, it will be reclaimed after staleness", "next_step", nextStep, "error", err)
		return nil
	}
	logger.Info("supervisor stopping, run released", "next_step", nextStep)
	return nil
}

// abandon бросает run в памяти: он остаётся running без heartbeat
// и будет перезахвачен после StaleAfter.
func (s *Supervisor) abandon(ctx context.Context, run *domain.Run, logger *slog.Logger, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrClaimLost) {
		err = cause
	}
	logger.Error("abandoning run", "current_step", run.CurrentStep, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrRunAbandoned, run.ID, err)
}

// failedStepReason - причина падения run по сохранённому состоянию шага.
func failedStepReason(step string, st domain.StepState) string {
	switch {
	case st.Error != "":
		return fmt.Sprintf("step %s failed: %s", step, st.Error)
	case st.ExitCode != nil:
		return fmt.Sprintf("step %s failed: exit code %d", step, *st.ExitCode)
	default:
		return fmt.Sprintf("step %s failed", step)
	}
}

// heartbeat обновляет heartbeat_at, пока run ведётся этим supervisor'ом.
// Отказ хранилища (claim перешёл к другому воркеру) отменяет ctx run'а.
func (s *Supervisor) heartbeat(ctx context.Context, run *domain.Run, logger *slog.Logger, cancelRun context.CancelCauseFunc) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, run.ID, s.workerID); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, repo.ErrInvalidState) {
					logger.Warn("heartbeat rejected, claim lost; interrupting run", "error", err)
					cancelRun(fmt.Errorf("%w: %w", ErrClaimLost, err))
					return
				}
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func stepName(defs []*steps.Definition, i int) string {
	if i >= len(defs) {
		return ""
	}
	return defs[i].Name
}
