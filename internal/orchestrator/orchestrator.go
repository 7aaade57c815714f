package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/retry"
	"github.com/shaiso/Harvester/internal/steps"
	"github.com/shaiso/Harvester/internal/telemetry"
	"github.com/shaiso/Harvester/internal/worker"
)

// Default configuration values.
const (
	defaultPollInterval      = 30 * time.Second
	defaultStaleAfter        = 30 * time.Minute
	defaultHeartbeatInterval = time.Minute
	defaultMaxResumeAttempts = 3
	defaultStoreRetries      = 5
)

// StepExecutor выполняет один шаг. Реализуется worker.Executor.
type StepExecutor interface {
	Execute(ctx context.Context, def *steps.Definition, run *domain.Run, prev domain.StepState) (worker.StepResult, error)
}

// Notifier публикует события о завершении runs.
type Notifier interface {
	PublishRunFinished(ctx context.Context, payload mq.RunFinishedPayload) error
}

// Supervisor ведёт runs от claim до терминального статуса.
//
// Supervisor - долгоживущий цикл, который:
//   - Забирает queued run (или перезахватывает зависший) через RunStore
//   - Продолжает run с первого незавершённого шага
//   - Между шагами проверяет запрос отмены
//   - Пишет heartbeat, пока шаг выполняется
//   - Финализирует run (completed/failed/cancelled)
//
// Одновременно supervisor ведёт не больше одного run.
type Supervisor struct {
	store    repo.RunStore
	registry *steps.Registry
	executor StepExecutor
	notifier Notifier
	conn     *mq.Connection

	workerID          string
	pollInterval      time.Duration
	staleAfter        time.Duration
	heartbeatInterval time.Duration
	maxResumeAttempts int
	storePolicy       retry.Policy

	consumer *mq.Consumer
	wake     chan struct{}

	// Lifecycle
	logger    *slog.Logger
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	stopped   bool
	stoppedMu sync.RWMutex
}

// Config - конфигурация Supervisor.
type Config struct {
	Store    repo.RunStore
	Registry *steps.Registry

	// Executor (опционально; nil - worker.Executor поверх Store с повторами записи)
	Executor  StepExecutor
	TailBytes int

	// MQ (опционально)
	Notifier Notifier
	Conn     *mq.Connection

	WorkerID          string        // default: hostname-uuid
	PollInterval      time.Duration // default: 30s
	StaleAfter        time.Duration // default: 30m
	HeartbeatInterval time.Duration // default: 1m
	MaxResumeAttempts int           // default: 3
	StoreRetries      int           // default: 5

	Logger *slog.Logger
}

// New создаёт новый Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}

	storePolicy := retry.DefaultPolicy()
	if cfg.StoreRetries > 0 {
		storePolicy.MaxRetries = cfg.StoreRetries
	} else {
		storePolicy.MaxRetries = defaultStoreRetries
	}
	storePolicy.Retryable = retryableStoreError

	s := &Supervisor{
		store:             cfg.Store,
		registry:          cfg.Registry,
		executor:          cfg.Executor,
		notifier:          cfg.Notifier,
		conn:              cfg.Conn,
		workerID:          workerID,
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		staleAfter:        orDefault(cfg.StaleAfter, defaultStaleAfter),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		maxResumeAttempts: cfg.MaxResumeAttempts,
		storePolicy:       storePolicy,
		wake:              make(chan struct{}, 1),
		logger:            telemetry.WithWorkerID(logger, workerID),
		now:               func() time.Time { return time.Now().UTC() },
		stopCh:            make(chan struct{}),
	}
	if s.maxResumeAttempts <= 0 {
		s.maxResumeAttempts = defaultMaxResumeAttempts
	}

	if s.executor == nil {
		s.executor = worker.New(worker.Config{
			Store:     retryingWriter{s: s},
			TailBytes: cfg.TailBytes,
			Logger:    logger,
		})
	}

	return s
}

// DefaultWorkerID возвращает идентификатор вида hostname-xxxxxxxx.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// WorkerID возвращает идентификатор supervisor'а.
func (s *Supervisor) WorkerID() string {
	return s.workerID
}

// Start запускает Supervisor.
//
// Запускает:
//   - Consumer для runs.pending (если задан Conn)
//   - Цикл claim → resume → execute
//
// Отмена ctx прерывает текущий шаг: run остаётся running
// и будет перезахвачен после StaleAfter. Для мягкой остановки - Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("starting supervisor",
		"poll_interval", s.pollInterval,
		"stale_after", s.staleAfter,
		"heartbeat_interval", s.heartbeatInterval,
		"max_resume_attempts", s.maxResumeAttempts,
		"steps", s.registry.Names(),
	)

	if s.conn != nil {
		s.consumer = mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsPending,
			Type:     mq.MessageTypeRunPending,
			Handler:  s.handleRunPending,
			Prefetch: 1,
		})

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("run consumer error", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()

	s.logger.Info("supervisor started")
	return nil
}

// Stop мягко останавливает Supervisor: текущий шаг доработает
// (или упрётся в свой таймаут), его состояние будет сохранено,
// claim снимется через Release, после чего цикл завершится.
func (s *Supervisor) Stop() {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	s.logger.Info("stopping supervisor...")

	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.consumer != nil {
		s.consumer.Stop()
	}

	s.wg.Wait()

	s.logger.Info("supervisor stopped")
}

// IsStopped проверяет, остановлен ли Supervisor.
func (s *Supervisor) IsStopped() bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped
}

// Wake будит цикл раньше PollInterval.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pollLoop забирает runs, пока они есть, затем спит до тика или Wake.
func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.IsStopped() || ctx.Err() != nil {
			return
		}

		claimed, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("supervisor iteration failed", "error", err)
		}
		if claimed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunOnce забирает один run и ведёт его до конца или до остановки.
// Возвращает false, если забирать нечего.
func (s *Supervisor) RunOnce(ctx context.Context) (bool, error) {
	var run *domain.Run
	err := s.withRetry(ctx, "claim run", func(ctx context.Context) error {
		var err error
		run, err = s.store.ClaimNextQueued(ctx, s.workerID, s.staleAfter)
		return err
	})
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	return true, s.supervise(ctx, run)
}

// withRetry повторяет запись в хранилище по storePolicy.
func (s *Supervisor) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.storePolicy, fn, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("store operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	})
}

// retryableStoreError - логические ошибки хранилища повторять бессмысленно.
func retryableStoreError(err error) bool {
	return !errors.Is(err, repo.ErrNotFound) &&
		!errors.Is(err, repo.ErrInvalidState) &&
		!errors.Is(err, repo.ErrAlreadyExists) &&
		!errors.Is(err, domain.ErrInvalidStepState)
}

// retryingWriter сохраняет состояние шага с повторами от имени workerID.
type retryingWriter struct {
	s *Supervisor
}

func (w retryingWriter) UpdateStepState(ctx context.Context, runID uuid.UUID, step string, state domain.StepState) error {
	return w.s.withRetry(ctx, "update step state", func(ctx context.Context) error {
		return w.s.store.UpdateStepState(ctx, runID, w.s.workerID, step, state)
	})
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
