package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Locker - выбор лидера среди экземпляров Loop.
// Реализуется repo.AdvisoryLock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Loop вызывает Advance по cron-расписанию внутри процесса,
// для развёртываний без внешнего триггера.
//
// Если задан Locker, Advance выполняет только лидер.
type Loop struct {
	advancer *Advancer
	locker   Locker
	expr     string
	now      func() time.Time
}

// NewLoop создаёт Loop. expr проверяется сразу.
func NewLoop(advancer *Advancer, locker Locker, expr string) (*Loop, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	return &Loop{
		advancer: advancer,
		locker:   locker,
		expr:     expr,
		now:      time.Now,
	}, nil
}

// Run блокируется до отмены ctx.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.advancer.logger.With("component", "advance_loop")
	clog := cronLogger{logger: logger}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(l.expr, func() { l.Tick(ctx) }); err != nil {
		return err
	}

	logger.Info("advance loop started", "cron", l.expr)
	c.Start()

	<-ctx.Done()

	<-c.Stop().Done()
	if l.locker != nil {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.locker.Unlock(unlockCtx); err != nil {
			logger.Warn("failed to release leader lock", "error", err)
		}
	}
	logger.Info("advance loop stopped")
	return nil
}

// Tick - один запуск: проверка лидерства и Advance.
// Возвращает false, если экземпляр не лидер или Advance упал.
func (l *Loop) Tick(ctx context.Context) bool {
	logger := l.advancer.logger

	if l.locker != nil {
		leader, err := l.locker.TryLock(ctx)
		if err != nil {
			logger.Error("leader election failed", "error", err)
			return false
		}
		if !leader {
			logger.Debug("not a leader, skipping advance")
			return false
		}
	}

	res, err := l.advancer.Advance(ctx, l.now())
	if err != nil {
		logger.Error("advance failed", "error", err)
		return false
	}
	logger.Info("advance tick", "enqueued", res.Enqueued, "reason", res.Reason, "next_run_at", res.NextRunAt)
	return true
}
