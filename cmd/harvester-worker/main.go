// Harvester Worker - выполняет runs пайплайна.
//
// Worker:
//   - Забирает queued (или застрявшие) runs из pipeline_runs
//   - Выполняет шаги по порядку, продолжая с первого незавершённого
//   - Пишет состояние каждого шага и heartbeat
//   - Просыпается по run.pending из RabbitMQ, иначе опрашивает БД
//
// Workers масштабируются горизонтально: захват run эксклюзивный.
//
// С store=memory процесс работает в одиночном режиме для разработки:
// в нём же поднимаются API и цикл Advance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Harvester/internal/api"
	"github.com/shaiso/Harvester/internal/bulk"
	"github.com/shaiso/Harvester/internal/config"
	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/orchestrator"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/repo/memory"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/steps"
	"github.com/shaiso/Harvester/internal/telemetry"
)

// drainTimeout - сколько ждать текущий шаг при остановке.
// Дальше шаг прерывается, run будет перезахвачен после stale_after.
const drainTimeout = 2 * time.Minute

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting harvester-worker", "store", cfg.Store)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище и встроенный venue_dedupe
	var store repo.RunStore
	var dedupe steps.Unit
	if cfg.Store == config.StoreMemory {
		store = memory.New()
		logger.Warn("using in-memory store, runs are lost on restart")
	} else {
		pool, err := repo.NewPool(ctx, repo.PoolConfig{URL: cfg.DB.URL, MaxConns: int32(cfg.DB.MaxConns)})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		if err := repo.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}

		store = repo.NewPGStore(pool)
		dedupe = steps.NewVenueDedupe(pool, bulk.New(bulk.Config{DB: pool, Logger: logger}), logger)
	}

	registry, err := steps.Pipeline(cfg.StepOverrides(), dedupe)
	if err != nil {
		logger.Error("invalid pipeline", "error", err)
		os.Exit(1)
	}

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	if cfg.AMQP.URL != "" {
		mqConn, err = mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	supCfg := orchestrator.Config{
		Store:             store,
		Registry:          registry,
		TailBytes:         cfg.Log.TailBytes,
		WorkerID:          cfg.Supervisor.WorkerID,
		PollInterval:      cfg.Supervisor.PollInterval,
		StaleAfter:        cfg.Supervisor.StaleAfter,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		MaxResumeAttempts: cfg.Supervisor.MaxResumeAttempts,
		StoreRetries:      cfg.Supervisor.StoreRetries,
		Logger:            logger,
	}
	if publisher != nil {
		supCfg.Notifier = publisher
		supCfg.Conn = mqConn
	}
	sup := orchestrator.New(supCfg)

	// Шаги не должны обрываться по сигналу: у supervisor свой контекст,
	// который отменяется только если шаг не уложился в drainTimeout.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := sup.Start(runCtx); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	if cfg.Store == config.StoreMemory {
		advancer := scheduler.New(scheduler.Config{Store: store, Notifier: wakeNotifier{sup}, Logger: logger})
		api.NewHandler(api.Config{
			Store:        store,
			Advancer:     advancer,
			Registry:     registry,
			AdvanceToken: cfg.Advance.Token,
			Logger:       logger,
		}).RegisterRoutes(mux)

		if cfg.Scheduler.Enabled {
			loop, err := scheduler.NewLoop(advancer, nil, cfg.Scheduler.Cron)
			if err != nil {
				logger.Error("invalid scheduler cron", "error", err)
				os.Exit(1)
			}
			go loop.Run(ctx)
		}
	}

	addr := cfg.HTTP.Addr(8082)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down", "drain_timeout", drainTimeout)

	stopped := make(chan struct{})
	go func() {
		sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		logger.Warn("step did not finish in time, interrupting")
		runCancel()
		<-stopped
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("harvester-worker stopped")
}

// wakeNotifier будит supervisor того же процесса вместо RabbitMQ.
type wakeNotifier struct {
	sup *orchestrator.Supervisor
}

func (n wakeNotifier) PublishRunPending(context.Context, uuid.UUID, string) error {
	n.sup.Wake()
	return nil
}
