// Harvester Scheduler - вызывает Advance по cron-расписанию.
//
// Несколько экземпляров безопасны: Advance выполняет только владелец
// pg advisory lock, а сам Advance идемпотентен.
// Вместо этого процесса можно дёргать POST /api/v1/advance внешним cron.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Harvester/internal/config"
	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting harvester-scheduler", "cron", cfg.Scheduler.Cron)

	if cfg.Store != config.StorePostgres {
		logger.Error("harvester-scheduler requires the postgres store")
		os.Exit(1)
	}
	if !cfg.Scheduler.Enabled {
		logger.Warn("scheduler.enabled is false, nothing to do")
		return
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
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

	advCfg := scheduler.Config{Store: repo.NewPGStore(pool), Logger: logger}
	if cfg.AMQP.URL != "" {
		mqConn, err := mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, workers will pick runs up by polling", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			advCfg.Notifier = mq.NewPublisher(mqConn, logger)
		}
	}

	loop, err := scheduler.NewLoop(
		scheduler.New(advCfg),
		repo.NewAdvisoryLock(pool, repo.SchedulerLockKey),
		cfg.Scheduler.Cron,
	)
	if err != nil {
		logger.Error("invalid scheduler cron", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := cfg.HTTP.Addr(8081)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Блокируется до сигнала; при выходе снимает advisory lock
	if err := loop.Run(ctx); err != nil {
		logger.Error("advance loop failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("harvester-scheduler stopped")
}
