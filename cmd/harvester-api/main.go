// Harvester API - HTTP API для запуска runs, просмотра их состояния
// и управления настройками пайплайна.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Harvester/internal/api"
	"github.com/shaiso/Harvester/internal/bulk"
	"github.com/shaiso/Harvester/internal/config"
	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/steps"
	"github.com/shaiso/Harvester/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_api_healthz_requests_total",
		Help: "Total /healthz requests handled by harvester-api",
	})
)

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
	logger.Info("starting harvester-api")

	if cfg.Store != config.StorePostgres {
		logger.Error("harvester-api requires the postgres store; use harvester-worker for the in-memory mode")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, repo.PoolConfig{URL: cfg.DB.URL, MaxConns: int32(cfg.DB.MaxConns)})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	store := repo.NewPGStore(pool)

	// Реестр нужен для /steps и progress в ответах
	dedupe := steps.NewVenueDedupe(pool, bulk.New(bulk.Config{DB: pool, Logger: logger}), logger)
	registry, err := steps.Pipeline(cfg.StepOverrides(), dedupe)
	if err != nil {
		logger.Error("invalid pipeline", "error", err)
		os.Exit(1)
	}

	// RabbitMQ: run.pending будит workers сразу после постановки
	advCfg := scheduler.Config{Store: store, Logger: logger}
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

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Store:        store,
		Advancer:     scheduler.New(advCfg),
		Registry:     registry,
		AdvanceToken: cfg.Advance.Token,
		Logger:       logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := cfg.HTTP.Addr(8080)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
