// Conveyor Executor — управляет выполнением runs.
//
// Executor:
//   - Получает новые runs из RabbitMQ (с polling fallback)
//   - Проводит каждый run через admission coordinator'а
//   - Строит DAG, резолвит resources, IO manager и launcher
//   - Диспетчеризует готовые steps и финализирует runs
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/coordinator"
	"github.com/shaiso/Conveyor/internal/executor"
	"github.com/shaiso/Conveyor/internal/handler"
	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/resource"
	"github.com/shaiso/Conveyor/internal/storage"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-executor")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Создаём репозитории
	runRepo := repo.NewRunRepo(pool)
	graphRepo := repo.NewGraphRepo(pool)
	stepRepo := repo.NewStepRepo(pool)
	eventRepo := repo.NewEventRepo(pool)

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mq.ConnectionConfig{URL: mqURL}, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Backends: handlers, resources, IO managers, launchers.
	handlers := handler.DefaultRegistry()
	resources := resource.DefaultRegistry()

	managers := storage.DefaultRegistry()
	managers.Register(storage.KeyPostgres, func(map[string]any) (storage.Manager, error) {
		return storage.NewPostgres(pool), nil
	})

	launchers := launch.NewRegistry()
	launchers.Register(launch.NewInProcess(handlers))
	if publisher != nil {
		launchers.Register(launch.NewRemote(publisher, logger))
	}

	// Admission coordinator
	maxRuns := 0
	if v := os.Getenv("COORDINATOR_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxRuns = n
		} else {
			logger.Warn("invalid COORDINATOR_MAX_RUNS, using default", "value", v)
		}
	}
	coord := coordinator.New(coordinator.Config{MaxConcurrentRuns: maxRuns}, logger)

	// Polling interval
	var pollInterval time.Duration
	if v := os.Getenv("EXECUTOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollInterval = d
		} else {
			logger.Warn("invalid EXECUTOR_POLL_INTERVAL, using default", "value", v)
		}
	}

	// Создаём executor
	exec := executor.New(executor.Config{
		Runs:         runRepo,
		Graphs:       graphRepo,
		Steps:        stepRepo,
		Events:       eventRepo,
		Coordinator:  coord,
		Resources:    resources,
		Managers:     managers,
		Launchers:    launchers,
		Publisher:    publisher,
		Conn:         mqConn,
		PollInterval: pollInterval,
		Logger:       logger,
	})

	// Запускаем executor
	if err := exec.Start(ctx); err != nil {
		logger.Error("failed to start executor", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("EXECUTOR_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем executor
	exec.Stop()
	logger.Info("conveyor-executor stopped")
}
