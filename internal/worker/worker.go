package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Conveyor/internal/handler"
	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resource"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// defaultPrefetch — по одному заданию за раз: шаги бывают долгими,
// забранное в локальный буфер задание недоступно другим workers.
const defaultPrefetch = 1

// Worker исполняет попытки шагов, отправленные remote launcher'ом.
//
// Worker — stateless компонент системы, который:
//   - Получает задания из очереди steps.launch
//   - Инициализирует resources задания на время одной попытки
//   - Исполняет handler шага с учётом таймаута
//   - Публикует исход в очередь steps.result с тем же task_id
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди. Состояния между заданиями нет,
// сопоставление попытки и результата держится только на task_id.
type Worker struct {
	// Backends
	resources *resource.Registry
	handlers  *handler.Registry

	// MQ
	publisher *mq.Publisher
	conn      *mq.Connection

	// Исполнение попытки: тот же launcher, которым executor исполняет
	// локальные шаги. Таймаут, перехват паники и различение отмены
	// реализованы один раз там.
	runner *launch.InProcess

	// Consumer
	consumer *mq.Consumer

	// Configuration
	prefetch int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Resources — каталог definitions resources. Опционально;
	// если nil — пустой каталог, задания с resources будут падать.
	Resources *resource.Registry

	// Handlers — реестр handlers. Опционально; если nil —
	// используется handler.DefaultRegistry().
	Handlers *handler.Registry

	// MQ — обязательны: очередь steps.launch — единственный вход
	// worker'а, без соединения ему нечего делать.
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// Prefetch — количество заданий, забираемых из очереди наперёд
	// (default: 1).
	Prefetch int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := cfg.Handlers
	if handlers == nil {
		handlers = handler.DefaultRegistry()
	}

	resources := cfg.Resources
	if resources == nil {
		resources = resource.NewRegistry()
	}

	return &Worker{
		resources: resources,
		handlers:  handlers,
		publisher: cfg.Publisher,
		conn:      cfg.Conn,
		runner:    launch.NewInProcess(handlers),
		prefetch:  prefetch,
		logger:    logger,
	}
}

// Start запускает Worker.
//
// Запускает consumer для steps.launch. Polling-fallback'а нет:
// worker не обращается к БД, задания существуют только в очереди.
func (w *Worker) Start(ctx context.Context) error {
	if w.conn == nil || w.publisher == nil {
		return ErrNoBroker
	}

	ctx, cancel := context.WithCancel(telemetry.WithLogger(ctx, w.logger))
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"prefetch", w.prefetch,
		"handlers", w.handlers.Keys(),
	)

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueStepsLaunch,
		Handler:  w.handleStepLaunch,
		Prefetch: w.prefetch,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("step consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
