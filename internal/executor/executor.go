package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/coordinator"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resource"
	"github.com/shaiso/Conveyor/internal/storage"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
)

// Executor — демон выполнения runs.
//
// Executor:
//   - Получает новые runs из очереди RabbitMQ (event-driven)
//   - Периодически проверяет pending runs в БД (polling fallback)
//   - Проводит каждый run через admission coordinator'а
//   - Резолвит backends run'а: IO manager, launcher, resources
//   - Выполняет run через Driver
//   - Обрабатывает отмену и восстановление после рестарта
type Executor struct {
	// Durable-слой
	runs   RunStore
	graphs GraphStore
	steps  StepStore
	events EventSink

	// Backends
	coordinator *coordinator.Coordinator
	resources   *resource.Registry
	managers    *storage.Registry
	launchers   *launch.Registry

	// MQ
	publisher *mq.Publisher
	conn      *mq.Connection
	remote    *launch.Remote

	// Active runs — runs в процессе выполнения (runID → сигнал отмены)
	activeRuns map[uuid.UUID]*activeRun
	mu         sync.RWMutex

	// Consumers
	runConsumer    *mq.Consumer
	cancelConsumer *mq.Consumer
	resultConsumer *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Executor.
type Config struct {
	// Durable-слой
	Runs   RunStore
	Graphs GraphStore
	Steps  StepStore
	Events EventSink

	// Backends
	Coordinator *coordinator.Coordinator
	Resources   *resource.Registry
	Managers    *storage.Registry
	Launchers   *launch.Registry

	// MQ. Nil допустим: executor работает только на polling.
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество runs за один poll (default: 100)

	// Logger
	Logger *slog.Logger
}

// activeRun — выполняющийся run. Сигнал отмены общий для всех фаз:
// ожидание admission и выполнение шагов.
type activeRun struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newActiveRun() *activeRun {
	return &activeRun{cancelCh: make(chan struct{})}
}

// Cancel запрашивает отмену run. Повторные вызовы игнорируются.
func (a *activeRun) Cancel() {
	a.cancelOnce.Do(func() { close(a.cancelCh) })
}

// Cancelled возвращает канал, закрываемый при отмене.
func (a *activeRun) Cancelled() <-chan struct{} {
	return a.cancelCh
}

// New создаёт новый Executor.
func New(cfg Config) *Executor {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		runs:         cfg.Runs,
		graphs:       cfg.Graphs,
		steps:        cfg.Steps,
		events:       cfg.Events,
		coordinator:  cfg.Coordinator,
		resources:    cfg.Resources,
		managers:     cfg.Managers,
		launchers:    cfg.Launchers,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		activeRuns:   make(map[uuid.UUID]*activeRun),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}

	// События ленты дублируются в exchange conveyor.events
	if cfg.Publisher != nil {
		e.events = &eventFanout{sink: cfg.Events, publisher: cfg.Publisher, logger: logger}
	}

	// Результаты remote launches доставляются consumer'ом steps.result
	if cfg.Launchers != nil {
		if l, err := cfg.Launchers.Get(launch.KeyRemote); err == nil {
			if remote, ok := l.(*launch.Remote); ok {
				e.remote = remote
			}
		}
	}

	return e
}

// Start запускает Executor.
//
// Запускает:
//   - Consumer для runs.submitted
//   - Consumer для runs.cancel
//   - Consumer для steps.result (если зарегистрирован remote launcher)
//   - Polling горутину для fallback и восстановления
func (e *Executor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.logger.Info("starting executor",
		"poll_interval", e.pollInterval,
		"batch_size", e.batchSize,
	)

	if e.conn != nil {
		e.runConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsSubmitted,
			Handler:  e.handleRunSubmitted,
			Prefetch: 10,
		})

		e.cancelConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsCancel,
			Handler:  e.handleRunCancel,
			Prefetch: 10,
		})

		e.startConsumer(ctx, "run", e.runConsumer)
		e.startConsumer(ctx, "cancel", e.cancelConsumer)

		if e.remote != nil {
			e.resultConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
				Queue:    mq.QueueStepsResult,
				Handler:  e.handleStepResult,
				Prefetch: 10,
			})
			e.startConsumer(ctx, "result", e.resultConsumer)
		}
	} else {
		e.logger.Warn("mq connection not available, relying on database polling")
	}

	// Запускаем polling
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	e.logger.Info("executor started")
	return nil
}

// startConsumer запускает consumer в отдельной goroutine.
func (e *Executor) startConsumer(ctx context.Context, name string, consumer *mq.Consumer) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("consumer error", "consumer", name, "error", err)
		}
	}()
}

// Stop останавливает Executor.
//
// Активные runs прерываются без смены статуса: после рестарта они
// будут восстановлены из step records и продолжены.
func (e *Executor) Stop() {
	e.stoppedMu.Lock()
	e.stopped = true
	e.stoppedMu.Unlock()

	e.logger.Info("stopping executor...")

	if e.cancelFunc != nil {
		e.cancelFunc()
	}

	// Останавливаем consumers
	if e.runConsumer != nil {
		e.runConsumer.Stop()
	}
	if e.cancelConsumer != nil {
		e.cancelConsumer.Stop()
	}
	if e.resultConsumer != nil {
		e.resultConsumer.Stop()
	}

	// Ждём завершения горутин
	e.wg.Wait()

	e.logger.Info("executor stopped",
		"active_runs", len(e.activeRuns),
	)
}

// IsStopped проверяет, остановлен ли Executor.
func (e *Executor) IsStopped() bool {
	e.stoppedMu.RLock()
	defer e.stoppedMu.RUnlock()
	return e.stopped
}

// --- MQ handlers ---

// handleRunSubmitted обрабатывает сообщение о новом run.
func (e *Executor) handleRunSubmitted(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunSubmittedPayload](&msg.Message)
	if err != nil {
		return mq.Drop(fmt.Errorf("parse run.submitted: %w", err))
	}

	e.logger.Info("run.submitted received", "run_id", payload.RunID)
	e.launchRun(ctx, payload.RunID)
	return nil
}

// handleRunCancel обрабатывает запрос отмены run.
func (e *Executor) handleRunCancel(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunCancelPayload](&msg.Message)
	if err != nil {
		return mq.Drop(fmt.Errorf("parse run.cancel: %w", err))
	}

	e.logger.Info("run.cancel received", "run_id", payload.RunID)
	return e.CancelRun(ctx, payload.RunID)
}

// handleStepResult доставляет результат шага remote launcher'у.
func (e *Executor) handleStepResult(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepResultPayload](&msg.Message)
	if err != nil {
		return mq.Drop(fmt.Errorf("parse step.result: %w", err))
	}

	// Неизвестный task_id до driver'а не доходит: результат устарел
	// (executor перезапущен, попытка будет повторена) и отбрасывается.
	e.remote.Deliver(payload)
	return nil
}

// --- Polling ---

// pollLoop — цикл polling для fallback.
func (e *Executor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Сначала подхватываем runs, прерванные прошлым рестартом,
	// затем обычный poll новых pending runs.
	e.recoverInterrupted(ctx)
	e.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (e *Executor) poll(ctx context.Context) {
	runs, err := e.runs.ListPending(ctx, e.batchSize)
	if err != nil {
		e.logger.Error("failed to list pending runs", "error", err)
		return
	}

	if len(runs) == 0 {
		return
	}

	e.logger.Debug("poll found pending runs", "count", len(runs))

	for i := range runs {
		e.launchRun(ctx, runs[i].ID)
	}
}

// recoverInterrupted подхватывает runs в статусах QUEUED и RUNNING,
// оставшиеся от прошлого процесса executor'а.
func (e *Executor) recoverInterrupted(ctx context.Context) {
	runs, err := e.runs.ListInterrupted(ctx, e.batchSize)
	if err != nil {
		e.logger.Error("failed to list interrupted runs", "error", err)
		return
	}

	for i := range runs {
		run := &runs[i]
		e.logger.Info("recovering interrupted run", "run_id", run.ID, "status", run.Status)
		e.launchRun(ctx, run.ID)
	}
}

// --- Выполнение run ---

// launchRun запускает выполнение run в отдельной goroutine.
// Возвращает сразу: судьба run отслеживается через durable-слой.
func (e *Executor) launchRun(ctx context.Context, runID uuid.UUID) {
	if e.isRunActive(runID) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.executeRun(ctx, runID); err != nil {
			e.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
}

// executeRun ведёт один run: admission, подготовка backends,
// Driver.Execute.
func (e *Executor) executeRun(ctx context.Context, runID uuid.UUID) error {
	active, err := e.addActiveRun(runID)
	if err != nil {
		return nil // уже обрабатывается
	}
	defer e.removeActiveRun(runID)

	logger := telemetry.WithRunID(e.logger, runID.String())

	// 1. Загружаем run
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRunNotFound, runID, err)
	}

	if run.Status.IsTerminal() {
		logger.Debug("run already finished", "status", run.Status)
		return nil
	}

	// 2. Admission
	proceed, err := e.admit(ctx, active, run, logger)
	if err != nil || !proceed {
		return err
	}
	defer e.coordinator.Release(runID)

	// 3. Загружаем версию graph
	version, err := e.graphs.GetVersion(ctx, run.GraphID, run.Version)
	if err != nil {
		return e.failRun(ctx, run, logger,
			fmt.Errorf("%w: graph %s version %d: %v", ErrVersionNotFound, run.GraphID, run.Version, err))
	}

	// 4. Резолвим backends из RunConfig
	managerKey := run.Config.IOManager
	if managerKey == "" {
		managerKey = storage.KeyMemory
	}
	store, err := e.managers.Build(managerKey, run.Config.IOManagerConfig)
	if err != nil {
		return e.failRun(ctx, run, logger, fmt.Errorf("io manager %q: %w", managerKey, err))
	}

	launcherKey := run.Config.Launcher
	if launcherKey == "" {
		launcherKey = launch.KeyInProcess
	}
	launcher, err := e.launchers.Get(launcherKey)
	if err != nil {
		return e.failRun(ctx, run, logger, fmt.Errorf("launcher %q: %w", launcherKey, err))
	}

	// 5. Инициализируем resources для исполнения в нашем процессе.
	// Remote worker инициализирует resources сам по конфигурации
	// из launch-сообщения.
	var set *resource.Set
	if launcherKey == launch.KeyInProcess {
		set, err = e.initResources(ctx, &version.Spec, run, logger)
		if err != nil {
			return e.failRun(ctx, run, logger, err)
		}
		if set != nil {
			defer func() {
				if err := set.Teardown(context.WithoutCancel(ctx)); err != nil {
					logger.Error("resource teardown failed", "error", err)
				}
			}()
		}
	}

	// 6. Прерванный run восстанавливается из durable records
	var prior []domain.StepRecord
	if run.Status == domain.RunStatusRunning {
		prior, err = e.steps.ListByRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("list step records: %w", err)
		}
	}

	slots := int64(run.Config.MaxParallelSteps)
	if slots <= 0 {
		slots = int64(e.coordinator.StepSlots())
	}

	// 7. Выполняем
	driver := NewDriver(DriverConfig{
		Run:       run,
		Spec:      &version.Spec,
		Store:     store,
		Launcher:  launcher,
		Resources: set,
		Runs:      e.runs,
		Steps:     e.steps,
		Events:    e.events,
		Slots:     slots,
		Prior:     prior,
		Cancel:    active.Cancelled(),
		Logger:    e.logger,
	})

	if err := driver.Execute(ctx); err != nil {
		if errors.Is(err, ErrExecutorStopped) {
			logger.Info("run will resume after restart")
			return nil
		}
		return err
	}
	return nil
}

// admit проводит run через coordinator. Возвращает false, если run
// не должен выполняться: отклонён, отменён во время ожидания или
// executor остановлен.
func (e *Executor) admit(ctx context.Context, active *activeRun, run *domain.Run, logger *slog.Logger) (bool, error) {
	decision, release, err := e.coordinator.Admit(run.ID)
	if err != nil {
		if errors.Is(err, coordinator.ErrAlreadyAdmitted) {
			return false, nil
		}
		return false, fmt.Errorf("admit run: %w", err)
	}

	switch decision {
	case domain.AdmissionAccepted:
		return true, nil

	case domain.AdmissionRejected:
		run.MarkRejected("run queue full; rejected by coordinator")
		if err := e.runs.Update(ctx, run); err != nil {
			return false, fmt.Errorf("update rejected run: %w", err)
		}
		logger.Warn("run rejected by coordinator")
		return false, nil
	}

	// QUEUED: ждём освобождения слота
	if run.Status != domain.RunStatusRunning {
		run.MarkQueued()
		if err := e.runs.Update(ctx, run); err != nil {
			e.coordinator.Abandon(run.ID)
			return false, fmt.Errorf("update queued run: %w", err)
		}
	}
	logger.Info("run queued, waiting for slot")

	select {
	case <-release:
		return true, nil

	case <-active.Cancelled():
		e.dropAdmission(run.ID)
		run.MarkCancelled()
		if err := e.runs.Update(ctx, run); err != nil {
			return false, fmt.Errorf("update cancelled run: %w", err)
		}
		e.appendEvent(ctx, domain.NewRunEvent(run.ID, domain.EventRunCancelled, "cancelled while queued"))
		logger.Info("queued run cancelled")
		return false, nil

	case <-ctx.Done():
		// Остановка executor'а: run остаётся QUEUED и будет
		// восстановлен после рестарта
		e.dropAdmission(run.ID)
		logger.Info("executor stopping, queued run will resume after restart")
		return false, nil
	}
}

// dropAdmission снимает заявку run'а: из очереди через Abandon, а если
// run успел получить слот в гонке с dequeue — через Release.
func (e *Executor) dropAdmission(runID uuid.UUID) {
	if !e.coordinator.Abandon(runID) {
		e.coordinator.Release(runID)
	}
}

// initResources инициализирует resources, требуемые графом, включая
// транзитивные зависимости definitions.
func (e *Executor) initResources(ctx context.Context, spec *domain.GraphSpec, run *domain.Run, logger *slog.Logger) (*resource.Set, error) {
	required := requiredResources(spec)
	if len(required) == 0 {
		return nil, nil
	}
	if e.resources == nil {
		return nil, fmt.Errorf("%w: no resource registry configured", ErrUnsatisfiedResource)
	}

	defs, err := e.resources.Select(required)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsatisfiedResource, err)
	}

	plan, err := resource.Resolve(defs)
	if err != nil {
		return nil, fmt.Errorf("resolve resources: %w", err)
	}

	set, err := resource.Initialize(telemetry.WithLogger(ctx, logger), plan, run.Config.Resources)
	if err != nil {
		return nil, fmt.Errorf("initialize resources: %w", err)
	}

	logger.Info("resources initialized", "keys", set.Keys())
	return set, nil
}

// failRun завершает run со статусом FAILED до старта Driver'а.
func (e *Executor) failRun(ctx context.Context, run *domain.Run, logger *slog.Logger, cause error) error {
	run.MarkFailed(cause.Error())
	if err := e.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("update failed run: %w", err)
	}
	e.appendEvent(ctx, domain.NewRunEvent(run.ID, domain.EventRunFailed, cause.Error()))
	logger.Error("run failed", "error", cause)
	return nil
}

// CancelRun отменяет run.
//
// Активный run получает сигнал отмены и завершается через Driver.
// Неактивный нетерминальный run (PENDING) отменяется напрямую в БД.
func (e *Executor) CancelRun(ctx context.Context, runID uuid.UUID) error {
	if active := e.getActiveRun(runID); active != nil {
		active.Cancel()
		return nil
	}

	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRunNotFound, runID, err)
	}

	if run.Status.IsTerminal() {
		return nil
	}

	run.MarkCancelled()
	if err := e.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("update cancelled run: %w", err)
	}
	e.appendEvent(ctx, domain.NewRunEvent(runID, domain.EventRunCancelled, "cancelled before start"))
	e.logger.Info("inactive run cancelled", "run_id", runID)
	return nil
}

// appendEvent пишет событие best-effort.
func (e *Executor) appendEvent(ctx context.Context, event *domain.Event) {
	if err := e.events.Append(ctx, event); err != nil {
		e.logger.Warn("append event", "run_id", event.RunID, "type", event.Type, "error", err)
	}
}

// --- Active runs ---

// isRunActive проверяет, находится ли run в обработке.
func (e *Executor) isRunActive(runID uuid.UUID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.activeRuns[runID]
	return exists
}

// getActiveRun возвращает активный run.
func (e *Executor) getActiveRun(runID uuid.UUID) *activeRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeRuns[runID]
}

// addActiveRun добавляет run в активные.
func (e *Executor) addActiveRun(runID uuid.UUID) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.activeRuns[runID]; exists {
		return nil, ErrRunAlreadyActive
	}

	active := newActiveRun()
	e.activeRuns[runID] = active
	return active, nil
}

// removeActiveRun удаляет run из активных.
func (e *Executor) removeActiveRun(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (e *Executor) ActiveRunsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.activeRuns)
}

// --- Helpers ---

// requiredResources возвращает объединение resource-ключей шагов spec,
// отсортированное по имени.
func requiredResources(spec *domain.GraphSpec) []string {
	set := make(map[string]bool)
	for i := range spec.Steps {
		for _, key := range spec.Steps[i].Resources {
			set[key] = true
		}
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// eventFanout дублирует события ленты в exchange conveyor.events для
// push-подписчиков. Durable-запись первична: Seq присваивается в ней.
type eventFanout struct {
	sink      EventSink
	publisher *mq.Publisher
	logger    *slog.Logger
}

func (f *eventFanout) Append(ctx context.Context, event *domain.Event) error {
	err := f.sink.Append(ctx, event)
	if pubErr := f.publisher.PublishEvent(ctx, event); pubErr != nil {
		f.logger.Debug("event fanout failed", "type", event.Type, "error", pubErr)
	}
	return err
}
