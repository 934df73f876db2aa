package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/graph"
	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/resource"
	"github.com/shaiso/Conveyor/internal/storage"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Метрики executor'а.
var (
	stepsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_steps_active",
		Help: "Number of step attempts currently executing.",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_steps_total",
		Help: "Total finished steps by terminal status.",
	}, []string{"status"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_runs_total",
		Help: "Total finished runs by terminal status.",
	}, []string{"status"})
)

// DriverConfig — конфигурация Driver'а.
type DriverConfig struct {
	// Run — выполняемый run. Статус и ошибка run обновляются в
	// durable-слое по ходу выполнения.
	Run *domain.Run

	// Spec — спецификация выполняемой версии graph.
	Spec *domain.GraphSpec

	// Store — IO manager run'а.
	Store storage.Manager

	// Launcher — способ исполнения попыток шагов.
	Launcher launch.Launcher

	// Resources — инициализированный набор resources для исполнения
	// в процессе executor'а. Nil для remote launcher: worker
	// инициализирует resources сам.
	Resources *resource.Set

	// Runs / Steps / Events — durable-слой.
	Runs   RunStore
	Steps  StepStore
	Events EventSink

	// Slots — бюджет параллельности шагов. Меньше 1 — без параллельности.
	Slots int64

	// Prior — durable records предыдущей попытки выполнения run
	// (после рестарта executor'а). Nil для свежего run.
	Prior []domain.StepRecord

	// Cancel — сигнал отмены run (канал закрывается при отмене).
	// Отмена ctx, переданного в Execute, — это остановка executor'а:
	// run остаётся RUNNING и возобновляется после рестарта. Отмена
	// через Cancel — решение пользователя: run завершается CANCELLED.
	Cancel <-chan struct{}

	// Logger — логгер. По умолчанию slog.Default().
	Logger *slog.Logger
}

// Driver выполняет один run от старта до терминального статуса.
//
// Driver однократного использования: NewDriver + Execute на каждый run.
// Все переходы статусов применяются к RunState под мьютексом и сразу
// сохраняются в durable-слой вместе с событиями ленты — в порядке
// переходов.
type Driver struct {
	run       *domain.Run
	spec      *domain.GraphSpec
	store     storage.Manager
	launcher  launch.Launcher
	resources *resource.Set
	runs      RunStore
	steps     StepStore
	events    EventSink
	slots     int64
	prior     []domain.StepRecord
	cancel    <-chan struct{}
	logger    *slog.Logger

	state      *RunState
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	doneCh     chan stepDone
	dispatched map[string]bool
}

// stepDone — уведомление главного цикла о завершении goroutine шага.
type stepDone struct {
	name     string
	runFatal bool
}

// attemptResult — нормализованный исход одной попытки шага.
type attemptResult struct {
	// outputKeys — ключи сохранённых outputs. Не-nil означает успех.
	outputKeys map[string]string

	// detail — причина неудачи.
	detail string

	// terminal — неудача не подлежит retry (нарушение контракта).
	terminal bool

	// fatal — нарушение инварианта хранения, run прерывается целиком.
	fatal bool
}

// NewDriver создаёт Driver.
func NewDriver(cfg DriverConfig) *Driver {
	slots := cfg.Slots
	if slots < 1 {
		slots = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		run:       cfg.Run,
		spec:      cfg.Spec,
		store:     cfg.Store,
		launcher:  cfg.Launcher,
		resources: cfg.Resources,
		runs:      cfg.Runs,
		steps:     cfg.Steps,
		events:    cfg.Events,
		slots:     slots,
		prior:     cfg.Prior,
		cancel:    cfg.Cancel,
		logger:    logger,
	}
}

// Execute выполняет run до терминального статуса. Блокируется до
// завершения.
//
// Закрытие канала Cancel отменяет run: нетерминальные шаги пропускаются,
// запущенные launches прерываются best-effort, их результаты
// отбрасываются, run завершается в CANCELLED. Отмена ctx — остановка
// executor'а: выполнение прерывается без смены статусов, Execute
// возвращает ErrExecutorStopped, run возобновится после рестарта.
//
// Прочие ошибки Execute возвращает только при инфраструктурных сбоях,
// из-за которых run не удалось довести до терминального статуса.
// Падения шагов и ошибки валидации выражаются статусом run, а не
// ошибкой Execute.
func (d *Driver) Execute(ctx context.Context) error {
	logger := telemetry.WithRunID(d.logger, d.run.ID.String())

	// Записи о переходах должны доходить до durable-слоя и после
	// отмены run, поэтому сохраняем без привязки к отмене ctx.
	persistCtx := context.WithoutCancel(ctx)

	// 1. Состояние: DAG + records
	state := NewRunState(d.run, d.spec)
	if err := state.Initialize(); err != nil {
		logger.Error("graph validation failed", "error", err)
		return d.failBeforeStart(persistCtx, logger, err)
	}
	d.state = state
	d.sem = semaphore.NewWeighted(d.slots)
	d.doneCh = make(chan stepDone, state.Graph.Size())
	d.dispatched = make(map[string]bool, state.Graph.Size())

	// 2. Покрытие resources — до запуска каких-либо шагов
	if err := d.validateResources(); err != nil {
		logger.Error("resource validation failed", "error", err)
		d.skipSteps(persistCtx, state.SkipRemaining("run failed: "+err.Error()))
		return d.failBeforeStart(persistCtx, logger, err)
	}

	// 3. Восстановление после рестарта либо сохранение свежих records
	restored := len(d.prior) > 0
	if restored {
		state.RestoreFromRecords(d.prior)
		st := state.Stats()
		logger.Info("run state restored",
			"succeeded", st.Succeeded,
			"failed", st.Failed,
			"skipped", st.Skipped,
			"ready", st.Ready,
			"pending", st.Pending,
		)
	} else {
		for _, rec := range state.Records() {
			d.persistRecord(persistCtx, &rec)
		}
	}

	// 4. Переход run в RUNNING
	if d.run.Status != domain.RunStatusRunning {
		d.run.MarkRunning()
		if err := d.runs.Update(persistCtx, d.run); err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		d.appendRunEvent(persistCtx, domain.EventRunStarted, "")
	}

	logger.Info("run started",
		"graph_id", d.run.GraphID,
		"version", d.run.Version,
		"steps", state.Graph.Size(),
		"slots", d.slots,
		"launcher", d.launcher.Key(),
	)

	// 5. Цикл диспетчеризации
	stepCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	abortOnFailure := d.run.Config.FailurePolicy == domain.FailurePolicyAbort
	interrupted := false
	skipReason := ""

	// Восстановление могло прерваться между терминальным падением шага
	// и пропуском его downstream — повторяем распространение.
	if restored {
		for _, rec := range state.Records() {
			switch rec.Status {
			case domain.StepStatusFailed:
				if abortOnFailure {
					interrupted = true
					skipReason = fmt.Sprintf("run aborted: step %s failed", rec.StepName)
				} else {
					d.skipSteps(persistCtx, state.SkipDownstream(rec.StepName, "upstream failed: "+rec.StepName))
				}
			case domain.StepStatusSkipped:
				d.skipSteps(persistCtx, state.SkipDownstream(rec.StepName, "upstream skipped: "+rec.StepName))
			}
			if interrupted {
				break
			}
		}
	}

	// Отмена, запрошенная до старта шагов, отменяет run целиком.
	if !interrupted && d.cancelled() {
		state.RequestCancel()
		interrupted = true
		skipReason = "run cancelled"
	}

	if !interrupted {
		d.markReady(persistCtx)
		d.dispatch(stepCtx)

	loop:
		for !state.IsComplete() {
			select {
			case <-ctx.Done():
				// Остановка executor'а: run остаётся RUNNING и будет
				// возобновлён после рестарта из step records.
				cancelSteps()
				d.wg.Wait()
				logger.Info("run interrupted by executor stop")
				return ErrExecutorStopped

			case <-d.cancel:
				state.RequestCancel()
				interrupted = true
				skipReason = "run cancelled"
				logger.Info("run cancellation requested")
				break loop

			case done := <-d.doneCh:
				rec, _ := state.Record(done.name)

				if done.runFatal || (abortOnFailure && rec.Status == domain.StepStatusFailed) {
					interrupted = true
					skipReason = fmt.Sprintf("run aborted: step %s failed", done.name)
					break loop
				}

				if rec.Status == domain.StepStatusFailed {
					d.skipSteps(persistCtx, state.SkipDownstream(done.name, "upstream failed: "+done.name))
				}

				d.markReady(persistCtx)
				d.dispatch(stepCtx)
			}
		}
	}

	if interrupted {
		// Порядок важен: сначала отменяем запущенные попытки, чтобы
		// goroutine в backoff не успела стартовать новую, затем
		// пропускаем всё не-RUNNING, ждём drain и закрываем остатки.
		cancelSteps()
		d.skipSteps(persistCtx, state.SkipRemaining(skipReason))
		d.wg.Wait()
		d.skipSteps(persistCtx, state.SkipRunning(skipReason))
	} else {
		d.wg.Wait()
	}

	return d.finalize(persistCtx, logger)
}

// State возвращает состояние выполнения. Nil до начала Execute.
func (d *Driver) State() *RunState {
	return d.state
}

// --- Диспетчеризация шагов ---

// markReady переводит готовые шаги в READY и публикует события.
func (d *Driver) markReady(ctx context.Context) {
	for _, rec := range d.state.RefreshReady() {
		d.persistRecord(ctx, &rec)
		d.appendStepEvent(ctx, rec.StepName, domain.EventStepReady, "")
	}
}

// dispatch запускает goroutine для каждого READY-шага, ещё не
// переданного на исполнение. Повторные попытки шага выполняются внутри
// его goroutine, поэтому каждый шаг диспетчеризуется ровно один раз.
func (d *Driver) dispatch(ctx context.Context) {
	for _, name := range d.state.ReadySteps() {
		if d.dispatched[name] {
			continue
		}
		d.dispatched[name] = true

		d.wg.Add(1)
		go d.runStep(ctx, name)
	}
}

// runStep ведёт шаг от READY до терминального статуса, включая
// повторные попытки. Goroutine держит слот semaphore всё время работы
// шага, включая backoff между попытками.
func (d *Driver) runStep(ctx context.Context, name string) {
	defer d.wg.Done()

	runFatal := false
	defer func() {
		// Буфер doneCh вмещает по уведомлению на каждый шаг,
		// отправка не блокируется даже после выхода главного цикла.
		d.doneCh <- stepDone{name: name, runFatal: runFatal}
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	persistCtx := context.WithoutCancel(ctx)
	node := d.state.Graph.GetNode(name)
	policy := d.effectiveRetry(node.Step)
	logger := telemetry.WithStepName(telemetry.WithRunID(d.logger, d.run.ID.String()), name)

	for {
		rec, ok := d.state.MarkRunning(name)
		if !ok {
			// Шаг пропущен отменой run, пока goroutine ждала слот
			// или backoff.
			return
		}
		d.persistRecord(persistCtx, &rec)
		d.appendStepEvent(persistCtx, name, domain.EventStepRunning, fmt.Sprintf("attempt %d", rec.Attempt))
		logger.Info("step started", "attempt", rec.Attempt, "handler", node.Step.Handler)

		stepsActive.Inc()
		res, err := d.attempt(ctx, node, rec.Attempt)
		stepsActive.Dec()

		if err != nil {
			// Run отменён: исход попытки отброшен, record остаётся
			// RUNNING до общего drain в Execute.
			logger.Warn("step attempt discarded", "attempt", rec.Attempt, "error", err)
			return
		}

		if res.outputKeys != nil {
			rec = d.state.MarkSucceeded(name, res.outputKeys)
			d.persistRecord(persistCtx, &rec)
			d.appendStepEvent(persistCtx, name, domain.EventStepSucceeded, "")
			stepsTotal.WithLabelValues(string(domain.StepStatusSucceeded)).Inc()
			logger.Info("step succeeded", "attempt", rec.Attempt, "outputs", len(res.outputKeys))
			return
		}

		if res.fatal {
			runFatal = true
		}

		if !res.terminal && d.state.CanRetry(name, policy) {
			rec = d.state.ResetForRetry(name)
			delay := backoffDelay(policy, rec.Attempt)
			d.persistRecord(persistCtx, &rec)
			d.appendStepEvent(persistCtx, name, domain.EventStepRetrying,
				fmt.Sprintf("attempt %d failed: %s; next attempt in %s", rec.Attempt, res.detail, delay))
			logger.Warn("step failed, retrying", "attempt", rec.Attempt, "delay", delay, "error", res.detail)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		rec = d.state.MarkFailed(name, res.detail)
		d.persistRecord(persistCtx, &rec)
		d.appendStepEvent(persistCtx, name, domain.EventStepFailed, res.detail)
		stepsTotal.WithLabelValues(string(domain.StepStatusFailed)).Inc()
		logger.Error("step failed", "attempt", rec.Attempt, "error", res.detail)
		return
	}
}

// attempt выполняет одну попытку шага: собирает inputs, запускает
// launch и сохраняет outputs при успехе. Ошибка возвращается только
// при отмене ctx — исход попытки в этом случае отброшен.
func (d *Driver) attempt(ctx context.Context, node *graph.Node, attempt int) (attemptResult, error) {
	inputs, err := d.buildInputs(ctx, node)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		if errors.Is(err, storage.ErrMissingOutput) {
			// Upstream SUCCEEDED, а output в хранилище отсутствует —
			// нарушен инвариант записи outputs до перехода.
			return attemptResult{detail: err.Error(), terminal: true, fatal: true}, nil
		}
		return attemptResult{detail: err.Error()}, nil
	}

	req := &launch.Request{
		RunID:          d.run.ID,
		StepName:       node.Name,
		Attempt:        attempt,
		Handler:        node.Step.Handler,
		Config:         node.Step.Config,
		Inputs:         inputs,
		Resources:      d.resources,
		ResourceKeys:   node.Step.Resources,
		ResourceConfig: d.run.Config.Resources,
		TimeoutSec:     node.Step.TimeoutSec,
	}

	outcome, err := d.launcher.Launch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		return attemptResult{detail: fmt.Sprintf("launch: %v", err)}, nil
	}

	if outcome.Status != launch.StatusSuccess {
		return attemptResult{detail: outcome.Detail}, nil
	}

	keys, err := d.persistOutputs(ctx, node, attempt, outcome.Outputs)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		if errors.Is(err, ErrMissingDeclaredOutput) {
			return attemptResult{detail: err.Error(), terminal: true}, nil
		}
		return attemptResult{detail: err.Error()}, nil
	}

	return attemptResult{outputKeys: keys}, nil
}

// buildInputs загружает значения inputs шага: литералы как есть,
// привязки — из IO manager'а по ключу (run, шаг-источник, output).
func (d *Driver) buildInputs(ctx context.Context, node *graph.Node) (map[string]any, error) {
	inputs := make(map[string]any, len(node.Inputs))
	for _, in := range node.Inputs {
		if in.Source == nil {
			inputs[in.Name] = in.Literal
			continue
		}

		key := storage.NewKey(d.run.ID, in.Source.Step, in.Source.Output)
		value, err := d.store.LoadInput(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load input %s from %s: %w", in.Name, in.Source, err)
		}
		inputs[in.Name] = value
	}
	return inputs, nil
}

// persistOutputs сохраняет объявленные outputs шага в IO manager.
//
// Сохраняются только объявленные outputs; лишние ключи из исхода
// игнорируются. Отсутствие объявленного output — нарушение контракта
// handler'а, не подлежит retry.
func (d *Driver) persistOutputs(ctx context.Context, node *graph.Node, attempt int, outputs map[string]any) (map[string]string, error) {
	keys := make(map[string]string, len(node.Step.Outputs))
	for _, out := range node.Step.Outputs {
		value, exists := outputs[out.Name]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrMissingDeclaredOutput, out.Name)
		}

		oc := &storage.OutputContext{
			RunID:      d.run.ID,
			StepName:   node.Name,
			OutputName: out.Name,
			Attempt:    attempt,
		}
		key, err := d.store.HandleOutput(ctx, oc, value)
		if err != nil {
			return nil, fmt.Errorf("store output %s: %w", out.Name, err)
		}
		keys[out.Name] = string(key)
	}
	return keys, nil
}

// --- Завершение run ---

// failBeforeStart завершает run, не прошедший валидацию: FAILED без
// запуска шагов.
func (d *Driver) failBeforeStart(ctx context.Context, logger *slog.Logger, cause error) error {
	d.run.MarkFailed(cause.Error())
	if err := d.runs.Update(ctx, d.run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	d.appendRunEvent(ctx, domain.EventRunFailed, cause.Error())
	runsTotal.WithLabelValues(string(d.run.Status)).Inc()
	logger.Error("run failed before start", "error", cause)
	return nil
}

// finalize вычисляет и сохраняет терминальный статус run:
// SUCCEEDED, если каждый шаг SUCCEEDED; CANCELLED, если запрошена
// отмена; иначе FAILED со сводкой по всем неуспешным шагам.
func (d *Driver) finalize(ctx context.Context, logger *slog.Logger) error {
	stats := d.state.Stats()

	switch {
	case d.state.CancelRequested():
		d.run.MarkCancelled()
	case d.state.AllSucceeded():
		d.run.MarkSucceeded()
	default:
		d.run.MarkFailed(d.state.FailureSummary())
	}

	if err := d.runs.Update(ctx, d.run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	runsTotal.WithLabelValues(string(d.run.Status)).Inc()

	switch d.run.Status {
	case domain.RunStatusSucceeded:
		d.appendRunEvent(ctx, domain.EventRunSucceeded, "")
		logger.Info("run succeeded", "steps", stats.Total, "duration", d.run.Duration())
	case domain.RunStatusCancelled:
		d.appendRunEvent(ctx, domain.EventRunCancelled, "")
		logger.Info("run cancelled", "succeeded", stats.Succeeded, "skipped", stats.Skipped)
	default:
		d.appendRunEvent(ctx, domain.EventRunFailed, d.run.Error)
		logger.Error("run failed", "failed", stats.Failed, "skipped", stats.Skipped, "error", d.run.Error)
	}

	return nil
}

// --- Helpers ---

// cancelled возвращает true, если отмена run уже запрошена.
func (d *Driver) cancelled() bool {
	select {
	case <-d.cancel:
		return true
	default:
		return false
	}
}

// validateResources проверяет, что инициализированный набор resources
// покрывает потребности графа. Для remote launcher набор не передаётся:
// worker инициализирует resources по конфигурации из launch-сообщения.
func (d *Driver) validateResources() error {
	if d.resources == nil {
		return nil
	}
	for _, key := range d.state.Graph.RequiredResources() {
		if !d.resources.Has(key) {
			return fmt.Errorf("%w: %s", ErrUnsatisfiedResource, key)
		}
	}
	return nil
}

// effectiveRetry возвращает действующую политику retry шага:
// собственная политика шага, иначе политика run по умолчанию.
func (d *Driver) effectiveRetry(step *domain.StepDef) *domain.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return d.run.Config.DefaultRetry
}

// backoffDelay возвращает задержку перед следующей попыткой после
// неудачной попытки attempt. Экспоненциальный рост с ограничением
// MaxDelayMs; Backoff "fixed" — постоянная задержка.
func backoffDelay(policy *domain.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelayMs <= 0 {
		return 0
	}

	delay := policy.InitialDelayMs
	if policy.Backoff != "fixed" {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelayMs > 0 && delay >= policy.MaxDelayMs {
				break
			}
		}
	}
	if policy.MaxDelayMs > 0 && delay > policy.MaxDelayMs {
		delay = policy.MaxDelayMs
	}
	return time.Duration(delay) * time.Millisecond
}

// skipSteps сохраняет пропущенные records и публикует события.
func (d *Driver) skipSteps(ctx context.Context, skipped []domain.StepRecord) {
	for i := range skipped {
		rec := &skipped[i]
		d.persistRecord(ctx, rec)
		d.appendStepEvent(ctx, rec.StepName, domain.EventStepSkipped, rec.Error)
		stepsTotal.WithLabelValues(string(domain.StepStatusSkipped)).Inc()
	}
}

// persistRecord сохраняет record. Ошибка записи логируется и не
// прерывает выполнение run: источник истины во время выполнения —
// память, durable-слой догонит на следующем переходе.
func (d *Driver) persistRecord(ctx context.Context, rec *domain.StepRecord) {
	if err := d.steps.Upsert(ctx, rec); err != nil {
		d.logger.Error("persist step record",
			"run_id", rec.RunID,
			"step", rec.StepName,
			"status", rec.Status,
			"error", err,
		)
	}
}

// appendStepEvent добавляет событие уровня шага в ленту run'а.
func (d *Driver) appendStepEvent(ctx context.Context, step string, typ domain.EventType, detail string) {
	d.appendEvent(ctx, domain.NewStepEvent(d.run.ID, step, typ, detail))
}

// appendRunEvent добавляет событие уровня run в ленту.
func (d *Driver) appendRunEvent(ctx context.Context, typ domain.EventType, detail string) {
	d.appendEvent(ctx, domain.NewRunEvent(d.run.ID, typ, detail))
}

// appendEvent пишет событие best-effort: лента — канал наблюдения,
// её недоступность не должна останавливать выполнение.
func (d *Driver) appendEvent(ctx context.Context, event *domain.Event) {
	if err := d.events.Append(ctx, event); err != nil {
		d.logger.Warn("append event",
			"run_id", event.RunID,
			"type", event.Type,
			"step", event.StepName,
			"error", err,
		)
	}
}
