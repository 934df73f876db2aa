package worker

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resource"
)

// Метрики worker'а.
var (
	tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_worker_tasks_active",
		Help: "Number of step tasks currently executing on this worker.",
	})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_worker_tasks_total",
		Help: "Total finished step tasks by outcome status.",
	}, []string{"status"})
)

// handleStepLaunch обрабатывает задание на попытку шага из очереди steps.launch.
func (w *Worker) handleStepLaunch(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepLaunchPayload](&msg.Message)
	if err != nil {
		return mq.Drop(fmt.Errorf("parse step.launch: %w", err))
	}

	log := w.logger.With(
		"task_id", payload.TaskID,
		"run_id", payload.RunID,
		"step", payload.StepName,
		"attempt", payload.Attempt,
	)
	log.Info("step task received", "handler", payload.Handler)

	tasksActive.Inc()
	outcome, err := w.run(ctx, payload)
	tasksActive.Dec()

	if err != nil {
		// Исполнение прервано остановкой worker'а. Задание вернётся
		// в очередь и будет подхвачено другим экземпляром.
		log.Warn("step task interrupted", "error", err)
		return err
	}

	tasksTotal.WithLabelValues(string(outcome.Status)).Inc()

	if outcome.Status == launch.StatusSuccess {
		log.Info("step task succeeded")
	} else {
		log.Warn("step task finished", "status", outcome.Status, "detail", outcome.Detail)
	}

	result := resultFromOutcome(payload, outcome)
	if err := w.publisher.PublishStepResult(ctx, result); err != nil {
		// Результат не доставлен — executor будет ждать его до своего
		// таймаута. Возвращаем задание в очередь на переисполнение:
		// семантика попыток at-least-once это допускает.
		return fmt.Errorf("publish step result: %w", err)
	}

	return nil
}

// run инициализирует resources задания и исполняет попытку шага.
//
// Любой исход попытки (success, failure, timeout) возвращается как
// Outcome; error зарезервирован за прерыванием через ctx.
func (w *Worker) run(ctx context.Context, payload mq.StepLaunchPayload) (*launch.Outcome, error) {
	req := &launch.Request{
		RunID:        payload.RunID,
		StepName:     payload.StepName,
		Attempt:      payload.Attempt,
		Handler:      payload.Handler,
		Config:       payload.Config,
		Inputs:       payload.Inputs,
		ResourceKeys: payload.ResourceKeys,
		TimeoutSec:   payload.TimeoutSec,
	}

	// 1. Поднимаем resources задания. Worker держит только каталог
	// definitions — живые handles существуют ровно одну попытку.
	if len(payload.ResourceKeys) > 0 {
		set, err := w.initResources(ctx, payload.ResourceKeys, payload.ResourceConfig)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Ошибка инициализации — исход попытки, retry решает executor
			return launch.Failure(fmt.Sprintf("resource init: %v", err)), nil
		}
		defer func() {
			if terr := set.Teardown(ctx); terr != nil {
				w.logger.Error("resource teardown failed",
					"run_id", payload.RunID,
					"step", payload.StepName,
					"error", terr,
				)
			}
		}()
		req.Resources = set
	}

	// 2. Исполняем попытку
	return w.runner.Launch(ctx, req)
}

// initResources выбирает definitions по ключам задания, строит план
// инициализации и поднимает набор.
func (w *Worker) initResources(ctx context.Context, keys []string, config map[string]map[string]any) (*resource.Set, error) {
	defs, err := w.resources.Select(keys)
	if err != nil {
		return nil, err
	}

	plan, err := resource.Resolve(defs)
	if err != nil {
		return nil, err
	}

	return resource.Initialize(ctx, plan, config)
}

// resultFromOutcome строит payload результата. TaskID задания
// сохраняется как есть: executor сопоставляет результат с ожидающей
// попыткой именно по нему.
func resultFromOutcome(payload mq.StepLaunchPayload, outcome *launch.Outcome) mq.StepResultPayload {
	return mq.StepResultPayload{
		TaskID:   payload.TaskID,
		RunID:    payload.RunID,
		StepName: payload.StepName,
		Attempt:  payload.Attempt,
		Status:   string(outcome.Status),
		Outputs:  outcome.Outputs,
		Detail:   outcome.Detail,
	}
}
