package launch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/mq"
)

// KeyRemote — ключ remote launcher'а.
const KeyRemote = "remote"

// Remote — launcher, исполняющий шаги на workers через RabbitMQ.
//
// Launch публикует step.launch с fresh task_id и блокируется до
// прихода step.result с тем же task_id. Каждая попытка получает
// новый task_id: опоздавший результат прежней попытки не будет
// принят за результат текущей.
//
// Результаты доставляет executor, который потребляет очередь
// steps.result и вызывает Deliver. Результат с неизвестным task_id
// (executor перезапустился, попытка уже закрыта) отбрасывается.
type Remote struct {
	publisher *mq.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]chan mq.StepResultPayload
}

// NewRemote создаёт remote launcher поверх publisher'а.
func NewRemote(publisher *mq.Publisher, logger *slog.Logger) *Remote {
	return &Remote{
		publisher: publisher,
		logger:    logger,
		inflight:  make(map[uuid.UUID]chan mq.StepResultPayload),
	}
}

// Key возвращает ключ launcher'а.
func (l *Remote) Key() string {
	return KeyRemote
}

// Launch публикует задание worker'у и ждёт результата.
func (l *Remote) Launch(ctx context.Context, req *Request) (*Outcome, error) {
	taskID := uuid.New()

	ch := make(chan mq.StepResultPayload, 1)
	l.mu.Lock()
	l.inflight[taskID] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.inflight, taskID)
		l.mu.Unlock()
	}()

	payload := mq.StepLaunchPayload{
		TaskID:         taskID,
		RunID:          req.RunID,
		StepName:       req.StepName,
		Attempt:        req.Attempt,
		Handler:        req.Handler,
		Config:         req.Config,
		Inputs:         req.Inputs,
		ResourceKeys:   req.ResourceKeys,
		ResourceConfig: req.ResourceConfig,
		TimeoutSec:     req.TimeoutSec,
	}
	if err := l.publisher.PublishStepLaunch(ctx, payload); err != nil {
		return nil, fmt.Errorf("publish step launch: %w", err)
	}

	// Бюджет ожидания: таймаут шага плюс запас на доставку.
	// Worker считает свой таймаут сам, здесь защита от потери результата.
	var timeoutCh <-chan time.Time
	if req.TimeoutSec > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutSec)*time.Second + resultGracePeriod)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timeoutCh:
		return Timeout(fmt.Sprintf("no result within %ds", req.TimeoutSec)), nil

	case res := <-ch:
		return outcomeFromResult(res), nil
	}
}

// resultGracePeriod — запас поверх таймаута шага на доставку результата.
const resultGracePeriod = 30 * time.Second

// Deliver передаёт результат ожидающему Launch.
// Возвращает false, если никто не ждёт этот task_id.
func (l *Remote) Deliver(payload mq.StepResultPayload) bool {
	l.mu.Lock()
	ch, ok := l.inflight[payload.TaskID]
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("dropping result for unknown task",
			"task_id", payload.TaskID,
			"run_id", payload.RunID,
			"step", payload.StepName,
		)
		return false
	}

	select {
	case ch <- payload:
	default:
		// Буфер 1: повторная доставка того же результата игнорируется
	}
	return true
}

// InflightCount возвращает количество попыток в ожидании результата.
func (l *Remote) InflightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// outcomeFromResult превращает payload результата в Outcome.
func outcomeFromResult(res mq.StepResultPayload) *Outcome {
	switch Status(res.Status) {
	case StatusSuccess:
		return Success(res.Outputs)
	case StatusTimeout:
		return Timeout(res.Detail)
	default:
		return Failure(res.Detail)
	}
}
