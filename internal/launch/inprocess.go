package launch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shaiso/Conveyor/internal/handler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// KeyInProcess — ключ in-process launcher'а.
const KeyInProcess = "in-process"

// InProcess — launcher, исполняющий шаги в процессе executor'а.
//
// Handler вызывается напрямую с живыми handles resources. Паника
// handler'а перехватывается и превращается в failure: ошибка
// пользовательского кода не должна ронять executor.
type InProcess struct {
	handlers *handler.Registry
}

// NewInProcess создаёт launcher поверх реестра handlers.
func NewInProcess(handlers *handler.Registry) *InProcess {
	return &InProcess{handlers: handlers}
}

// Key возвращает ключ launcher'а.
func (l *InProcess) Key() string {
	return KeyInProcess
}

// Launch исполняет попытку шага в текущем процессе.
func (l *InProcess) Launch(ctx context.Context, req *Request) (*Outcome, error) {
	h, err := l.handlers.Get(req.Handler)
	if err != nil {
		// Неизвестный handler — ошибка определения шага, не транзиент
		return Failure(err.Error()), nil
	}

	log := telemetry.WithStepName(telemetry.WithRunID(telemetry.FromContext(ctx), req.RunID.String()), req.StepName)

	hc := &handler.Context{
		RunID:    req.RunID,
		StepName: req.StepName,
		Attempt:  req.Attempt,
		Inputs:   req.Inputs,
		Config:   req.Config,
		Logger:   log,
	}
	if req.Resources != nil {
		hc.Resources = req.Resources.Subset(req.ResourceKeys)
	}

	execCtx := ctx
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	outputs, err := l.execute(execCtx, h, hc)

	switch {
	case err == nil:
		return Success(outputs), nil

	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Дедлайн попытки истёк, а внешний ctx жив — это timeout шага
		return Timeout(fmt.Sprintf("step exceeded timeout of %ds", req.TimeoutSec)), nil

	case ctx.Err() != nil:
		// Отмена пришла снаружи (отмена run) — отдаём её как ошибку
		return nil, ctx.Err()

	default:
		return Failure(err.Error()), nil
	}
}

// execute вызывает handler, перехватывая панику.
func (l *InProcess) execute(ctx context.Context, h handler.Handler, hc *handler.Context) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			hc.Logger.Error("handler panicked",
				"handler", h.Key(),
				"panic", r,
			)
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	return h.Execute(ctx, hc)
}
