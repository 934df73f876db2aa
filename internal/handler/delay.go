package handler

import (
	"context"
	"fmt"
	"time"
)

const (
	// KeyDelay — ключ delay handler'а.
	KeyDelay = "delay"

	// Ключи конфигурации delay.
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
)

// Delay — handler задержки.
//
// Приостанавливает исполнение на указанное время.
// Поддерживает graceful shutdown через context cancellation.
//
// Конфигурация:
//
//	{
//	    "duration_sec": 10,    // задержка в секундах
//	    // или
//	    "duration_ms": 5000    // задержка в миллисекундах
//	}
//
// Outputs:
//
//	{"waited_ms": 10000}
type Delay struct{}

// NewDelay создаёт новый Delay.
func NewDelay() *Delay {
	return &Delay{}
}

// Key возвращает ключ handler'а.
func (h *Delay) Key() string {
	return KeyDelay
}

// Execute выполняет задержку.
func (h *Delay) Execute(ctx context.Context, hc *Context) (map[string]any, error) {
	duration, err := h.parseDuration(hc.Config)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timer.C:
		return map[string]any{
			"waited_ms": duration.Milliseconds(),
		}, nil
	}
}

// parseDuration извлекает длительность из конфигурации.
func (h *Delay) parseDuration(config map[string]any) (time.Duration, error) {
	if sec := GetConfigInt(config, configDurationSec); sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}
	if ms := GetConfigInt(config, configDurationMs); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}

	return 0, fmt.Errorf("%w: %s: duration_sec or duration_ms required",
		ErrInvalidConfig, KeyDelay)
}
