package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Ошибки handlers.
var (
	// ErrHandlerNotFound — handler не найден в реестре.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrInvalidConfig — невалидная конфигурация шага.
	ErrInvalidConfig = errors.New("invalid handler config")

	// ErrCancelled — исполнение отменено через context.
	ErrCancelled = errors.New("handler execution cancelled")
)

// Handler — исполнитель одного типа шага.
//
// Handler получает загруженные значения inputs, статическую
// конфигурацию шага и handles объявленных resources, и возвращает
// значения outputs по именам. Повторное исполнение с теми же inputs
// должно быть безопасно: движок гарантирует at-least-once, не
// exactly-once.
type Handler interface {
	// Key возвращает ключ handler'а в реестре.
	Key() string

	// Execute выполняет шаг. Должен уважать ctx.Done().
	Execute(ctx context.Context, hc *Context) (map[string]any, error)
}

// Context — всё, что доступно handler'у при исполнении шага.
type Context struct {
	// RunID — идентификатор run.
	RunID uuid.UUID

	// StepName — имя шага в graph.
	StepName string

	// Attempt — номер попытки, начиная с 1.
	Attempt int

	// Inputs — значения inputs по именам, уже загруженные из хранилища
	// или взятые из литералов.
	Inputs map[string]any

	// Config — статическая конфигурация шага из GraphSpec.
	Config map[string]any

	// Resources — handles resources, объявленных шагом. Только те
	// ключи, что перечислены в StepDef.Resources.
	Resources map[string]any

	// Logger — логгер с привязанными run_id и step.
	Logger *slog.Logger
}

// Func адаптирует функцию в Handler. Удобен для тестов и для
// регистрации ad-hoc handlers без отдельного типа.
type Func struct {
	Name string
	Fn   func(ctx context.Context, hc *Context) (map[string]any, error)
}

// Key возвращает ключ handler'а.
func (f Func) Key() string {
	return f.Name
}

// Execute вызывает обёрнутую функцию.
func (f Func) Execute(ctx context.Context, hc *Context) (map[string]any, error) {
	return f.Fn(ctx, hc)
}

// --- Config helpers ---

// GetConfigString извлекает строковое значение из конфига.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из конфига.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigBool извлекает булево значение из конфига.
func GetConfigBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetConfigMap извлекает map из конфига.
func GetConfigMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetConfigStringMap извлекает map[string]string из конфига.
func GetConfigStringMap(config map[string]any, key string) map[string]string {
	if v, ok := config[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string)
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}
