package domain

import (
	"time"

	"github.com/google/uuid"
)

// Graph — зарегистрированный dataflow-граф.
//
// Graph — это "рецепт" вычисления: набор шагов, связанных привязками
// данных (output одного шага → input другого). Один graph может иметь
// множество версий (GraphVersion). Каждый запуск (Run) выполняет
// конкретную версию.
type Graph struct {
	// ID — уникальный идентификатор graph.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя graph (например, "nightly-etl").
	Name string `json:"name"`

	// IsActive — флаг активности. Неактивные graphs не запускаются по расписанию.
	IsActive bool `json:"is_active"`

	// CreatedAt — время создания graph.
	CreatedAt time.Time `json:"created_at"`
}

// GraphVersion — версия graph с конкретной спецификацией.
//
// Спецификация валидируется один раз при регистрации и после этого
// неизменяема: run всегда выполняет ровно тот DAG, который был проверен.
type GraphVersion struct {
	// GraphID — ссылка на родительский graph.
	GraphID uuid.UUID `json:"graph_id"`

	// Version — номер версии (1, 2, 3, ...).
	// Автоинкремент при регистрации новой версии.
	Version int `json:"version"`

	// Spec — спецификация graph в формате JSON.
	Spec GraphSpec `json:"spec"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// GraphSpec — спецификация dataflow-графа (содержимое JSONB поля spec).
//
// Описывает шаги и привязки данных между ними. Движок не знает, что
// вычисляет шаг — только его inputs, outputs, требуемые resources
// и ключ handler'а.
type GraphSpec struct {
	// Version — версия формата спецификации (для обратной совместимости).
	Version string `json:"version,omitempty"`

	// Name — имя graph (дублирует Graph.Name для удобства).
	Name string `json:"name,omitempty"`

	// Description — описание назначения graph.
	Description string `json:"description,omitempty"`

	// Steps — список шагов. Порядок в списке не несёт смысла:
	// порядок выполнения определяется привязками inputs → outputs.
	Steps []StepDef `json:"steps"`
}

// StepDef — определение шага в graph.
type StepDef struct {
	// Name — уникальное имя шага в рамках graph.
	// Используется в привязках inputs ("step.output") и в событиях.
	Name string `json:"name"`

	// Handler — ключ обработчика в handler registry.
	// Движку содержимое обработчика неизвестно.
	Handler string `json:"handler"`

	// Inputs — входы шага. Каждый вход привязан ровно к одному
	// источнику: либо к output upstream-шага, либо к литералу.
	Inputs []InputDef `json:"inputs,omitempty"`

	// Outputs — объявленные выходы шага.
	// Имена уникальны в рамках шага.
	Outputs []OutputDef `json:"outputs,omitempty"`

	// Resources — ключи resources, которые требуются обработчику.
	// Все ключи должны быть покрыты набором resources, привязанным к run.
	Resources []string `json:"resources,omitempty"`

	// Config — произвольная конфигурация, передаваемая обработчику как есть.
	Config map[string]any `json:"config,omitempty"`

	// Retry — политика повторных попыток для этого шага.
	// Переопределяет политику по умолчанию из RunConfig.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут выполнения шага в секундах.
	// 0 — без таймаута.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// InputDef — привязка входа шага к источнику данных.
//
// Ровно одно из полей From / Value должно быть заполнено:
// - From: ссылка на output upstream-шага ("step.output" или просто
//   "output", если имя однозначно во всём graph);
// - Value: литеральное значение, передаваемое как есть.
type InputDef struct {
	// Name — имя входа, под которым значение видно обработчику.
	Name string `json:"name"`

	// From — ссылка на upstream output.
	From string `json:"from,omitempty"`

	// Value — литеральное значение.
	Value any `json:"value,omitempty"`
}

// IsLiteral возвращает true, если вход привязан к литералу.
func (d InputDef) IsLiteral() bool {
	return d.From == ""
}

// OutputDef — объявленный выход шага.
type OutputDef struct {
	// Name — имя выхода, уникальное в рамках шага.
	Name string `json:"name"`

	// Description — описание содержимого.
	Description string `json:"description,omitempty"`
}

// RetryPolicy — политика повторных попыток шага.
//
// По умолчанию (nil или MaxAttempts <= 1) автоматических retry нет:
// первое падение шага терминально.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}
