package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Key — адрес сохранённого output в хранилище.
//
// Формат: "{run_id}/{step_name}/{output_name}". Имена шагов и outputs
// не содержат '/', поэтому разбор однозначен.
type Key string

// NewKey собирает Key из координат output.
func NewKey(runID uuid.UUID, stepName, outputName string) Key {
	return Key(fmt.Sprintf("%s/%s/%s", runID, stepName, outputName))
}

// OutputContext — координаты output, который нужно сохранить.
type OutputContext struct {
	RunID      uuid.UUID
	StepName   string
	OutputName string

	// Attempt — номер попытки шага, породившей значение. Повторная
	// запись с тем же ключом перезаписывает значение целиком.
	Attempt int
}

// Key возвращает адрес, по которому значение будет сохранено.
func (oc *OutputContext) Key() Key {
	return NewKey(oc.RunID, oc.StepName, oc.OutputName)
}

// Manager — менеджер материализации outputs.
//
// HandleOutput сохраняет значение и возвращает его Key. Операция
// идемпотентна: повторный вызов с теми же координатами перезаписывает
// значение и возвращает тот же Key, без дублей и без ошибки. Это
// основа семантики at-least-once: шаг может быть исполнен повторно,
// и его outputs лягут поверх прежних.
//
// LoadInput загружает значение по Key. Отсутствие значения — это
// *MissingOutputError: нарушен порядок исполнения (downstream стартовал
// до материализации upstream), и run обязан завершиться с ошибкой.
//
// Значения проходят через JSON-кодек, поэтому load(handle(v))
// возвращает v с точностью до нормализации кодека (числа становятся
// float64, структуры — map[string]any).
type Manager interface {
	HandleOutput(ctx context.Context, oc *OutputContext, value any) (Key, error)
	LoadInput(ctx context.Context, key Key) (any, error)
}
