package graph

import (
	"errors"
	"strings"
)

// Ошибки валидации GraphSpec.
var (
	// ErrEmptySteps — graph не содержит шагов.
	ErrEmptySteps = errors.New("graph spec has no steps")

	// ErrEmptyStepName — шаг не имеет имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrInvalidName — имя содержит недопустимые символы.
	// Точка зарезервирована как разделитель в ссылках "step.output".
	ErrInvalidName = errors.New("name contains invalid characters")

	// ErrDuplicateStep — несколько шагов с одинаковым именем.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrEmptyHandler — шаг не указывает handler.
	ErrEmptyHandler = errors.New("step has empty handler")

	// ErrEmptyOutputName — output без имени.
	ErrEmptyOutputName = errors.New("output has empty name")

	// ErrDuplicateOutput — конфликт имён outputs: либо шаг объявляет
	// одно имя дважды, либо короткая ссылка совпадает с несколькими
	// производителями.
	ErrDuplicateOutput = errors.New("duplicate output name")

	// ErrEmptyInputName — input без имени.
	ErrEmptyInputName = errors.New("input has empty name")

	// ErrDuplicateInput — шаг объявляет два входа с одним именем.
	ErrDuplicateInput = errors.New("duplicate input name")

	// ErrAmbiguousBinding — вход привязан и к upstream output, и к литералу.
	ErrAmbiguousBinding = errors.New("input bound to both upstream output and literal")

	// ErrNoSource — вход не привязан ни к upstream output, ни к литералу.
	ErrNoSource = errors.New("input has no source")

	// ErrUnresolvedInput — ссылка from указывает на несуществующий
	// шаг или output.
	ErrUnresolvedInput = errors.New("input references unknown output")

	// ErrSelfDependency — шаг читает собственный output.
	ErrSelfDependency = errors.New("step depends on itself")

	// ErrCycle — обнаружен цикл в зависимостях.
	ErrCycle = errors.New("cyclic dependency detected")
)

// CycleError — ошибка ацикличности с последовательностью узлов,
// образующих цикл. Срабатывает errors.Is(err, ErrCycle).
type CycleError struct {
	// Cycle — имена узлов по ходу цикла; первый узел повторён в конце.
	Cycle []string
}

// Error реализует интерфейс error.
func (e *CycleError) Error() string {
	return "cyclic dependency detected: " + strings.Join(e.Cycle, " -> ")
}

// Unwrap возвращает сентинел ErrCycle.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
