package graph

import (
	"fmt"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Validate выполняет структурную валидацию GraphSpec.
//
// Проверяет:
// - Наличие шагов
// - Уникальность и допустимость имён шагов
// - Наличие handler у каждого шага
// - Уникальность имён outputs в рамках шага
// - Привязку каждого входа ровно к одному источнику (from XOR value)
//
// Резолв ссылок from и проверка ацикличности выполняются в Build.
func Validate(spec *domain.GraphSpec) error {
	if spec == nil {
		return ErrEmptySteps
	}

	if len(spec.Steps) == 0 {
		return ErrEmptySteps
	}

	names := make(map[string]bool)

	for i := range spec.Steps {
		step := &spec.Steps[i]

		if err := ValidateStep(step, names); err != nil {
			return err
		}
	}

	return nil
}

// ValidateStep валидирует один шаг.
// names — уже встреченные имена шагов (для проверки уникальности).
func ValidateStep(step *domain.StepDef, names map[string]bool) error {
	// Проверка имени
	if step.Name == "" {
		return NewValidationError("", "name", "step has empty name", ErrEmptyStepName)
	}
	if strings.ContainsAny(step.Name, "./") {
		return NewValidationError(step.Name, "name",
			"step name must not contain '.' or '/'", ErrInvalidName)
	}

	// Проверка уникальности имени
	if names[step.Name] {
		return NewValidationError(step.Name, "name",
			fmt.Sprintf("duplicate step name: %s", step.Name), ErrDuplicateStep)
	}
	names[step.Name] = true

	// Проверка handler
	if step.Handler == "" {
		return NewValidationError(step.Name, "handler",
			"step has empty handler", ErrEmptyHandler)
	}

	if err := validateOutputs(step); err != nil {
		return err
	}

	return validateInputs(step)
}

// validateOutputs проверяет объявленные outputs шага.
func validateOutputs(step *domain.StepDef) error {
	seen := make(map[string]bool, len(step.Outputs))

	for _, out := range step.Outputs {
		if out.Name == "" {
			return NewValidationError(step.Name, "outputs",
				"output has empty name", ErrEmptyOutputName)
		}
		if strings.ContainsAny(out.Name, "./") {
			return NewValidationError(step.Name, "outputs",
				fmt.Sprintf("output name must not contain '.' or '/': %s", out.Name), ErrInvalidName)
		}
		if seen[out.Name] {
			return NewValidationError(step.Name, "outputs",
				fmt.Sprintf("duplicate output name: %s", out.Name), ErrDuplicateOutput)
		}
		seen[out.Name] = true
	}

	return nil
}

// validateInputs проверяет привязки входов шага.
// Каждый вход привязан ровно к одному источнику: либо from, либо value.
func validateInputs(step *domain.StepDef) error {
	seen := make(map[string]bool, len(step.Inputs))

	for _, in := range step.Inputs {
		if in.Name == "" {
			return NewValidationError(step.Name, "inputs",
				"input has empty name", ErrEmptyInputName)
		}
		if seen[in.Name] {
			return NewValidationError(step.Name, "inputs",
				fmt.Sprintf("duplicate input name: %s", in.Name), ErrDuplicateInput)
		}
		seen[in.Name] = true

		if in.From != "" && in.Value != nil {
			return NewValidationError(step.Name, "inputs",
				fmt.Sprintf("input %q has both from and value", in.Name), ErrAmbiguousBinding)
		}
		if in.From == "" && in.Value == nil {
			return NewValidationError(step.Name, "inputs",
				fmt.Sprintf("input %q has neither from nor value", in.Name), ErrNoSource)
		}
	}

	return nil
}
