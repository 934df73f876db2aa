package executor

import "errors"

// Ошибки executor'а.
var (
	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrGraphNotFound — graph или graph_version не найден.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrVersionNotFound — версия graph не найдена.
	ErrVersionNotFound = errors.New("graph version not found")

	// ErrInvalidGraphSpec — GraphSpec не прошёл валидацию.
	ErrInvalidGraphSpec = errors.New("invalid graph spec")

	// ErrRunAlreadyActive — run уже обрабатывается.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotPending — run не в статусе PENDING.
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrStepNotFound — шаг не найден в графе.
	ErrStepNotFound = errors.New("step not found in graph")

	// ErrUnsatisfiedResource — graph требует resource, которого нет
	// ни в registry, ни в конфигурации run.
	ErrUnsatisfiedResource = errors.New("required resource not satisfied")

	// ErrMissingDeclaredOutput — обработчик завершился успешно, но не
	// вернул объявленный output. Нарушение контракта шага, не retryable.
	ErrMissingDeclaredOutput = errors.New("handler did not produce declared output")

	// ErrExecutorStopped — executor остановлен.
	ErrExecutorStopped = errors.New("executor stopped")
)
