package resource

import "errors"

// Ошибки работы с resources.
var (
	// ErrResourceNotFound — resource с таким ключом не зарегистрирован.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrUnknownResource — definition зависит от ключа, которого нет
	// в привязанном наборе.
	ErrUnknownResource = errors.New("resource depends on unknown resource")

	// ErrResourceCycle — цикл в зависимостях между definitions.
	ErrResourceCycle = errors.New("resource dependency cycle detected")

	// ErrEmptyKey — definition без ключа.
	ErrEmptyKey = errors.New("resource definition has empty key")

	// ErrNilInit — definition без функции инициализации.
	ErrNilInit = errors.New("resource definition has nil init func")
)

// InitError — ошибка инициализации resource.
//
// Возвращается из Initialize после того, как уже поднятые resources
// свёрнуты в обратном порядке: частично инициализированный набор
// никогда не отдаётся наружу.
type InitError struct {
	// Key — ключ resource, чья фабрика упала.
	Key string

	// Err — базовая ошибка фабрики.
	Err error
}

// Error реализует интерфейс error.
func (e *InitError) Error() string {
	return "resource " + e.Key + ": init failed: " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *InitError) Unwrap() error {
	return e.Err
}
