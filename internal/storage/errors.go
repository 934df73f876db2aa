package storage

import (
	"errors"
	"fmt"
)

// Ошибки хранилища.
var (
	// ErrMissingOutput — запрошенный output отсутствует в хранилище.
	// Для исполнения run это фатальная ошибка: нарушен инвариант
	// "outputs сохранены до того, как downstream стал READY".
	ErrMissingOutput = errors.New("output not found in storage")

	// ErrUnknownManager — запрошен незарегистрированный тип менеджера.
	ErrUnknownManager = errors.New("unknown io manager")

	// ErrInvalidKey — ключ не разбирается на run_id/step_name/output_name.
	ErrInvalidKey = errors.New("invalid storage key")
)

// MissingOutputError — отсутствующий output с его адресом.
type MissingOutputError struct {
	Key Key
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("output not found in storage: %s", e.Key)
}

func (e *MissingOutputError) Unwrap() error {
	return ErrMissingOutput
}
