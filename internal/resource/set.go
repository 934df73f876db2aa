package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Set — привязанный к run набор инициализированных resources.
//
// Handles доступны шагам только на чтение; Set не даёт никаких
// гарантий потокобезопасности самих объектов — resources с внутренним
// состоянием сериализуют доступ самостоятельно.
type Set struct {
	handles map[string]any
	order   []Definition // порядок инициализации, для обратного teardown

	once        sync.Once
	teardownErr error
}

func newSet() *Set {
	return &Set{
		handles: make(map[string]any),
	}
}

// add регистрирует инициализированный resource.
func (s *Set) add(def Definition, handle any) {
	s.handles[def.Key] = handle
	s.order = append(s.order, def)
}

// Handle возвращает handle resource по ключу.
// Nil, если ключа в наборе нет.
func (s *Set) Handle(key string) any {
	return s.handles[key]
}

// Has проверяет наличие ключа в наборе.
func (s *Set) Has(key string) bool {
	_, ok := s.handles[key]
	return ok
}

// Keys возвращает ключи набора в порядке инициализации.
func (s *Set) Keys() []string {
	keys := make([]string, 0, len(s.order))
	for _, def := range s.order {
		keys = append(keys, def.Key)
	}
	return keys
}

// Subset возвращает handles только для перечисленных ключей.
// Используется при передаче обработчику шага ровно тех resources,
// которые шаг объявил.
func (s *Set) Subset(keys []string) map[string]any {
	sub := make(map[string]any, len(keys))
	for _, key := range keys {
		if handle, ok := s.handles[key]; ok {
			sub[key] = handle
		}
	}
	return sub
}

// Teardown освобождает все инициализированные resources в порядке,
// обратном инициализации.
//
// Контракт гарантированного освобождения: teardown каждого resource
// вызывается ровно один раз за жизнь набора, независимо от исхода
// run'а и количества вызовов Teardown — повторные вызовы возвращают
// результат первого. Ошибка одного teardown не прерывает остальные.
func (s *Set) Teardown(ctx context.Context) error {
	s.once.Do(func() {
		var errs []error
		for i := len(s.order) - 1; i >= 0; i-- {
			def := s.order[i]
			if def.Teardown == nil {
				continue
			}
			if err := def.Teardown(ctx, s.handles[def.Key]); err != nil {
				errs = append(errs, fmt.Errorf("resource %s: teardown failed: %w", def.Key, err))
			}
		}
		s.teardownErr = errors.Join(errs...)
	})
	return s.teardownErr
}
