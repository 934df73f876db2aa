package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory — менеджер outputs в памяти процесса.
//
// Подходит для тестов и для runs, чьи данные не должны переживать
// процесс. Значения хранятся в JSON-представлении, чтобы семантика
// кодека совпадала с файловым и postgres-менеджерами.
type Memory struct {
	mu     sync.RWMutex
	values map[Key][]byte
}

// NewMemory создаёт пустой Memory.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[Key][]byte),
	}
}

// HandleOutput сохраняет значение. Повторная запись по тому же ключу
// перезаписывает прежнее значение.
func (m *Memory) HandleOutput(ctx context.Context, oc *OutputContext, value any) (Key, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal output %s: %w", oc.Key(), err)
	}

	m.mu.Lock()
	m.values[oc.Key()] = data
	m.mu.Unlock()

	return oc.Key(), nil
}

// LoadInput загружает значение по ключу.
func (m *Memory) LoadInput(ctx context.Context, key Key) (any, error) {
	m.mu.RLock()
	data, ok := m.values[key]
	m.mu.RUnlock()

	if !ok {
		return nil, &MissingOutputError{Key: key}
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("unmarshal output %s: %w", key, err)
	}
	return value, nil
}

// Len возвращает количество сохранённых outputs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
