package resource

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — каталог определений resources.
//
// Позволяет регистрировать и получать Definition по ключу.
// Потокобезопасен. Registry — это каталог кода, а не состояние run'а:
// какой поднабор definitions привязывается к конкретному run, решает
// его RunConfig.Resources.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry создаёт пустой каталог.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register регистрирует definition в каталоге.
// Если definition с таким ключом уже существует, он будет перезаписан.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Key] = def
}

// Get возвращает definition по ключу.
// Возвращает ErrResourceNotFound, если ключ не зарегистрирован.
func (r *Registry) Get(key string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[key]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrResourceNotFound, key)
	}

	return def, nil
}

// Has проверяет, зарегистрирован ли ключ.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.defs[key]
	return exists
}

// Select возвращает definitions для перечисленных ключей вместе с их
// транзитивными зависимостями: результат самодостаточен и может быть
// передан в Resolve. Возвращает ErrResourceNotFound при первом
// незарегистрированном ключе.
func (r *Registry) Select(keys []string) ([]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(keys))
	defs := make([]Definition, 0, len(keys))

	queue := append([]string(nil), keys...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if seen[key] {
			continue
		}
		seen[key] = true

		def, exists := r.defs[key]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, key)
		}
		defs = append(defs, def)
		queue = append(queue, def.DependsOn...)
	}
	return defs, nil
}

// Keys возвращает список всех зарегистрированных ключей.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.defs))
	for key := range r.defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Count возвращает количество зарегистрированных definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
