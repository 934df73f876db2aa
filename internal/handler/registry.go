package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — реестр handlers по ключам.
//
// Потокобезопасен.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// DefaultRegistry создаёт реестр со всеми стандартными handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(NewDelay())
	r.Register(NewHTTP())
	r.Register(NewTransform())

	return r
}

// Register регистрирует handler в реестре.
// Если handler с таким ключом уже существует, он будет перезаписан.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Key()] = h
}

// Get возвращает handler по ключу.
// Возвращает ErrHandlerNotFound, если handler не найден.
func (r *Registry) Get(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
	}

	return h, nil
}

// Has проверяет, зарегистрирован ли handler.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[key]
	return exists
}

// Keys возвращает отсортированный список зарегистрированных ключей.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count возвращает количество зарегистрированных handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Unregister удаляет handler из реестра.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}
