package launch

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — реестр launchers по ключам.
//
// Launchers долгоживущие: executor регистрирует их при старте
// и выбирает по RunConfig.Launcher для каждого run.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		launchers: make(map[string]Launcher),
	}
}

// Register регистрирует launcher.
// Повторная регистрация перезаписывает прежний.
func (r *Registry) Register(l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchers[l.Key()] = l
}

// Get возвращает launcher по ключу.
func (r *Registry) Get(key string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, exists := r.launchers[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrLauncherNotFound, key)
	}
	return l, nil
}

// Has проверяет, зарегистрирован ли launcher.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.launchers[key]
	return exists
}

// Keys возвращает отсортированный список ключей.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.launchers))
	for k := range r.launchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
