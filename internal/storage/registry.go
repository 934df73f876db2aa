package storage

import (
	"fmt"
	"sync"
)

// Имена встроенных менеджеров.
const (
	KeyMemory   = "memory"
	KeyFile     = "file"
	KeyPostgres = "postgres"
)

// Constructor создаёт Manager из его секции конфигурации
// (RunConfig.IOManagerConfig). Конструкторы, которым нужны внешние
// зависимости (пул соединений), получают их через замыкание при
// регистрации.
type Constructor func(config map[string]any) (Manager, error)

// Registry — реестр типов менеджеров по именам.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register регистрирует конструктор менеджера под именем name.
// Повторная регистрация перезаписывает прежний конструктор.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Build создаёт менеджер по имени типа.
func (r *Registry) Build(name string, config map[string]any) (Manager, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManager, name)
	}
	return ctor(config)
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// DefaultRegistry создаёт реестр со встроенными менеджерами, не
// требующими внешних зависимостей: memory и file. Менеджер postgres
// регистрируется при старте процесса, когда доступен пул соединений.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KeyMemory, func(map[string]any) (Manager, error) {
		return NewMemory(), nil
	})
	r.Register(KeyFile, func(config map[string]any) (Manager, error) {
		dir, _ := config["dir"].(string)
		return NewFile(dir)
	})
	return r
}
