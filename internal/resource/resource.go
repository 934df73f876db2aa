package resource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/graph"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// InitFunc — фабрика resource.
//
// Вызывается строго после того, как все resources из DependsOn живы.
// Возвращает handle — произвольный объект (соединение, клиент),
// который будет доступен шагам run'а только на чтение.
type InitFunc func(ctx context.Context, rc *InitContext) (any, error)

// TeardownFunc — освобождение resource. Nil, если освобождать нечего.
type TeardownFunc func(ctx context.Context, handle any) error

// Definition — определение resource: именованная фабрика с зависимостями.
type Definition struct {
	// Key — уникальный ключ resource (например, "db", "s3").
	Key string

	// Description — описание назначения.
	Description string

	// DependsOn — ключи resources, которые должны быть живы до
	// вызова Init. Отношение зависимостей обязано быть ациклично.
	DependsOn []string

	// Init — фабрика. Обязательна.
	Init InitFunc

	// Teardown — освобождение. Опциональна.
	Teardown TeardownFunc
}

// InitContext — контекст, передаваемый фабрике.
type InitContext struct {
	// Config — конфигурация этого resource из RunConfig.Resources.
	Config map[string]any

	// Deps — handles уже инициализированных resources из DependsOn.
	Deps map[string]any

	// Logger — логгер с привязанным ключом resource.
	Logger *slog.Logger
}

// Resolve строит план инициализации: definitions в порядке, при котором
// каждый resource создаётся после всех своих зависимостей.
//
// Отношение зависимостей проверяется тем же алгоритмом, что и DAG
// шагов. Возвращает ошибку с ErrResourceCycle, если найден цикл, и
// с ErrUnknownResource, если DependsOn ссылается на ключ вне набора.
func Resolve(defs []Definition) ([]Definition, error) {
	byKey := make(map[string]Definition, len(defs))
	deps := make(graph.Deps, len(defs))

	for _, def := range defs {
		if def.Key == "" {
			return nil, ErrEmptyKey
		}
		if def.Init == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilInit, def.Key)
		}
		byKey[def.Key] = def
		deps[def.Key] = def.DependsOn
	}

	// Все зависимости должны входить в привязанный набор: неявной
	// дозагрузки нет, конфигурация каждого resource задаётся явно.
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := byKey[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownResource, def.Key, dep)
			}
		}
	}

	layers, err := graph.TopoLayers(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceCycle, err)
	}

	plan := make([]Definition, 0, len(defs))
	for _, layer := range layers {
		for _, key := range layer {
			plan = append(plan, byKey[key])
		}
	}
	return plan, nil
}

// Initialize инициализирует resources по плану из Resolve.
//
// Фабрики вызываются строго в порядке плана. Если какая-то фабрика
// падает, уже инициализированные resources сворачиваются в обратном
// порядке, и наружу возвращается *InitError — частично
// инициализированный набор не отдаётся никогда.
//
// config — конфигурация по ключам resources (RunConfig.Resources).
func Initialize(ctx context.Context, plan []Definition, config map[string]map[string]any) (*Set, error) {
	log := telemetry.FromContext(ctx)

	set := newSet()

	for _, def := range plan {
		rc := &InitContext{
			Config: config[def.Key],
			Deps:   make(map[string]any, len(def.DependsOn)),
			Logger: log.With("resource", def.Key),
		}
		for _, dep := range def.DependsOn {
			rc.Deps[dep] = set.Handle(dep)
		}

		handle, err := def.Init(ctx, rc)
		if err != nil {
			log.Error("resource init failed, tearing down initialized resources",
				"resource", def.Key, "error", err)

			// Сворачиваем всё, что успели поднять, прежде чем отдать ошибку
			if terr := set.Teardown(ctx); terr != nil {
				log.Error("teardown after failed init reported errors", "error", terr)
			}
			return nil, &InitError{Key: def.Key, Err: err}
		}

		set.add(def, handle)
		log.Debug("resource initialized", "resource", def.Key)
	}

	return set, nil
}
