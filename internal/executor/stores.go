package executor

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Интерфейсы durable-слоя, которые использует executor. Репозитории
// пакета repo реализуют их напрямую; тесты подставляют in-memory
// реализации.

// RunStore — доступ к runs.
type RunStore interface {
	// GetByID возвращает run по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// Update сохраняет статус, ошибку и временные метки run.
	Update(ctx context.Context, run *domain.Run) error

	// ListPending возвращает runs в статусе PENDING (старые первыми).
	ListPending(ctx context.Context, limit int) ([]domain.Run, error)

	// ListInterrupted возвращает runs в статусах QUEUED и RUNNING —
	// прерванные рестартом executor'а и требующие восстановления.
	ListInterrupted(ctx context.Context, limit int) ([]domain.Run, error)
}

// GraphStore — доступ к версиям graphs.
type GraphStore interface {
	// GetVersion возвращает версию graph со спецификацией.
	GetVersion(ctx context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error)
}

// StepStore — доступ к step records.
type StepStore interface {
	// Upsert вставляет или обновляет record по ключу (run_id, step_name).
	Upsert(ctx context.Context, rec *domain.StepRecord) error

	// ListByRun возвращает все records run'а.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.StepRecord, error)
}

// EventSink — приёмник событий run'а. Durable-слой присваивает Seq.
type EventSink interface {
	// Append добавляет событие в ленту run'а.
	Append(ctx context.Context, event *domain.Event) error
}
