package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Интерфейсы durable-слоя, которые использует scheduler. Репозитории
// пакета repo реализуют их напрямую; тесты подставляют in-memory
// реализации.

// ScheduleStore — доступ к schedules.
type ScheduleStore interface {
	// ListDue возвращает schedules, готовые к выполнению.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// Update сохраняет next_due_at и информацию о последнем запуске.
	Update(ctx context.Context, schedule *domain.Schedule) error
}

// RunStore — создание runs и проверка идемпотентности.
type RunStore interface {
	// Create создаёт run.
	Create(ctx context.Context, run *domain.Run) error

	// GetByIdempotencyKey возвращает run по ключу идемпотентности.
	GetByIdempotencyKey(ctx context.Context, graphID uuid.UUID, key string) (*domain.Run, error)
}

// GraphStore — доступ к graphs и их версиям.
type GraphStore interface {
	// GetByID возвращает graph.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Graph, error)

	// GetVersion возвращает конкретную версию graph.
	GetVersion(ctx context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error)

	// GetLatestVersion возвращает последнюю версию graph.
	GetLatestVersion(ctx context.Context, graphID uuid.UUID) (*domain.GraphVersion, error)
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	schedules ScheduleStore
	runs      RunStore
	graphs    GraphStore
	publisher *mq.Publisher
	logger    *slog.Logger
	batchSize int
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Runs      RunStore
	Graphs    GraphStore
	Publisher *mq.Publisher // nil допустим: executor подхватит runs поллингом
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		runs:      cfg.Runs,
		graphs:    cfg.Graphs,
		publisher: cfg.Publisher,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого schedule создаёт run
// 3. Обновляет next_due_at
// 4. Публикует run.submitted в RabbitMQ
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	// 1. Находим due schedules
	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	// 2. Обрабатываем каждый schedule
	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		runCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
			continue
		}

		processed++
		if runCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"runs_created", created,
	)

	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если run был создан (не был дубликатом).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	// 1. Graph должен быть активен. Неактивный graph — штатная пауза:
	// occurrence пропускается, next_due_at сдвигается вперёд, и после
	// реактивации schedule продолжит с ближайшего времени.
	g, err := s.graphs.GetByID(ctx, sched.GraphID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("graph not found for schedule, skipping",
				"schedule_id", sched.ID,
				"graph_id", sched.GraphID,
			)
			return false, nil
		}
		return false, fmt.Errorf("load graph: %w", err)
	}
	if !g.IsActive {
		s.logger.Debug("graph inactive, skipping occurrence",
			"schedule_id", sched.ID,
			"graph_id", sched.GraphID,
		)
		return false, s.advance(ctx, sched, now)
	}

	// 2. Резолвим версию graph: закреплённая в schedule либо последняя
	version, err := s.resolveVersion(ctx, sched)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("graph version not found for schedule, skipping",
				"schedule_id", sched.ID,
				"graph_id", sched.GraphID,
				"version", sched.Version,
			)
			// Не возвращаем ошибку — просто пропускаем
			return false, nil
		}
		return false, fmt.Errorf("resolve graph version: %w", err)
	}

	// 3. Формируем idempotency key: "{schedule_id}_{next_due_at_unix}"
	// Это гарантирует, что для одного schedule и конкретного времени
	// будет создан только один run
	idempKey := fmt.Sprintf("%s_%d", sched.ID, sched.NextDueAt.Unix())

	// 4. Проверяем, не создан ли уже run (idempotency)
	existingRun, err := s.runs.GetByIdempotencyKey(ctx, sched.GraphID, idempKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("check idempotency: %w", err)
	}

	var runCreated bool
	var runID uuid.UUID

	if existingRun != nil {
		// Run уже существует — просто обновляем next_due_at
		s.logger.Debug("run already exists (idempotency)",
			"schedule_id", sched.ID,
			"run_id", existingRun.ID,
			"idempotency_key", idempKey,
		)
		runID = existingRun.ID
		runCreated = false
	} else {
		// 5. Создаём новый run с привязкой backends из schedule
		run := &domain.Run{
			ID:             uuid.New(),
			GraphID:        sched.GraphID,
			Version:        version.Version,
			Status:         domain.RunStatusPending,
			Config:         sched.RunConfig,
			IdempotencyKey: idempKey,
			CreatedAt:      now,
		}

		if err := s.runs.Create(ctx, run); err != nil {
			return false, fmt.Errorf("create run: %w", err)
		}

		s.logger.Info("created run from schedule",
			"run_id", run.ID,
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"graph_id", sched.GraphID,
			"version", version.Version,
		)

		runID = run.ID
		runCreated = true
	}

	// 6. Вычисляем следующее время выполнения
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due, leaving schedule as is",
			"schedule_id", sched.ID,
			"error", err,
		)
		// Schedule некорректный — лучше не трогать next_due_at
		return runCreated, nil
	}

	// 7. Обновляем schedule
	sched.RecordRun(runID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return runCreated, fmt.Errorf("update schedule: %w", err)
	}

	// 8. Публикуем событие в RabbitMQ (если publisher настроен и run создан)
	if s.publisher != nil && runCreated {
		if err := s.publisher.PublishRunSubmitted(ctx, runID); err != nil {
			// Не фатальная ошибка — run уже создан в БД,
			// executor может забрать его через polling
			s.logger.Warn("failed to publish run.submitted",
				"run_id", runID,
				"error", err,
			)
		}
	}

	return runCreated, nil
}

// resolveVersion возвращает версию graph для создаваемого run:
// закреплённую в schedule, либо последнюю на момент запуска.
func (s *Scheduler) resolveVersion(ctx context.Context, sched *domain.Schedule) (*domain.GraphVersion, error) {
	if sched.Version > 0 {
		return s.graphs.GetVersion(ctx, sched.GraphID, sched.Version)
	}
	return s.graphs.GetLatestVersion(ctx, sched.GraphID)
}

// advance сдвигает next_due_at без создания run. LastRunAt и LastRunID
// не трогаются: occurrence пропущен, запуска не было.
func (s *Scheduler) advance(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		return fmt.Errorf("calculate next due: %w", err)
	}

	sched.NextDueAt = &nextDue
	sched.UpdatedAt = time.Now()
	if err := s.schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}
