package api

import (
	"log/slog"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	graphRepo    *repo.GraphRepo
	runRepo      *repo.RunRepo
	stepRepo     *repo.StepRepo
	eventRepo    *repo.EventRepo
	scheduleRepo *repo.ScheduleRepo
	publisher    *mq.Publisher
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	GraphRepo    *repo.GraphRepo
	RunRepo      *repo.RunRepo
	StepRepo     *repo.StepRepo
	EventRepo    *repo.EventRepo
	ScheduleRepo *repo.ScheduleRepo

	// Publisher — nil допустим: submission и cancel деградируют
	// до polling-подхвата executor'ом.
	Publisher *mq.Publisher

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		graphRepo:    cfg.GraphRepo,
		runRepo:      cfg.RunRepo,
		stepRepo:     cfg.StepRepo,
		eventRepo:    cfg.EventRepo,
		scheduleRepo: cfg.ScheduleRepo,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
	}
}
