package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shaiso/Conveyor/internal/domain"
)

var (
	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_runs_active",
		Help: "Runs currently holding an execution slot",
	})
	runsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_runs_queued",
		Help: "Runs waiting in the coordinator queue",
	})
	runsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_runs_admitted_total",
		Help: "Total runs admitted (accepted or dequeued)",
	})
	runsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_runs_rejected_total",
		Help: "Total runs rejected because the queue was full",
	})
)

// Ошибки coordinator'а.
var (
	// ErrAlreadyAdmitted — run уже держит слот или стоит в очереди.
	ErrAlreadyAdmitted = errors.New("run already admitted")
)

// Config — конфигурация coordinator'а.
type Config struct {
	// MaxConcurrentRuns — сколько runs могут исполняться одновременно.
	// По умолчанию 4.
	MaxConcurrentRuns int

	// MaxQueuedRuns — ёмкость FIFO-очереди ожидания.
	// По умолчанию 64. Заявки сверх ёмкости отклоняются.
	MaxQueuedRuns int

	// MaxStepsPerRun — лимит параллельных шагов внутри одного run.
	// По умолчанию 8.
	MaxStepsPerRun int
}

// Coordinator выдаёт слоты исполнения runs.
//
// Каждая заявка получает явное решение: ACCEPTED (слот свободен),
// QUEUED (очередь) или REJECTED (очередь переполнена). Очередь
// FIFO: слоты освободившихся runs достаются ожидающим в порядке
// поступления. Решения наблюдаемы через метрики и Snapshot.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	queue  []*waiter

	rejected uint64
}

// waiter — заявка, ожидающая слот.
type waiter struct {
	runID   uuid.UUID
	release chan struct{}
}

// New создаёт Coordinator.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.MaxQueuedRuns <= 0 {
		cfg.MaxQueuedRuns = 64
	}
	if cfg.MaxStepsPerRun <= 0 {
		cfg.MaxStepsPerRun = 8
	}

	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		active: make(map[uuid.UUID]struct{}),
	}
}

// Admit подаёт заявку на слот исполнения.
//
// Возвращённый канал закрывается, когда run может стартовать:
// для ACCEPTED он закрыт сразу, для QUEUED — когда подойдёт
// очередь. Для REJECTED канал nil. Вызывающий, переставший ждать
// очереди, обязан позвать Abandon.
func (c *Coordinator) Admit(runID uuid.UUID) (domain.Admission, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[runID]; ok {
		return "", nil, fmt.Errorf("%w: %s", ErrAlreadyAdmitted, runID)
	}
	for _, w := range c.queue {
		if w.runID == runID {
			return "", nil, fmt.Errorf("%w: %s", ErrAlreadyAdmitted, runID)
		}
	}

	// Свободный слот — стартуем немедленно
	if len(c.active) < c.cfg.MaxConcurrentRuns {
		c.active[runID] = struct{}{}
		runsActive.Set(float64(len(c.active)))
		runsAdmittedTotal.Inc()

		release := make(chan struct{})
		close(release)

		c.logger.Info("run admitted", "run_id", runID, "active", len(c.active))
		return domain.AdmissionAccepted, release, nil
	}

	// Очередь переполнена — явный отказ
	if len(c.queue) >= c.cfg.MaxQueuedRuns {
		c.rejected++
		runsRejectedTotal.Inc()

		c.logger.Warn("run rejected, queue full",
			"run_id", runID,
			"queued", len(c.queue),
			"max_queued", c.cfg.MaxQueuedRuns,
		)
		return domain.AdmissionRejected, nil, nil
	}

	w := &waiter{runID: runID, release: make(chan struct{})}
	c.queue = append(c.queue, w)
	runsQueued.Set(float64(len(c.queue)))

	c.logger.Info("run queued", "run_id", runID, "position", len(c.queue))
	return domain.AdmissionQueued, w.release, nil
}

// Release возвращает слот run'а и продвигает очередь.
func (c *Coordinator) Release(runID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[runID]; !ok {
		return
	}
	delete(c.active, runID)

	// FIFO: слот достаётся первому ожидающему
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		runsQueued.Set(float64(len(c.queue)))

		c.active[next.runID] = struct{}{}
		runsAdmittedTotal.Inc()
		close(next.release)

		c.logger.Info("run dequeued", "run_id", next.runID, "still_queued", len(c.queue))
	}

	runsActive.Set(float64(len(c.active)))
}

// Abandon снимает заявку из очереди (например, run отменили до старта).
// Возвращает true, если заявка была в очереди.
func (c *Coordinator) Abandon(runID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.queue {
		if w.runID == runID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			runsQueued.Set(float64(len(c.queue)))
			c.logger.Info("run abandoned queue", "run_id", runID)
			return true
		}
	}
	return false
}

// StepSlots возвращает лимит параллельных шагов внутри run.
func (c *Coordinator) StepSlots() int {
	return c.cfg.MaxStepsPerRun
}

// Stats — наблюдаемое состояние coordinator'а.
type Stats struct {
	Active   int    `json:"active"`
	Queued   int    `json:"queued"`
	Rejected uint64 `json:"rejected"`
}

// Snapshot возвращает текущее состояние.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Active:   len(c.active),
		Queued:   len(c.queue),
		Rejected: c.rejected,
	}
}
