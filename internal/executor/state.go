package executor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/graph"
)

// RunState — состояние выполнения одного run в памяти.
//
// RunState создаётся, когда Driver начинает выполнение run, и живёт до
// его терминального статуса. Durable-слой (step_records) — проекция
// этого состояния: каждый переход сначала применяется здесь под
// мьютексом, затем сохраняется вызывающим. После рестарта executor'а
// состояние восстанавливается из records через RestoreFromRecords.
//
// Методы-переходы возвращают копию изменённого record: вызывающий
// сохраняет её и публикует событие, не держа мьютекс.
type RunState struct {
	// Run — данные run из БД.
	Run *domain.Run

	// Spec — спецификация выполняемой версии graph.
	Spec *domain.GraphSpec

	// Graph — валидированный DAG шагов. Заполняется в Initialize.
	Graph *graph.Graph

	// records — записи шагов (имя шага → record).
	records map[string]*domain.StepRecord

	// cancelRequested — выставлен, если run отменён извне.
	cancelRequested bool

	// mu — мьютекс для потокобезопасного доступа.
	mu sync.RWMutex
}

// NewRunState создаёт RunState для run со спецификацией spec.
func NewRunState(run *domain.Run, spec *domain.GraphSpec) *RunState {
	return &RunState{
		Run:     run,
		Spec:    spec,
		records: make(map[string]*domain.StepRecord),
	}
}

// Initialize строит DAG и создаёт PENDING record для каждого шага.
//
// Ошибка валидации означает, что run не может быть выполнен: ни один
// шаг не стартует, состояние остаётся пустым.
func (s *RunState) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := graph.Build(s.Spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGraphSpec, err)
	}
	s.Graph = g

	for name, node := range g.Nodes {
		s.records[name] = domain.NewStepRecord(s.Run.ID, *node.Step)
	}

	return nil
}

// Record возвращает копию record шага.
func (s *RunState) Record(step string) (domain.StepRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[step]
	if !exists {
		return domain.StepRecord{}, false
	}
	return *rec, true
}

// Records возвращает копии всех records, отсортированные по имени шага.
func (s *RunState) Records() []domain.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StepRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out
}

// RefreshReady переводит в READY шаги, у которых все upstream-шаги
// SUCCEEDED. Возвращает копии изменённых records, отсортированные
// по имени шага.
func (s *RunState) RefreshReady() []domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []domain.StepRecord
	for name, rec := range s.records {
		if rec.Status != domain.StepStatusPending {
			continue
		}
		if !s.upstreamSucceeded(name) {
			continue
		}
		rec.MarkReady()
		ready = append(ready, *rec)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].StepName < ready[j].StepName })
	return ready
}

// upstreamSucceeded проверяет, что все прямые upstream-шаги SUCCEEDED.
// Вызывается под мьютексом.
func (s *RunState) upstreamSucceeded(step string) bool {
	for _, up := range s.Graph.UpstreamOf(step) {
		rec, exists := s.records[up]
		if !exists || rec.Status != domain.StepStatusSucceeded {
			return false
		}
	}
	return true
}

// ReadySteps возвращает имена шагов в статусе READY, отсортированные
// по имени.
func (s *RunState) ReadySteps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []string
	for name, rec := range s.records {
		if rec.Status == domain.StepStatusReady {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkRunning переводит READY-шаг в RUNNING (попытка +1).
//
// Возвращает false, если шаг уже не READY: отмена run могла пометить
// его SKIPPED, пока goroutine шага ждала слот или backoff. Переход
// атомарен с пропуском, терминальный статус не перезаписывается.
func (s *RunState) MarkRunning(step string) (domain.StepRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[step]
	if rec.Status != domain.StepStatusReady {
		return *rec, false
	}
	rec.MarkRunning()
	return *rec, true
}

// MarkSucceeded переводит шаг в SUCCEEDED.
//
// Инвариант вызова: все значения из outputKeys уже сохранены в IO
// manager'е — downstream-шаги начинают читать их сразу после перехода.
func (s *RunState) MarkSucceeded(step string, outputKeys map[string]string) domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[step]
	rec.MarkSucceeded(outputKeys)
	return *rec
}

// MarkFailed переводит шаг в терминальный FAILED.
func (s *RunState) MarkFailed(step, errMsg string) domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[step]
	rec.MarkFailed(errMsg)
	return *rec
}

// ResetForRetry возвращает шаг из неудачной попытки в READY,
// сохраняя счётчик попыток.
func (s *RunState) ResetForRetry(step string) domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[step]
	rec.ResetForRetry()
	return *rec
}

// CanRetry проверяет, остались ли у шага попытки в рамках политики.
func (s *RunState) CanRetry(step string, policy *domain.RetryPolicy) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[step]
	if !exists {
		return false
	}
	return rec.CanRetry(policy)
}

// SkipDownstream помечает SKIPPED все шаги, транзитивно зависящие от
// step и ещё не достигшие терминального статуса. Такие шаги всегда
// PENDING: зависимый шаг не мог стать READY, пока step не SUCCEEDED.
// Возвращает копии изменённых records, отсортированные по имени.
func (s *RunState) SkipDownstream(step, reason string) []domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []domain.StepRecord
	for name := range s.Graph.TransitiveDownstream(step) {
		rec := s.records[name]
		if rec.Status != domain.StepStatusPending {
			continue
		}
		rec.MarkSkipped(reason)
		skipped = append(skipped, *rec)
	}

	sort.Slice(skipped, func(i, j int) bool { return skipped[i].StepName < skipped[j].StepName })
	return skipped
}

// SkipRemaining помечает SKIPPED все нетерминальные шаги, кроме
// RUNNING: их launches ещё выполняются, результаты будут отброшены
// вызывающим, а записи закроет SkipRunning после drain.
func (s *RunState) SkipRemaining(reason string) []domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []domain.StepRecord
	for _, rec := range s.records {
		switch rec.Status {
		case domain.StepStatusPending, domain.StepStatusReady:
			rec.MarkSkipped(reason)
			skipped = append(skipped, *rec)
		}
	}

	sort.Slice(skipped, func(i, j int) bool { return skipped[i].StepName < skipped[j].StepName })
	return skipped
}

// SkipRunning помечает SKIPPED шаги, оставшиеся RUNNING после отмены.
// Вызывается, когда все goroutines шагов завершились и их результаты
// отброшены.
func (s *RunState) SkipRunning(reason string) []domain.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []domain.StepRecord
	for _, rec := range s.records {
		if rec.Status != domain.StepStatusRunning {
			continue
		}
		rec.MarkSkipped(reason)
		skipped = append(skipped, *rec)
	}

	sort.Slice(skipped, func(i, j int) bool { return skipped[i].StepName < skipped[j].StepName })
	return skipped
}

// RequestCancel помечает run отменённым. Влияет только на выбор
// терминального статуса: механика пропуска шагов у отмены и abort общая.
func (s *RunState) RequestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRequested = true
}

// CancelRequested возвращает true, если run был отменён извне.
func (s *RunState) CancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequested
}

// IsComplete возвращает true, когда ни один шаг не находится в
// PENDING, READY или RUNNING.
func (s *RunState) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if !rec.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AllSucceeded возвращает true, когда каждый шаг SUCCEEDED.
func (s *RunState) AllSucceeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.Status != domain.StepStatusSucceeded {
			return false
		}
	}
	return true
}

// FailureSummary возвращает сводку по всем неуспешным шагам (FAILED и
// SKIPPED), отсортированную по имени шага. Пустая строка, если таких нет.
func (s *RunState) FailureSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parts []string
	for name, rec := range s.records {
		switch rec.Status {
		case domain.StepStatusFailed:
			parts = append(parts, fmt.Sprintf("step %s failed: %s", name, rec.Error))
		case domain.StepStatusSkipped:
			parts = append(parts, fmt.Sprintf("step %s skipped: %s", name, rec.Error))
		}
	}

	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// RestoreFromRecords накатывает durable records на состояние после
// рестарта executor'а.
//
// Терминальные статусы переносятся как есть. RUNNING сбрасывается в
// READY: launch будет повторён (at-least-once), счётчик попыток
// сохраняется. Records неизвестных шагов игнорируются — версия graph
// неизменяема, так что их быть не должно.
func (s *RunState) RestoreFromRecords(records []domain.StepRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		rec := records[i]
		if _, known := s.records[rec.StepName]; !known {
			continue
		}

		if rec.Status == domain.StepStatusRunning {
			rec.ResetForRetry()
		}
		s.records[rec.StepName] = &rec
	}
}

// Stats возвращает счётчики шагов по статусам.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{Total: len(s.records)}
	for _, rec := range s.records {
		switch rec.Status {
		case domain.StepStatusPending:
			stats.Pending++
		case domain.StepStatusReady:
			stats.Ready++
		case domain.StepStatusRunning:
			stats.Running++
		case domain.StepStatusSucceeded:
			stats.Succeeded++
		case domain.StepStatusFailed:
			stats.Failed++
		case domain.StepStatusSkipped:
			stats.Skipped++
		}
	}
	return stats
}

// RunStats — счётчики шагов run по статусам.
type RunStats struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}
