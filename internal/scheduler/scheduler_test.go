package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// --- In-memory fakes ---

type memSchedules struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.Schedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{items: make(map[uuid.UUID]domain.Schedule)}
}

func (m *memSchedules) add(s domain.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ID] = s
}

func (m *memSchedules) get(id uuid.UUID) domain.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

func (m *memSchedules) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []domain.Schedule
	for _, s := range m.items {
		if s.IsDue(now) && len(due) < limit {
			due = append(due, s)
		}
	}
	return due, nil
}

func (m *memSchedules) Update(_ context.Context, schedule *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[schedule.ID]; !ok {
		return repo.ErrNotFound
	}
	m.items[schedule.ID] = *schedule
	return nil
}

type memRuns struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]domain.Run
	failFor uuid.UUID // Create возвращает ошибку для runs этого graph
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[uuid.UUID]domain.Run)}
}

func (m *memRuns) Create(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failFor != uuid.Nil && run.GraphID == m.failFor {
		return errors.New("insert run: connection refused")
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) GetByIdempotencyKey(_ context.Context, graphID uuid.UUID, key string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.runs {
		if run.GraphID == graphID && run.IdempotencyKey == key {
			r := run
			return &r, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memRuns) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memRuns) single(t *testing.T) domain.Run {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runs) != 1 {
		t.Fatalf("expected exactly 1 run, got %d", len(m.runs))
	}
	for _, run := range m.runs {
		return run
	}
	return domain.Run{}
}

type memGraphs struct {
	graphs   map[uuid.UUID]domain.Graph
	versions map[uuid.UUID][]domain.GraphVersion
}

func newMemGraphs() *memGraphs {
	return &memGraphs{
		graphs:   make(map[uuid.UUID]domain.Graph),
		versions: make(map[uuid.UUID][]domain.GraphVersion),
	}
}

func (m *memGraphs) register(graphID uuid.UUID, versions ...int) {
	m.graphs[graphID] = domain.Graph{
		ID:        graphID,
		Name:      "test",
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	for _, v := range versions {
		m.versions[graphID] = append(m.versions[graphID], domain.GraphVersion{
			GraphID:   graphID,
			Version:   v,
			Spec:      domain.GraphSpec{Name: "test", Steps: []domain.StepDef{{Name: "a", Handler: "delay"}}},
			CreatedAt: time.Now(),
		})
	}
}

func (m *memGraphs) deactivate(graphID uuid.UUID) {
	g := m.graphs[graphID]
	g.IsActive = false
	m.graphs[graphID] = g
}

func (m *memGraphs) GetByID(_ context.Context, id uuid.UUID) (*domain.Graph, error) {
	g, ok := m.graphs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &g, nil
}

func (m *memGraphs) GetVersion(_ context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error) {
	for _, gv := range m.versions[graphID] {
		if gv.Version == version {
			v := gv
			return &v, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memGraphs) GetLatestVersion(_ context.Context, graphID uuid.UUID) (*domain.GraphVersion, error) {
	list := m.versions[graphID]
	if len(list) == 0 {
		return nil, repo.ErrNotFound
	}

	latest := list[0]
	for _, gv := range list[1:] {
		if gv.Version > latest.Version {
			latest = gv
		}
	}
	v := latest
	return &v, nil
}

// --- Helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type schedEnv struct {
	schedules *memSchedules
	runs      *memRuns
	graphs    *memGraphs
	sched     *Scheduler
}

func newSchedEnv() *schedEnv {
	env := &schedEnv{
		schedules: newMemSchedules(),
		runs:      newMemRuns(),
		graphs:    newMemGraphs(),
	}
	env.sched = New(Config{
		Schedules: env.schedules,
		Runs:      env.runs,
		Graphs:    env.graphs,
		Logger:    quietLogger(),
	})
	return env
}

// dueSchedule создаёт schedule с истекшим next_due_at.
func dueSchedule(graphID uuid.UUID) domain.Schedule {
	due := time.Now().Add(-time.Minute)
	return domain.Schedule{
		ID:          uuid.New(),
		GraphID:     graphID,
		Name:        "nightly",
		IntervalSec: 300,
		Timezone:    "UTC",
		Enabled:     true,
		NextDueAt:   &due,
		RunConfig: domain.RunConfig{
			IOManager: "memory",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// --- Tests ---

func TestTick_CreatesRunForDueSchedule(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID, 1, 2)

	sched := dueSchedule(graphID)
	prevDue := *sched.NextDueAt
	env.schedules.add(sched)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	run := env.runs.single(t)
	if run.GraphID != graphID {
		t.Errorf("unexpected graph_id: %s", run.GraphID)
	}
	// Без закреплённой версии используется последняя
	if run.Version != 2 {
		t.Errorf("expected latest version 2, got %d", run.Version)
	}
	if run.Status != domain.RunStatusPending {
		t.Errorf("expected PENDING, got %s", run.Status)
	}
	if run.Config.IOManager != "memory" {
		t.Errorf("run config not copied from schedule: %+v", run.Config)
	}

	wantKey := idempKey(sched.ID, prevDue)
	if run.IdempotencyKey != wantKey {
		t.Errorf("expected idempotency key %q, got %q", wantKey, run.IdempotencyKey)
	}

	// Schedule обновлён: next_due_at сдвинут, last_run заполнен
	updated := env.schedules.get(sched.ID)
	if updated.NextDueAt == nil || !updated.NextDueAt.After(prevDue) {
		t.Errorf("next_due_at was not advanced: %v", updated.NextDueAt)
	}
	if updated.LastRunID == nil || *updated.LastRunID != run.ID {
		t.Errorf("last_run_id not recorded: %v", updated.LastRunID)
	}
	if updated.LastRunAt == nil {
		t.Error("last_run_at not recorded")
	}
}

func TestTick_PinnedVersion(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID, 1, 2, 3)

	sched := dueSchedule(graphID)
	sched.Version = 1
	env.schedules.add(sched)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	run := env.runs.single(t)
	if run.Version != 1 {
		t.Errorf("expected pinned version 1, got %d", run.Version)
	}
}

func TestTick_Idempotent(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID, 1)

	sched := dueSchedule(graphID)
	env.schedules.add(sched)

	// Run для этого (schedule, next_due_at) уже существует
	existing := domain.Run{
		ID:             uuid.New(),
		GraphID:        graphID,
		Version:        1,
		Status:         domain.RunStatusRunning,
		IdempotencyKey: idempKey(sched.ID, *sched.NextDueAt),
		CreatedAt:      time.Now(),
	}
	env.runs.runs[existing.ID] = existing

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	// Дубликат не создан
	if got := env.runs.count(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}

	// next_due_at всё равно сдвинут, last_run_id указывает на существующий run
	updated := env.schedules.get(sched.ID)
	if updated.NextDueAt == nil || !updated.NextDueAt.After(time.Now()) {
		t.Errorf("next_due_at was not advanced: %v", updated.NextDueAt)
	}
	if updated.LastRunID == nil || *updated.LastRunID != existing.ID {
		t.Errorf("last_run_id should point to existing run: %v", updated.LastRunID)
	}
}

func TestTick_SkipsScheduleWithoutGraph(t *testing.T) {
	env := newSchedEnv()

	sched := dueSchedule(uuid.New()) // graph не зарегистрирован
	prevDue := *sched.NextDueAt
	env.schedules.add(sched)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if got := env.runs.count(); got != 0 {
		t.Errorf("expected no runs, got %d", got)
	}

	// Schedule не трогаем: появится graph — запуск произойдёт
	updated := env.schedules.get(sched.ID)
	if updated.NextDueAt == nil || !updated.NextDueAt.Equal(prevDue) {
		t.Errorf("next_due_at should be unchanged: %v", updated.NextDueAt)
	}
}

func TestTick_InactiveGraphSkipsOccurrence(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID, 1)
	env.graphs.deactivate(graphID)

	sched := dueSchedule(graphID)
	prevDue := *sched.NextDueAt
	env.schedules.add(sched)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if got := env.runs.count(); got != 0 {
		t.Errorf("expected no runs for inactive graph, got %d", got)
	}

	// next_due_at сдвинут: после реактивации schedule продолжит
	// с ближайшего occurrence, а не с накопившихся пропущенных
	updated := env.schedules.get(sched.ID)
	if updated.NextDueAt == nil || !updated.NextDueAt.After(prevDue) {
		t.Errorf("next_due_at should be advanced: %v", updated.NextDueAt)
	}
	if updated.LastRunID != nil || updated.LastRunAt != nil {
		t.Errorf("skipped occurrence must not record a run: id=%v at=%v",
			updated.LastRunID, updated.LastRunAt)
	}
}

func TestTick_SkipsScheduleWithoutVersions(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID) // graph есть, версий нет

	sched := dueSchedule(graphID)
	prevDue := *sched.NextDueAt
	env.schedules.add(sched)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if got := env.runs.count(); got != 0 {
		t.Errorf("expected no runs, got %d", got)
	}

	// Schedule не трогаем: появится версия — запуск произойдёт
	updated := env.schedules.get(sched.ID)
	if updated.NextDueAt == nil || !updated.NextDueAt.Equal(prevDue) {
		t.Errorf("next_due_at should be unchanged: %v", updated.NextDueAt)
	}
}

func TestTick_IgnoresNotDueAndDisabled(t *testing.T) {
	env := newSchedEnv()

	graphID := uuid.New()
	env.graphs.register(graphID, 1)

	// Ещё не пора
	future := time.Now().Add(time.Hour)
	notDue := dueSchedule(graphID)
	notDue.NextDueAt = &future
	env.schedules.add(notDue)

	// Выключен
	disabled := dueSchedule(graphID)
	disabled.Enabled = false
	env.schedules.add(disabled)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if got := env.runs.count(); got != 0 {
		t.Errorf("expected no runs, got %d", got)
	}
}

func TestTick_ErrorDoesNotBlockOthers(t *testing.T) {
	env := newSchedEnv()

	badGraph := uuid.New()
	goodGraph := uuid.New()
	env.graphs.register(badGraph, 1)
	env.graphs.register(goodGraph, 1)
	env.runs.failFor = badGraph

	env.schedules.add(dueSchedule(badGraph))
	good := dueSchedule(goodGraph)
	env.schedules.add(good)

	if err := env.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	// Run для исправного schedule создан, несмотря на ошибку соседа
	run := env.runs.single(t)
	if run.GraphID != goodGraph {
		t.Errorf("expected run for good graph, got %s", run.GraphID)
	}

	updated := env.schedules.get(good.ID)
	if updated.LastRunID == nil {
		t.Error("good schedule should record its run")
	}
}

// idempKey формирует ключ идемпотентности так же, как processSchedule.
func idempKey(scheduleID uuid.UUID, due time.Time) string {
	return fmt.Sprintf("%s_%d", scheduleID, due.Unix())
}
