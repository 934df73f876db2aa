package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handler"
	"github.com/shaiso/Conveyor/internal/launch"
	"github.com/shaiso/Conveyor/internal/resource"
	"github.com/shaiso/Conveyor/internal/storage"
)

// --- In-memory fakes for the durable layer ---

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.Run
}

func newMemRuns(runs ...*domain.Run) *memRuns {
	m := &memRuns{runs: make(map[uuid.UUID]domain.Run)}
	for _, run := range runs {
		m.runs[run.ID] = *run
	}
	return m
}

func (m *memRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, errors.New("no rows in result set")
	}
	return &run, nil
}

func (m *memRuns) Update(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) ListPending(_ context.Context, limit int) ([]domain.Run, error) {
	return m.listByStatus(limit, domain.RunStatusPending), nil
}

func (m *memRuns) ListInterrupted(_ context.Context, limit int) ([]domain.Run, error) {
	return m.listByStatus(limit, domain.RunStatusQueued, domain.RunStatusRunning), nil
}

func (m *memRuns) listByStatus(limit int, statuses ...domain.RunStatus) []domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Run
	for _, run := range m.runs {
		for _, status := range statuses {
			if run.Status == status {
				out = append(out, run)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *memRuns) add(run *domain.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
}

func (m *memRuns) status(id uuid.UUID) domain.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Status
}

func (m *memRuns) get(id uuid.UUID) domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type memSteps struct {
	mu   sync.Mutex
	recs map[uuid.UUID]map[string]domain.StepRecord
}

func newMemSteps() *memSteps {
	return &memSteps{recs: make(map[uuid.UUID]map[string]domain.StepRecord)}
}

func (m *memSteps) Upsert(_ context.Context, rec *domain.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byRun, ok := m.recs[rec.RunID]
	if !ok {
		byRun = make(map[string]domain.StepRecord)
		m.recs[rec.RunID] = byRun
	}
	byRun[rec.StepName] = *rec
	return nil
}

func (m *memSteps) ListByRun(_ context.Context, runID uuid.UUID) ([]domain.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.StepRecord
	for _, rec := range m.recs[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (m *memSteps) record(runID uuid.UUID, step string) (domain.StepRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[runID][step]
	return rec, ok
}

// memEvents assigns per-run sequence numbers the way the repo does.
type memEvents struct {
	mu     sync.Mutex
	seqs   map[uuid.UUID]int64
	events []domain.Event
}

func newMemEvents() *memEvents {
	return &memEvents{seqs: make(map[uuid.UUID]int64)}
}

func (m *memEvents) Append(_ context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[event.RunID]++
	event.Seq = m.seqs[event.RunID]
	m.events = append(m.events, *event)
	return nil
}

func (m *memEvents) all() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *memEvents) ofType(typ domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- Test handlers and spec builders ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okHandler succeeds and produces its step name as the "out" value.
func okHandler() handler.Func {
	return handler.Func{Name: "ok", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		return map[string]any{"out": hc.StepName}, nil
	}}
}

// boomHandler always fails.
func boomHandler() handler.Func {
	return handler.Func{Name: "boom", Fn: func(_ context.Context, _ *handler.Context) (map[string]any, error) {
		return nil, errors.New("boom")
	}}
}

// gateHandler blocks until the gate closes or the attempt is cancelled.
// Signals through started (non-blocking) when the attempt begins.
func gateHandler(gate <-chan struct{}, started chan<- struct{}) handler.Func {
	return handler.Func{Name: "gate", Fn: func(ctx context.Context, hc *handler.Context) (map[string]any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return map[string]any{"out": hc.StepName}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

// recorder counts handler invocations per step.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int)}
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// handler wraps okHandler with invocation recording.
func (r *recorder) handler(key string) handler.Func {
	return handler.Func{Name: key, Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		r.add(hc.StepName)
		return map[string]any{"out": hc.StepName}, nil
	}}
}

// step builds a StepDef with one "out" output; each dep becomes an input
// bound to the dep's "out".
func step(name, handlerKey string, deps ...string) domain.StepDef {
	def := domain.StepDef{
		Name:    name,
		Handler: handlerKey,
		Outputs: []domain.OutputDef{{Name: "out"}},
	}
	for _, dep := range deps {
		def.Inputs = append(def.Inputs, domain.InputDef{Name: dep, From: dep + ".out"})
	}
	return def
}

// singleSpec builds a one-step graph.
func singleSpec(name string) *domain.GraphSpec {
	return &domain.GraphSpec{Steps: []domain.StepDef{step(name, "ok")}}
}

// chainSpec builds a linear graph where each step depends on the previous.
func chainSpec(names ...string) *domain.GraphSpec {
	spec := &domain.GraphSpec{}
	for i, name := range names {
		if i == 0 {
			spec.Steps = append(spec.Steps, step(name, "ok"))
		} else {
			spec.Steps = append(spec.Steps, step(name, "ok", names[i-1]))
		}
	}
	return spec
}

// driverEnv wires a Driver with in-memory backends.
type driverEnv struct {
	run    *domain.Run
	runs   *memRuns
	steps  *memSteps
	events *memEvents
	store  storage.Manager
	cancel chan struct{}
}

func newDriverEnv() *driverEnv {
	run := &domain.Run{
		ID:      uuid.New(),
		GraphID: uuid.New(),
		Version: 1,
		Status:  domain.RunStatusPending,
	}
	return &driverEnv{
		run:    run,
		runs:   newMemRuns(run),
		steps:  newMemSteps(),
		events: newMemEvents(),
		store:  storage.NewMemory(),
		cancel: make(chan struct{}),
	}
}

func (env *driverEnv) driver(spec *domain.GraphSpec, handlers *handler.Registry) *Driver {
	return env.driverWith(spec, handlers, DriverConfig{})
}

// driverWith overrides selected DriverConfig fields on top of the
// environment defaults.
func (env *driverEnv) driverWith(spec *domain.GraphSpec, handlers *handler.Registry, over DriverConfig) *Driver {
	cfg := DriverConfig{
		Run:       env.run,
		Spec:      spec,
		Store:     env.store,
		Launcher:  launch.NewInProcess(handlers),
		Resources: over.Resources,
		Runs:      env.runs,
		Steps:     env.steps,
		Events:    env.events,
		Slots:     4,
		Prior:     over.Prior,
		Cancel:    env.cancel,
		Logger:    quietLogger(),
	}
	if over.Slots > 0 {
		cfg.Slots = over.Slots
	}
	if over.Store != nil {
		cfg.Store = over.Store
	}
	return NewDriver(cfg)
}

func registryWith(handlers ...handler.Handler) *handler.Registry {
	reg := handler.NewRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	return reg
}

// --- Driver Tests ---

func TestDriver_LinearRun(t *testing.T) {
	env := newDriverEnv()
	d := env.driver(chainSpec("a", "b", "c"), registryWith(okHandler()))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", run.Status, run.Error)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Error("run timestamps should be set")
	}

	for _, name := range []string{"a", "b", "c"} {
		rec, ok := env.steps.record(env.run.ID, name)
		if !ok {
			t.Fatalf("record for %s should be persisted", name)
		}
		if rec.Status != domain.StepStatusSucceeded {
			t.Errorf("step %s should be SUCCEEDED, got %s", name, rec.Status)
		}
		if rec.Attempt != 1 {
			t.Errorf("step %s should succeed on attempt 1, got %d", name, rec.Attempt)
		}
	}

	// Output keys point into the IO manager namespace of this run
	rec, _ := env.steps.record(env.run.ID, "a")
	wantKey := string(storage.NewKey(env.run.ID, "a", "out"))
	if rec.OutputKeys["out"] != wantKey {
		t.Errorf("expected output key %s, got %s", wantKey, rec.OutputKeys["out"])
	}
}

func TestDriver_DiamondMergesBranchOutputs(t *testing.T) {
	var mu sync.Mutex
	var merged map[string]any

	join := handler.Func{Name: "join", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		mu.Lock()
		merged = hc.Inputs
		mu.Unlock()
		return map[string]any{"out": "merged"}, nil
	}}

	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("download", "ok"),
		step("branch1", "ok", "download"),
		step("branch2", "ok", "download"),
		step("merge", "join", "branch1", "branch2"),
	}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(okHandler(), join))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got)
	}

	// The merge step observes the stored outputs of both branches
	mu.Lock()
	defer mu.Unlock()
	if merged["branch1"] != "branch1" || merged["branch2"] != "branch2" {
		t.Errorf("merge should observe both branch outputs, got %v", merged)
	}
}

func TestDriver_EventOrder(t *testing.T) {
	env := newDriverEnv()
	d := env.driver(chainSpec("a", "b"), registryWith(okHandler()))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type entry struct {
		typ  domain.EventType
		step string
	}
	want := []entry{
		{domain.EventRunStarted, ""},
		{domain.EventStepReady, "a"},
		{domain.EventStepRunning, "a"},
		{domain.EventStepSucceeded, "a"},
		{domain.EventStepReady, "b"},
		{domain.EventStepRunning, "b"},
		{domain.EventStepSucceeded, "b"},
		{domain.EventRunSucceeded, ""},
	}

	events := env.events.all()
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(events), eventTypes(events))
	}
	for i, ev := range events {
		if ev.Type != want[i].typ || ev.StepName != want[i].step {
			t.Errorf("event %d: expected %s/%s, got %s/%s", i, want[i].typ, want[i].step, ev.Type, ev.StepName)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestDriver_FailureSkipsDownstream(t *testing.T) {
	rec := newRecorder()
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "boom"),
		step("b", "ok", "a"),
		step("c", "ok", "b"),
		step("d", "ok"),
	}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(rec.handler("ok"), boomHandler()))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "step a failed: boom") {
		t.Errorf("run error should mention the failed step, got %q", run.Error)
	}
	if !strings.Contains(run.Error, "step b skipped: upstream failed: a") {
		t.Errorf("run error should mention skipped steps, got %q", run.Error)
	}

	// The independent step still runs, the downstream chain never does
	if rec.count("d") != 1 {
		t.Errorf("d should run once, got %d", rec.count("d"))
	}
	if rec.count("b") != 0 || rec.count("c") != 0 {
		t.Error("handlers of skipped steps must not be invoked")
	}

	for _, tc := range []struct {
		name   string
		status domain.StepStatus
	}{
		{"a", domain.StepStatusFailed},
		{"b", domain.StepStatusSkipped},
		{"c", domain.StepStatusSkipped},
		{"d", domain.StepStatusSucceeded},
	} {
		r, _ := env.steps.record(env.run.ID, tc.name)
		if r.Status != tc.status {
			t.Errorf("step %s: expected %s, got %s", tc.name, tc.status, r.Status)
		}
	}

	if got := env.events.ofType(domain.EventStepSkipped); len(got) != 2 {
		t.Errorf("expected 2 skip events, got %d", len(got))
	}
}

func TestDriver_AbortPolicy(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{}, 1)

	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("slow", "gate"),
		step("bad", "boom"),
	}}

	env := newDriverEnv()
	env.run.Config.FailurePolicy = domain.FailurePolicyAbort
	d := env.driver(spec, registryWith(gateHandler(gate, started), boomHandler()))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "run aborted: step bad failed") {
		t.Errorf("run error should mention the abort, got %q", run.Error)
	}

	// The unrelated in-flight step is interrupted and skipped, not failed
	slow, _ := env.steps.record(env.run.ID, "slow")
	if slow.Status != domain.StepStatusSkipped {
		t.Errorf("slow should be SKIPPED after abort, got %s", slow.Status)
	}
	if slow.Error != "run aborted: step bad failed" {
		t.Errorf("unexpected skip reason: %q", slow.Error)
	}
}

func TestDriver_RetryWithinBudget(t *testing.T) {
	rec := newRecorder()
	flaky := handler.Func{Name: "flaky", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		rec.add(hc.StepName)
		if hc.Attempt < 3 {
			return nil, fmt.Errorf("transient failure on attempt %d", hc.Attempt)
		}
		return map[string]any{"out": hc.StepName}, nil
	}}

	spec := &domain.GraphSpec{Steps: []domain.StepDef{{
		Name:    "a",
		Handler: "flaky",
		Outputs: []domain.OutputDef{{Name: "out"}},
		Retry:   &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 1},
	}}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(flaky))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got)
	}
	if rec.count("a") != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.count("a"))
	}

	r, _ := env.steps.record(env.run.ID, "a")
	if r.Status != domain.StepStatusSucceeded || r.Attempt != 3 {
		t.Errorf("expected SUCCEEDED on attempt 3, got %s/%d", r.Status, r.Attempt)
	}

	retries := env.events.ofType(domain.EventStepRetrying)
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry events, got %d", len(retries))
	}
	if !strings.Contains(retries[0].Detail, "attempt 1 failed") {
		t.Errorf("retry event should carry the attempt detail, got %q", retries[0].Detail)
	}
}

func TestDriver_NoRetryWithoutPolicy(t *testing.T) {
	rec := newRecorder()
	failing := handler.Func{Name: "boom", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		rec.add(hc.StepName)
		return nil, errors.New("boom")
	}}

	env := newDriverEnv()
	d := env.driver(&domain.GraphSpec{Steps: []domain.StepDef{step("a", "boom")}}, registryWith(failing))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Without a retry policy the first failure is final
	if rec.count("a") != 1 {
		t.Errorf("expected a single attempt, got %d", rec.count("a"))
	}
	r, _ := env.steps.record(env.run.ID, "a")
	if r.Status != domain.StepStatusFailed || r.Attempt != 1 {
		t.Errorf("expected FAILED on attempt 1, got %s/%d", r.Status, r.Attempt)
	}
	if got := env.events.ofType(domain.EventStepRetrying); len(got) != 0 {
		t.Errorf("expected no retry events, got %d", len(got))
	}
}

func TestDriver_RetryBudgetExhausted(t *testing.T) {
	rec := newRecorder()
	failing := handler.Func{Name: "boom", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		rec.add(hc.StepName)
		return nil, errors.New("boom")
	}}

	spec := &domain.GraphSpec{Steps: []domain.StepDef{{
		Name:    "a",
		Handler: "boom",
		Outputs: []domain.OutputDef{{Name: "out"}},
		Retry:   &domain.RetryPolicy{MaxAttempts: 2, Backoff: "fixed", InitialDelayMs: 1},
	}}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(failing))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count("a") != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.count("a"))
	}
	r, _ := env.steps.record(env.run.ID, "a")
	if r.Status != domain.StepStatusFailed || r.Attempt != 2 {
		t.Errorf("expected FAILED on attempt 2, got %s/%d", r.Status, r.Attempt)
	}
	if got := env.events.ofType(domain.EventStepRetrying); len(got) != 1 {
		t.Errorf("expected 1 retry event, got %d", len(got))
	}
}

func TestDriver_DefaultRetryFromRunConfig(t *testing.T) {
	rec := newRecorder()
	flaky := handler.Func{Name: "flaky", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		rec.add(hc.StepName)
		if hc.Attempt < 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"out": hc.StepName}, nil
	}}

	env := newDriverEnv()
	env.run.Config.DefaultRetry = &domain.RetryPolicy{MaxAttempts: 2, Backoff: "fixed", InitialDelayMs: 1}
	d := env.driver(&domain.GraphSpec{Steps: []domain.StepDef{step("a", "flaky")}}, registryWith(flaky))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The run-level default applies to steps without their own policy
	if rec.count("a") != 2 {
		t.Errorf("expected 2 attempts, got %d", rec.count("a"))
	}
	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", got)
	}
}

func TestDriver_MissingDeclaredOutput(t *testing.T) {
	rec := newRecorder()
	empty := handler.Func{Name: "empty", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		rec.add(hc.StepName)
		return map[string]any{}, nil
	}}

	spec := &domain.GraphSpec{Steps: []domain.StepDef{{
		Name:    "a",
		Handler: "empty",
		Outputs: []domain.OutputDef{{Name: "out"}},
		Retry:   &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 1},
	}}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(empty))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A contract violation is terminal: the retry budget is not spent
	if rec.count("a") != 1 {
		t.Errorf("expected a single attempt, got %d", rec.count("a"))
	}
	r, _ := env.steps.record(env.run.ID, "a")
	if r.Status != domain.StepStatusFailed {
		t.Fatalf("expected FAILED, got %s", r.Status)
	}
	if !strings.Contains(r.Error, "did not produce declared output: out") {
		t.Errorf("unexpected failure detail: %q", r.Error)
	}
	if got := env.events.ofType(domain.EventStepRetrying); len(got) != 0 {
		t.Errorf("expected no retry events, got %d", len(got))
	}
}

// lossyStore acknowledges writes without storing them, simulating a
// storage backend losing data between steps.
type lossyStore struct{}

func (lossyStore) HandleOutput(_ context.Context, oc *storage.OutputContext, _ any) (storage.Key, error) {
	return storage.NewKey(oc.RunID, oc.StepName, oc.OutputName), nil
}

func (lossyStore) LoadInput(_ context.Context, key storage.Key) (any, error) {
	return nil, &storage.MissingOutputError{Key: key}
}

func TestDriver_MissingStoredOutputAbortsRun(t *testing.T) {
	env := newDriverEnv()
	d := env.driverWith(chainSpec("a", "b", "c"), registryWith(okHandler()), DriverConfig{Store: lossyStore{}})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}

	// a succeeded, b hit the storage hole, the rest of the run aborted
	a, _ := env.steps.record(env.run.ID, "a")
	if a.Status != domain.StepStatusSucceeded {
		t.Errorf("a should be SUCCEEDED, got %s", a.Status)
	}

	b, _ := env.steps.record(env.run.ID, "b")
	if b.Status != domain.StepStatusFailed {
		t.Errorf("b should be FAILED, got %s", b.Status)
	}
	if !strings.Contains(b.Error, "output not found in storage") {
		t.Errorf("unexpected failure detail: %q", b.Error)
	}

	c, _ := env.steps.record(env.run.ID, "c")
	if c.Status != domain.StepStatusSkipped {
		t.Errorf("c should be SKIPPED, got %s", c.Status)
	}
	if !strings.Contains(run.Error, "run aborted: step b failed") {
		t.Errorf("run error should mention the abort, got %q", run.Error)
	}
}

func TestDriver_CancelMidRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{}, 1)

	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("hold", "gate"),
		step("after", "ok", "hold"),
	}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(gateHandler(gate, started), okHandler()))

	done := make(chan error, 1)
	go func() { done <- d.Execute(context.Background()) }()

	<-started
	close(env.cancel)

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", run.Status)
	}

	// The in-flight attempt is discarded, pending work never starts
	hold, _ := env.steps.record(env.run.ID, "hold")
	if hold.Status != domain.StepStatusSkipped {
		t.Errorf("hold should be SKIPPED, got %s", hold.Status)
	}
	after, _ := env.steps.record(env.run.ID, "after")
	if after.Status != domain.StepStatusSkipped {
		t.Errorf("after should be SKIPPED, got %s", after.Status)
	}
	if after.Error != "run cancelled" {
		t.Errorf("unexpected skip reason: %q", after.Error)
	}
	if got := env.events.ofType(domain.EventRunCancelled); len(got) != 1 {
		t.Errorf("expected a run.cancelled event, got %d", len(got))
	}
}

func TestDriver_CancelBeforeStart(t *testing.T) {
	rec := newRecorder()
	env := newDriverEnv()
	close(env.cancel)

	d := env.driver(chainSpec("a", "b"), registryWith(rec.handler("ok")))
	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	if rec.count("a") != 0 {
		t.Error("no handler should run for a run cancelled before start")
	}
}

func TestDriver_ExecutorStopPreservesState(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{}, 1)

	env := newDriverEnv()
	d := env.driver(&domain.GraphSpec{Steps: []domain.StepDef{step("hold", "gate")}},
		registryWith(gateHandler(gate, started)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Execute(ctx) }()

	<-started
	cancel()

	if err := <-done; !errors.Is(err, ErrExecutorStopped) {
		t.Fatalf("expected ErrExecutorStopped, got %v", err)
	}

	// Shutdown is not cancellation: no terminal status is written and
	// the durable state still allows the run to resume after restart.
	if got := env.runs.status(env.run.ID); got != domain.RunStatusRunning {
		t.Errorf("run should stay RUNNING, got %s", got)
	}
	hold, _ := env.steps.record(env.run.ID, "hold")
	if hold.Status != domain.StepStatusRunning {
		t.Errorf("hold record should stay RUNNING, got %s", hold.Status)
	}
	for _, typ := range []domain.EventType{domain.EventRunSucceeded, domain.EventRunFailed, domain.EventRunCancelled} {
		if got := env.events.ofType(typ); len(got) != 0 {
			t.Errorf("no %s event expected on shutdown, got %d", typ, len(got))
		}
	}
}

func TestDriver_RestoreSkipsCompletedSteps(t *testing.T) {
	rec := newRecorder()
	env := newDriverEnv()
	spec := chainSpec("a", "b")

	// The previous executor process finished a and stored its output
	key, err := env.store.HandleOutput(context.Background(), &storage.OutputContext{
		RunID:      env.run.ID,
		StepName:   "a",
		OutputName: "out",
		Attempt:    1,
	}, "a")
	if err != nil {
		t.Fatalf("seed output: %v", err)
	}

	priorA := domain.NewStepRecord(env.run.ID, spec.Steps[0])
	priorA.MarkReady()
	priorA.MarkRunning()
	priorA.MarkSucceeded(map[string]string{"out": string(key)})
	priorB := domain.NewStepRecord(env.run.ID, spec.Steps[1])

	env.run.MarkRunning()
	env.runs.add(env.run)

	d := env.driverWith(spec, registryWith(rec.handler("ok")),
		DriverConfig{Prior: []domain.StepRecord{*priorA, *priorB}})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got)
	}

	// a is already done and must not run again; b proceeds normally
	if rec.count("a") != 0 {
		t.Errorf("restored step a should not be re-executed, got %d calls", rec.count("a"))
	}
	if rec.count("b") != 1 {
		t.Errorf("b should run once, got %d", rec.count("b"))
	}

	// The run was already RUNNING: no second run.started event
	if got := env.events.ofType(domain.EventRunStarted); len(got) != 0 {
		t.Errorf("expected no run.started on resume, got %d", len(got))
	}
}

func TestDriver_RestoreRetriesInterruptedStep(t *testing.T) {
	rec := newRecorder()
	env := newDriverEnv()
	spec := chainSpec("a", "b")

	// a was RUNNING when the previous process died
	priorA := domain.NewStepRecord(env.run.ID, spec.Steps[0])
	priorA.MarkReady()
	priorA.MarkRunning()
	priorB := domain.NewStepRecord(env.run.ID, spec.Steps[1])

	env.run.MarkRunning()
	env.runs.add(env.run)

	d := env.driverWith(spec, registryWith(rec.handler("ok")),
		DriverConfig{Prior: []domain.StepRecord{*priorA, *priorB}})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got)
	}

	// The interrupted attempt counts: the relaunch is attempt 2
	a, _ := env.steps.record(env.run.ID, "a")
	if a.Attempt != 2 {
		t.Errorf("expected attempt 2 after restore, got %d", a.Attempt)
	}
	if rec.count("a") != 1 {
		t.Errorf("a should be relaunched exactly once, got %d", rec.count("a"))
	}
}

func TestDriver_RestorePropagatesPriorFailure(t *testing.T) {
	rec := newRecorder()
	env := newDriverEnv()
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok"),
		step("b", "ok", "a"),
		step("c", "ok"),
	}}

	// The previous process persisted a's failure but crashed before
	// skipping its downstream steps.
	priorA := domain.NewStepRecord(env.run.ID, spec.Steps[0])
	priorA.MarkReady()
	priorA.MarkRunning()
	priorA.MarkFailed("boom")
	priorB := domain.NewStepRecord(env.run.ID, spec.Steps[1])
	priorC := domain.NewStepRecord(env.run.ID, spec.Steps[2])

	env.run.MarkRunning()
	env.runs.add(env.run)

	d := env.driverWith(spec, registryWith(rec.handler("ok")),
		DriverConfig{Prior: []domain.StepRecord{*priorA, *priorB, *priorC}})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}

	b, _ := env.steps.record(env.run.ID, "b")
	if b.Status != domain.StepStatusSkipped {
		t.Errorf("b should be SKIPPED after restore, got %s", b.Status)
	}
	if rec.count("b") != 0 {
		t.Error("skipped step must not be executed after restore")
	}
	if rec.count("c") != 1 {
		t.Errorf("independent c should still run, got %d", rec.count("c"))
	}
}

func TestDriver_InvalidSpecFailsRun(t *testing.T) {
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok", "b"),
		step("b", "ok", "a"),
	}}

	env := newDriverEnv()
	d := env.driver(spec, registryWith(okHandler()))

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "invalid graph spec") {
		t.Errorf("run error should mention validation, got %q", run.Error)
	}

	// Nothing was started, so nothing was persisted
	if recs, _ := env.steps.ListByRun(context.Background(), env.run.ID); len(recs) != 0 {
		t.Errorf("expected no step records, got %d", len(recs))
	}
	if got := env.events.ofType(domain.EventRunFailed); len(got) != 1 {
		t.Errorf("expected a run.failed event, got %d", len(got))
	}
}

func TestDriver_UnsatisfiedResourceFailsBeforeSteps(t *testing.T) {
	rec := newRecorder()
	spec := &domain.GraphSpec{Steps: []domain.StepDef{{
		Name:      "a",
		Handler:   "ok",
		Outputs:   []domain.OutputDef{{Name: "out"}},
		Resources: []string{"db"},
	}}}

	empty, err := resource.Initialize(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("build empty set: %v", err)
	}

	env := newDriverEnv()
	d := env.driverWith(spec, registryWith(rec.handler("ok")), DriverConfig{Resources: empty})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := env.runs.get(env.run.ID)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "required resource not satisfied") {
		t.Errorf("run error should mention the resource, got %q", run.Error)
	}

	a, _ := env.steps.record(env.run.ID, "a")
	if a.Status != domain.StepStatusSkipped {
		t.Errorf("a should be SKIPPED, got %s", a.Status)
	}
	if rec.count("a") != 0 {
		t.Error("no handler should run when resources are unsatisfied")
	}
}

func TestDriver_ResourceHandlesReachHandler(t *testing.T) {
	type fakeDB struct{ dsn string }
	db := &fakeDB{dsn: "postgres://test"}

	set, err := resource.Initialize(context.Background(), []resource.Definition{{
		Key:  "db",
		Init: func(_ context.Context, _ *resource.InitContext) (any, error) { return db, nil },
	}}, nil)
	if err != nil {
		t.Fatalf("initialize resources: %v", err)
	}

	var mu sync.Mutex
	var got any
	use := handler.Func{Name: "use", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
		mu.Lock()
		got = hc.Resources["db"]
		mu.Unlock()
		return map[string]any{"out": "done"}, nil
	}}

	spec := &domain.GraphSpec{Steps: []domain.StepDef{{
		Name:      "a",
		Handler:   "use",
		Outputs:   []domain.OutputDef{{Name: "out"}},
		Resources: []string{"db"},
	}}}

	env := newDriverEnv()
	d := env.driverWith(spec, registryWith(use), DriverConfig{Resources: set})

	if err := d.Execute(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.runs.status(env.run.ID); got != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if got != db {
		t.Error("handler should receive the live resource handle")
	}
}

// TestDriver_SlotBudgetEquivalence runs randomly generated DAGs with a
// serial and a wide slot budget and verifies that final statuses do not
// depend on scheduling. Handlers double-check that every input carries
// the value its upstream stored.
func TestDriver_SlotBudgetEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for g := 0; g < 10; g++ {
		spec, failing := randomSpec(r, 8)
		want := expectedStatuses(spec, failing)

		results := make(map[int64]map[string]domain.StepStatus)
		for _, slots := range []int64{1, 8} {
			var mu sync.Mutex
			var violations []string

			flaky := handler.Func{Name: "flaky", Fn: func(_ context.Context, hc *handler.Context) (map[string]any, error) {
				for name, value := range hc.Inputs {
					if value != name {
						mu.Lock()
						violations = append(violations, fmt.Sprintf("step %s input %s = %v", hc.StepName, name, value))
						mu.Unlock()
					}
				}
				if failing[hc.StepName] {
					return nil, errors.New("injected failure")
				}
				return map[string]any{"out": hc.StepName}, nil
			}}

			env := newDriverEnv()
			d := env.driverWith(spec, registryWith(flaky), DriverConfig{Slots: slots})

			if err := d.Execute(context.Background()); err != nil {
				t.Fatalf("graph %d slots %d: %v", g, slots, err)
			}
			if len(violations) != 0 {
				t.Fatalf("graph %d slots %d: steps observed stale inputs: %v", g, slots, violations)
			}

			got := make(map[string]domain.StepStatus)
			recs, _ := env.steps.ListByRun(context.Background(), env.run.ID)
			for _, rec := range recs {
				got[rec.StepName] = rec.Status
			}
			results[slots] = got

			for name, status := range want {
				if got[name] != status {
					t.Errorf("graph %d slots %d: step %s expected %s, got %s", g, slots, name, status, got[name])
				}
			}

			wantRun := domain.RunStatusSucceeded
			for _, status := range want {
				if status != domain.StepStatusSucceeded {
					wantRun = domain.RunStatusFailed
					break
				}
			}
			if got := env.runs.status(env.run.ID); got != wantRun {
				t.Errorf("graph %d slots %d: run expected %s, got %s", g, slots, wantRun, got)
			}
		}

		for name := range results[1] {
			if results[1][name] != results[8][name] {
				t.Errorf("graph %d: step %s diverged between budgets: %s vs %s",
					g, name, results[1][name], results[8][name])
			}
		}
	}
}

// randomSpec generates a DAG of n steps where each step depends on a
// random subset of the earlier ones, plus a random failure set.
func randomSpec(r *rand.Rand, n int) (*domain.GraphSpec, map[string]bool) {
	spec := &domain.GraphSpec{}
	failing := make(map[string]bool)

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("s%d", i)
		var deps []string
		for j := 0; j < i; j++ {
			if r.Float64() < 0.35 {
				deps = append(deps, fmt.Sprintf("s%d", j))
			}
		}
		spec.Steps = append(spec.Steps, step(name, "flaky", deps...))
		if r.Float64() < 0.2 {
			failing[name] = true
		}
	}
	return spec, failing
}

// expectedStatuses computes the terminal status of every step: FAILED
// for failing steps whose upstreams all succeed, SKIPPED for anything
// downstream of a failure, SUCCEEDED otherwise.
func expectedStatuses(spec *domain.GraphSpec, failing map[string]bool) map[string]domain.StepStatus {
	deps := make(map[string][]string)
	for _, s := range spec.Steps {
		for _, in := range s.Inputs {
			deps[s.Name] = append(deps[s.Name], strings.TrimSuffix(in.From, ".out"))
		}
	}

	memo := make(map[string]domain.StepStatus)
	var resolve func(name string) domain.StepStatus
	resolve = func(name string) domain.StepStatus {
		if status, ok := memo[name]; ok {
			return status
		}
		status := domain.StepStatusSucceeded
		for _, dep := range deps[name] {
			if resolve(dep) != domain.StepStatusSucceeded {
				status = domain.StepStatusSkipped
			}
		}
		if status == domain.StepStatusSucceeded && failing[name] {
			status = domain.StepStatusFailed
		}
		memo[name] = status
		return status
	}

	for _, s := range spec.Steps {
		resolve(s.Name)
	}
	return memo
}

func TestBackoffDelay(t *testing.T) {
	if got := backoffDelay(nil, 1); got != 0 {
		t.Errorf("nil policy should yield 0, got %s", got)
	}

	fixed := &domain.RetryPolicy{MaxAttempts: 5, Backoff: "fixed", InitialDelayMs: 10}
	if got := backoffDelay(fixed, 3); got != 10*time.Millisecond {
		t.Errorf("fixed backoff should stay at 10ms, got %s", got)
	}

	exp := &domain.RetryPolicy{MaxAttempts: 5, Backoff: "exponential", InitialDelayMs: 10}
	for attempt, want := range map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		3: 40 * time.Millisecond,
	} {
		if got := backoffDelay(exp, attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}

	capped := &domain.RetryPolicy{MaxAttempts: 5, Backoff: "exponential", InitialDelayMs: 10, MaxDelayMs: 25}
	if got := backoffDelay(capped, 4); got != 25*time.Millisecond {
		t.Errorf("expected the cap at 25ms, got %s", got)
	}
}

func eventTypes(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type)
	}
	return out
}
