package executor

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// --- RunState Tests ---

func TestNewRunState(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	spec := &domain.GraphSpec{}

	state := NewRunState(run, spec)

	if state.Run != run {
		t.Error("Run should be set")
	}
	if state.Spec != spec {
		t.Error("Spec should be set")
	}
	if state.records == nil {
		t.Error("records map should be initialized")
	}
}

func TestRunState_Initialize_EmptySpec(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	spec := &domain.GraphSpec{Steps: []domain.StepDef{}}

	state := NewRunState(run, spec)
	err := state.Initialize()

	// Empty spec should fail validation
	if err == nil {
		t.Error("expected error for empty spec")
	}
	if !errors.Is(err, ErrInvalidGraphSpec) {
		t.Errorf("expected ErrInvalidGraphSpec, got %v", err)
	}
}

func TestRunState_Initialize_ValidSpec(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	spec := chainSpec("extract", "load")

	state := NewRunState(run, spec)
	if err := state.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.Graph == nil {
		t.Fatal("Graph should be built")
	}
	if state.Graph.Size() != 2 {
		t.Errorf("expected 2 nodes, got %d", state.Graph.Size())
	}

	// Every step gets a PENDING record
	for _, name := range []string{"extract", "load"} {
		rec, ok := state.Record(name)
		if !ok {
			t.Fatalf("record for %s should exist", name)
		}
		if rec.Status != domain.StepStatusPending {
			t.Errorf("record %s should be PENDING, got %s", name, rec.Status)
		}
		if rec.RunID != run.ID {
			t.Errorf("record %s should carry the run ID", name)
		}
	}
}

func TestRunState_Initialize_DuplicateStep(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok"),
		step("a", "ok"),
	}}

	state := NewRunState(run, spec)
	err := state.Initialize()

	if !errors.Is(err, ErrInvalidGraphSpec) {
		t.Errorf("expected ErrInvalidGraphSpec, got %v", err)
	}
}

func TestRunState_RefreshReady(t *testing.T) {
	state := initializedState(t, chainSpec("a", "b"))

	// Only the root becomes READY initially
	ready := state.RefreshReady()
	if len(ready) != 1 || ready[0].StepName != "a" {
		t.Fatalf("expected only a to be ready, got %v", stepNames(ready))
	}
	if rec, _ := state.Record("b"); rec.Status != domain.StepStatusPending {
		t.Errorf("b should stay PENDING, got %s", rec.Status)
	}

	// A second refresh is a no-op while a has not succeeded
	if again := state.RefreshReady(); len(again) != 0 {
		t.Errorf("expected no new ready steps, got %v", stepNames(again))
	}

	// b becomes READY once a succeeds
	state.MarkRunning("a")
	state.MarkSucceeded("a", map[string]string{"out": "key"})

	ready = state.RefreshReady()
	if len(ready) != 1 || ready[0].StepName != "b" {
		t.Fatalf("expected b to become ready, got %v", stepNames(ready))
	}
}

func TestRunState_MarkRunning(t *testing.T) {
	state := initializedState(t, singleSpec("a"))
	state.RefreshReady()

	rec, ok := state.MarkRunning("a")
	if !ok {
		t.Fatal("READY step should transition to RUNNING")
	}
	if rec.Status != domain.StepStatusRunning {
		t.Errorf("expected RUNNING, got %s", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", rec.Attempt)
	}

	// Not READY anymore: a second transition must be refused
	if _, ok := state.MarkRunning("a"); ok {
		t.Error("RUNNING step should not transition to RUNNING again")
	}
}

func TestRunState_MarkRunning_SkippedStep(t *testing.T) {
	state := initializedState(t, singleSpec("a"))
	state.RefreshReady()

	// Cancellation may skip a READY step while its goroutine waits for
	// a slot; the skip must win over the late RUNNING transition.
	state.SkipRemaining("run cancelled")

	rec, ok := state.MarkRunning("a")
	if ok {
		t.Error("skipped step must not transition to RUNNING")
	}
	if rec.Status != domain.StepStatusSkipped {
		t.Errorf("expected SKIPPED, got %s", rec.Status)
	}
}

func TestRunState_SkipDownstream(t *testing.T) {
	// a -> b -> d, a -> c
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok"),
		step("b", "ok", "a"),
		step("c", "ok", "a"),
		step("d", "ok", "b"),
	}}
	state := initializedState(t, spec)
	state.RefreshReady()
	state.MarkRunning("a")
	state.MarkSucceeded("a", nil)
	state.RefreshReady()
	state.MarkRunning("b")
	state.MarkFailed("b", "boom")

	skipped := state.SkipDownstream("b", "upstream failed: b")

	if got := stepNames(skipped); len(got) != 1 || got[0] != "d" {
		t.Fatalf("expected only d to be skipped, got %v", got)
	}
	if rec, _ := state.Record("d"); rec.Error != "upstream failed: b" {
		t.Errorf("skip reason should be recorded, got %q", rec.Error)
	}
	// c depends on a, not on b
	if rec, _ := state.Record("c"); rec.Status != domain.StepStatusReady {
		t.Errorf("c should stay READY, got %s", rec.Status)
	}
}

func TestRunState_SkipRemaining_LeavesRunning(t *testing.T) {
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok"),
		step("b", "ok"),
		step("c", "ok", "a"),
	}}
	state := initializedState(t, spec)
	state.RefreshReady()
	state.MarkRunning("a")

	skipped := state.SkipRemaining("run cancelled")

	// b (READY) and c (PENDING) are skipped, a keeps RUNNING
	if got := stepNames(skipped); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected b and c to be skipped, got %v", got)
	}
	if rec, _ := state.Record("a"); rec.Status != domain.StepStatusRunning {
		t.Errorf("a should stay RUNNING, got %s", rec.Status)
	}

	// After the drain the leftover RUNNING step is closed too
	closed := state.SkipRunning("run cancelled")
	if got := stepNames(closed); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a to be skipped after drain, got %v", got)
	}
	if !state.IsComplete() {
		t.Error("run should be complete after all steps are terminal")
	}
}

func TestRunState_FailureSummary(t *testing.T) {
	state := initializedState(t, chainSpec("a", "b"))
	state.RefreshReady()
	state.MarkRunning("a")
	state.MarkFailed("a", "boom")
	state.SkipDownstream("a", "upstream failed: a")

	want := "step a failed: boom; step b skipped: upstream failed: a"
	if got := state.FailureSummary(); got != want {
		t.Errorf("unexpected summary:\n got: %s\nwant: %s", got, want)
	}
}

func TestRunState_RestoreFromRecords(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	spec := chainSpec("a", "b")
	state := NewRunState(run, spec)
	if err := state.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	succeeded := domain.NewStepRecord(run.ID, spec.Steps[0])
	succeeded.MarkReady()
	succeeded.MarkRunning()
	succeeded.MarkSucceeded(map[string]string{"out": "a-key"})

	interrupted := domain.NewStepRecord(run.ID, spec.Steps[1])
	interrupted.MarkReady()
	interrupted.MarkRunning()
	interrupted.ResetForRetry()
	interrupted.MarkRunning() // second attempt was in flight during the crash

	ghost := domain.NewStepRecord(run.ID, step("ghost", "ok"))

	state.RestoreFromRecords([]domain.StepRecord{*succeeded, *interrupted, *ghost})

	rec, _ := state.Record("a")
	if rec.Status != domain.StepStatusSucceeded {
		t.Errorf("a should stay SUCCEEDED, got %s", rec.Status)
	}
	if rec.OutputKeys["out"] != "a-key" {
		t.Errorf("output keys should survive restore, got %v", rec.OutputKeys)
	}

	// RUNNING is rolled back to READY with the attempt counter intact
	rec, _ = state.Record("b")
	if rec.Status != domain.StepStatusReady {
		t.Errorf("interrupted b should become READY, got %s", rec.Status)
	}
	if rec.Attempt != 2 {
		t.Errorf("attempt counter should be preserved, got %d", rec.Attempt)
	}

	// Records of unknown steps are ignored
	if _, ok := state.Record("ghost"); ok {
		t.Error("unknown step record should be ignored")
	}
}

func TestRunState_Stats(t *testing.T) {
	spec := &domain.GraphSpec{Steps: []domain.StepDef{
		step("a", "ok"),
		step("b", "ok"),
		step("c", "ok", "a"),
		step("d", "ok", "b"),
	}}
	state := initializedState(t, spec)
	state.RefreshReady()
	state.MarkRunning("a")
	state.MarkSucceeded("a", nil)
	state.MarkRunning("b")
	state.MarkFailed("b", "boom")
	state.SkipDownstream("b", "upstream failed: b")
	state.RefreshReady()

	stats := state.Stats()
	if stats.Total != 4 {
		t.Errorf("expected total 4, got %d", stats.Total)
	}
	if stats.Succeeded != 1 || stats.Failed != 1 || stats.Skipped != 1 || stats.Ready != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if state.IsComplete() {
		t.Error("run with a READY step should not be complete")
	}
	if state.AllSucceeded() {
		t.Error("run with failures should not report all succeeded")
	}
}

// initializedState builds a RunState over spec and fails the test on
// validation errors.
func initializedState(t *testing.T, spec *domain.GraphSpec) *RunState {
	t.Helper()

	state := NewRunState(&domain.Run{ID: uuid.New()}, spec)
	if err := state.Initialize(); err != nil {
		t.Fatalf("initialize state: %v", err)
	}
	return state
}

// stepNames extracts record names preserving order.
func stepNames(recs []domain.StepRecord) []string {
	names := make([]string, len(recs))
	for i := range recs {
		names[i] = recs[i].StepName
	}
	return names
}
