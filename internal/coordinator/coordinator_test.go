package coordinator

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

func newTestCoordinator(maxRuns, maxQueue int) *Coordinator {
	return New(Config{
		MaxConcurrentRuns: maxRuns,
		MaxQueuedRuns:     maxQueue,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func isReleased(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAdmit_WithinBudget(t *testing.T) {
	c := newTestCoordinator(2, 4)

	decision, release, err := c.Admit(uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != domain.AdmissionAccepted {
		t.Fatalf("expected ACCEPTED, got %s", decision)
	}
	// ACCEPTED — канал уже закрыт
	if !isReleased(release) {
		t.Error("accepted run should be released immediately")
	}

	stats := c.Snapshot()
	if stats.Active != 1 || stats.Queued != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAdmit_Queued(t *testing.T) {
	c := newTestCoordinator(1, 4)

	first := uuid.New()
	if _, _, err := c.Admit(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := uuid.New()
	decision, release, err := c.Admit(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != domain.AdmissionQueued {
		t.Fatalf("expected QUEUED, got %s", decision)
	}
	if isReleased(release) {
		t.Error("queued run must wait for a slot")
	}

	// Освобождение слота продвигает очередь
	c.Release(first)

	select {
	case <-release:
	case <-time.After(time.Second):
		t.Fatal("queued run was not released after slot freed")
	}

	stats := c.Snapshot()
	if stats.Active != 1 || stats.Queued != 0 {
		t.Errorf("unexpected stats after release: %+v", stats)
	}
}

func TestAdmit_Rejected(t *testing.T) {
	c := newTestCoordinator(1, 1)

	if _, _, err := c.Admit(uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := c.Admit(uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Слот занят, очередь полна — третья заявка отклоняется
	decision, release, err := c.Admit(uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != domain.AdmissionRejected {
		t.Fatalf("expected REJECTED, got %s", decision)
	}
	if release != nil {
		t.Error("rejected run must not get a release channel")
	}

	stats := c.Snapshot()
	if stats.Rejected != 1 {
		t.Errorf("expected 1 rejection in stats, got %d", stats.Rejected)
	}
}

func TestAdmit_FIFOOrder(t *testing.T) {
	c := newTestCoordinator(1, 8)

	active := uuid.New()
	if _, _, err := c.Admit(active); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Три заявки в очереди
	var ids []uuid.UUID
	var releases []<-chan struct{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		_, release, err := c.Admit(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, id)
		releases = append(releases, release)
	}

	// Слоты выдаются строго в порядке поступления
	c.Release(active)
	if !isReleased(releases[0]) {
		t.Fatal("first queued run should be released first")
	}
	if isReleased(releases[1]) || isReleased(releases[2]) {
		t.Fatal("later runs must still wait")
	}

	c.Release(ids[0])
	if !isReleased(releases[1]) {
		t.Fatal("second queued run should be released second")
	}
	if isReleased(releases[2]) {
		t.Fatal("third run must still wait")
	}
}

func TestAdmit_Duplicate(t *testing.T) {
	c := newTestCoordinator(2, 4)

	id := uuid.New()
	if _, _, err := c.Admit(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := c.Admit(id); !errors.Is(err, ErrAlreadyAdmitted) {
		t.Errorf("expected ErrAlreadyAdmitted, got %v", err)
	}
}

func TestAbandon(t *testing.T) {
	c := newTestCoordinator(1, 4)

	if _, _, err := c.Admit(uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	queued := uuid.New()
	if _, _, err := c.Admit(queued); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !c.Abandon(queued) {
		t.Error("expected abandon to find queued run")
	}
	if c.Abandon(queued) {
		t.Error("second abandon should find nothing")
	}

	stats := c.Snapshot()
	if stats.Queued != 0 {
		t.Errorf("expected empty queue, got %d", stats.Queued)
	}
}

func TestRelease_UnknownRun(t *testing.T) {
	c := newTestCoordinator(1, 4)

	// Release неизвестного run — no-op
	c.Release(uuid.New())

	stats := c.Snapshot()
	if stats.Active != 0 {
		t.Errorf("unexpected active count: %d", stats.Active)
	}
}

func TestStepSlots_Default(t *testing.T) {
	c := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c.StepSlots() != 8 {
		t.Errorf("expected default 8 step slots, got %d", c.StepSlots())
	}
}
