package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?graph=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}

	if ref := r.URL.Query().Get("graph"); ref != "" {
		g, err := h.resolveGraph(r.Context(), ref)
		if HandleRepoError(w, h.logger, err, "graph not found") {
			return
		}
		filter.GraphID = &g.ID
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.RunStatus(status)
	}

	runs, err := h.runRepo.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// SubmitRun создаёт run и отдаёт его на выполнение.
// POST /api/v1/runs
//
// Возвращает 202: выполнение асинхронное, за прогрессом следят по
// GET /runs/{id} и ленте событий. Submission с уже известным
// idempotency_key возвращает существующий run без создания нового.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Graph == "" {
		BadRequest(w, "graph is required")
		return
	}

	if !domain.FailurePolicy(req.FailurePolicy).Valid() {
		BadRequest(w, "invalid failure_policy: "+req.FailurePolicy)
		return
	}

	g, err := h.resolveGraph(r.Context(), req.Graph)
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	// Версия фиксируется при submission: executor выполняет ровно её,
	// даже если к моменту старта зарегистрированы новые.
	var version int
	if req.Version != nil {
		version = *req.Version
		_, err := h.graphRepo.GetVersion(r.Context(), g.ID, version)
		if HandleRepoError(w, h.logger, err, "graph version not found") {
			return
		}
	} else {
		latest, err := h.graphRepo.GetLatestVersion(r.Context(), g.ID)
		if HandleRepoError(w, h.logger, err, "graph has no versions") {
			return
		}
		version = latest.Version
	}

	if req.IdempotencyKey != "" {
		existing, err := h.runRepo.GetByIdempotencyKey(r.Context(), g.ID, req.IdempotencyKey)
		if err == nil && existing != nil {
			Accepted(w, SubmitRunResponse{RunID: existing.ID, Status: string(existing.Status)})
			return
		}
	}

	run := &domain.Run{
		ID:      uuid.New(),
		GraphID: g.ID,
		Version: version,
		Status:  domain.RunStatusPending,
		Config: domain.RunConfig{
			Resources:        req.Resources,
			IOManager:        req.IOManager,
			IOManagerConfig:  req.IOManagerConfig,
			Launcher:         req.Launcher,
			FailurePolicy:    domain.FailurePolicy(req.FailurePolicy),
			DefaultRetry:     req.Retry,
			MaxParallelSteps: req.MaxParallelSteps,
		},
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now(),
	}

	if err := h.runRepo.Create(r.Context(), run); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	// Брокер ускоряет подхват; без него run заберёт polling executor'а.
	if h.publisher != nil {
		if err := h.publisher.PublishRunSubmitted(r.Context(), run.ID); err != nil {
			h.logger.Warn("failed to publish run.submitted", "run_id", run.ID, "error", err)
		}
	}

	Accepted(w, SubmitRunResponse{RunID: run.ID, Status: string(run.Status)})
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	// Отмена идёт через брокер: executor, у которого run в работе,
	// снимает запущенные шаги и дописывает терминальное событие.
	if h.publisher != nil {
		err := h.publisher.PublishRunCancel(r.Context(), run.ID)
		if err == nil {
			Accepted(w, RunFromDomain(*run))
			return
		}
		h.logger.Warn("failed to publish run.cancel", "run_id", run.ID, "error", err)
	}

	// Деградация без брокера: PENDING run ещё никем не подхвачен,
	// его можно отменить напрямую в storage. Активный run без брокера
	// недостижим.
	if run.Status == domain.RunStatusPending {
		run.MarkCancelled()
		if err := h.runRepo.Update(r.Context(), run); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		Success(w, RunFromDomain(*run))
		return
	}

	Unavailable(w, "cannot cancel an active run: message broker unavailable")
}

// ListRunSteps возвращает состояние шагов run.
// GET /api/v1/runs/{id}/steps
func (h *Handler) ListRunSteps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	// Проверяем, что run существует
	_, err = h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	steps, err := h.stepRepo.ListByRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]StepRecordResponse, len(steps))
	for i, rec := range steps {
		result[i] = StepRecordFromDomain(rec)
	}

	List(w, result, len(result))
}

// ListRunEvents возвращает события run после указанного seq.
// GET /api/v1/runs/{id}/events?after=0&limit=100
//
// Повторные запросы с after=<seq последнего полученного события>
// дают инкрементальное чтение ленты без пропусков и дубликатов.
func (h *Handler) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			BadRequest(w, "invalid after")
			return
		}
	}

	// Проверяем, что run существует
	_, err = h.runRepo.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	events, err := h.eventRepo.ListAfter(r.Context(), id, after, parseIntParam(r, "limit", 100))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]EventResponse, len(events))
	for i, e := range events {
		result[i] = EventFromDomain(e)
	}

	List(w, result, len(result))
}

// parseIntParam читает целочисленный query-параметр с дефолтом.
// Отрицательные и нечисловые значения заменяются дефолтом.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
