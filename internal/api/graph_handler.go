package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/graph"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ListGraphs возвращает список всех graphs.
// GET /api/v1/graphs
func (h *Handler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.graphRepo.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]GraphResponse, len(graphs))
	for i, g := range graphs {
		result[i] = GraphFromDomain(g)
	}

	List(w, result, len(result))
}

// CreateGraph регистрирует graph.
// POST /api/v1/graphs
//
// Повторная регистрация существующего имени со spec создаёт новую
// версию graph, поэтому CLI может регистрировать один и тот же файл
// идемпотентно. Имя без spec при существующем graph — конфликт.
func (h *Handler) CreateGraph(w http.ResponseWriter, r *http.Request) {
	var req CreateGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	// Spec валидируется до любых записей: невалидный DAG не должен
	// оставлять за собой пустой graph.
	if req.Spec != nil {
		if err := graph.Validate(req.Spec); err != nil {
			InvalidState(w, err.Error())
			return
		}
	}

	existing, err := h.graphRepo.GetByName(r.Context(), req.Name)
	switch {
	case err == nil:
		if req.Spec == nil {
			Conflict(w, "graph already exists: "+req.Name)
			return
		}

		version, err := h.graphRepo.CreateVersion(r.Context(), existing.ID, *req.Spec)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}

		resp := GraphFromDomain(*existing)
		resp.LatestVersion = version.Version
		Created(w, resp)
		return

	case !errors.Is(err, repo.ErrNotFound):
		InternalError(w, h.logger, err)
		return
	}

	// Graph без версий нечего запускать, он остаётся неактивным.
	g := &domain.Graph{
		ID:       uuid.New(),
		Name:     req.Name,
		IsActive: req.Spec != nil,
	}

	if err := h.graphRepo.Create(r.Context(), g); err != nil {
		HandleRepoError(w, h.logger, err, "")
		return
	}

	resp := GraphFromDomain(*g)
	if req.Spec != nil {
		version, err := h.graphRepo.CreateVersion(r.Context(), g.ID, *req.Spec)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}
		resp.LatestVersion = version.Version
	}

	Created(w, resp)
}

// GetGraph возвращает graph по UUID или имени.
// GET /api/v1/graphs/{id}
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	latest, err := h.graphRepo.GetLatestVersion(r.Context(), g.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		InternalError(w, h.logger, err)
		return
	}

	resp := GraphFromDomain(*g)
	if latest != nil {
		resp.LatestVersion = latest.Version
	}

	Success(w, resp)
}

// UpdateGraph обновляет graph.
// PUT /api/v1/graphs/{id}
func (h *Handler) UpdateGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	var req UpdateGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name != nil {
		g.Name = *req.Name
	}
	if req.IsActive != nil {
		g.IsActive = *req.IsActive
	}

	if err := h.graphRepo.Update(r.Context(), g); err != nil {
		HandleRepoError(w, h.logger, err, "graph not found")
		return
	}

	Success(w, GraphFromDomain(*g))
}

// DeleteGraph удаляет graph.
// DELETE /api/v1/graphs/{id}
func (h *Handler) DeleteGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	if err := h.graphRepo.Delete(r.Context(), g.ID); err != nil {
		HandleRepoError(w, h.logger, err, "graph not found")
		return
	}

	NoContent(w)
}

// ListGraphVersions возвращает список версий graph.
// GET /api/v1/graphs/{id}/versions
func (h *Handler) ListGraphVersions(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	versions, err := h.graphRepo.ListVersions(r.Context(), g.ID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]GraphVersionResponse, len(versions))
	for i, v := range versions {
		result[i] = GraphVersionFromDomain(v)
	}

	List(w, result, len(result))
}

// CreateGraphVersion создаёт новую версию graph.
// POST /api/v1/graphs/{id}/versions
func (h *Handler) CreateGraphVersion(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	var req CreateGraphVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := graph.Validate(&req.Spec); err != nil {
		InvalidState(w, err.Error())
		return
	}

	version, err := h.graphRepo.CreateVersion(r.Context(), g.ID, req.Spec)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Created(w, GraphVersionFromDomain(*version))
}

// GetGraphVersion возвращает конкретную версию graph.
// Вместо номера принимает "latest".
// GET /api/v1/graphs/{id}/versions/{version}
func (h *Handler) GetGraphVersion(w http.ResponseWriter, r *http.Request) {
	g, err := h.resolveGraph(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "graph not found") {
		return
	}

	var version *domain.GraphVersion
	if raw := r.PathValue("version"); raw == "latest" {
		version, err = h.graphRepo.GetLatestVersion(r.Context(), g.ID)
	} else {
		num, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			BadRequest(w, "invalid version number")
			return
		}
		version, err = h.graphRepo.GetVersion(r.Context(), g.ID, num)
	}
	if HandleRepoError(w, h.logger, err, "graph version not found") {
		return
	}

	Success(w, GraphVersionFromDomain(*version))
}

// --- Helpers ---

// resolveGraph находит graph по строке-ссылке: сначала как UUID,
// иначе как имя. API и CLI принимают обе формы во всех местах,
// где указывается graph.
func (h *Handler) resolveGraph(ctx context.Context, ref string) (*domain.Graph, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return h.graphRepo.GetByID(ctx, id)
	}
	return h.graphRepo.GetByName(ctx, ref)
}
