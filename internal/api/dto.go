package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Graph DTOs

// CreateGraphRequest — запрос на регистрацию graph.
// Spec опционален: без него создаётся пустой graph без версий.
type CreateGraphRequest struct {
	Name string            `json:"name"`
	Spec *domain.GraphSpec `json:"spec,omitempty"`
}

// UpdateGraphRequest — запрос на обновление graph.
type UpdateGraphRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// GraphResponse — ответ с graph.
type GraphResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	IsActive      bool      `json:"is_active"`
	LatestVersion int       `json:"latest_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GraphFromDomain конвертирует domain.Graph в GraphResponse.
func GraphFromDomain(g domain.Graph) GraphResponse {
	return GraphResponse{
		ID:        g.ID,
		Name:      g.Name,
		IsActive:  g.IsActive,
		CreatedAt: g.CreatedAt,
	}
}

// GraphVersion DTOs

// CreateGraphVersionRequest — запрос на создание версии graph.
type CreateGraphVersionRequest struct {
	Spec domain.GraphSpec `json:"spec"`
}

// GraphVersionResponse — ответ с версией graph.
type GraphVersionResponse struct {
	GraphID   uuid.UUID        `json:"graph_id"`
	Version   int              `json:"version"`
	Spec      domain.GraphSpec `json:"spec"`
	CreatedAt time.Time        `json:"created_at"`
}

// GraphVersionFromDomain конвертирует domain.GraphVersion в GraphVersionResponse.
func GraphVersionFromDomain(v domain.GraphVersion) GraphVersionResponse {
	return GraphVersionResponse{
		GraphID:   v.GraphID,
		Version:   v.Version,
		Spec:      v.Spec,
		CreatedAt: v.CreatedAt,
	}
}

// Run DTOs

// SubmitRunRequest — запрос на запуск graph.
// Graph принимает UUID или имя. Version nil — последняя версия.
type SubmitRunRequest struct {
	Graph            string                    `json:"graph"`
	Version          *int                      `json:"version,omitempty"`
	Resources        map[string]map[string]any `json:"resource_config,omitempty"`
	IOManager        string                    `json:"io_manager,omitempty"`
	IOManagerConfig  map[string]any            `json:"io_manager_config,omitempty"`
	Launcher         string                    `json:"launcher,omitempty"`
	FailurePolicy    string                    `json:"failure_policy,omitempty"`
	Retry            *domain.RetryPolicy       `json:"retry,omitempty"`
	MaxParallelSteps int                       `json:"max_parallel_steps,omitempty"`
	IdempotencyKey   string                    `json:"idempotency_key,omitempty"`
}

// SubmitRunResponse — ответ на принятый запуск.
type SubmitRunResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID             uuid.UUID        `json:"id"`
	GraphID        uuid.UUID        `json:"graph_id"`
	Version        int              `json:"version"`
	Status         string           `json:"status"`
	Config         domain.RunConfig `json:"config"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Error          string           `json:"error,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		GraphID:        r.GraphID,
		Version:        r.Version,
		Status:         string(r.Status),
		Config:         r.Config,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
}

// StepRecord DTOs

// StepRecordResponse — ответ с состоянием шага.
type StepRecordResponse struct {
	ID         uuid.UUID         `json:"id"`
	RunID      uuid.UUID         `json:"run_id"`
	StepName   string            `json:"step_name"`
	Handler    string            `json:"handler"`
	Status     string            `json:"status"`
	Attempt    int               `json:"attempt"`
	OutputKeys map[string]string `json:"output_keys,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// StepRecordFromDomain конвертирует domain.StepRecord в StepRecordResponse.
func StepRecordFromDomain(rec domain.StepRecord) StepRecordResponse {
	return StepRecordResponse{
		ID:         rec.ID,
		RunID:      rec.RunID,
		StepName:   rec.StepName,
		Handler:    rec.Handler,
		Status:     string(rec.Status),
		Attempt:    rec.Attempt,
		OutputKeys: rec.OutputKeys,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		CreatedAt:  rec.CreatedAt,
	}
}

// Event DTOs

// EventResponse — ответ с событием из ленты run'а.
type EventResponse struct {
	Seq       int64     `json:"seq"`
	RunID     uuid.UUID `json:"run_id"`
	StepName  string    `json:"step_name,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventFromDomain конвертирует domain.Event в EventResponse.
func EventFromDomain(e domain.Event) EventResponse {
	return EventResponse{
		Seq:       e.Seq,
		RunID:     e.RunID,
		StepName:  e.StepName,
		Type:      string(e.Type),
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string           `json:"name,omitempty"`
	Version     int              `json:"version,omitempty"`
	CronExpr    string           `json:"cron_expr,omitempty"`
	IntervalSec int              `json:"interval_sec,omitempty"`
	Timezone    string           `json:"timezone,omitempty"`
	Enabled     bool             `json:"enabled"`
	RunConfig   domain.RunConfig `json:"run_config"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string           `json:"name,omitempty"`
	Version     *int              `json:"version,omitempty"`
	CronExpr    *string           `json:"cron_expr,omitempty"`
	IntervalSec *int              `json:"interval_sec,omitempty"`
	Timezone    *string           `json:"timezone,omitempty"`
	RunConfig   *domain.RunConfig `json:"run_config,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID          uuid.UUID        `json:"id"`
	GraphID     uuid.UUID        `json:"graph_id"`
	Version     int              `json:"version,omitempty"`
	Name        string           `json:"name,omitempty"`
	CronExpr    string           `json:"cron_expr,omitempty"`
	IntervalSec int              `json:"interval_sec,omitempty"`
	Timezone    string           `json:"timezone"`
	Enabled     bool             `json:"enabled"`
	NextDueAt   *time.Time       `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time       `json:"last_run_at,omitempty"`
	LastRunID   *uuid.UUID       `json:"last_run_id,omitempty"`
	RunConfig   domain.RunConfig `json:"run_config"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:          s.ID,
		GraphID:     s.GraphID,
		Version:     s.Version,
		Name:        s.Name,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastRunID:   s.LastRunID,
		RunConfig:   s.RunConfig,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
