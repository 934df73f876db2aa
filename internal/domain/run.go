package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения graph.
//
// Run создаётся когда:
// - Пользователь запускает graph вручную (через API/CLI)
// - Scheduler создаёт run по расписанию
//
// Каждый run выполняет конкретную версию graph против одного набора
// resources и одного IO manager'а. После перехода в терминальный статус
// run неизменяем.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// GraphID — ссылка на graph, который выполняется.
	GraphID uuid.UUID `json:"graph_id"`

	// Version — версия graph, которая выполняется.
	Version int `json:"version"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Config — привязка run к backends: resources, IO manager, launcher,
	// политики ошибок и retry.
	Config RunConfig `json:"config"`

	// StartedAt — время начала выполнения (когда статус стал RUNNING).
	// Nil, если run ещё не начался.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения (успешного или с ошибкой).
	// Nil, если run ещё выполняется.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — детали ошибок, если run завершился с FAILED.
	// Содержит полный список упавших шагов, не только первый.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности для предотвращения дубликатов.
	// Например, для scheduled runs: "{schedule_id}_{next_due_at}"
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// RunConfig — выбор backends и политик для одного run.
//
// Резолвится один раз при старте run: ключи IOManager и Launcher
// превращаются в конкретные реализации через соответствующие registries.
type RunConfig struct {
	// Resources — конфигурация resources по ключам.
	// Ключ внешней map — имя resource, значение — его конфигурация.
	Resources map[string]map[string]any `json:"resources,omitempty"`

	// IOManager — ключ IO manager'а в storage registry.
	// Пустое значение — "memory".
	IOManager string `json:"io_manager,omitempty"`

	// IOManagerConfig — конфигурация выбранного IO manager'а
	// (например, корневая директория для файлового).
	IOManagerConfig map[string]any `json:"io_manager_config,omitempty"`

	// Launcher — ключ launcher'а в launch registry.
	// Пустое значение — "in-process".
	Launcher string `json:"launcher,omitempty"`

	// FailurePolicy — поведение при падении шага.
	// Пустое значение — skip-downstream.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// DefaultRetry — политика retry для шагов без собственной.
	// Nil — без автоматических retry.
	DefaultRetry *RetryPolicy `json:"default_retry,omitempty"`

	// MaxParallelSteps — ограничение параллельности шагов внутри run.
	// 0 — использовать лимит coordinator'а.
	MaxParallelSteps int `json:"max_parallel_steps,omitempty"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkQueued переводит run в статус QUEUED.
func (r *Run) MarkQueued() {
	r.Status = RunStatusQueued
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
}

// MarkRejected переводит run в статус REJECTED с причиной отказа.
func (r *Run) MarkRejected(reason string) {
	now := time.Now()
	r.Status = RunStatusRejected
	r.FinishedAt = &now
	r.Error = reason
}
