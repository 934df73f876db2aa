package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepRecord — состояние одного шага в рамках одного run.
//
// Record создаётся executor'ом при старте run (по одному на каждый шаг
// graph) и мутируется только им. Durable-слой хранит records по ключу
// (run_id, step_name), что позволяет восстановить состояние run после
// рестарта процесса.
type StepRecord struct {
	// ID — уникальный идентификатор record.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// StepName — имя шага из GraphSpec (соответствует StepDef.Name).
	StepName string `json:"step_name"`

	// Handler — ключ обработчика (копия StepDef.Handler для удобства worker'а).
	Handler string `json:"handler"`

	// Status — текущий статус шага.
	Status StepStatus `json:"status"`

	// Attempt — номер попытки (начиная с 1).
	// Увеличивается при каждом переходе в RUNNING.
	Attempt int `json:"attempt"`

	// OutputKeys — ключи сохранённых outputs в IO manager'е.
	// Ключ map — имя output, значение — storage key.
	// Заполняется после успешного выполнения, до перехода в SUCCEEDED.
	OutputKeys map[string]string `json:"output_keys,omitempty"`

	// Error — детали последней ошибки при неудаче.
	Error string `json:"error,omitempty"`

	// StartedAt — время начала последней попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания record.
	CreatedAt time.Time `json:"created_at"`
}

// NewStepRecord создаёт record в статусе PENDING для шага spec.
func NewStepRecord(runID uuid.UUID, step StepDef) *StepRecord {
	return &StepRecord{
		ID:        uuid.New(),
		RunID:     runID,
		StepName:  step.Name,
		Handler:   step.Handler,
		Status:    StepStatusPending,
		CreatedAt: time.Now(),
	}
}

// Duration возвращает продолжительность последней попытки.
func (r *StepRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если шаг в терминальном статусе.
func (r *StepRecord) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkReady переводит шаг в статус READY.
// Вызывается, когда все upstream-шаги SUCCEEDED.
func (r *StepRecord) MarkReady() {
	r.Status = StepStatusReady
}

// MarkRunning переводит шаг в статус RUNNING и увеличивает счётчик попыток.
func (r *StepRecord) MarkRunning() {
	now := time.Now()
	r.Status = StepStatusRunning
	r.StartedAt = &now
	r.Attempt++
}

// MarkSucceeded переводит шаг в статус SUCCEEDED с ключами outputs.
// Ключи обязаны указывать на уже сохранённые значения: downstream-шаги
// читают их сразу после перехода.
func (r *StepRecord) MarkSucceeded(outputKeys map[string]string) {
	now := time.Now()
	r.Status = StepStatusSucceeded
	r.FinishedAt = &now
	r.OutputKeys = outputKeys
	r.Error = ""
}

// MarkFailed переводит шаг в статус FAILED с ошибкой.
func (r *StepRecord) MarkFailed(err string) {
	now := time.Now()
	r.Status = StepStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// MarkSkipped переводит шаг в статус SKIPPED с причиной.
func (r *StepRecord) MarkSkipped(reason string) {
	now := time.Now()
	r.Status = StepStatusSkipped
	r.FinishedAt = &now
	r.Error = reason
}

// ResetForRetry подготавливает шаг к повторной попытке.
// Возвращает шаг в READY, сохраняя счётчик попыток.
func (r *StepRecord) ResetForRetry() {
	r.Status = StepStatusReady
	r.StartedAt = nil
	r.FinishedAt = nil
	r.Error = ""
	// Attempt увеличится при следующем MarkRunning()
}

// CanRetry проверяет, остались ли попытки в рамках политики.
func (r *StepRecord) CanRetry(policy *RetryPolicy) bool {
	if policy == nil {
		return false
	}
	return r.Attempt < policy.MaxAttempts
}
