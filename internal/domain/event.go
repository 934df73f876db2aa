package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события в ленте run'а.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunSucceeded EventType = "run.succeeded"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventStepReady     EventType = "step.ready"
	EventStepRunning   EventType = "step.running"
	EventStepSucceeded EventType = "step.succeeded"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"
	EventStepRetrying  EventType = "step.retrying"
)

// Event — запись в упорядоченной append-only ленте событий run'а.
//
// Лента — единственный push-канал для внешних наблюдателей (консоль,
// подписчики MQ): они следят за сменой статусов по событиям, не опрашивая
// step records напрямую. Порядок событий внутри run строгий: Seq
// монотонно растёт и присваивается durable-слоем при записи.
type Event struct {
	// Seq — порядковый номер события в рамках run (начиная с 1).
	// Присваивается при вставке; до сохранения равен 0.
	Seq int64 `json:"seq"`

	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// StepName — имя шага. Пустое для событий уровня run.
	StepName string `json:"step_name,omitempty"`

	// Type — тип события.
	Type EventType `json:"type"`

	// Detail — человекочитаемые детали: текст ошибки, причина skip,
	// номер попытки при retry.
	Detail string `json:"detail,omitempty"`

	// CreatedAt — время события.
	CreatedAt time.Time `json:"created_at"`
}

// NewRunEvent создаёт событие уровня run.
func NewRunEvent(runID uuid.UUID, typ EventType, detail string) *Event {
	return &Event{
		RunID:     runID,
		Type:      typ,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}

// NewStepEvent создаёт событие уровня шага.
func NewStepEvent(runID uuid.UUID, stepName string, typ EventType, detail string) *Event {
	return &Event{
		RunID:     runID,
		StepName:  stepName,
		Type:      typ,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}

// StepEventType возвращает тип события для перехода шага в статус s.
// Второе значение false, если статусу не соответствует событие
// (PENDING — начальное состояние, не переход).
func StepEventType(s StepStatus) (EventType, bool) {
	switch s {
	case StepStatusReady:
		return EventStepReady, true
	case StepStatusRunning:
		return EventStepRunning, true
	case StepStatusSucceeded:
		return EventStepSucceeded, true
	case StepStatusFailed:
		return EventStepFailed, true
	case StepStatusSkipped:
		return EventStepSkipped, true
	default:
		return "", false
	}
}
