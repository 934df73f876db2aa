package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunSubmitted MessageType = "run.submitted"
	MessageTypeRunCancel    MessageType = "run.cancel"
	MessageTypeStepLaunch   MessageType = "step.launch"
	MessageTypeStepResult   MessageType = "step.result"
	MessageTypeEvent        MessageType = "event"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunSubmittedPayload — payload для сообщения о новом run.
type RunSubmittedPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunCancelPayload — payload для запроса отмены run.
type RunCancelPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// StepLaunchPayload — задание на исполнение одной попытки шага.
//
// TaskID — свежий идентификатор попытки: каждая повторная попытка
// публикуется с новым TaskID, чтобы опоздавший результат прежней
// попытки не был принят за результат текущей.
type StepLaunchPayload struct {
	TaskID   uuid.UUID `json:"task_id"`
	RunID    uuid.UUID `json:"run_id"`
	StepName string    `json:"step_name"`
	Attempt  int       `json:"attempt"`

	// Handler — ключ handler'а в registry worker'а.
	Handler string `json:"handler"`

	// Config — статическая конфигурация шага из GraphSpec.
	Config map[string]any `json:"config,omitempty"`

	// Inputs — загруженные значения inputs шага.
	Inputs map[string]any `json:"inputs,omitempty"`

	// ResourceKeys — ключи resources, которые worker должен
	// инициализировать перед исполнением.
	ResourceKeys []string `json:"resource_keys,omitempty"`

	// ResourceConfig — конфигурация resources из RunConfig.
	ResourceConfig map[string]map[string]any `json:"resource_config,omitempty"`

	// TimeoutSec — бюджет времени попытки. 0 — без ограничения.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// StepResultPayload — исход одной попытки шага.
type StepResultPayload struct {
	TaskID   uuid.UUID `json:"task_id"`
	RunID    uuid.UUID `json:"run_id"`
	StepName string    `json:"step_name"`
	Attempt  int       `json:"attempt"`

	// Status — success, failure или timeout.
	Status string `json:"status"`

	// Outputs — значения outputs при success.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Detail — описание причины при failure/timeout.
	Detail string `json:"detail,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishRunSubmitted публикует событие о новом run.
// Потребитель: Executor.
func (p *Publisher) PublishRunSubmitted(ctx context.Context, runID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunSubmitted,
		Payload:   RunSubmittedPayload{RunID: runID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeySubmitted, msg)
}

// PublishRunCancel публикует запрос на отмену run.
// Потребитель: Executor.
func (p *Publisher) PublishRunCancel(ctx context.Context, runID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunCancel,
		Payload:   RunCancelPayload{RunID: runID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyCancel, msg)
}

// PublishStepLaunch публикует задание на исполнение попытки шага.
// Потребитель: Worker.
func (p *Publisher) PublishStepLaunch(ctx context.Context, payload StepLaunchPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStepLaunch,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeSteps, RoutingKeyLaunch, msg)
}

// PublishStepResult публикует исход попытки шага.
// Потребитель: Executor (remote launcher).
func (p *Publisher) PublishStepResult(ctx context.Context, payload StepResultPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStepResult,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeSteps, RoutingKeyResult, msg)
}

// PublishEvent публикует событие run'а в fanout-обменник событий.
// Подписчики объявляют собственные очереди.
func (p *Publisher) PublishEvent(ctx context.Context, event any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeEvent,
		Payload:   event,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeEvents, "", msg)
}
