package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns   Exchange = "conveyor.runs"
	ExchangeSteps  Exchange = "conveyor.steps"
	ExchangeEvents Exchange = "conveyor.events"
	ExchangeDLQ    Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsSubmitted Queue = "runs.submitted"
	QueueRunsCancel    Queue = "runs.cancel"
	QueueStepsLaunch   Queue = "steps.launch"
	QueueStepsResult   Queue = "steps.result"
	QueueDLQSteps      Queue = "dlq.steps"
)

// Routing keys.
const (
	RoutingKeySubmitted RoutingKey = "submitted"
	RoutingKeyCancel    RoutingKey = "cancel"
	RoutingKeyLaunch    RoutingKey = "launch"
	RoutingKeyResult    RoutingKey = "result"
	RoutingKeyDLQSteps  RoutingKey = "steps"
)

// SetupTopology объявляет exchanges, queues и bindings.
// Идемпотентна: все объявления durable и совпадают при повторном вызове.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
//
// conveyor.events — fanout: каждый подписчик события получает копию
// в собственную очередь, которую объявляет сам.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeRuns, "direct"},
		{ExchangeSteps, "direct"},
		{ExchangeEvents, "fanout"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQSteps),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// runs.submitted — без DLQ (подхватывается poll'ом при потере)
		{QueueRunsSubmitted, nil},

		// runs.cancel — без DLQ (отмена best-effort)
		{QueueRunsCancel, nil},

		// steps.launch — с DLQ (шаг может уйти в DLQ после nack)
		{QueueStepsLaunch, dlqArgs},

		// steps.result — без DLQ (результаты коррелируются по task_id)
		{QueueStepsResult, nil},

		// dlq.steps — сама DLQ очередь
		{QueueDLQSteps, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunsSubmitted, RoutingKeySubmitted, ExchangeRuns},
		{QueueRunsCancel, RoutingKeyCancel, ExchangeRuns},
		{QueueStepsLaunch, RoutingKeyLaunch, ExchangeSteps},
		{QueueStepsResult, RoutingKeyResult, ExchangeSteps},
		{QueueDLQSteps, RoutingKeyDLQSteps, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.runs (direct)
    ├── runs.submitted [routing: submitted]
    │       Consumer: Executor
    └── runs.cancel [routing: cancel]
            Consumer: Executor

    conveyor.steps (direct)
    ├── steps.launch [routing: launch]
    │       Consumer: Worker
    │       DLQ: dlq.steps
    └── steps.result [routing: result]
            Consumer: Executor (remote launcher)

    conveyor.events (fanout)
            Consumers declare their own queues

    conveyor.dlq (direct)
    └── dlq.steps [routing: steps]
            Manual processing
  `
}
