package worker

import "errors"

// Ошибки воркера.
var (
	// ErrNoBroker — worker запущен без соединения с RabbitMQ.
	// В отличие от executor'а у worker'а нет polling-fallback'а:
	// очередь steps.launch — его единственный источник заданий.
	ErrNoBroker = errors.New("worker requires rabbitmq connection and publisher")
)
