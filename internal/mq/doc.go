// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - run.submitted — новый run ожидает исполнения
//   - run.cancel    — запрос отмены run
//   - step.launch   — попытка шага готова к исполнению worker'ом
//   - step.result   — исход попытки шага
//   - event         — событие run'а (fanout для внешних подписчиков)
//
// Exchanges:
//   - conveyor.runs   — жизненный цикл runs
//   - conveyor.steps  — launch/result попыток шагов
//   - conveyor.events — fanout событий
//   - conveyor.dlq    — dead letter queue
package mq
