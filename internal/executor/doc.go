// Package executor управляет выполнением runs.
//
// Executor отвечает за:
//   - Получение новых runs из очереди RabbitMQ и polling БД
//   - Admission через coordinator (ACCEPTED/QUEUED/REJECTED)
//   - Резолв backends run'а: IO manager, launcher, resources
//   - Выполнение DAG: готовность по upstream, retries, skip-пропагация
//   - Финализацию run (SUCCEEDED/FAILED/CANCELLED)
//   - Восстановление прерванных runs из durable step records
//
// Executor — это "мозг" системы, который координирует выполнение.
package executor
