// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//
// Все сервисы используют единый формат логирования: каждая строка
// движка несёт run_id и имя шага, если они известны. Prometheus-метрики
// объявляются рядом с кодом, который их обновляет, и экспортируются
// на /metrics endpoint каждого демона.
package telemetry
