// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (репозитории, publisher, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - graph_handler.go    — обработчики для /graphs и версий
//   - run_handler.go      — обработчики для /runs, шагов и ленты событий
//   - schedule_handler.go — обработчики для /schedules
//
// API принимает graph-ссылки в двух формах (UUID или имя) и отвечает
// 202 на асинхронные операции: submission и cancel выполняются
// executor'ом, API лишь фиксирует запрос и публикует сигнал в MQ.
package api
