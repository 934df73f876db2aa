// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления graphs, runs и schedules.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок. Graph-ссылки принимает в двух формах:
// UUID или имя.
//
//	client := cli.NewClient("http://localhost:8080")
//	graphs, err := client.ListGraphs()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы и пары ключ-значение (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor graph list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - graph: register, list, show, versions, update, delete
//   - run: submit, list, show, steps, events, cancel
//   - schedule: list, create, show, update, delete, enable, disable
//
// Spec-файлы (graph register) и файлы конфигурации запуска
// (run submit --config, schedule create --run-config) читаются как
// YAML; JSON принимается без изменений, так как является подмножеством
// YAML. run events --follow опрашивает ленту событий до терминального
// статуса run.
//
// Каждая группа создаётся через фабричную функцию (NewGraphCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
