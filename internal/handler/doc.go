// Package handler содержит исполнителей типов шагов.
//
// # Обзор
//
// Handler — это исполнитель одного типа шага. Каждый handler:
//   - Получает загруженные значения inputs (dataflow между шагами явный)
//   - Получает статическую конфигурацию шага и handles resources
//   - Возвращает значения outputs по именам
//
// # Интерфейс Handler
//
//	type Handler interface {
//	    Key() string
//	    Execute(ctx context.Context, hc *Context) (map[string]any, error)
//	}
//
// Context содержит:
//   - RunID, StepName, Attempt — координаты исполнения
//   - Inputs — значения inputs по именам
//   - Config — конфигурация шага (map[string]any)
//   - Resources — handles объявленных шагом resources
//   - Logger — логгер с привязанными run_id и step
//
// # Registry
//
// Registry — реестр handlers по ключам:
//
//	registry := handler.DefaultRegistry()  // delay, http, transform
//	h, err := registry.Get("http")
//	if err != nil {
//	    // неизвестный ключ
//	}
//
// # Стандартные handlers
//
// ## HTTP (http.go)
//
// Выполняет HTTP запросы. URL, заголовки и тело рендерятся как
// шаблоны над inputs шага:
//
//	{
//	    "method": "POST",
//	    "url": "https://api.example.com/users/{{ .Inputs.user_id }}",
//	    "headers": {"Authorization": "Bearer {{ .Inputs.token }}"},
//	    "body": {"key": "value"},
//	    "timeout_sec": 30
//	}
//
// Outputs: {"status_code": 200, "headers": {...}, "body": {...}}
//
// ## Delay (delay.go)
//
// Пауза. Конфигурация: {"duration_sec": 5} или {"duration_ms": 500}.
// Outputs: {"waited_ms": 5000}
//
// ## Transform (transform.go)
//
// Трансформация inputs через Go templates:
//
//	{
//	    "mappings": {
//	        "total": "{{ len .Inputs.items }}",
//	        "upper_name": "{{ upper .Inputs.name }}"
//	    }
//	}
//
// Outputs — результаты рендеринга каждого mapping.
//
// # Шаблоны
//
// Render/RenderValue (template.go) рендерят строки и вложенные
// структуры над Scope{Inputs, Env}. Шаблоны видят только inputs
// своего шага: ссылки на другие шаги выражаются через граф, а не
// через шаблонный контекст.
//
// # Семантика повторов
//
// Движок гарантирует at-least-once: handler может быть вызван
// повторно с теми же inputs после сбоя. Handlers с внешними
// эффектами должны быть готовы к этому (идемпотентные API,
// ключи дедупликации).
//
// Retry логика находится в executor, handlers просто возвращают ошибки.
//
// # Файлы пакета
//
//   - handler.go   — интерфейс Handler, Context, config helpers, ошибки
//   - registry.go  — Registry для получения Handler по ключу
//   - template.go  — рендеринг шаблонов в конфигурации
//   - http.go      — HTTP handler
//   - delay.go     — Delay handler
//   - transform.go — Transform handler
package handler
