package handler

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// KeyTransform — ключ transform handler'а.
	KeyTransform = "transform"

	// Ключ конфигурации.
	configMappings = "mappings"
)

// Transform — handler трансформации данных.
//
// Применяет Go templates к inputs шага и возвращает результаты
// как outputs.
//
// Конфигурация:
//
//	{
//	    "mappings": {
//	        "total": "{{ len .Inputs.items }}",
//	        "first": "{{ index .Inputs.items 0 }}",
//	        "upper_name": "{{ upper .Inputs.name }}"
//	    }
//	}
//
// Outputs — результат рендеринга каждого mapping. Значения,
// похожие на JSON, парсятся обратно в структуры:
//
//	{"total": 10, "first": {...}, "upper_name": "ALICE"}
type Transform struct{}

// NewTransform создаёт новый Transform.
func NewTransform() *Transform {
	return &Transform{}
}

// Key возвращает ключ handler'а.
func (h *Transform) Key() string {
	return KeyTransform
}

// Execute выполняет трансформацию.
func (h *Transform) Execute(ctx context.Context, hc *Context) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	default:
	}

	mappings := h.parseMappings(hc.Config)
	if len(mappings) == 0 {
		return map[string]any{}, nil
	}

	scope := NewScope(hc.Inputs)

	outputs := make(map[string]any, len(mappings))
	for key, tmpl := range mappings {
		rendered, err := Render(tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", key, err)
		}
		outputs[key] = h.parseValue(rendered)
	}

	return outputs, nil
}

// parseMappings извлекает mappings из конфигурации.
func (h *Transform) parseMappings(config map[string]any) map[string]string {
	raw := config[configMappings]
	if raw == nil {
		return nil
	}

	switch m := raw.(type) {
	case map[string]string:
		return m

	case map[string]any:
		result := make(map[string]string, len(m))
		for key, val := range m {
			if str, ok := val.(string); ok {
				result[key] = str
			}
		}
		return result

	default:
		return nil
	}
}

// parseValue пытается распарсить строку как JSON.
// Если не получается — возвращает строку как есть.
func (h *Transform) parseValue(value string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		return obj
	}

	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr
	}

	var num json.Number
	if err := json.Unmarshal([]byte(value), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	return value
}
