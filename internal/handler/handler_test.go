package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// Registry Tests

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	// Пустой реестр
	if r.Count() != 0 {
		t.Errorf("expected empty registry")
	}

	// Регистрация
	r.Register(NewDelay())
	if r.Count() != 1 {
		t.Errorf("expected 1 handler, got %d", r.Count())
	}

	// Получение
	h, err := r.Get("delay")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if h.Key() != "delay" {
		t.Errorf("expected delay, got %s", h.Key())
	}

	// Несуществующий ключ
	_, err = r.Get("unknown")
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}

	// Has
	if !r.Has("delay") {
		t.Error("should have delay")
	}
	if r.Has("unknown") {
		t.Error("should not have unknown")
	}

	// Unregister
	r.Unregister("delay")
	if r.Has("delay") {
		t.Error("should not have delay after unregister")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	expectedKeys := []string{"delay", "http", "transform"}
	for _, key := range expectedKeys {
		if !r.Has(key) {
			t.Errorf("default registry should have %s", key)
		}
	}

	keys := r.Keys()
	if len(keys) != len(expectedKeys) {
		t.Errorf("expected %d keys, got %d", len(expectedKeys), len(keys))
	}
}

func TestFunc(t *testing.T) {
	h := Func{
		Name: "custom",
		Fn: func(ctx context.Context, hc *Context) (map[string]any, error) {
			return map[string]any{"echo": hc.Inputs["value"]}, nil
		},
	}

	if h.Key() != "custom" {
		t.Errorf("expected custom, got %s", h.Key())
	}

	outputs, err := h.Execute(context.Background(), &Context{
		Inputs: map[string]any{"value": 7},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outputs["echo"] != 7 {
		t.Errorf("expected echo 7, got %v", outputs["echo"])
	}
}

// Delay Tests

func TestDelay_Execute(t *testing.T) {
	h := NewDelay()
	ctx := context.Background()

	hc := &Context{
		StepName: "test",
		Config: map[string]any{
			"duration_ms": 50,
		},
	}

	start := time.Now()
	outputs, err := h.Execute(ctx, hc)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Проверяем, что задержка была выполнена
	if elapsed < 50*time.Millisecond {
		t.Errorf("delay was too short: %v", elapsed)
	}

	if outputs["waited_ms"] == nil {
		t.Error("outputs should contain waited_ms")
	}
}

func TestDelay_Cancellation(t *testing.T) {
	h := NewDelay()

	hc := &Context{
		StepName: "test",
		Config: map[string]any{
			"duration_sec": 1,
		},
	}

	start := time.Now()

	// Отменяем через 100ms
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, hc)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	// Проверяем, что отмена произошла быстро
	if elapsed > 200*time.Millisecond {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestDelay_InvalidConfig(t *testing.T) {
	h := NewDelay()

	hc := &Context{
		StepName: "test",
		Config:   map[string]any{}, // Нет duration
	}

	_, err := h.Execute(context.Background(), hc)
	if err == nil {
		t.Fatal("expected error for missing duration")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// HTTP Tests

func TestHTTP_GET(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"data":   []int{1, 2, 3},
		})
	}))
	defer server.Close()

	h := NewHTTP()

	hc := &Context{
		StepName: "test",
		Config: map[string]any{
			"method": "GET",
			"url":    server.URL,
		},
	}

	outputs, err := h.Execute(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if outputs["status_code"] != 200 {
		t.Errorf("expected status_code 200, got %v", outputs["status_code"])
	}

	body, ok := outputs["body"].(map[string]any)
	if !ok {
		t.Fatalf("expected body to be map, got %T", outputs["body"])
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
}

func TestHTTP_POST_JSON(t *testing.T) {
	var receivedBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json")
		}

		json.NewDecoder(r.Body).Decode(&receivedBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 123})
	}))
	defer server.Close()

	h := NewHTTP()

	hc := &Context{
		StepName: "test",
		Config: map[string]any{
			"method": "POST",
			"url":    server.URL,
			"body": map[string]any{
				"name":  "test",
				"value": 42,
			},
		},
	}

	outputs, err := h.Execute(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if outputs["status_code"] != 201 {
		t.Errorf("expected status_code 201, got %v", outputs["status_code"])
	}

	if receivedBody["name"] != "test" {
		t.Errorf("expected name 'test', got %v", receivedBody["name"])
	}
}

func TestHTTP_TemplatedURL(t *testing.T) {
	// URL рендерится из inputs шага
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewHTTP()

	hc := &Context{
		StepName: "test",
		Inputs:   map[string]any{"user_id": "alice"},
		Config: map[string]any{
			"method": "GET",
			"url":    server.URL + "/users/{{ .Inputs.user_id }}",
		},
	}

	_, err := h.Execute(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedPath != "/users/alice" {
		t.Errorf("expected /users/alice, got %s", receivedPath)
	}
}

func TestHTTP_InvalidConfig(t *testing.T) {
	h := NewHTTP()

	hc := &Context{
		StepName: "test",
		Config:   map[string]any{}, // Нет URL
	}

	_, err := h.Execute(context.Background(), hc)
	if err == nil {
		t.Fatal("expected error for missing URL")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// Transform Tests

func TestTransform_Execute(t *testing.T) {
	h := NewTransform()

	hc := &Context{
		StepName: "test",
		Inputs: map[string]any{
			"name":  "alice",
			"items": []any{"a", "b", "c"},
		},
		Config: map[string]any{
			"mappings": map[string]any{
				"upper_name": "{{ upper .Inputs.name }}",
				"total":      "{{ len .Inputs.items }}",
			},
		},
	}

	outputs, err := h.Execute(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if outputs["upper_name"] != "ALICE" {
		t.Errorf("expected ALICE, got %v", outputs["upper_name"])
	}

	// Числовой результат парсится обратно в число
	if outputs["total"] != int64(3) {
		t.Errorf("expected int64(3), got %T(%v)", outputs["total"], outputs["total"])
	}
}

func TestTransform_EmptyMappings(t *testing.T) {
	h := NewTransform()

	hc := &Context{
		StepName: "test",
		Config:   map[string]any{},
	}

	outputs, err := h.Execute(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("expected empty outputs, got %v", outputs)
	}
}

func TestTransform_BadTemplate(t *testing.T) {
	h := NewTransform()

	hc := &Context{
		StepName: "test",
		Config: map[string]any{
			"mappings": map[string]any{
				"bad": "{{ unclosed",
			},
		},
	}

	_, err := h.Execute(context.Background(), hc)
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

// Template Tests

func TestRender(t *testing.T) {
	scope := NewScope(map[string]any{
		"name": "bob",
		"tags": []string{"x", "y"},
	})

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "plain string", tmpl: "no templates here", want: "no templates here"},
		{name: "input", tmpl: "hello {{ .Inputs.name }}", want: "hello bob"},
		{name: "upper", tmpl: "{{ upper .Inputs.name }}", want: "BOB"},
		{name: "join", tmpl: `{{ join "," .Inputs.tags }}`, want: "x,y"},
		{name: "default", tmpl: `{{ default "anon" .Inputs.missing }}`, want: "anon"},
		{name: "json", tmpl: `{{ json .Inputs.tags }}`, want: `["x","y"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, scope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRenderValue_Nested(t *testing.T) {
	scope := NewScope(map[string]any{"host": "example.com"})

	value := map[string]any{
		"url": "https://{{ .Inputs.host }}/api",
		"nested": []any{
			"{{ .Inputs.host }}",
			42,
		},
	}

	rendered, err := RenderValue(value, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := rendered.(map[string]any)
	if m["url"] != "https://example.com/api" {
		t.Errorf("expected rendered url, got %v", m["url"])
	}

	nested := m["nested"].([]any)
	if nested[0] != "example.com" {
		t.Errorf("expected rendered element, got %v", nested[0])
	}
	if nested[1] != 42 {
		t.Errorf("expected untouched int, got %v", nested[1])
	}
}
