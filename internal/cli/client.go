package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// GraphResponse — graph из API.
type GraphResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsActive      bool   `json:"is_active"`
	LatestVersion int    `json:"latest_version,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// GraphVersionResponse — версия graph из API.
type GraphVersionResponse struct {
	GraphID   string         `json:"graph_id"`
	Version   int            `json:"version"`
	Spec      map[string]any `json:"spec"`
	CreatedAt string         `json:"created_at"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID             string         `json:"id"`
	GraphID        string         `json:"graph_id"`
	Version        int            `json:"version"`
	Status         string         `json:"status"`
	Config         map[string]any `json:"config,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// SubmitRunResponse — подтверждение принятого запуска.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// StepRecordResponse — состояние шага из API.
type StepRecordResponse struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	StepName   string            `json:"step_name"`
	Handler    string            `json:"handler"`
	Status     string            `json:"status"`
	Attempt    int               `json:"attempt"`
	OutputKeys map[string]string `json:"output_keys,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

// EventResponse — событие из ленты run'а.
type EventResponse struct {
	Seq       int64  `json:"seq"`
	RunID     string `json:"run_id"`
	StepName  string `json:"step_name,omitempty"`
	Type      string `json:"type"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string         `json:"id"`
	GraphID     string         `json:"graph_id"`
	Version     int            `json:"version,omitempty"`
	Name        string         `json:"name,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastRunID   string         `json:"last_run_id,omitempty"`
	RunConfig   map[string]any `json:"run_config,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// --- Request types ---

// RegisterGraphRequest — регистрация graph со spec.
// Spec — разобранный YAML/JSON файл, CLI передаёт его как есть:
// валидация DAG целиком на стороне сервера.
type RegisterGraphRequest struct {
	Name string         `json:"name"`
	Spec map[string]any `json:"spec,omitempty"`
}

// UpdateGraphRequest — обновление graph.
type UpdateGraphRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// RetryPolicy — политика retry в терминах API.
type RetryPolicy struct {
	MaxAttempts    int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff        string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	InitialDelayMs int    `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs     int    `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// SubmitRunRequest — запуск graph.
// YAML-теги позволяют читать конфигурацию запуска из файла (--config).
type SubmitRunRequest struct {
	Graph            string                    `json:"graph" yaml:"-"`
	Version          *int                      `json:"version,omitempty" yaml:"version,omitempty"`
	Resources        map[string]map[string]any `json:"resource_config,omitempty" yaml:"resource_config,omitempty"`
	IOManager        string                    `json:"io_manager,omitempty" yaml:"io_manager,omitempty"`
	IOManagerConfig  map[string]any            `json:"io_manager_config,omitempty" yaml:"io_manager_config,omitempty"`
	Launcher         string                    `json:"launcher,omitempty" yaml:"launcher,omitempty"`
	FailurePolicy    string                    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	Retry            *RetryPolicy              `json:"retry,omitempty" yaml:"retry,omitempty"`
	MaxParallelSteps int                       `json:"max_parallel_steps,omitempty" yaml:"max_parallel_steps,omitempty"`
	IdempotencyKey   string                    `json:"idempotency_key,omitempty" yaml:"-"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name,omitempty"`
	Version     int            `json:"version,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	RunConfig   map[string]any `json:"run_config,omitempty"`
}

// UpdateScheduleRequest — обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	Version     *int            `json:"version,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	RunConfig   *map[string]any `json:"run_config,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Graph  string
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Graphs ---

// ListGraphs возвращает все graphs.
func (c *Client) ListGraphs() ([]GraphResponse, error) {
	var graphs []GraphResponse
	err := c.list("/api/v1/graphs", nil, &graphs)
	return graphs, err
}

// RegisterGraph регистрирует graph. Повторная регистрация имени
// со spec создаёт новую версию.
func (c *Client) RegisterGraph(req RegisterGraphRequest) (*GraphResponse, error) {
	var g GraphResponse
	err := c.post("/api/v1/graphs", req, &g)
	return &g, err
}

// GetGraph возвращает graph по UUID или имени.
func (c *Client) GetGraph(ref string) (*GraphResponse, error) {
	var g GraphResponse
	err := c.get("/api/v1/graphs/"+url.PathEscape(ref), &g)
	return &g, err
}

// UpdateGraph обновляет graph.
func (c *Client) UpdateGraph(ref string, req UpdateGraphRequest) (*GraphResponse, error) {
	var g GraphResponse
	err := c.put("/api/v1/graphs/"+url.PathEscape(ref), req, &g)
	return &g, err
}

// DeleteGraph удаляет graph.
func (c *Client) DeleteGraph(ref string) error {
	return c.delete("/api/v1/graphs/" + url.PathEscape(ref))
}

// ListVersions возвращает версии graph.
func (c *Client) ListVersions(ref string) ([]GraphVersionResponse, error) {
	var versions []GraphVersionResponse
	err := c.list("/api/v1/graphs/"+url.PathEscape(ref)+"/versions", nil, &versions)
	return versions, err
}

// GetVersion возвращает версию graph. Вместо номера принимает "latest".
func (c *Client) GetVersion(ref, version string) (*GraphVersionResponse, error) {
	var v GraphVersionResponse
	err := c.get("/api/v1/graphs/"+url.PathEscape(ref)+"/versions/"+url.PathEscape(version), &v)
	return &v, err
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Graph != "" {
		params.Set("graph", opts.Graph)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// SubmitRun отдаёт graph на выполнение.
func (c *Client) SubmitRun(req SubmitRunRequest) (*SubmitRunResponse, error) {
	var resp SubmitRunResponse
	err := c.post("/api/v1/runs", req, &resp)
	return &resp, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// ListSteps возвращает состояние шагов run.
func (c *Client) ListSteps(runID string) ([]StepRecordResponse, error) {
	var steps []StepRecordResponse
	err := c.list("/api/v1/runs/"+runID+"/steps", nil, &steps)
	return steps, err
}

// ListEvents возвращает события run после seq.
func (c *Client) ListEvents(runID string, after int64, limit int) ([]EventResponse, error) {
	params := url.Values{}
	if after > 0 {
		params.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var events []EventResponse
	err := c.list("/api/v1/runs/"+runID+"/events", params, &events)
	return events, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. Если graph не пустой — фильтрует.
func (c *Client) ListSchedules(graph string) ([]ScheduleResponse, error) {
	params := url.Values{}
	if graph != "" {
		params.Set("graph", graph)
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule для graph.
func (c *Client) CreateSchedule(graph string, req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/graphs/"+url.PathEscape(graph)+"/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id, req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + id)
}

// EnableSchedule включает schedule.
func (c *Client) EnableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": true}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// DisableSchedule выключает schedule.
func (c *Client) DisableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": false}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
