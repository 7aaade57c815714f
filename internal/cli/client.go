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

// StepStateResponse - состояние шага run.
type StepStateResponse struct {
	Status      string `json:"status"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Attempt     int    `json:"attempt"`
	LogTail     string `json:"log_tail,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProgressResponse - сводка шагов run.
type ProgressResponse struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// RunResponse - run из API.
type RunResponse struct {
	ID               string                       `json:"id"`
	Status           string                       `json:"status"`
	CurrentStep      string                       `json:"current_step,omitempty"`
	StepStates       map[string]StepStateResponse `json:"step_states"`
	IncludeInstagram bool                         `json:"include_instagram"`
	TriggeredBy      string                       `json:"triggered_by"`
	CreatedAt        string                       `json:"created_at"`
	StartedAt        string                       `json:"started_at,omitempty"`
	CompletedAt      string                       `json:"completed_at,omitempty"`
	DurationMs       int64                        `json:"duration_ms,omitempty"`
	Error            string                       `json:"error,omitempty"`
	ClaimedBy        string                       `json:"claimed_by,omitempty"`
	ResumeCount      int                          `json:"resume_count"`
	CancelRequested  bool                         `json:"cancel_requested,omitempty"`
	Progress         *ProgressResponse            `json:"progress,omitempty"`
}

// AdvanceResponse - результат POST /advance.
type AdvanceResponse struct {
	Enqueued  bool         `json:"enqueued"`
	Reason    string       `json:"reason"`
	NextRunAt string       `json:"next_run_at,omitempty"`
	Run       *RunResponse `json:"run,omitempty"`
}

// SettingsResponse - настройки пайплайна из API.
type SettingsResponse struct {
	IsEnabled        bool           `json:"is_enabled"`
	RunIntervalHours int            `json:"run_interval_hours"`
	NextRunAt        string         `json:"next_run_at,omitempty"`
	IncludeInstagram bool           `json:"include_instagram"`
	Limits           map[string]int `json:"limits"`
	UpdatedAt        string         `json:"updated_at"`
}

// StepResponse - шаг реестра из API.
type StepResponse struct {
	Name       string   `json:"name"`
	Ordinal    int      `json:"ordinal"`
	Optional   bool     `json:"optional"`
	InProcess  bool     `json:"in_process"`
	Configured bool     `json:"configured"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Timeout    string   `json:"timeout"`
}

// --- Request types ---

// TriggerRunRequest - ручной запуск.
type TriggerRunRequest struct {
	TriggeredBy      string `json:"triggered_by,omitempty"`
	IncludeInstagram *bool  `json:"include_instagram,omitempty"`
}

// SettingsPatch - частичное обновление настроек.
type SettingsPatch struct {
	IsEnabled        *bool          `json:"is_enabled,omitempty"`
	RunIntervalHours *int           `json:"run_interval_hours,omitempty"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	ClearNextRunAt   bool           `json:"clear_next_run_at,omitempty"`
	IncludeInstagram *bool          `json:"include_instagram,omitempty"`
	Limits           map[string]int `json:"limits,omitempty"`
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

// APIError - ошибка, которую вернул API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client - HTTP-клиент для Harvester API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
// token передаётся как bearer-токен (нужен для POST /advance).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// ListRuns возвращает последние runs. limit <= 0 - значение сервера.
func (c *Client) ListRuns(limit int) ([]RunResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// TriggerRun ставит run вне расписания.
func (c *Client) TriggerRun(req TriggerRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
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

// --- Advance ---

// Advance просит планировщик принять одно решение.
func (c *Client) Advance() (*AdvanceResponse, error) {
	var res AdvanceResponse
	err := c.post("/api/v1/advance", nil, &res)
	return &res, err
}

// --- Settings ---

// GetSettings возвращает настройки пайплайна.
func (c *Client) GetSettings() (*SettingsResponse, error) {
	var settings SettingsResponse
	err := c.get("/api/v1/settings", &settings)
	return &settings, err
}

// UpdateSettings частично обновляет настройки.
func (c *Client) UpdateSettings(patch SettingsPatch) (*SettingsResponse, error) {
	var settings SettingsResponse
	err := c.doData(http.MethodPatch, "/api/v1/settings", patch, &settings)
	return &settings, err
}

// --- Steps ---

// ListSteps возвращает реестр шагов.
func (c *Client) ListSteps() ([]StepResponse, error) {
	var list []StepResponse
	err := c.list("/api/v1/steps", nil, &list)
	return list, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
