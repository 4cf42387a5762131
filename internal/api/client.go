// Package api предоставляет HTTP-клиент бэкенда обработки документов Raw2Insight.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/raw2insight/internal/model"
)

const (
	apiTimeout    = 60 * time.Second
	uploadTimeout = 5 * time.Minute
	healthTimeout = 10 * time.Second
	pingTimeout   = 5 * time.Second

	apiPrefix = "/api/v1"
)

// Options задаёт зависимости клиента.
type Options struct {
	Token          TokenSource
	OnUnauthorized func()
	Logger         *zap.Logger
	// Transport: базовый транспорт, по умолчанию http.DefaultTransport.
	Transport http.RoundTripper
}

// Client инкапсулирует HTTP-взаимодействие с бэкендом.
// Запросы к API и загрузка файлов идут через один конвейер middleware, но с разными таймаутами.
type Client struct {
	baseURL      string
	rootURL      string
	apiClient    *http.Client
	uploadClient *http.Client
	rootClient   *http.Client
	logger       *zap.Logger

	statusGroup singleflight.Group
}

// NewClient создаёт клиент для API по указанному адресу, например http://localhost:8000/api/v1.
func NewClient(baseURL string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	authed := Chain(opts.Transport,
		Logging(logger),
		OnUnauthorized(opts.OnUnauthorized),
		BearerAuth(opts.Token),
	)
	plain := Chain(opts.Transport, Logging(logger))

	return &Client{
		baseURL:      base,
		rootURL:      strings.TrimRight(strings.Replace(base, apiPrefix, "", 1), "/"),
		apiClient:    &http.Client{Transport: authed, Timeout: apiTimeout},
		uploadClient: &http.Client{Transport: authed, Timeout: uploadTimeout},
		rootClient:   &http.Client{Transport: plain},
		logger:       logger,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// Signup регистрирует пользователя.
func (c *Client) Signup(ctx context.Context, email, password, fullName string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	req := credentialsRequest{Email: email, Password: password, FullName: fullName}
	if err := c.doJSON(ctx, c.apiClient, http.MethodPost, "/auth/signup", req, &resp, "signup", msgSignupFailed); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login выполняет вход и возвращает токен с данными пользователя.
func (c *Client) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	req := credentialsRequest{Email: email, Password: password}
	if err := c.doJSON(ctx, c.apiClient, http.MethodPost, "/auth/login", req, &resp, "login", msgLoginFailed); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me возвращает пользователя, которому принадлежит текущий токен.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := c.doJSON(ctx, c.apiClient, http.MethodGet, "/auth/me", nil, &user, "me", msgMeFailed); err != nil {
		return nil, err
	}
	return &user, nil
}

// JobStatus запрашивает статус задачи. Одновременные запросы по одной задаче объединяются в один.
// Общий запрос не зависит от отмены контекста отдельного вызывающего: его ограничивает
// таймаут API-клиента, а каждый вызывающий ждёт только до отмены своего ctx.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.statusGroup.DoChan(jobID, func() (any, error) {
		var job model.Job
		path := "/status/" + url.PathEscape(jobID)
		if err := c.doJSON(fetchCtx, c.apiClient, http.MethodGet, path, nil, &job, "status", msgStatusFailed); err != nil {
			return nil, err
		}
		if job.JobID == "" {
			job.JobID = jobID
		}
		return &job, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	// Копия, чтобы вызывающие стороны не делили один указатель.
	job := *res.Val.(*model.Job)
	return &job, nil
}

// Result возвращает результат обработки задачи.
func (c *Client) Result(ctx context.Context, jobID string) (*model.Result, error) {
	var result model.Result
	path := "/result/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, c.apiClient, http.MethodGet, path, nil, &result, "result", msgResultFailed); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveExtractedData сохраняет исправленные пользователем данные результата.
func (c *Client) SaveExtractedData(ctx context.Context, jobID string, data model.ExtractedData) (map[string]any, error) {
	resp := map[string]any{}
	path := "/result/" + url.PathEscape(jobID) + "/save"
	if err := c.doJSON(ctx, c.apiClient, http.MethodPatch, path, data, &resp, "save", msgSaveFailed); err != nil {
		return nil, err
	}
	return resp, nil
}

// Jobs возвращает все задачи текущего пользователя.
func (c *Client) Jobs(ctx context.Context) ([]model.Job, error) {
	var resp model.JobList
	if err := c.doJSON(ctx, c.apiClient, http.MethodGet, "/jobs", nil, &resp, "jobs", msgJobsFailed); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// MyDocuments возвращает страницу истории документов пользователя.
func (c *Client) MyDocuments(ctx context.Context, skip, limit int) ([]model.Document, error) {
	var resp model.DocumentList
	path := fmt.Sprintf("/my-documents?skip=%d&limit=%d", skip, limit)
	if err := c.doJSON(ctx, c.apiClient, http.MethodGet, path, nil, &resp, "documents", msgDocumentsFailed); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []model.Document{}
	}
	return resp.Documents, nil
}

// Cleanup удаляет артефакты задачи на бэкенде.
func (c *Client) Cleanup(ctx context.Context, jobID string) (map[string]any, error) {
	resp := map[string]any{}
	path := "/cleanup/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, c.apiClient, http.MethodDelete, path, nil, &resp, "cleanup", msgCleanupFailed); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health проверяет состояние бэкенда. Эндпоинт не использует префикс /api/v1 и авторизацию.
func (c *Client) Health(ctx context.Context) (model.Health, error) {
	return c.root(ctx, "/health", healthTimeout, "health", msgHealthFailed)
}

// Ping проверяет доступность бэкенда.
func (c *Client) Ping(ctx context.Context) (model.Health, error) {
	return c.root(ctx, "/ping", pingTimeout, "ping", msgPingFailed)
}

func (c *Client) root(ctx context.Context, path string, timeout time.Duration, op, fallback string) (model.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rootURL+path, nil)
	if err != nil {
		return nil, newTransportError(op, fallback, fmt.Errorf("create request: %w", err))
	}

	resp, err := c.rootClient.Do(req)
	if err != nil {
		return nil, newTransportError(op, fallback, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: fallback}
	}

	out := model.Health{}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, newTransportError(op, fallback, err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			out["raw"] = string(body)
		}
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, payload, out any, op, fallback string) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return newTransportError(op, fallback, fmt.Errorf("marshal %s request: %w", op, err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return newTransportError(op, fallback, fmt.Errorf("create %s request: %w", op, err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return newTransportError(op, fallback, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out, op, fallback)
}

func decodeResponse(resp *http.Response, out any, op, fallback string) error {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return newStatusError(op, fallback, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newTransportError(op, fallback, fmt.Errorf("read %s response: %w", op, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newTransportError(op, fallback, fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}
