package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// ErrUnauthorized оборачивается в APIError, если бэкенд ответил 401.
var ErrUnauthorized = errors.New("unauthorized")

// Сообщения, которые показываются пользователю, если бэкенд не прислал detail.
const (
	msgSignupFailed     = "Signup failed"
	msgLoginFailed      = "Login failed"
	msgMeFailed         = "Failed to get user info"
	msgUploadFailed     = "Upload failed"
	msgStatusFailed     = "Failed to get status"
	msgResultFailed     = "Failed to get results"
	msgSaveFailed       = "Failed to save data"
	msgJobsFailed       = "Failed to get jobs"
	msgDocumentsFailed  = "Failed to get documents"
	msgCleanupFailed    = "Failed to cleanup job"
	msgHealthFailed     = "Backend service unavailable"
	msgPingFailed       = "Backend service unreachable"
	maxErrorBodyBytes   = 4096
	authorizationHeader = "Authorization"
)

// APIError: ошибка вызова бэкенда с человекочитаемым сообщением.
// StatusCode равен нулю, если ответ не был получен.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode возвращает HTTP-статус из цепочки ошибок или ноль.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func newTransportError(op, fallback string, err error) *APIError {
	return &APIError{
		Op:      op,
		Message: fallback,
		Err:     err,
	}
}

// newStatusError извлекает сообщение из поля detail тела ответа.
func newStatusError(op, fallback string, resp *http.Response) *APIError {
	apiErr := &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    fallback,
	}
	if resp.StatusCode == http.StatusUnauthorized {
		apiErr.Err = ErrUnauthorized
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if detail := extractDetail(body); detail != "" {
		apiErr.Message = detail
	}
	return apiErr
}

func extractDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err != nil {
		// FastAPI присылает ошибки валидации массивом объектов.
		return ""
	}
	return strings.TrimSpace(detail)
}
