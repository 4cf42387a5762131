// Package model содержит доменные сущности клиента Raw2Insight.
package model

import (
	"encoding/json"
	"time"
)

// User представляет учётную запись пользователя, как её возвращает бэкенд.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse описывает ответ бэкенда на вход и регистрацию.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

// JobStatus описывает статус задачи обработки документа.
type JobStatus string

const (
	JobStatusUploaded   JobStatus = "uploaded"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPending    JobStatus = "pending"
)

// IsTerminal сообщает, что после этого статуса опрашивать задачу больше не нужно.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job: снимок состояния задачи, полученный при опросе бэкенда.
type Job struct {
	JobID     string     `json:"job_id"`
	Filename  string     `json:"filename,omitempty"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// UploadResponse: ответ бэкенда на загрузку файла.
type UploadResponse struct {
	JobID    string    `json:"job_id"`
	Filename string    `json:"filename,omitempty"`
	Status   JobStatus `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Document: краткая запись истории документов пользователя.
type Document struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Filename    string    `json:"filename"`
	Status      JobStatus `json:"status"`
	Vendor      *string   `json:"vendor,omitempty"`
	ItemsCount  *int      `json:"items_count,omitempty"`
	TotalAmount *float64  `json:"total_amount,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DocumentList: ответ эндпоинта /my-documents.
type DocumentList struct {
	Documents []Document `json:"documents"`
}

// JobList: ответ эндпоинта /jobs.
type JobList struct {
	Jobs []Job `json:"jobs"`
}

// LineItem: позиция чека или счёта.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
}

// ExtractedData содержит структурированные поля, извлечённые из документа.
type ExtractedData struct {
	Vendor   *string    `json:"vendor,omitempty"`
	Date     *string    `json:"date,omitempty"`
	Total    *float64   `json:"total,omitempty"`
	Category *string    `json:"category,omitempty"`
	Items    []LineItem `json:"items"`
	RawText  *string    `json:"raw_text,omitempty"`
}

// Insights: аналитика по расходам, построенная бэкендом.
type Insights struct {
	SpendingByCategory map[string]float64 `json:"spending_by_category,omitempty"`
	Anomalies          []json.RawMessage  `json:"anomalies,omitempty"`
}

// Result: итог обработки задачи. После получения не изменяется.
type Result struct {
	JobID         string        `json:"job_id"`
	Status        JobStatus     `json:"status"`
	ExtractedData ExtractedData `json:"extracted_data"`
	Insights      *Insights     `json:"insights,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Stage: этап сценария загрузки и обработки.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StageRetrieving Stage = "retrieving"
)

// Progress: событие прогресса, передаваемое вызывающей стороне.
type Progress struct {
	Stage    Stage
	Progress int
	Status   JobStatus
	JobID    string
}

// ProcessOutcome: результат успешного сценария загрузки и обработки.
type ProcessOutcome struct {
	JobID   string
	Results *Result
	Status  *Job
}

// Health: ответ эндпоинтов проверки доступности.
type Health map[string]any
