// Package handler содержит HTTP-обработчики тестового бэкенда Raw2Insight.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/backend"
	"github.com/mmeshcher/raw2insight/internal/metrics"
	"github.com/mmeshcher/raw2insight/internal/middleware"
	"github.com/mmeshcher/raw2insight/internal/model"
)

const (
	maxUploadBytes = 50 << 20
	defaultLimit   = 100
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password, fullName string) (*model.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	CreateJob(ctx context.Context, userID int64, filename string, size int64) (*model.Job, error)
	GetJob(ctx context.Context, userID int64, jobID string) (*model.Job, error)
	GetResult(ctx context.Context, userID int64, jobID string) (*model.Result, error)
	SaveExtractedData(ctx context.Context, userID int64, jobID string, data model.ExtractedData) error
	ListJobs(ctx context.Context, userID int64) []model.Job
	ListDocuments(ctx context.Context, userID int64, skip, limit int) []model.Document
	DeleteJob(ctx context.Context, userID int64, jobID string) error
}

// Handler реализует HTTP-обработчики тестового бэкенда.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
	startedAt      time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. m может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
		startedAt:      time.Now(),
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handler) authResponse(w http.ResponseWriter, status int, user *model.User) {
	writeJSON(w, status, model.AuthResponse{
		AccessToken: h.authMiddleware.IssueToken(user.ID),
		TokenType:   middleware.TokenType,
		User:        *user,
	})
}

// Signup регистрирует пользователя и сразу выдаёт токен.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.FullName) == "" {
		writeDetail(w, http.StatusBadRequest, "Email, password and full name are required")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		if errors.Is(err, backend.ErrUserExists) {
			writeDetail(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.authResponse(w, http.StatusCreated, user)
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeDetail(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			writeDetail(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.authResponse(w, http.StatusOK, user)
}

// Me возвращает текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		// Токен подписан, но пользователя больше нет.
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Upload принимает файл из поля file формы multipart и создаёт задачу.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Could not read uploaded file")
		return
	}
	if size == 0 {
		writeDetail(w, http.StatusBadRequest, "File is empty")
		return
	}

	job, err := h.service.CreateJob(r.Context(), userID, header.Filename, size)
	if err != nil {
		h.logger.Error("create job error", zap.Error(err), zap.Int64("userID", userID))
		writeDetail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, model.UploadResponse{
		JobID:    job.JobID,
		Filename: job.Filename,
		Status:   job.Status,
		Message:  job.Message,
	})
}

// Status возвращает текущее состояние задачи.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := jobRequest(w, r)
	if !ok {
		return
	}

	job, err := h.service.GetJob(r.Context(), userID, jobID)
	if err != nil {
		h.jobError(w, err, jobID)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// Result возвращает результат завершённой задачи.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := jobRequest(w, r)
	if !ok {
		return
	}

	res, err := h.service.GetResult(r.Context(), userID, jobID)
	if err != nil {
		h.jobError(w, err, jobID)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// SaveResult сохраняет исправленные пользователем данные.
func (h *Handler) SaveResult(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := jobRequest(w, r)
	if !ok {
		return
	}

	var data model.ExtractedData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.SaveExtractedData(r.Context(), userID, jobID, data); err != nil {
		h.jobError(w, err, jobID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Extracted data saved",
		"job_id":  jobID,
	})
}

// Jobs возвращает все задачи текущего пользователя.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	writeJSON(w, http.StatusOK, model.JobList{Jobs: h.service.ListJobs(r.Context(), userID)})
}

// MyDocuments возвращает страницу истории документов.
func (h *Handler) MyDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit < 1 {
		writeDetail(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
		return
	}

	writeJSON(w, http.StatusOK, model.DocumentList{
		Documents: h.service.ListDocuments(r.Context(), userID, skip, limit),
	})
}

// Cleanup удаляет задачу пользователя.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := jobRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(r.Context(), userID, jobID); err != nil {
		h.jobError(w, err, jobID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Job cleaned up",
		"job_id":  jobID,
	})
}

// Health сообщает о состоянии сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "raw2insight-stub",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Ping отвечает на проверку доступности.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func jobRequest(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return 0, "", false
	}
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeDetail(w, http.StatusNotFound, backend.ErrJobNotFound.Error())
		return 0, "", false
	}
	return userID, jobID, true
}

func (h *Handler) jobError(w http.ResponseWriter, err error, jobID string) {
	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backend.ErrJobNotCompleted):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("job request error", zap.Error(err), zap.String("job_id", jobID))
		writeDetail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
