// Package backend реализует тестовый бэкенд обработки документов: учётные записи,
// задачи с имитацией обработки и выдачу результатов. Данные хранятся в памяти.
package backend

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/model"
)

var (
	ErrUserExists         = errors.New("Email already registered")
	ErrInvalidCredentials = errors.New("Incorrect email or password")
	ErrUserNotFound       = errors.New("User not found")
	ErrJobNotFound        = errors.New("Job not found")
	ErrJobNotCompleted    = errors.New("Job not completed yet")
)

const (
	defaultStep = 20
	failMarker  = "fail"

	msgQueued     = "File uploaded, waiting for processing"
	msgProcessing = "Processing document"
	msgCompleted  = "Processing completed"
	msgFailed     = "Processing failed: unreadable document"
)

// JobObserver получает события жизненного цикла задач.
type JobObserver interface {
	JobStarted()
	JobFinished(status string)
	JobDropped()
}

type nopObserver struct{}

func (nopObserver) JobStarted()        {}
func (nopObserver) JobFinished(string) {}
func (nopObserver) JobDropped()        {}

type userRecord struct {
	user         model.User
	passwordHash []byte
}

type jobRecord struct {
	ownerID    int64
	documentID string
	size       int64
	job        model.Job
	result     *model.Result
}

// Service хранит пользователей и задачи и продвигает задачи по статусам.
type Service struct {
	logger   *zap.Logger
	observer JobObserver
	step     int
	now      func() time.Time

	mu       sync.RWMutex
	nextUser int64
	byEmail  map[string]*userRecord
	byID     map[int64]*userRecord
	jobs     map[string]*jobRecord
}

// NewService создаёт сервис. step: прирост прогресса за один тик, от 1 до 100.
func NewService(step int, observer JobObserver, logger *zap.Logger) *Service {
	if step <= 0 || step > 100 {
		step = defaultStep
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:   logger,
		observer: observer,
		step:     step,
		now:      func() time.Time { return time.Now().UTC() },
		byEmail:  make(map[string]*userRecord),
		byID:     make(map[int64]*userRecord),
		jobs:     make(map[string]*jobRecord),
	}
}

// RegisterUser регистрирует пользователя.
func (s *Service) RegisterUser(_ context.Context, email, password, fullName string) (*model.User, error) {
	key := normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[key]; ok {
		return nil, ErrUserExists
	}

	s.nextUser++
	rec := &userRecord{
		user: model.User{
			ID:        s.nextUser,
			Email:     strings.TrimSpace(email),
			FullName:  strings.TrimSpace(fullName),
			IsActive:  true,
			CreatedAt: s.now(),
		},
		passwordHash: hashPassword(key, password),
	}
	s.byEmail[key] = rec
	s.byID[rec.user.ID] = rec

	u := rec.user
	return &u, nil
}

// AuthenticateUser проверяет email и пароль.
func (s *Service) AuthenticateUser(_ context.Context, email, password string) (*model.User, error) {
	key := normalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byEmail[key]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(hashPassword(key, password), rec.passwordHash) != 1 {
		return nil, ErrInvalidCredentials
	}

	u := rec.user
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(_ context.Context, userID int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := rec.user
	return &u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateJob регистрирует загруженный файл как новую задачу.
func (s *Service) CreateJob(_ context.Context, userID int64, filename string, size int64) (*model.Job, error) {
	now := s.now()
	rec := &jobRecord{
		ownerID:    userID,
		documentID: uuid.NewString(),
		size:       size,
		job: model.Job{
			JobID:     uuid.NewString(),
			Filename:  filepath.Base(filename),
			Status:    model.JobStatusUploaded,
			Message:   msgQueued,
			CreatedAt: &now,
			UpdatedAt: &now,
		},
	}

	s.mu.Lock()
	s.jobs[rec.job.JobID] = rec
	s.mu.Unlock()

	s.observer.JobStarted()
	s.logger.Info("job created",
		zap.String("job_id", rec.job.JobID),
		zap.Int64("user_id", userID),
		zap.String("filename", rec.job.Filename),
		zap.Int64("size", size),
	)

	job := rec.job
	return &job, nil
}

// GetJob возвращает снимок задачи пользователя.
func (s *Service) GetJob(_ context.Context, userID int64, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.ownedJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	job := rec.job
	return &job, nil
}

// GetResult возвращает результат завершённой задачи.
func (s *Service) GetResult(_ context.Context, userID int64, jobID string) (*model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.ownedJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	if rec.job.Status != model.JobStatusCompleted || rec.result == nil {
		return nil, ErrJobNotCompleted
	}
	res := *rec.result
	return &res, nil
}

// SaveExtractedData заменяет извлечённые данные завершённой задачи исправленными пользователем.
func (s *Service) SaveExtractedData(_ context.Context, userID int64, jobID string, data model.ExtractedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.ownedJob(userID, jobID)
	if err != nil {
		return err
	}
	if rec.job.Status != model.JobStatusCompleted || rec.result == nil {
		return ErrJobNotCompleted
	}
	if data.Items == nil {
		data.Items = []model.LineItem{}
	}
	rec.result.ExtractedData = data
	now := s.now()
	rec.job.UpdatedAt = &now
	return nil
}

// ListJobs возвращает задачи пользователя, новые первыми.
func (s *Service) ListJobs(_ context.Context, userID int64) []model.Job {
	recs := s.userJobs(userID)
	out := make([]model.Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.job)
	}
	return out
}

// ListDocuments возвращает страницу истории документов пользователя, новые первыми.
func (s *Service) ListDocuments(_ context.Context, userID int64, skip, limit int) []model.Document {
	recs := s.userJobs(userID)
	if skip < 0 {
		skip = 0
	}
	if skip > len(recs) {
		skip = len(recs)
	}
	recs = recs[skip:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}

	out := make([]model.Document, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.document())
	}
	return out
}

// DeleteJob удаляет задачу и её результат.
func (s *Service) DeleteJob(_ context.Context, userID int64, jobID string) error {
	s.mu.Lock()
	rec, err := s.ownedJob(userID, jobID)
	if err == nil {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !rec.job.Status.IsTerminal() {
		s.observer.JobDropped()
	}
	s.logger.Info("job deleted", zap.String("job_id", jobID), zap.Int64("user_id", userID))
	return nil
}

func (s *Service) ownedJob(userID int64, jobID string) (*jobRecord, error) {
	rec, ok := s.jobs[jobID]
	if !ok || rec.ownerID != userID {
		return nil, ErrJobNotFound
	}
	return rec, nil
}

func (s *Service) userJobs(userID int64) []*jobRecord {
	s.mu.RLock()
	recs := make([]*jobRecord, 0)
	for _, rec := range s.jobs {
		if rec.ownerID == userID {
			cp := *rec
			if rec.result != nil {
				res := *rec.result
				cp.result = &res
			}
			recs = append(recs, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].job.CreatedAt, recs[j].job.CreatedAt
		if a.Equal(*b) {
			return recs[i].job.JobID < recs[j].job.JobID
		}
		return a.After(*b)
	})
	return recs
}

func (r *jobRecord) document() model.Document {
	doc := model.Document{
		ID:        r.documentID,
		JobID:     r.job.JobID,
		Filename:  r.job.Filename,
		Status:    r.job.Status,
		CreatedAt: *r.job.CreatedAt,
	}
	if r.result != nil {
		data := r.result.ExtractedData
		doc.Vendor = data.Vendor
		doc.TotalAmount = data.Total
		n := len(data.Items)
		doc.ItemsCount = &n
	}
	return doc
}
