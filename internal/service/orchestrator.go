// Package service реализует сценарии клиента Raw2Insight: загрузку документа,
// опрос статуса задачи и получение результата.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/model"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 60

	msgProcessingFailed = "Processing failed"
)

var (
	// ErrPollTimeout означает, что задача не завершилась за отведённое число попыток.
	ErrPollTimeout = errors.New("Polling timeout: Job did not complete within expected time")
	// ErrJobFailed: признак ошибки обработки, о которой сообщил бэкенд.
	ErrJobFailed = errors.New("job failed")
)

// JobError: ошибка задачи, завершившейся статусом failed. Текст берётся из ответа бэкенда.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

// Is позволяет проверять ошибку через errors.Is(err, ErrJobFailed).
func (e *JobError) Is(target error) bool {
	return target == ErrJobFailed
}

// JobAPI: вызовы бэкенда, которые использует оркестратор.
type JobAPI interface {
	Upload(ctx context.Context, file api.UploadFile, onProgress func(percent int)) (*model.UploadResponse, error)
	JobStatus(ctx context.Context, jobID string) (*model.Job, error)
	Result(ctx context.Context, jobID string) (*model.Result, error)
}

// Orchestrator проводит документ через этапы загрузки, обработки и получения результата.
type Orchestrator struct {
	api         JobAPI
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewOrchestrator создаёт оркестратор. Неположительные interval и maxAttempts заменяются значениями по умолчанию.
func NewOrchestrator(jobAPI JobAPI, interval time.Duration, maxAttempts int, logger *zap.Logger) *Orchestrator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		api:         jobAPI,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// PollJobStatus опрашивает статус задачи с фиксированным интервалом до терминального статуса.
// Ошибки запроса терпятся до последней попытки, ошибка последней попытки возвращается как есть.
// Ответ 401 прерывает опрос сразу.
// Если попытки закончились без терминального статуса, возвращается ErrPollTimeout.
func (o *Orchestrator) PollJobStatus(ctx context.Context, jobID string, onProgress func(*model.Job)) (*model.Job, error) {
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		job, err := o.api.JobStatus(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Сессия уже сброшена, дальнейший опрос бессмысленен.
			if errors.Is(err, api.ErrUnauthorized) {
				return nil, err
			}
			o.logger.Warn("status check failed",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt == o.maxAttempts {
				return nil, err
			}
		} else {
			if onProgress != nil {
				onProgress(job)
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		}

		if attempt == o.maxAttempts {
			break
		}
		if err := sleep(ctx, o.interval); err != nil {
			return nil, err
		}
	}

	o.logger.Warn("polling timeout", zap.String("job_id", jobID), zap.Int("attempts", o.maxAttempts))
	return nil, ErrPollTimeout
}

// UploadAndProcess загружает файл, дожидается окончания обработки и получает результат.
func (o *Orchestrator) UploadAndProcess(ctx context.Context, file api.UploadFile, onProgress func(model.Progress)) (*model.ProcessOutcome, error) {
	emit := func(p model.Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	emit(model.Progress{Stage: model.StageUploading, Progress: 0})
	uploaded, err := o.api.Upload(ctx, file, func(percent int) {
		emit(model.Progress{Stage: model.StageUploading, Progress: percent})
	})
	if err != nil {
		o.logger.Error("upload failed", zap.String("file", file.Name), zap.Error(err))
		return nil, err
	}

	jobID := uploaded.JobID
	o.logger.Info("file uploaded", zap.String("job_id", jobID), zap.String("file", file.Name))

	emit(model.Progress{Stage: model.StageProcessing, Progress: 0, JobID: jobID})
	final, err := o.PollJobStatus(ctx, jobID, func(job *model.Job) {
		emit(model.Progress{
			Stage:    model.StageProcessing,
			Progress: job.Progress,
			Status:   job.Status,
			JobID:    jobID,
		})
	})
	if err != nil {
		return nil, err
	}

	if final.Status == model.JobStatusFailed {
		msg := final.Error
		if msg == "" {
			msg = msgProcessingFailed
		}
		o.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("error", msg))
		return nil, &JobError{JobID: jobID, Message: msg}
	}

	emit(model.Progress{Stage: model.StageRetrieving, Progress: 100, JobID: jobID})
	result, err := o.api.Result(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.ProcessOutcome{
		JobID:   jobID,
		Results: result,
		Status:  final,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
