package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/model"
)

// StartJobProgression запускает фоновое продвижение задач по статусам с периодом tick.
func (s *Service) StartJobProgression(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance()
		}
	}
}

// Advance выполняет один шаг обработки для всех незавершённых задач.
func (s *Service) Advance() {
	type finished struct {
		jobID  string
		status model.JobStatus
	}
	var done []finished

	s.mu.Lock()
	now := s.now()
	for _, rec := range s.jobs {
		job := &rec.job
		switch job.Status {
		case model.JobStatusUploaded, model.JobStatusPending:
			job.Status = model.JobStatusProcessing
			job.Progress = 0
			job.Message = msgProcessing
		case model.JobStatusProcessing:
			job.Progress += s.step
			if job.Progress < 100 {
				break
			}
			job.Progress = 100
			if strings.Contains(strings.ToLower(job.Filename), failMarker) {
				job.Status = model.JobStatusFailed
				job.Message = ""
				job.Error = msgFailed
			} else {
				job.Status = model.JobStatusCompleted
				job.Message = msgCompleted
				rec.result = synthesizeResult(rec, now)
			}
			done = append(done, finished{jobID: job.JobID, status: job.Status})
		default:
			continue
		}
		job.UpdatedAt = &now
	}
	s.mu.Unlock()

	for _, f := range done {
		s.observer.JobFinished(string(f.status))
		s.logger.Info("job finished", zap.String("job_id", f.jobID), zap.String("status", string(f.status)))
	}
}

// synthesizeResult строит правдоподобный результат из имени и размера файла.
func synthesizeResult(rec *jobRecord, now time.Time) *model.Result {
	stem := strings.TrimSuffix(rec.job.Filename, filepath.Ext(rec.job.Filename))
	vendor := "Unknown vendor"
	if stem != "" {
		vendor = capitalize(stem)
	}

	date := rec.job.CreatedAt.Format("2006-01-02")
	category := "General"

	itemCount := int(rec.size%3) + 1
	items := make([]model.LineItem, 0, itemCount)
	var total float64
	for i := 1; i <= itemCount; i++ {
		qty := float64(i)
		price := float64(100*i+int(rec.size%100)) / 100
		amount := qty * price
		total += amount
		items = append(items, model.LineItem{
			Description: fmt.Sprintf("Item %d", i),
			Quantity:    &qty,
			UnitPrice:   &price,
			Amount:      &amount,
		})
	}
	raw := fmt.Sprintf("%s\n%s\nTOTAL %.2f", vendor, date, total)

	return &model.Result{
		JobID:  rec.job.JobID,
		Status: model.JobStatusCompleted,
		ExtractedData: model.ExtractedData{
			Vendor:   &vendor,
			Date:     &date,
			Total:    &total,
			Category: &category,
			Items:    items,
			RawText:  &raw,
		},
		Insights: &model.Insights{
			SpendingByCategory: map[string]float64{category: total},
		},
		CreatedAt: now,
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
