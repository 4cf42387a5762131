package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/model"
)

// DefaultWatchInterval: интервал опроса для экрана статуса задачи.
const DefaultWatchInterval = 3 * time.Second

// StatusFetcher запрашивает статус задачи.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*model.Job, error)
}

// Update: очередной снимок задачи или ошибка опроса.
type Update struct {
	Job *model.Job
	Err error
}

// Watcher держит не больше одного цикла опроса на задачу и раздаёт снимки всем подписчикам.
// Цикл останавливается на терминальном статусе или когда уходит последний подписчик.
type Watcher struct {
	api      StatusFetcher
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	subs   map[int]chan Update
	nextID int
	last   *Update
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher создаёт Watcher. Неположительный интервал заменяется DefaultWatchInterval.
func NewWatcher(fetcher StatusFetcher, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		api:      fetcher,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[string]*watch),
	}
}

// Subscribe подписывается на обновления задачи. Канал закрывается после терминального статуса,
// после отписки или при отмене ctx. Медленный подписчик получает только последний снимок.
func (w *Watcher) Subscribe(ctx context.Context, jobID string) (<-chan Update, func()) {
	ch := make(chan Update, 1)

	w.mu.Lock()
	wt, ok := w.watches[jobID]
	if !ok {
		loopCtx, cancel := context.WithCancel(w.ctx)
		wt = &watch{
			subs:   make(map[int]chan Update),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		w.watches[jobID] = wt
		go w.run(loopCtx, jobID, wt)
	}
	id := wt.nextID
	wt.nextID++
	wt.subs[id] = ch
	if wt.last != nil {
		ch <- *wt.last
	}
	w.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { w.unsubscribe(jobID, wt, id) })
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-wt.done:
		}
	}()

	return ch, unsubscribe
}

// Active возвращает число задач, для которых сейчас идёт опрос.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watches)
}

// Close останавливает все циклы опроса и закрывает каналы подписчиков.
func (w *Watcher) Close() {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for jobID, wt := range w.watches {
		closeSubs(wt)
		delete(w.watches, jobID)
	}
}

func (w *Watcher) unsubscribe(jobID string, wt *watch, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := wt.subs[id]
	if !ok {
		return
	}
	delete(wt.subs, id)
	close(ch)

	if len(wt.subs) == 0 {
		wt.cancel()
		if w.watches[jobID] == wt {
			delete(w.watches, jobID)
		}
		w.logger.Debug("last subscriber left, watch stopped", zap.String("job_id", jobID))
	}
}

func (w *Watcher) run(ctx context.Context, jobID string, wt *watch) {
	defer close(wt.done)

	for {
		job, err := w.api.JobStatus(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("watch status check failed", zap.String("job_id", jobID), zap.Error(err))
		}

		if w.publish(jobID, wt, Update{Job: job, Err: err}) {
			return
		}

		if sleep(ctx, w.interval) != nil {
			return
		}
	}
}

// publish раздаёт снимок подписчикам и сообщает, завершён ли цикл.
// Цикл завершается на терминальном статусе и на ответе 401.
func (w *Watcher) publish(jobID string, wt *watch, u Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	wt.last = &u
	for _, ch := range wt.subs {
		select {
		case <-ch:
		default:
		}
		ch <- u
	}

	terminal := u.Err == nil && u.Job != nil && u.Job.Status.IsTerminal()
	if terminal || errors.Is(u.Err, api.ErrUnauthorized) {
		closeSubs(wt)
		wt.cancel()
		if w.watches[jobID] == wt {
			delete(w.watches, jobID)
		}
		return true
	}
	return false
}

func closeSubs(wt *watch) {
	for id, ch := range wt.subs {
		close(ch)
		delete(wt.subs, id)
	}
}
