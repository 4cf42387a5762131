package handler_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/backend"
	"github.com/mmeshcher/raw2insight/internal/handler"
	"github.com/mmeshcher/raw2insight/internal/metrics"
	"github.com/mmeshcher/raw2insight/internal/middleware"
	"github.com/mmeshcher/raw2insight/internal/model"
	"github.com/mmeshcher/raw2insight/internal/repository"
	"github.com/mmeshcher/raw2insight/internal/service"
	"github.com/mmeshcher/raw2insight/internal/session"
)

type stack struct {
	backend *backend.Service
	client  *api.Client
	session *session.Manager
	store   repository.Store
	auth    *middleware.AuthMiddleware
}

func newStack(t *testing.T) *stack {
	t.Helper()

	m := metrics.New("stub")
	svc := backend.NewService(50, m, nil)
	auth := middleware.NewAuthMiddleware("integration-secret")
	h := handler.NewHandler(svc, nil, auth, m)

	ts := httptest.NewServer(h.SetupRouter())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.StartJobProgression(ctx, 5*time.Millisecond)

	store := repository.NewMemoryStore()
	var mgr *session.Manager
	client := api.NewClient(ts.URL+"/api/v1", api.Options{
		Token:          func(ctx context.Context) string { return mgr.Token(ctx) },
		OnUnauthorized: func() { mgr.HandleUnauthorized() },
	})
	mgr = session.NewManager(store, client, nil, nil)

	return &stack{backend: svc, client: client, session: mgr, store: store, auth: auth}
}

func TestEndToEnd_UploadPollRetrieve(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "ann@example.com", "secret", "Ann")
	require.NoError(t, err)
	require.True(t, st.session.IsAuthenticated())

	me, err := st.client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", me.Email)

	o := service.NewOrchestrator(st.client, 5*time.Millisecond, 200, nil)

	var stages []model.Stage
	out, err := o.UploadAndProcess(ctx, api.UploadFile{
		Name:        "receipt.png",
		ContentType: "image/png",
		Size:        4,
		Body:        bytes.NewReader([]byte("data")),
	}, func(p model.Progress) {
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageUploading, model.StageProcessing, model.StageRetrieving}, stages)
	assert.Equal(t, model.JobStatusCompleted, out.Status.Status)
	require.NotNil(t, out.Results.ExtractedData.Vendor)
	assert.Equal(t, "Receipt", *out.Results.ExtractedData.Vendor)

	docs, err := st.client.MyDocuments(ctx, 0, service.DashboardLimit)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, service.Stats{Total: 1, Completed: 1}, service.ComputeStats(docs))

	vendor := "Fixed Vendor"
	_, err = st.client.SaveExtractedData(ctx, out.JobID, model.ExtractedData{Vendor: &vendor})
	require.NoError(t, err)
	res, err := st.client.Result(ctx, out.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Fixed Vendor", *res.ExtractedData.Vendor)

	jobs, err := st.client.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = st.client.Cleanup(ctx, out.JobID)
	require.NoError(t, err)
	_, err = st.client.JobStatus(ctx, out.JobID)
	assert.Equal(t, 404, api.StatusCode(err))
}

func TestEndToEnd_FailedJob(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "bob@example.com", "secret", "Bob")
	require.NoError(t, err)

	o := service.NewOrchestrator(st.client, 5*time.Millisecond, 200, nil)
	_, err = o.UploadAndProcess(ctx, api.UploadFile{Name: "fail-scan.pdf", Size: 1, Body: bytes.NewReader([]byte("x"))}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrJobFailed))
	assert.Equal(t, "Processing failed: unreadable document", err.Error())
}

func TestEndToEnd_ResultBeforeCompletion(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "c@example.com", "secret", "C")
	require.NoError(t, err)

	up, err := st.client.Upload(ctx, api.UploadFile{Name: "a.png", Size: 1, Body: bytes.NewReader([]byte("x"))}, nil)
	require.NoError(t, err)

	// Пока задача не завершена, бэкенд отвечает 400 с detail.
	_, err = st.client.Result(ctx, up.JobID)
	if err != nil {
		assert.Equal(t, "Job not completed yet", err.Error())
		assert.Equal(t, 400, api.StatusCode(err))
	}
}

func TestEndToEnd_LoginErrorsAndDuplicates(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "d@example.com", "secret", "D")
	require.NoError(t, err)
	st.session.Logout(ctx)

	_, err = st.session.Signup(ctx, "d@example.com", "secret", "D")
	require.EqualError(t, err, "Email already registered")

	_, err = st.session.Login(ctx, "d@example.com", "wrong")
	require.EqualError(t, err, "Incorrect email or password")
	assert.False(t, st.session.IsAuthenticated())

	_, err = st.session.Login(ctx, "d@example.com", "secret")
	require.NoError(t, err)
	assert.True(t, st.session.IsAuthenticated())
}

func TestEndToEnd_UnauthorizedPurgesSession(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	// Токен подписан другим ключом: бэкенд ответит 401 на любом эндпоинте.
	forged := middleware.NewAuthMiddleware("other-secret").IssueToken(1)
	require.NoError(t, st.store.Set(ctx, session.TokenKey, forged))
	require.NoError(t, st.store.Set(ctx, session.UserKey, `{"id":1,"email":"x@example.com"}`))

	err := st.session.Initialize(ctx)
	require.Error(t, err)
	assert.False(t, st.session.State().IsAuthenticated)

	_, hasToken, _ := st.store.Get(ctx, session.TokenKey)
	_, hasUser, _ := st.store.Get(ctx, session.UserKey)
	assert.False(t, hasToken)
	assert.False(t, hasUser)
}

func TestEndToEnd_RestoreValidSession(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "e@example.com", "secret", "E")
	require.NoError(t, err)

	restored := session.NewManager(st.store, st.client, nil, nil)
	require.NoError(t, restored.Initialize(ctx))
	assert.True(t, restored.IsAuthenticated())
	assert.Equal(t, "e@example.com", restored.State().User.Email)
}

func TestEndToEnd_HealthAndPing(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	health, err := st.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	ping, err := st.client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", ping["message"])
}

func TestEndToEnd_WatcherSharesPolling(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	_, err := st.session.Signup(ctx, "f@example.com", "secret", "F")
	require.NoError(t, err)

	up, err := st.client.Upload(ctx, api.UploadFile{Name: "b.png", Size: 1, Body: bytes.NewReader([]byte("x"))}, nil)
	require.NoError(t, err)

	w := service.NewWatcher(st.client, 5*time.Millisecond, nil)
	defer w.Close()

	a, _ := w.Subscribe(ctx, up.JobID)
	b, _ := w.Subscribe(ctx, up.JobID)

	last := func(ch <-chan service.Update) *model.Job {
		var job *model.Job
		timeout := time.After(5 * time.Second)
		for {
			select {
			case u, ok := <-ch:
				if !ok {
					return job
				}
				if u.Job != nil {
					job = u.Job
				}
			case <-timeout:
				t.Fatal("watch did not finish")
				return nil
			}
		}
	}

	ja, jb := last(a), last(b)
	require.NotNil(t, ja)
	require.NotNil(t, jb)
	assert.Equal(t, model.JobStatusCompleted, ja.Status)
	assert.Equal(t, model.JobStatusCompleted, jb.Status)
}
