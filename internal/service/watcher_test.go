package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/model"
)

func drain(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("channel was not closed in time")
			return out
		}
	}
}

func TestWatcher_SharedLoopUntilTerminal(t *testing.T) {
	stub := &stubJobAPI{steps: []statusStep{processing(10), processing(50), completed()}}
	w := NewWatcher(stub, 20*time.Millisecond, nil)
	defer w.Close()

	ctx := context.Background()
	first, _ := w.Subscribe(ctx, "job-1")
	second, _ := w.Subscribe(ctx, "job-1")
	assert.Equal(t, 1, w.Active())

	a := drain(t, first)
	b := drain(t, second)

	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.Equal(t, model.JobStatusCompleted, a[len(a)-1].Job.Status)
	assert.Equal(t, model.JobStatusCompleted, b[len(b)-1].Job.Status)

	statusCalls, _ := stub.calls()
	assert.Equal(t, 3, statusCalls)
	assert.Equal(t, 0, w.Active())
}

func TestWatcher_StopsWhenLastSubscriberLeaves(t *testing.T) {
	stub := &stubJobAPI{steps: []statusStep{processing(10)}}
	w := NewWatcher(stub, 2*time.Millisecond, nil)
	defer w.Close()

	ctx := context.Background()
	ch1, unsub1 := w.Subscribe(ctx, "job-1")
	ch2, unsub2 := w.Subscribe(ctx, "job-1")

	require.Eventually(t, func() bool {
		n, _ := stub.calls()
		return n >= 3
	}, time.Second, time.Millisecond)

	unsub1()
	unsub1()
	assert.Equal(t, 1, w.Active())
	drain(t, ch1)

	unsub2()
	drain(t, ch2)
	assert.Equal(t, 0, w.Active())

	time.Sleep(10 * time.Millisecond)
	before, _ := stub.calls()
	time.Sleep(20 * time.Millisecond)
	after, _ := stub.calls()
	assert.Equal(t, before, after)
}

func TestWatcher_ContextCancelUnsubscribes(t *testing.T) {
	stub := &stubJobAPI{steps: []statusStep{processing(10)}}
	w := NewWatcher(stub, 2*time.Millisecond, nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := w.Subscribe(ctx, "job-1")
	cancel()

	drain(t, ch)
	require.Eventually(t, func() bool { return w.Active() == 0 }, time.Second, time.Millisecond)
}

func TestWatcher_DeliversErrorsAndKeepsPolling(t *testing.T) {
	boom := errors.New("Failed to get status")
	stub := &stubJobAPI{steps: []statusStep{{err: boom}, completed()}}
	w := NewWatcher(stub, 2*time.Millisecond, nil)
	defer w.Close()

	ch, _ := w.Subscribe(context.Background(), "job-1")
	updates := drain(t, ch)

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.NoError(t, last.Err)
	assert.Equal(t, model.JobStatusCompleted, last.Job.Status)

	statusCalls, _ := stub.calls()
	assert.Equal(t, 2, statusCalls)
}

func TestWatcher_StopsOnUnauthorized(t *testing.T) {
	unauthorized := &api.APIError{Op: "status", StatusCode: 401, Message: "Could not validate credentials", Err: api.ErrUnauthorized}
	stub := &stubJobAPI{steps: []statusStep{{err: unauthorized}, completed()}}
	w := NewWatcher(stub, 2*time.Millisecond, nil)
	defer w.Close()

	ch, _ := w.Subscribe(context.Background(), "job-1")
	updates := drain(t, ch)

	require.Len(t, updates, 1)
	assert.ErrorIs(t, updates[0].Err, api.ErrUnauthorized)

	statusCalls, _ := stub.calls()
	assert.Equal(t, 1, statusCalls)
	assert.Equal(t, 0, w.Active())
}

func TestWatcher_Close(t *testing.T) {
	stub := &stubJobAPI{steps: []statusStep{processing(10)}}
	w := NewWatcher(stub, time.Hour, nil)

	ch, _ := w.Subscribe(context.Background(), "job-1")
	w.Close()

	drain(t, ch)
	assert.Equal(t, 0, w.Active())
}
