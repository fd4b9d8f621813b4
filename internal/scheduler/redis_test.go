package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/models"
	"quipucords/internal/runners"
	"quipucords/internal/storage"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisSignals(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	signals := NewRedisSignals(client, time.Minute)

	_, ok := signals.Requested(ctx, 7)
	assert.False(t, ok)

	require.NoError(t, signals.Request(ctx, 7, models.StatusCanceled))
	status, ok := signals.Requested(ctx, 7)
	require.True(t, ok)
	assert.Equal(t, models.StatusCanceled, status)
	assert.Equal(t, time.Minute, mr.TTL("quipucords:revoke:job:7"))

	interrupt := jobInterrupt{signals: signals, jobID: 7}
	status, ok = interrupt.Requested(ctx)
	require.True(t, ok)
	assert.Equal(t, models.StatusCanceled, status)

	require.NoError(t, signals.Clear(ctx, 7))
	_, ok = signals.Requested(ctx, 7)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, signals.Request(ctx, 8, models.StatusPaused))
	mr.FastForward(2 * time.Minute)
	_, ok = signals.Requested(ctx, 8)
	assert.False(t, ok, "markers expire")
}

func TestMemorySignals(t *testing.T) {
	ctx := context.Background()
	signals := NewMemorySignals()

	require.NoError(t, signals.Request(ctx, 1, models.StatusPaused))
	status, ok := signals.Requested(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, models.StatusPaused, status)
	_, ok = signals.Requested(ctx, 2)
	assert.False(t, ok)

	require.NoError(t, signals.Clear(ctx, 1))
	_, ok = signals.Requested(ctx, 1)
	assert.False(t, ok)
}

func TestQueueDispatcherPushesWorkItems(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	dispatcher := NewQueueDispatcher(client)

	task := &models.ScanTask{ID: 12, SourceType: models.SourceTypeVCenter, ScanType: models.ScanTypeInspect}
	require.NoError(t, dispatcher.Dispatch(ctx, task))
	dispatcher.Kill(task.ID)

	items, err := mr.List(QueueKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var item WorkItem
	require.NoError(t, json.Unmarshal([]byte(items[0]), &item))
	assert.Equal(t, WorkItem{ScanTaskID: 12, SourceType: models.SourceTypeVCenter, ScanType: models.ScanTypeInspect}, item)
}

func TestWorkerExecutesQueuedTask(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	store := storage.NewMemoryStorage()
	registry := runners.Default()
	calls := 0
	registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(func(ctx context.Context, env *runners.Env) runners.Result {
		calls++
		return runners.Result{Status: models.StatusCompleted, Message: "connected"}
	}))
	exec := NewExecutor(store, registry, nil, NewRedisSignals(client, 0), ExecutorOptions{})
	worker := NewWorker(client, exec, WorkerOptions{PollTimeout: 100 * time.Millisecond})

	task := pendingTask(t, store, models.ScanOptions{}, 0)
	dispatcher := NewQueueDispatcher(client)
	require.NoError(t, dispatcher.Dispatch(ctx, task))
	require.NoError(t, dispatcher.Dispatch(ctx, task))

	handled, err := worker.Next(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	// the duplicate item finds the task settled and does nothing
	handled, err = worker.Next(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, calls)

	handled, err = worker.Next(ctx)
	require.NoError(t, err)
	assert.False(t, handled, "queue is empty")
}

func TestWorkerSkipsClaimedTask(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	store := storage.NewMemoryStorage()
	exec := NewExecutor(store, runners.Default(), nil, NewMemorySignals(), ExecutorOptions{})
	worker := NewWorker(client, exec, WorkerOptions{PollTimeout: 100 * time.Millisecond})

	task := pendingTask(t, store, models.ScanOptions{}, 0)
	require.NoError(t, mr.Set(fmt.Sprintf("%s%d", claimKeyPrefix, task.ID), "other-worker"))
	require.NoError(t, NewQueueDispatcher(client).Dispatch(ctx, task))

	handled, err := worker.Next(ctx)
	require.NoError(t, err)
	assert.False(t, handled)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestWorkerRejectsMalformedItem(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	exec := NewExecutor(storage.NewMemoryStorage(), runners.Default(), nil, NewMemorySignals(), ExecutorOptions{})
	worker := NewWorker(client, exec, WorkerOptions{PollTimeout: 100 * time.Millisecond})

	_, err := mr.Lpush(QueueKey, "not json")
	require.NoError(t, err)
	_, err = worker.Next(ctx)
	assert.ErrorContains(t, err, "malformed work item")
}

func TestDistributedJobRunsThroughWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newRedis(t)
	store := storage.NewMemoryStorage()
	registry := runners.Default()
	registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	signals := NewRedisSignals(client, 0)
	exec := NewExecutor(store, registry, nil, signals, ExecutorOptions{})
	coord := New(store, NewQueueDispatcher(client), signals, Options{})
	worker := NewWorker(client, exec, WorkerOptions{Concurrency: 2, PollTimeout: 50 * time.Millisecond})

	src := &models.Source{Name: "net", SourceType: models.SourceTypeNetwork}
	require.NoError(t, store.CreateSource(ctx, src))
	scan := &models.Scan{Name: "scan", ScanType: models.ScanTypeConnect, SourceIDs: []int64{src.ID}}
	require.NoError(t, store.CreateScan(ctx, scan))
	job, _, err := coord.StartJob(ctx, scan.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		assert.NoError(t, coord.Tick(ctx))
		stored, err := store.GetJob(ctx, job.ID)
		return err == nil && stored.Status == models.StatusCompleted
	}, waitFor, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}
}
