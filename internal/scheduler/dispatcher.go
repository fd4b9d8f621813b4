package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quipucords/internal/logger"
	"quipucords/internal/models"
)

// QueueKey is the redis list distributed workers consume
const QueueKey = "quipucords:tasks"

// ErrTaskBusy is returned when a task is still executing from an earlier dispatch
var ErrTaskBusy = errors.New("task is still executing")

// Dispatcher hands ready tasks to whatever executes them
type Dispatcher interface {
	// Dispatch starts or enqueues a pending task
	Dispatch(ctx context.Context, task *models.ScanTask) error
	// Kill stops a task that ignores its interrupt after the grace period
	Kill(taskID int64)
}

// LocalDispatcher runs tasks on goroutines of the coordinator process
type LocalDispatcher struct {
	exec  *Executor
	grace time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocalDispatcher creates the embedded back-end dispatcher
func NewLocalDispatcher(exec *Executor, grace time.Duration) *LocalDispatcher {
	return &LocalDispatcher{exec: exec, grace: grace, running: make(map[int64]context.CancelFunc)}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, task *models.ScanTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[task.ID]; ok {
		return ErrTaskBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.running[task.ID] = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.running, task.ID)
			d.mu.Unlock()
		}()
		if err := d.exec.Execute(runCtx, task.ID); err != nil {
			logger.Logger.Error().Err(err).Int64("task_id", task.ID).Msg("Task execution failed")
		}
	}()
	return nil
}

// Kill cancels the task's context once the grace period elapses
func (d *LocalDispatcher) Kill(taskID int64) {
	d.mu.Lock()
	cancel, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if d.grace <= 0 {
		cancel()
		return
	}
	time.AfterFunc(d.grace, cancel)
}

// Active returns the number of tasks executing in this process
func (d *LocalDispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every dispatched task has returned
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// WorkItem is the opaque queue entry of one task
type WorkItem struct {
	ScanTaskID int64             `json:"scan_task_id"`
	SourceType models.SourceType `json:"source_type,omitempty"`
	ScanType   models.ScanType   `json:"scan_type"`
}

// QueueDispatcher pushes tasks to redis for worker processes
type QueueDispatcher struct {
	client *redis.Client
}

// NewQueueDispatcher creates the distributed back-end dispatcher
func NewQueueDispatcher(client *redis.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, task *models.ScanTask) error {
	data, err := json.Marshal(WorkItem{ScanTaskID: task.ID, SourceType: task.SourceType, ScanType: task.ScanType})
	if err != nil {
		return fmt.Errorf("failed to encode work item: %w", err)
	}
	if err := d.client.LPush(ctx, QueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %d: %w", task.ID, err)
	}
	return nil
}

// Kill is a no-op: a remote worker stops on its next heartbeat once the
// coordinator has settled the task
func (d *QueueDispatcher) Kill(taskID int64) {}
