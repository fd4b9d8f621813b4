package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"quipucords/internal/logger"
)

const claimKeyPrefix = "quipucords:claim:task:"

// WorkerOptions tune a distributed worker
type WorkerOptions struct {
	// Concurrency is the number of tasks executed at once
	Concurrency int
	// ClaimTTL bounds how long a claimed task stays reserved to this worker
	ClaimTTL time.Duration
	// PollTimeout is the blocking pop timeout; shutdown is noticed between pops
	PollTimeout time.Duration
}

// Worker consumes work items pushed by a QueueDispatcher
type Worker struct {
	client *redis.Client
	exec   *Executor
	opts   WorkerOptions
	name   string
}

// NewWorker creates a distributed worker
func NewWorker(client *redis.Client, exec *Executor, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Hour
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	host, _ := os.Hostname()
	return &Worker{client: client, exec: exec, opts: opts, name: fmt.Sprintf("%s-%d", host, os.Getpid())}
}

// Run consumes work items until ctx is canceled
func (w *Worker) Run(ctx context.Context) error {
	logger.Logger.Info().Str("worker", w.name).Int("concurrency", w.opts.Concurrency).Msg("Worker started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := w.Next(gctx); err != nil && gctx.Err() == nil {
					logger.Logger.Error().Err(err).Msg("Failed to process work item")
					time.Sleep(time.Second)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	logger.Logger.Info().Str("worker", w.name).Msg("Worker stopped")
	return err
}

// Next pops one work item and executes it. It returns false when the queue
// stayed empty for the poll timeout or the item was claimed elsewhere.
func (w *Worker) Next(ctx context.Context) (bool, error) {
	res, err := w.client.BRPop(ctx, w.opts.PollTimeout, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pop work item: %w", err)
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return false, fmt.Errorf("malformed work item %q: %w", res[1], err)
	}

	claim := fmt.Sprintf("%s%d", claimKeyPrefix, item.ScanTaskID)
	ok, err := w.client.SetNX(ctx, claim, w.name, w.opts.ClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim task %d: %w", item.ScanTaskID, err)
	}
	if !ok {
		logger.Logger.Debug().Int64("task_id", item.ScanTaskID).Msg("Task already claimed by another worker")
		return false, nil
	}
	defer w.client.Del(context.WithoutCancel(ctx), claim)

	if err := w.exec.Execute(ctx, item.ScanTaskID); err != nil {
		return true, err
	}
	return true, nil
}
