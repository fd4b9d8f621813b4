package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quipucords/internal/clients/network"
	"quipucords/internal/httpsession"
	"quipucords/internal/lifecycle"
	"quipucords/internal/logger"
	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/runners"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// ExecutorOptions tune how a single task is run
type ExecutorOptions struct {
	HTTP               httpsession.Policy
	HeartbeatInterval  time.Duration
	MaxConcurrency     int
	DefaultConcurrency int
	Version            string
	SSH                *network.Connector
	Playbook           *network.PlaybookRunner
}

// Executor runs one task to completion. It is shared by the embedded
// dispatcher and by distributed workers.
type Executor struct {
	store    storage.Storage
	registry *runners.Registry
	codec    *secrets.Codec
	signals  Signals
	opts     ExecutorOptions
}

// NewExecutor creates an executor
func NewExecutor(store storage.Storage, registry *runners.Registry, codec *secrets.Codec, signals Signals, opts ExecutorOptions) *Executor {
	return &Executor{store: store, registry: registry, codec: codec, signals: signals, opts: opts}
}

// effectiveConcurrency is the smallest positive value among the job option
// (or the default), the source cap and the global cap
func effectiveConcurrency(values ...int) int {
	out := 0
	for _, v := range values {
		if v > 0 && (out == 0 || v < out) {
			out = v
		}
	}
	return max(out, 1)
}

// Execute claims a pending task, runs it and records its terminal status.
// A task that is not pending is left alone, which keeps redelivered work
// items idempotent.
func (e *Executor) Execute(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	if task.Status != models.StatusPending {
		logger.Logger.Debug().Int64("task_id", taskID).Str("status", string(task.Status)).Msg("Skipping task that is not pending")
		return nil
	}
	task, err = e.store.TransitionTask(ctx, taskID, models.StatusRunning, "")
	if err != nil {
		if errors.Is(err, lifecycle.ErrIllegalTransition) {
			return nil
		}
		return fmt.Errorf("failed to start task %d: %w", taskID, err)
	}

	jobLog := logger.ForJob(task.JobID)
	defer jobLog.Close()
	log := logger.WithTask(jobLog.Logger, task.ID, string(task.SourceType), string(task.ScanType))

	metrics.ScanActiveWorkers.Inc()
	defer metrics.ScanActiveWorkers.Dec()

	env, err := e.environment(ctx, task)
	var result runners.Result
	if err != nil {
		result = runners.Result{Status: models.StatusFailed, Message: err.Error()}
	} else {
		env.Log = log
		log.Info().Int("concurrency", env.Concurrency).Msg("Task started")
		result = e.run(ctx, env)
	}
	return e.settle(context.WithoutCancel(ctx), task, result, log)
}

// environment loads everything the runner of task needs
func (e *Executor) environment(ctx context.Context, task *models.ScanTask) (*runners.Env, error) {
	job, err := e.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", task.JobID, err)
	}
	serverID, err := e.store.ServerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load server id: %w", err)
	}

	env := &runners.Env{
		Task:      task,
		Job:       job,
		Codec:     e.codec,
		Store:     e.store,
		Interrupt: jobInterrupt{signals: e.signals, jobID: job.ID},
		HTTP:      e.opts.HTTP,
		ServerID:  serverID,
		Version:   e.opts.Version,
		SSH:       e.opts.SSH,
		Playbook:  e.opts.Playbook,
	}

	if job.ScanID != nil {
		scan, err := e.store.GetScan(ctx, *job.ScanID)
		switch {
		case err == nil:
			env.Scan = scan
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to load scan %d: %w", *job.ScanID, err)
		}
	}

	jobConcurrency := job.Options.MaxConcurrency
	if jobConcurrency <= 0 {
		jobConcurrency = e.opts.DefaultConcurrency
	}
	sourceConcurrency := 0
	if task.SourceID != nil {
		src, err := e.store.GetSource(ctx, *task.SourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load source %d: %w", *task.SourceID, err)
		}
		env.Source = src
		sourceConcurrency = src.MaxConcurrency
		for _, id := range src.CredentialIDs {
			cred, err := e.store.GetCredential(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to load credential %d of source %q: %w", id, src.Name, err)
			}
			env.Credentials = append(env.Credentials, cred)
		}
	}
	env.Concurrency = effectiveConcurrency(jobConcurrency, sourceConcurrency, e.opts.MaxConcurrency)
	return env, nil
}

// run executes the runner under a heartbeat. The run context is canceled as
// soon as the task is no longer running in the datastore.
func (e *Executor) run(ctx context.Context, env *runners.Env) (result runners.Result) {
	runner, err := e.registry.Lookup(env.Task)
	if err != nil {
		return runners.Result{Status: models.StatusFailed, Message: err.Error()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	if e.opts.HeartbeatInterval > 0 {
		go e.heartbeat(runCtx, env, cancel, done)
	}

	defer func() {
		if r := recover(); r != nil {
			env.Log.Error().Interface("panic", r).Msg("Runner panicked")
			result = runners.Result{Status: models.StatusFailed, Message: fmt.Sprintf("runner panic: %v", r)}
		}
	}()
	return runner.Run(runCtx, env)
}

func (e *Executor) heartbeat(ctx context.Context, env *runners.Env, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := e.store.Heartbeat(ctx, env.Task.ID, now)
			if errors.Is(err, storage.ErrTaskNotRunning) {
				env.Log.Warn().Msg("Task was settled by the coordinator, stopping")
				cancel()
				return
			}
			if err != nil {
				env.Log.Warn().Err(err).Msg("Failed to record heartbeat")
			}
		}
	}
}

// settle writes the runner outcome unless the coordinator already settled
// the task (cancel, pause, timeout, lost worker)
func (e *Executor) settle(ctx context.Context, task *models.ScanTask, result runners.Result, log zerolog.Logger) error {
	current, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to reload task %d: %w", task.ID, err)
	}
	if current.Status != models.StatusRunning {
		log.Info().Str("status", string(current.Status)).Str("runner_status", string(result.Status)).Msg("Task already settled")
		return nil
	}
	if result.Status == "" {
		result.Status = models.StatusFailed
	}
	if _, err := e.store.TransitionTask(ctx, task.ID, result.Status, result.Message); err != nil {
		if errors.Is(err, lifecycle.ErrIllegalTransition) {
			log.Error().Err(err).Msg("Runner returned an illegal status")
			return nil
		}
		return fmt.Errorf("failed to settle task %d: %w", task.ID, err)
	}
	metrics.ScanTasksTotal.WithLabelValues(string(task.SourceType), string(task.ScanType), string(result.Status)).Inc()
	log.Info().Str("status", string(result.Status)).Str("message", result.Message).Msg("Task finished")
	return nil
}
