// Package scheduler turns scan jobs into tasks, dispatches ready tasks to an
// embedded goroutine pool or a redis work queue, and finalizes jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"quipucords/internal/config"
	"quipucords/internal/lifecycle"
	"quipucords/internal/logger"
	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")

	// ErrScanNotFound is returned for unknown scan ids
	ErrScanNotFound = errors.New("scan not found")

	// ErrJobNotActive is returned when canceling or pausing a settled job
	ErrJobNotActive = errors.New("job is not active")

	// ErrJobNotPaused is returned when resuming a job that is not paused
	ErrJobNotPaused = errors.New("job is not paused")

	// ErrNoSources is returned when a scan has no source to run against
	ErrNoSources = errors.New("scan has no sources")
)

// Options tune the coordinator loop
type Options struct {
	Tick               time.Duration
	TaskTimeout        time.Duration
	StaleAfter         time.Duration
	MaxConcurrency     int
	DefaultConcurrency int
	ReportVersion      string
}

// OptionsFromConfig maps the scheduler settings of cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Tick:               cfg.SchedulerTick,
		TaskTimeout:        cfg.TaskTimeout,
		StaleAfter:         cfg.HeartbeatStaleAfter,
		MaxConcurrency:     cfg.MaxConcurrency,
		DefaultConcurrency: cfg.DefaultScanConcurrency,
		ReportVersion:      cfg.ReportVersion(),
	}
}

// Coordinator owns the FIFO of jobs. Only the coordinator moves a job to a
// terminal status; every job operation is serialized by its mutex.
type Coordinator struct {
	store      storage.Storage
	dispatcher Dispatcher
	signals    Signals
	opts       Options

	mu         sync.Mutex
	queue      []int64
	dispatched map[int64]int64 // task id -> job id

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a coordinator
func New(store storage.Storage, dispatcher Dispatcher, signals Signals, opts Options) *Coordinator {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		signals:    signals,
		opts:       opts,
		dispatched: make(map[int64]int64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start re-queues unfinished jobs and runs the tick loop until ctx is
// canceled or Stop is called
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Restore(ctx); err != nil {
		return err
	}
	go c.loop(ctx)
	logger.Logger.Info().Dur("tick", c.opts.Tick).Msg("Scan coordinator started")
	return nil
}

// Stop ends the tick loop and waits for it to return
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	logger.Logger.Info().Msg("Scan coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				logger.Logger.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Restore queues every job left created, pending or running by a previous process
func (c *Coordinator) Restore(ctx context.Context) error {
	jobs, err := c.store.ListJobs(ctx, models.StatusCreated, models.StatusPending, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range jobs {
		c.enqueueLocked(job.ID)
	}
	if len(jobs) > 0 {
		logger.Logger.Info().Int("jobs", len(jobs)).Msg("Restored unfinished scan jobs")
	}
	return nil
}

// Queued returns the job ids waiting in the FIFO, head first
func (c *Coordinator) Queued() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.queue)
}

func (c *Coordinator) enqueueLocked(jobID int64) {
	if !slices.Contains(c.queue, jobID) {
		c.queue = append(c.queue, jobID)
	}
}

func (c *Coordinator) forgetLocked(jobID int64) {
	for taskID, owner := range c.dispatched {
		if owner == jobID {
			delete(c.dispatched, taskID)
		}
	}
}

// Tick advances the head of the FIFO; a job that settles is popped and the
// next one is advanced in the same tick
func (c *Coordinator) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		done, err := c.advance(ctx, c.queue[0])
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		c.queue = c.queue[1:]
	}
	return nil
}

// advance runs one scheduling step of a job and reports whether it left the queue
func (c *Coordinator) advance(ctx context.Context, jobID int64) (bool, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		c.forgetLocked(jobID)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job.Status == models.StatusPaused {
		c.forgetLocked(jobID)
		return true, nil
	}

	if job.Status == models.StatusCreated {
		if job, err = c.store.TransitionJob(ctx, jobID, models.StatusPending, ""); err != nil {
			return false, fmt.Errorf("failed to queue job %d: %w", jobID, err)
		}
	}
	if job.Status == models.StatusPending {
		if job, err = c.store.TransitionJob(ctx, jobID, models.StatusRunning, ""); err != nil {
			return false, fmt.Errorf("failed to start job %d: %w", jobID, err)
		}
		logger.Logger.Info().Int64("job_id", jobID).Msg("Scan job started")
	}

	tasks, err := c.store.ListTasks(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to list tasks of job %d: %w", jobID, err)
	}
	if job.Status == models.StatusRunning {
		c.sweep(ctx, tasks)
		c.propagate(ctx, tasks)
		if err := c.dispatch(ctx, job, tasks); err != nil {
			return false, err
		}
	}

	for _, t := range tasks {
		if !lifecycle.IsTerminal(t.Status) {
			return false, nil
		}
	}
	c.finalize(ctx, job, tasks)
	return true, nil
}

// settleTask moves a task to a terminal status on behalf of the coordinator
func (c *Coordinator) settleTask(ctx context.Context, tasks []*models.ScanTask, i int, to models.Status, msg string) {
	t := tasks[i]
	updated, err := c.store.TransitionTask(ctx, t.ID, to, msg)
	if err != nil {
		logger.Logger.Warn().Err(err).Int64("task_id", t.ID).Msg("Failed to settle task")
		return
	}
	if t.Status == models.StatusRunning {
		c.dispatcher.Kill(t.ID)
	}
	if updated.Status != t.Status {
		metrics.ScanTasksTotal.WithLabelValues(string(t.SourceType), string(t.ScanType), string(to)).Inc()
	}
	tasks[i] = updated
}

// sweep fails running tasks that exceeded the soft timeout or stopped sending heartbeats
func (c *Coordinator) sweep(ctx context.Context, tasks []*models.ScanTask) {
	now := time.Now()
	for i, t := range tasks {
		if t.Status != models.StatusRunning {
			continue
		}
		switch {
		case c.opts.TaskTimeout > 0 && t.StartTime != nil && now.Sub(*t.StartTime) > c.opts.TaskTimeout:
			logger.Logger.Warn().Int64("task_id", t.ID).Dur("timeout", c.opts.TaskTimeout).Msg("Task timed out")
			c.settleTask(ctx, tasks, i, models.StatusFailed, "timeout")
		case c.opts.StaleAfter > 0 && t.LastHeartbeat != nil && now.Sub(*t.LastHeartbeat) > c.opts.StaleAfter:
			logger.Logger.Warn().Int64("task_id", t.ID).Time("last_heartbeat", *t.LastHeartbeat).Msg("Task lost its worker")
			c.settleTask(ctx, tasks, i, models.StatusFailed, "lost worker")
		}
	}
}

// propagate settles tasks whose prerequisites can no longer complete. Tasks
// are ordered by sequence number and prerequisites always come first, so one
// pass covers chains.
func (c *Coordinator) propagate(ctx context.Context, tasks []*models.ScanTask) {
	statusOf := statusLookup(tasks)
	for i, t := range tasks {
		if t.Status != models.StatusCreated {
			continue
		}
		prereq, blocked := lifecycle.Blocked(t, statusOf)
		if !blocked {
			continue
		}
		to := models.StatusFailed
		if statusOf(prereq) == models.StatusCanceled {
			to = models.StatusCanceled
		}
		c.settleTask(ctx, tasks, i, to, fmt.Sprintf("prerequisite task %d %s", prereq, statusOf(prereq)))
	}
}

func statusLookup(tasks []*models.ScanTask) func(int64) models.Status {
	return func(id int64) models.Status {
		for _, t := range tasks {
			if t.ID == id {
				return t.Status
			}
		}
		return models.StatusFailed
	}
}

// dispatch hands ready tasks to the dispatcher without exceeding the job concurrency
func (c *Coordinator) dispatch(ctx context.Context, job *models.ScanJob, tasks []*models.ScanTask) error {
	jobConcurrency := job.Options.MaxConcurrency
	if jobConcurrency <= 0 {
		jobConcurrency = c.opts.DefaultConcurrency
	}
	limit := effectiveConcurrency(jobConcurrency, c.opts.MaxConcurrency)

	active := 0
	for _, t := range tasks {
		if t.Status == models.StatusRunning || (t.Status == models.StatusPending && c.dispatched[t.ID] != 0) {
			active++
		}
	}

	statusOf := statusLookup(tasks)
	for i, t := range tasks {
		if active >= limit {
			return nil
		}
		switch t.Status {
		case models.StatusCreated:
			if !lifecycle.Ready(t, statusOf) {
				continue
			}
			updated, err := c.store.TransitionTask(ctx, t.ID, models.StatusPending, "")
			if err != nil {
				return fmt.Errorf("failed to queue task %d: %w", t.ID, err)
			}
			tasks[i] = updated
		case models.StatusPending:
			if c.dispatched[t.ID] != 0 {
				continue
			}
		default:
			continue
		}

		err := c.dispatcher.Dispatch(ctx, tasks[i])
		if errors.Is(err, ErrTaskBusy) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to dispatch task %d: %w", t.ID, err)
		}
		c.dispatched[t.ID] = job.ID
		active++
		logger.Logger.Debug().Int64("job_id", job.ID).Int64("task_id", t.ID).Str("scan_type", string(t.ScanType)).Msg("Task dispatched")
	}
	return nil
}

// finalize runs once every task is terminal. A job whose fingerprint task did
// not complete gets an empty deployments report carrying the job outcome.
func (c *Coordinator) finalize(ctx context.Context, job *models.ScanJob, tasks []*models.ScanTask) {
	defer c.forgetLocked(job.ID)
	status, msg := lifecycle.JobOutcome(tasks)

	if job.ReportID != nil {
		for _, t := range tasks {
			if t.ScanType != models.ScanTypeFingerprint || t.Status == models.StatusCompleted {
				continue
			}
			_, err := c.store.GetDeploymentsReport(ctx, *job.ReportID)
			if errors.Is(err, storage.ErrNotFound) {
				drStatus := models.StatusFailed
				if status == models.StatusCanceled {
					drStatus = models.StatusCanceled
				}
				_, err = c.store.SaveDeploymentsReport(ctx, *job.ReportID, 0, drStatus, nil)
			}
			if err != nil {
				logger.Logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to record deployments report outcome")
			}
		}
	}

	if lifecycle.IsTerminal(job.Status) {
		return
	}
	updated, err := c.store.TransitionJob(ctx, job.ID, status, msg)
	if err != nil {
		logger.Logger.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to finalize job")
		return
	}
	observeJob(updated)
	logger.Logger.Info().Int64("job_id", job.ID).Str("status", string(status)).Str("message", msg).Msg("Scan job finished")
}

func observeJob(job *models.ScanJob) {
	metrics.ScanJobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.StartTime != nil && job.EndTime != nil {
		metrics.ScanJobDuration.WithLabelValues(string(job.Status)).Observe(job.EndTime.Sub(*job.StartTime).Seconds())
	}
}

// StartJob creates a job for a scan and queues it. When the scan already has
// an unfinished job that job is returned and created is false.
func (c *Coordinator) StartJob(ctx context.Context, scanID int64) (job *models.ScanJob, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scan, err := c.store.GetScan(ctx, scanID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %d", ErrScanNotFound, scanID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load scan %d: %w", scanID, err)
	}
	active, err := c.store.ActiveJobForScan(ctx, scanID)
	if err == nil {
		return active, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up active job of scan %d: %w", scanID, err)
	}
	if len(scan.SourceIDs) == 0 {
		return nil, false, ErrNoSources
	}

	sources := make([]*models.Source, 0, len(scan.SourceIDs))
	for _, id := range scan.SourceIDs {
		src, err := c.store.GetSource(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load source %d: %w", id, err)
		}
		sources = append(sources, src)
	}

	job = &models.ScanJob{
		ScanID:    &scan.ID,
		ScanType:  scan.ScanType,
		Options:   scan.Options,
		SourceIDs: slices.Clone(scan.SourceIDs),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if err := c.createTasks(ctx, job, sources); err != nil {
		if _, terr := c.store.TransitionJob(ctx, job.ID, models.StatusFailed, err.Error()); terr != nil {
			logger.Logger.Error().Err(terr).Int64("job_id", job.ID).Msg("Failed to mark job failed")
		}
		return nil, false, err
	}

	c.enqueueLocked(job.ID)
	logger.Logger.Info().Int64("job_id", job.ID).Int64("scan_id", scanID).Str("scan_type", string(job.ScanType)).Int("sources", len(sources)).Msg("Scan job queued")
	return job, true, nil
}

// createTasks lays out the task graph of a scan job: one connect task per
// source, then for inspect scans one inspect task per source after its
// connect task and a fingerprint task after every inspect task
func (c *Coordinator) createTasks(ctx context.Context, job *models.ScanJob, sources []*models.Source) error {
	inspect := job.ScanType == models.ScanTypeInspect
	if inspect {
		report := &models.Report{JobID: &job.ID, ReportPlatformID: uuid.NewString(), ReportVersion: c.opts.ReportVersion}
		if err := c.store.CreateReport(ctx, report); err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		if err := c.store.SetJobReport(ctx, job.ID, report.ID); err != nil {
			return fmt.Errorf("failed to link report: %w", err)
		}
		job.ReportID = &report.ID
	}

	seq := 0
	newTask := func(src *models.Source, scanType models.ScanType, prereqs []int64) (*models.ScanTask, error) {
		t := &models.ScanTask{JobID: job.ID, ScanType: scanType, SequenceNumber: seq, Prerequisites: prereqs}
		if src != nil {
			t.SourceID = &src.ID
			t.SourceType = src.SourceType
		}
		seq++
		if err := c.store.CreateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to create %s task: %w", scanType, err)
		}
		return t, nil
	}

	var inspectIDs []int64
	for _, src := range sources {
		connect, err := newTask(src, models.ScanTypeConnect, nil)
		if err != nil {
			return err
		}
		if !inspect {
			continue
		}
		t, err := newTask(src, models.ScanTypeInspect, []int64{connect.ID})
		if err != nil {
			return err
		}
		inspectIDs = append(inspectIDs, t.ID)
	}
	if inspect {
		if _, err := newTask(nil, models.ScanTypeFingerprint, inspectIDs); err != nil {
			return err
		}
	}
	return nil
}

// SubmitUploadJob creates a fingerprint-only job over uploaded raw facts.
// ingest stores the inspect groups of the new report; when it fails the job
// is marked failed and the error returned.
func (c *Coordinator) SubmitUploadJob(ctx context.Context, reportVersion string, ingest func(ctx context.Context, report *models.Report) error) (*models.ScanJob, *models.Report, error) {
	job := &models.ScanJob{ScanType: models.ScanTypeFingerprint}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}
	fail := func(err error) (*models.ScanJob, *models.Report, error) {
		if _, terr := c.store.TransitionJob(ctx, job.ID, models.StatusFailed, err.Error()); terr != nil {
			logger.Logger.Error().Err(terr).Int64("job_id", job.ID).Msg("Failed to mark upload job failed")
		}
		return nil, nil, err
	}

	report := &models.Report{JobID: &job.ID, ReportPlatformID: uuid.NewString(), ReportVersion: reportVersion}
	if err := c.store.CreateReport(ctx, report); err != nil {
		return fail(fmt.Errorf("failed to create report: %w", err))
	}
	if err := c.store.SetJobReport(ctx, job.ID, report.ID); err != nil {
		return fail(fmt.Errorf("failed to link report: %w", err))
	}
	job.ReportID = &report.ID
	if err := ingest(ctx, report); err != nil {
		return fail(err)
	}
	task := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeFingerprint}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return fail(fmt.Errorf("failed to create fingerprint task: %w", err))
	}

	c.mu.Lock()
	c.enqueueLocked(job.ID)
	c.mu.Unlock()
	logger.Logger.Info().Int64("job_id", job.ID).Int64("report_id", report.ID).Msg("Upload job queued")
	return job, report, nil
}

func (c *Coordinator) loadJob(ctx context.Context, jobID int64) (*models.ScanJob, []*models.ScanTask, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	tasks, err := c.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tasks of job %d: %w", jobID, err)
	}
	return job, tasks, nil
}

// CancelJob settles every unfinished task of a job as canceled and signals
// the active runners. Runners that ignore the signal are killed after the
// grace period.
func (c *Coordinator) CancelJob(ctx context.Context, jobID int64) (*models.ScanJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, tasks, err := c.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsTerminal(job.Status) {
		return job, ErrJobNotActive
	}
	if err := c.signals.Request(ctx, jobID, models.StatusCanceled); err != nil {
		logger.Logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to signal cancellation")
	}
	for i, t := range tasks {
		if !lifecycle.IsTerminal(t.Status) {
			c.settleTask(ctx, tasks, i, models.StatusCanceled, "job canceled")
		}
	}
	job, err = c.store.TransitionJob(ctx, jobID, models.StatusCanceled, "job canceled")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job %d: %w", jobID, err)
	}
	observeJob(job)
	c.enqueueLocked(jobID)
	logger.Logger.Info().Int64("job_id", jobID).Msg("Scan job canceled")
	return job, nil
}

// PauseJob stops the pending and running tasks of a job and keeps completed
// results. Pausing a paused job is a no-op.
func (c *Coordinator) PauseJob(ctx context.Context, jobID int64) (*models.ScanJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, tasks, err := c.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.StatusPaused {
		return job, nil
	}
	if lifecycle.IsTerminal(job.Status) {
		return job, ErrJobNotActive
	}
	if err := c.signals.Request(ctx, jobID, models.StatusPaused); err != nil {
		logger.Logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to signal pause")
	}
	for i, t := range tasks {
		if t.Status == models.StatusRunning || t.Status == models.StatusPending {
			c.settleTask(ctx, tasks, i, models.StatusPaused, "job paused")
		}
	}
	if job.Status == models.StatusCreated {
		if _, err := c.store.TransitionJob(ctx, jobID, models.StatusPending, ""); err != nil {
			return nil, fmt.Errorf("failed to pause job %d: %w", jobID, err)
		}
	}
	job, err = c.store.TransitionJob(ctx, jobID, models.StatusPaused, "job paused")
	if err != nil {
		return nil, fmt.Errorf("failed to pause job %d: %w", jobID, err)
	}
	c.forgetLocked(jobID)
	logger.Logger.Info().Int64("job_id", jobID).Msg("Scan job paused")
	return job, nil
}

// ResumeJob re-queues a paused job; only its paused tasks run again
func (c *Coordinator) ResumeJob(ctx context.Context, jobID int64) (*models.ScanJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, tasks, err := c.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusPaused {
		return job, ErrJobNotPaused
	}
	if err := c.signals.Clear(ctx, jobID); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status != models.StatusPaused {
			continue
		}
		if _, err := c.store.TransitionTask(ctx, t.ID, models.StatusPending, "job resumed"); err != nil {
			return nil, fmt.Errorf("failed to resume task %d: %w", t.ID, err)
		}
	}
	job, err = c.store.TransitionJob(ctx, jobID, models.StatusPending, "job resumed")
	if err != nil {
		return nil, fmt.Errorf("failed to resume job %d: %w", jobID, err)
	}
	c.forgetLocked(jobID)
	c.enqueueLocked(jobID)
	logger.Logger.Info().Int64("job_id", jobID).Msg("Scan job resumed")
	return job, nil
}

// Detail returns a job with its tasks and summed counters
func (c *Coordinator) Detail(ctx context.Context, jobID int64) (*models.JobDetail, error) {
	job, tasks, err := c.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	detail := &models.JobDetail{ScanJob: job, Tasks: tasks}
	for _, t := range tasks {
		if t.ScanType == models.ScanTypeFingerprint {
			continue
		}
		if job.ScanType == models.ScanTypeInspect && t.ScanType != models.ScanTypeInspect {
			continue
		}
		detail.Counters.SystemsCount += t.Counters.SystemsCount
		detail.Counters.SystemsScanned += t.Counters.SystemsScanned
		detail.Counters.SystemsFailed += t.Counters.SystemsFailed
		detail.Counters.SystemsUnreachable += t.Counters.SystemsUnreachable
	}
	return detail, nil
}
