package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

// interrupted reports whether the task should stop and the status to settle in
func (env *Env) interrupted(ctx context.Context) (models.Status, bool) {
	if env.Interrupt != nil {
		if s, ok := env.Interrupt.Requested(ctx); ok {
			return s, true
		}
	}
	if ctx.Err() != nil {
		return models.StatusCanceled, true
	}
	return "", false
}

// progress tracks the counters of one task and persists every change
type progress struct {
	env      *Env
	mu       sync.Mutex
	counters models.TaskCounters
}

func newProgress(env *Env, total int, resumed models.TaskCounters) *progress {
	resumed.SystemsCount = total
	return &progress{env: env, counters: resumed}
}

// start persists the target count before any target is processed
func (p *progress) start(ctx context.Context) error {
	p.mu.Lock()
	snapshot := p.counters
	p.mu.Unlock()
	return p.env.Store.UpdateTaskCounters(ctx, p.env.Task.ID, snapshot)
}

func (p *progress) record(ctx context.Context, status models.InspectStatus) error {
	p.mu.Lock()
	switch status {
	case models.InspectSuccess:
		p.counters.SystemsScanned++
	case models.InspectUnreachable:
		p.counters.SystemsUnreachable++
	default:
		p.counters.SystemsFailed++
	}
	snapshot := p.counters
	p.mu.Unlock()
	return p.env.Store.UpdateTaskCounters(ctx, p.env.Task.ID, snapshot)
}

// save persists one target's result and counts it
func (p *progress) save(ctx context.Context, group *models.InspectGroup, r *models.InspectResult) error {
	taskID := p.env.Task.ID
	r.InspectGroupID = group.ID
	r.TaskID = &taskID
	if err := p.env.Store.SaveInspectResult(ctx, taskID, r); err != nil {
		return err
	}
	metrics.RawFactsIngestedTotal.WithLabelValues(string(group.SourceType)).Inc()
	return p.record(ctx, r.Status)
}

// finish turns the outcome of a runner into the task result. A task with
// targets where none could be scanned is failed; partial success completes.
func (p *progress) finish(ctx context.Context, err error) Result {
	if status, ok := p.env.interrupted(ctx); ok {
		return Result{Status: status, Message: fmt.Sprintf("task %s", status)}
	}
	switch {
	case errors.Is(err, storage.ErrTaskNotRunning):
		return Result{Status: models.StatusCanceled, Message: "task is no longer running"}
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
		return Result{Status: models.StatusCanceled, Message: "task canceled"}
	case err != nil:
		return failed("%v", err)
	}

	p.mu.Lock()
	c := p.counters
	p.mu.Unlock()
	if c.SystemsCount > 0 && c.SystemsScanned == 0 {
		return failed("none of the %d system(s) could be scanned", c.SystemsCount)
	}
	return completed("%d of %d system(s) scanned", c.SystemsScanned, c.SystemsCount)
}

// fanOut calls fn for every item with bounded concurrency and stops starting
// new items once the task is interrupted or fn fails.
func fanOut[T any](ctx context.Context, env *Env, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(env.Concurrency, 1))
	for _, item := range items {
		if _, ok := env.interrupted(gctx); ok {
			break
		}
		g.Go(func() error { return fn(gctx, item) })
	}
	return g.Wait()
}

// ensureGroup returns the inspect group of the task, creating it on first run
func ensureGroup(ctx context.Context, env *Env, version string) (*models.InspectGroup, error) {
	if env.Task.InspectGroupID != nil {
		return env.Store.GetInspectGroup(ctx, *env.Task.InspectGroupID)
	}
	sourceID := env.Source.ID
	group := &models.InspectGroup{
		ReportID:      env.Job.ReportID,
		SourceID:      &sourceID,
		SourceType:    env.Source.SourceType,
		SourceName:    env.Source.Name,
		ServerID:      env.ServerID,
		SourceVersion: version,
	}
	if err := env.Store.CreateInspectGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to create inspect group: %w", err)
	}
	if err := env.Store.SetTaskInspectGroup(ctx, env.Task.ID, group.ID); err != nil {
		return nil, fmt.Errorf("failed to link inspect group: %w", err)
	}
	env.Task.InspectGroupID = &group.ID
	return group, nil
}

// resume returns the targets already handled by a previous run of the task
// and the counters they account for.
func resume(ctx context.Context, env *Env, group *models.InspectGroup) (map[string]bool, models.TaskCounters, error) {
	done := map[string]bool{}
	var counters models.TaskCounters
	results, err := env.Store.ListInspectResults(ctx, group.ID)
	if err != nil {
		return nil, counters, err
	}
	for _, r := range results {
		if done[r.Name] {
			continue
		}
		done[r.Name] = true
		switch r.Status {
		case models.InspectSuccess:
			counters.SystemsScanned++
		case models.InspectUnreachable:
			counters.SystemsUnreachable++
		default:
			counters.SystemsFailed++
		}
	}
	return done, counters, nil
}

// rawFacts encodes a fact map as raw facts ordered by name
func rawFacts(values map[string]any) ([]models.RawFact, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.RawFact, 0, len(names))
	for _, name := range names {
		raw, err := json.Marshal(values[name])
		if err != nil {
			return nil, fmt.Errorf("fact %s: %w", name, err)
		}
		out = append(out, models.RawFact{Name: name, Value: raw})
	}
	return out, nil
}

func successResult(name string, values map[string]any) (*models.InspectResult, error) {
	facts, err := rawFacts(values)
	if err != nil {
		return nil, err
	}
	return &models.InspectResult{Name: name, Status: models.InspectSuccess, Facts: facts}, nil
}

func failedResult(name string, err error) *models.InspectResult {
	kind, status := Classify(err)
	return &models.InspectResult{Name: name, Status: status, ErrorKind: string(kind), ErrorMessage: err.Error()}
}
