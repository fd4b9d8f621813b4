package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/models"
	"quipucords/internal/runners"
	"quipucords/internal/storage"
)

const waitFor = 5 * time.Second

type harness struct {
	ctx      context.Context
	store    *storage.MemoryStorage
	registry *runners.Registry
	signals  *MemorySignals
	exec     *Executor
	local    *LocalDispatcher
	coord    *Coordinator
}

func newHarness(t *testing.T, opts Options, execOpts ExecutorOptions, grace time.Duration) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		ctx:      ctx,
		store:    storage.NewMemoryStorage(),
		registry: runners.Default(),
		signals:  NewMemorySignals(),
	}
	h.exec = NewExecutor(h.store, h.registry, nil, h.signals, execOpts)
	h.local = NewLocalDispatcher(h.exec, grace)
	h.coord = New(h.store, h.local, h.signals, opts)
	t.Cleanup(func() {
		cancel()
		h.local.Wait()
	})
	return h
}

// scan creates an inspect scan over n network sources named net-0..net-{n-1}
func (h *harness) scan(t *testing.T, scanType models.ScanType, sources int, opts models.ScanOptions) *models.Scan {
	t.Helper()
	ctx := context.Background()
	scan := &models.Scan{Name: fmt.Sprintf("scan-%d", time.Now().UnixNano()), ScanType: scanType, Options: opts}
	for i := 0; i < sources; i++ {
		src := &models.Source{
			Name:       fmt.Sprintf("net-%d-%d", i, time.Now().UnixNano()),
			SourceType: models.SourceTypeNetwork,
			Hosts:      []string{"10.0.0.0/24"},
		}
		require.NoError(t, h.store.CreateSource(ctx, src))
		scan.SourceIDs = append(scan.SourceIDs, src.ID)
	}
	require.NoError(t, h.store.CreateScan(ctx, scan))
	return scan
}

// drive ticks the coordinator until the job reaches want
func (h *harness) drive(t *testing.T, jobID int64, want models.Status) *models.ScanJob {
	t.Helper()
	var job *models.ScanJob
	require.Eventually(t, func() bool {
		assert.NoError(t, h.coord.Tick(h.ctx))
		var err error
		job, err = h.store.GetJob(h.ctx, jobID)
		return err == nil && job.Status == want
	}, waitFor, 5*time.Millisecond, "job %d never reached %s", jobID, want)
	return job
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.local.Active() == 0 }, waitFor, 5*time.Millisecond)
}

func (h *harness) tasks(t *testing.T, jobID int64) map[models.ScanType][]*models.ScanTask {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	out := map[models.ScanType][]*models.ScanTask{}
	for _, task := range tasks {
		out[task.ScanType] = append(out[task.ScanType], task)
	}
	return out
}

func (h *harness) resultCount(t *testing.T, reportID int64) int {
	t.Helper()
	ctx := context.Background()
	groups, err := h.store.ListInspectGroups(ctx, reportID)
	require.NoError(t, err)
	n := 0
	for _, g := range groups {
		results, err := h.store.ListInspectResults(ctx, g.ID)
		require.NoError(t, err)
		n += len(results)
	}
	return n
}

func connectOK(ctx context.Context, env *runners.Env) runners.Result {
	return runners.Result{Status: models.StatusCompleted, Message: "connected"}
}

func connectRejected(ctx context.Context, env *runners.Env) runners.Result {
	return runners.Result{Status: models.StatusFailed, Message: "authentication failed"}
}

// fakeInspect writes one result per host, skipping hosts handled by an
// earlier run of the same task
type fakeInspect struct {
	hosts int
	delay time.Duration
	// reached is closed once `after` results are stored
	after   int
	reached chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newFakeInspect(hosts, after int, delay time.Duration) *fakeInspect {
	return &fakeInspect{hosts: hosts, after: after, delay: delay, reached: make(chan struct{})}
}

func hostFacts(name string) []models.RawFact {
	values := map[string]any{
		"etc_release_name":    "Red Hat Enterprise Linux",
		"etc_release_version": "9.2",
		"uname_hostname":      name,
		"uname_processor":     "x86_64",
	}
	out := make([]models.RawFact, 0, len(values))
	for _, k := range []string{"etc_release_name", "etc_release_version", "uname_hostname", "uname_processor"} {
		raw, _ := json.Marshal(values[k])
		out = append(out, models.RawFact{Name: k, Value: raw})
	}
	return out
}

func (f *fakeInspect) Run(ctx context.Context, env *runners.Env) runners.Result {
	f.calls.Add(1)
	stopped := runners.Result{Status: models.StatusCanceled, Message: "task interrupted"}

	var groupID int64
	if env.Task.InspectGroupID != nil {
		groupID = *env.Task.InspectGroupID
	} else {
		g := &models.InspectGroup{
			ReportID:   env.Job.ReportID,
			SourceID:   env.Task.SourceID,
			SourceType: env.Task.SourceType,
			SourceName: env.Source.Name,
			ServerID:   env.ServerID,
		}
		if err := env.Store.CreateInspectGroup(ctx, g); err != nil {
			return runners.Result{Status: models.StatusFailed, Message: err.Error()}
		}
		if err := env.Store.SetTaskInspectGroup(ctx, env.Task.ID, g.ID); err != nil {
			return runners.Result{Status: models.StatusFailed, Message: err.Error()}
		}
		groupID = g.ID
	}

	existing, err := env.Store.ListInspectResults(ctx, groupID)
	if err != nil {
		return runners.Result{Status: models.StatusFailed, Message: err.Error()}
	}
	var handled []string
	for _, r := range existing {
		handled = append(handled, r.Name)
	}

	done := len(handled)
	for i := 0; i < f.hosts; i++ {
		name := fmt.Sprintf("host-%03d", i)
		if slices.Contains(handled, name) {
			continue
		}
		if status, ok := env.Interrupt.Requested(ctx); ok {
			return runners.Result{Status: status, Message: "task interrupted"}
		}
		if ctx.Err() != nil {
			return stopped
		}
		r := &models.InspectResult{InspectGroupID: groupID, Name: name, Status: models.InspectSuccess, Facts: hostFacts(name)}
		if err := env.Store.SaveInspectResult(ctx, env.Task.ID, r); err != nil {
			return stopped
		}
		done++
		if err := env.Store.UpdateTaskCounters(ctx, env.Task.ID, models.TaskCounters{SystemsCount: f.hosts, SystemsScanned: done}); err != nil {
			return stopped
		}
		if done >= f.after {
			f.once.Do(func() { close(f.reached) })
		}
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
			}
		}
	}
	return runners.Result{Status: models.StatusCompleted, Message: fmt.Sprintf("%d of %d system(s) scanned", done, f.hosts)}
}

// blockingRunner ignores its interrupt and only returns when its context ends
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, env *runners.Env) runners.Result {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return runners.Result{Status: models.StatusCanceled, Message: "context ended"}
}

// recordingDispatcher records dispatches without executing anything
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []int64
	killed     []int64
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task *models.ScanTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, task.ID)
	return nil
}

func (d *recordingDispatcher) Kill(taskID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, taskID)
}

func (d *recordingDispatcher) snapshot() ([]int64, []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.dispatched), slices.Clone(d.killed)
}
