package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/models"
	"quipucords/internal/reports"
	"quipucords/internal/runners"
	"quipucords/internal/storage"
)

func TestInspectJobCompletes(t *testing.T) {
	h := newHarness(t, Options{DefaultConcurrency: 4}, ExecutorOptions{}, time.Second)
	inspect := newFakeInspect(3, 3, 0)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeInspect, inspect)
	scan := h.scan(t, models.ScanTypeInspect, 1, models.ScanOptions{})

	job, created, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, job.ReportID)

	job = h.drive(t, job.ID, models.StatusCompleted)
	h.idle(t)

	tasks := h.tasks(t, job.ID)
	require.Len(t, tasks[models.ScanTypeConnect], 1)
	require.Len(t, tasks[models.ScanTypeInspect], 1)
	require.Len(t, tasks[models.ScanTypeFingerprint], 1)
	for _, list := range tasks {
		assert.Equal(t, models.StatusCompleted, list[0].Status)
	}
	assert.Equal(t, []int64{tasks[models.ScanTypeConnect][0].ID}, tasks[models.ScanTypeInspect][0].Prerequisites)
	assert.Equal(t, []int64{tasks[models.ScanTypeInspect][0].ID}, tasks[models.ScanTypeFingerprint][0].Prerequisites)

	dr, err := h.store.GetDeploymentsReport(h.ctx, *job.ReportID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, dr.Status)
	fps, err := h.store.ListFingerprints(h.ctx, dr.ID)
	require.NoError(t, err)
	assert.Len(t, fps, 3)

	detail, err := h.coord.Detail(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCounters{SystemsCount: 3, SystemsScanned: 3}, detail.Counters)
	assert.Empty(t, h.coord.Queued())
}

func TestStartJobIsIdempotentPerScan(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	scan := h.scan(t, models.ScanTypeInspect, 2, models.ScanOptions{})

	first, created, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []int64{first.ID}, h.coord.Queued())

	tasks := h.tasks(t, first.ID)
	assert.Len(t, tasks[models.ScanTypeConnect], 2)
	assert.Len(t, tasks[models.ScanTypeInspect], 2)
	require.Len(t, tasks[models.ScanTypeFingerprint], 1)
	assert.Len(t, tasks[models.ScanTypeFingerprint][0].Prerequisites, 2)
}

func TestStartJobErrors(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)

	_, _, err := h.coord.StartJob(h.ctx, 999)
	assert.ErrorIs(t, err, ErrScanNotFound)

	empty := &models.Scan{Name: "empty", ScanType: models.ScanTypeConnect}
	require.NoError(t, h.store.CreateScan(h.ctx, empty))
	_, _, err = h.coord.StartJob(h.ctx, empty.ID)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestConnectScanHasNoReport(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	scan := h.scan(t, models.ScanTypeConnect, 2, models.ScanOptions{})

	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	assert.Nil(t, job.ReportID)

	h.drive(t, job.ID, models.StatusCompleted)
	tasks := h.tasks(t, job.ID)
	assert.Len(t, tasks[models.ScanTypeConnect], 2)
	assert.Empty(t, tasks[models.ScanTypeInspect])
	assert.Empty(t, tasks[models.ScanTypeFingerprint])
}

func TestFailedConnectSkipsFingerprint(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	inspect := newFakeInspect(3, 3, 0)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectRejected))
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeInspect, inspect)
	scan := h.scan(t, models.ScanTypeInspect, 1, models.ScanOptions{})

	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	job = h.drive(t, job.ID, models.StatusFailed)

	tasks := h.tasks(t, job.ID)
	assert.Equal(t, models.StatusFailed, tasks[models.ScanTypeConnect][0].Status)
	assert.Equal(t, models.StatusFailed, tasks[models.ScanTypeInspect][0].Status)
	assert.Contains(t, tasks[models.ScanTypeInspect][0].StatusMessage, "prerequisite task")
	assert.Equal(t, models.StatusFailed, tasks[models.ScanTypeFingerprint][0].Status)
	assert.Zero(t, inspect.calls.Load())

	dr, err := h.store.GetDeploymentsReport(h.ctx, *job.ReportID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, dr.Status)

	svc, err := reports.New(h.store, reports.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	_, err = svc.DeploymentsJSON(h.ctx, *job.ReportID, false)
	assert.ErrorIs(t, err, reports.ErrNotReady)
}

func TestCancelMidInspection(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	inspect := newFakeInspect(100, 30, 2*time.Millisecond)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeInspect, inspect)
	scan := h.scan(t, models.ScanTypeInspect, 1, models.ScanOptions{})

	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)

	reportID := *job.ReportID
	go func() {
		for {
			select {
			case <-inspect.reached:
				return
			case <-time.After(5 * time.Millisecond):
				_ = h.coord.Tick(h.ctx)
			}
		}
	}()
	select {
	case <-inspect.reached:
	case <-time.After(waitFor):
		t.Fatal("inspection never reached 30 results")
	}

	canceled, err := h.coord.CancelJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	atCancel := h.resultCount(t, reportID)

	h.drive(t, job.ID, models.StatusCanceled)
	h.idle(t)
	require.NoError(t, h.coord.Tick(h.ctx))

	assert.GreaterOrEqual(t, atCancel, 30)
	assert.Equal(t, atCancel, h.resultCount(t, reportID), "no raw facts may be written after cancel")

	tasks := h.tasks(t, job.ID)
	assert.Equal(t, models.StatusCanceled, tasks[models.ScanTypeInspect][0].Status)
	assert.Equal(t, models.StatusCanceled, tasks[models.ScanTypeFingerprint][0].Status)

	dr, err := h.store.GetDeploymentsReport(h.ctx, reportID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, dr.Status)
	fps, err := h.store.ListFingerprints(h.ctx, dr.ID)
	require.NoError(t, err)
	assert.Empty(t, fps)

	svc, err := reports.New(h.store, reports.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	_, err = svc.DeploymentsJSON(h.ctx, reportID, false)
	assert.ErrorIs(t, err, reports.ErrNotReady)
	_, err = svc.Aggregate(h.ctx, reportID)
	assert.ErrorIs(t, err, reports.ErrNotReady)

	_, err = h.coord.CancelJob(h.ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotActive)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	inspect := newFakeInspect(40, 5, 2*time.Millisecond)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeInspect, inspect)
	scan := h.scan(t, models.ScanTypeInspect, 1, models.ScanOptions{})

	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = h.coord.Tick(h.ctx)
		select {
		case <-inspect.reached:
			return true
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)

	paused, err := h.coord.PauseJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	h.idle(t)
	require.NoError(t, h.coord.Tick(h.ctx))
	assert.Empty(t, h.coord.Queued())

	tasks := h.tasks(t, job.ID)
	assert.Equal(t, models.StatusCompleted, tasks[models.ScanTypeConnect][0].Status)
	assert.Equal(t, models.StatusPaused, tasks[models.ScanTypeInspect][0].Status)
	assert.Equal(t, models.StatusCreated, tasks[models.ScanTypeFingerprint][0].Status)
	partial := h.resultCount(t, *job.ReportID)
	assert.Less(t, partial, 40)

	again, err := h.coord.PauseJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, again.Status)

	resumed, err := h.coord.ResumeJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resumed.Status)

	h.drive(t, job.ID, models.StatusCompleted)
	assert.Equal(t, int32(2), inspect.calls.Load())
	assert.Equal(t, 40, h.resultCount(t, *job.ReportID))

	_, err = h.coord.ResumeJob(h.ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotPaused)
}

func TestJobOperationsOnUnknownJob(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)

	_, err := h.coord.CancelJob(h.ctx, 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.coord.PauseJob(h.ctx, 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.coord.ResumeJob(h.ctx, 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.coord.Detail(h.ctx, 42)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSweepFailsStaleAndTimedOutTasks(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		message string
	}{
		{name: "lost worker", opts: Options{StaleAfter: 20 * time.Millisecond}, message: "lost worker"},
		{name: "timeout", opts: Options{TaskTimeout: 20 * time.Millisecond}, message: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStorage()
			dispatcher := &recordingDispatcher{}
			coord := New(store, dispatcher, NewMemorySignals(), tt.opts)

			src := &models.Source{Name: "net", SourceType: models.SourceTypeNetwork}
			require.NoError(t, store.CreateSource(ctx, src))
			scan := &models.Scan{Name: "scan", ScanType: models.ScanTypeInspect, SourceIDs: []int64{src.ID}}
			require.NoError(t, store.CreateScan(ctx, scan))

			job, _, err := coord.StartJob(ctx, scan.ID)
			require.NoError(t, err)
			require.NoError(t, coord.Tick(ctx))

			dispatched, _ := dispatcher.snapshot()
			require.Len(t, dispatched, 1)
			connectID := dispatched[0]
			_, err = store.TransitionTask(ctx, connectID, models.StatusRunning, "")
			require.NoError(t, err)

			time.Sleep(50 * time.Millisecond)
			require.NoError(t, coord.Tick(ctx))

			task, err := store.GetTask(ctx, connectID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, task.Status)
			assert.Equal(t, tt.message, task.StatusMessage)
			_, killed := dispatcher.snapshot()
			assert.Equal(t, []int64{connectID}, killed)

			stored, err := store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, stored.Status)
		})
	}
}

func TestDispatchHonorsJobConcurrency(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	dispatcher := &recordingDispatcher{}
	coord := New(store, dispatcher, NewMemorySignals(), Options{DefaultConcurrency: 10, MaxConcurrency: 50})

	scan := &models.Scan{Name: "scan", ScanType: models.ScanTypeConnect, Options: models.ScanOptions{MaxConcurrency: 2}}
	for _, name := range []string{"a", "b", "c"} {
		src := &models.Source{Name: name, SourceType: models.SourceTypeNetwork}
		require.NoError(t, store.CreateSource(ctx, src))
		scan.SourceIDs = append(scan.SourceIDs, src.ID)
	}
	require.NoError(t, store.CreateScan(ctx, scan))

	job, _, err := coord.StartJob(ctx, scan.ID)
	require.NoError(t, err)
	require.NoError(t, coord.Tick(ctx))
	require.NoError(t, coord.Tick(ctx))

	dispatched, _ := dispatcher.snapshot()
	require.Len(t, dispatched, 2)

	_, err = store.TransitionTask(ctx, dispatched[0], models.StatusRunning, "")
	require.NoError(t, err)
	_, err = store.TransitionTask(ctx, dispatched[0], models.StatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, coord.Tick(ctx))

	dispatched, _ = dispatcher.snapshot()
	assert.Len(t, dispatched, 3)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestUploadJob(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)

	job, report, err := h.coord.SubmitUploadJob(h.ctx, "1.2.3+abc", func(ctx context.Context, report *models.Report) error {
		g := &models.InspectGroup{ReportID: &report.ID, SourceType: models.SourceTypeNetwork, SourceName: "upload", ServerID: "remote"}
		if err := h.store.CreateInspectGroup(ctx, g); err != nil {
			return err
		}
		return h.store.SaveInspectResult(ctx, 0, &models.InspectResult{InspectGroupID: g.ID, Name: "10.0.0.1", Status: models.InspectSuccess, Facts: hostFacts("web1")})
	})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3+abc", report.ReportVersion)
	assert.Equal(t, report.ID, *job.ReportID)
	assert.Equal(t, models.ScanTypeFingerprint, job.ScanType)

	h.drive(t, job.ID, models.StatusCompleted)
	dr, err := h.store.GetDeploymentsReport(h.ctx, report.ID)
	require.NoError(t, err)
	fps, err := h.store.ListFingerprints(h.ctx, dr.ID)
	require.NoError(t, err)
	assert.Len(t, fps, 1)
}

func TestUploadJobIngestFailure(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)

	_, _, err := h.coord.SubmitUploadJob(h.ctx, "1.2.3+abc", func(ctx context.Context, report *models.Report) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, h.coord.Queued())

	jobs, err := h.store.ListJobs(h.ctx, models.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRestoreQueuesUnfinishedJobs(t *testing.T) {
	h := newHarness(t, Options{}, ExecutorOptions{}, time.Second)
	scan := h.scan(t, models.ScanTypeInspect, 1, models.ScanOptions{})
	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)

	restarted := New(h.store, &recordingDispatcher{}, h.signals, Options{})
	require.NoError(t, restarted.Restore(h.ctx))
	assert.Equal(t, []int64{job.ID}, restarted.Queued())
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, Options{Tick: 5 * time.Millisecond}, ExecutorOptions{}, time.Second)
	h.registry.Register(models.SourceTypeNetwork, models.ScanTypeConnect, runners.RunnerFunc(connectOK))
	scan := h.scan(t, models.ScanTypeConnect, 1, models.ScanOptions{})

	require.NoError(t, h.coord.Start(h.ctx))
	job, _, err := h.coord.StartJob(h.ctx, scan.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetJob(h.ctx, job.ID)
		return err == nil && stored.Status == models.StatusCompleted
	}, waitFor, 5*time.Millisecond)
	h.coord.Stop()
}
