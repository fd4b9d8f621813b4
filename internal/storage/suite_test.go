package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/lifecycle"
	"quipucords/internal/models"
)

// storageSuite exercises behaviour every Storage implementation must share
func storageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("ServerIDIsStable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		first, err := store.ServerID(ctx)
		require.NoError(t, err)
		second, err := store.ServerID(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, first)
		assert.Equal(t, first, second)
	})

	t.Run("CredentialTypeIsImmutable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cred := &models.Credential{
			Name:     "net-cred",
			Type:     models.SourceTypeNetwork,
			Username: "root",
			Auth:     models.AuthMaterial{Kind: models.AuthPassword, Password: "sealed"},
			Become:   &models.Become{Method: models.BecomeSudo, User: "root"},
		}
		require.NoError(t, store.CreateCredential(ctx, cred))
		assert.NotZero(t, cred.ID)

		dup := &models.Credential{Name: "net-cred", Type: models.SourceTypeNetwork}
		assert.ErrorIs(t, store.CreateCredential(ctx, dup), ErrConflict)

		changed := *cred
		changed.Type = models.SourceTypeVCenter
		assert.ErrorIs(t, store.UpdateCredential(ctx, &changed), ErrConflict)

		renamed := *cred
		renamed.Username = "admin"
		require.NoError(t, store.UpdateCredential(ctx, &renamed))

		got, err := store.GetCredential(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, "admin", got.Username)
		assert.Equal(t, models.AuthPassword, got.Auth.Kind)
		require.NotNil(t, got.Become)
		assert.Equal(t, models.BecomeSudo, got.Become.Method)

		_, err = store.GetCredential(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SourcesAndScans", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cred := &models.Credential{Name: "c", Type: models.SourceTypeNetwork, Auth: models.AuthMaterial{Kind: models.AuthPassword}}
		require.NoError(t, store.CreateCredential(ctx, cred))

		src := &models.Source{
			Name:          "lab",
			SourceType:    models.SourceTypeNetwork,
			Hosts:         []string{"10.0.0.[1:3]", "db.example.com"},
			CredentialIDs: []int64{cred.ID},
		}
		require.NoError(t, store.CreateSource(ctx, src))

		got, err := store.GetSource(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, src.Hosts, got.Hosts)
		assert.Equal(t, []int64{cred.ID}, got.CredentialIDs)

		scan := &models.Scan{Name: "nightly", ScanType: models.ScanTypeInspect, SourceIDs: []int64{src.ID},
			Options: models.ScanOptions{MaxConcurrency: 10}}
		require.NoError(t, store.CreateScan(ctx, scan))

		gotScan, err := store.GetScan(ctx, scan.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{src.ID}, gotScan.SourceIDs)
		assert.Equal(t, 10, gotScan.Options.MaxConcurrency)

		scans, err := store.ListScans(ctx)
		require.NoError(t, err)
		assert.Len(t, scans, 1)
	})

	t.Run("TaskTransitions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := &models.ScanJob{ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateJob(ctx, job))
		task := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeInspect, SourceType: models.SourceTypeNetwork}
		require.NoError(t, store.CreateTask(ctx, task))
		assert.Equal(t, models.StatusCreated, task.Status)

		_, err := store.TransitionTask(ctx, task.ID, models.StatusRunning, "")
		assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

		for _, to := range []models.Status{models.StatusPending, models.StatusRunning} {
			_, err := store.TransitionTask(ctx, task.ID, to, "")
			require.NoError(t, err)
		}
		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.StartTime)
		assert.NotNil(t, got.LastHeartbeat)

		done, err := store.TransitionTask(ctx, task.ID, models.StatusCompleted, "ok")
		require.NoError(t, err)
		assert.NotNil(t, done.EndTime)

		// Repeated terminal writes are no-ops
		again, err := store.TransitionTask(ctx, task.ID, models.StatusCompleted, "ignored")
		require.NoError(t, err)
		assert.Equal(t, "ok", again.StatusMessage)

		_, err = store.TransitionTask(ctx, task.ID, models.StatusFailed, "")
		assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	})

	t.Run("CountersAreMonotonic", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := &models.ScanJob{ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateJob(ctx, job))
		task := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateTask(ctx, task))

		require.NoError(t, store.UpdateTaskCounters(ctx, task.ID, models.TaskCounters{SystemsCount: 5, SystemsScanned: 3}))
		require.NoError(t, store.UpdateTaskCounters(ctx, task.ID, models.TaskCounters{SystemsCount: 5, SystemsScanned: 1, SystemsFailed: 1}))

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCounters{SystemsCount: 5, SystemsScanned: 3, SystemsFailed: 1}, got.Counters)
	})

	t.Run("ResultsRejectedUnlessRunning", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := &models.ScanJob{ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateJob(ctx, job))
		report := &models.Report{JobID: &job.ID, ReportPlatformID: "4a9d2f1e-3c5b-4d6e-8f70-1a2b3c4d5e6f", ReportVersion: "1.0.0+abc"}
		require.NoError(t, store.CreateReport(ctx, report))
		group := &models.InspectGroup{ReportID: &report.ID, SourceType: models.SourceTypeNetwork, SourceName: "lab", ServerID: "srv"}
		require.NoError(t, store.CreateInspectGroup(ctx, group))
		task := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateTask(ctx, task))

		result := &models.InspectResult{InspectGroupID: group.ID, Name: "10.0.0.1", Status: models.InspectSuccess,
			Facts: []models.RawFact{{Name: "uname_processor", Value: json.RawMessage(`"x86_64"`)}}}
		err := store.SaveInspectResult(ctx, task.ID, result)
		assert.True(t, errors.Is(err, ErrTaskNotRunning))

		for _, to := range []models.Status{models.StatusPending, models.StatusRunning} {
			_, err := store.TransitionTask(ctx, task.ID, to, "")
			require.NoError(t, err)
		}
		require.NoError(t, store.SaveInspectResult(ctx, task.ID, result))
		require.NoError(t, store.Heartbeat(ctx, task.ID, time.Now()))

		_, err = store.TransitionTask(ctx, task.ID, models.StatusCanceled, "canceled")
		require.NoError(t, err)

		late := &models.InspectResult{InspectGroupID: group.ID, Name: "10.0.0.2", Status: models.InspectSuccess}
		assert.ErrorIs(t, store.SaveInspectResult(ctx, task.ID, late), ErrTaskNotRunning)
		assert.ErrorIs(t, store.Heartbeat(ctx, task.ID, time.Now()), ErrTaskNotRunning)
		assert.ErrorIs(t, store.SaveConnectionResult(ctx, &models.ConnectionResult{TaskID: task.ID, Name: "x"}), ErrTaskNotRunning)

		results, err := store.ListInspectResults(ctx, group.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "10.0.0.1", results[0].Name)
		assert.Equal(t, "x86_64", results[0].FactMap()["uname_processor"])
	})

	t.Run("DeploymentsReportReplace", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		report := &models.Report{ReportPlatformID: "4a9d2f1e-3c5b-4d6e-8f70-1a2b3c4d5e6f", ReportVersion: "1.0.0+abc"}
		require.NoError(t, store.CreateReport(ctx, report))

		_, err := store.GetDeploymentsReport(ctx, report.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		four := 4
		fps := []*models.SystemFingerprint{{
			Name:               "host-a",
			InfrastructureType: models.InfraVirtualized,
			CPUCoreCount:       &four,
			Products:           []models.Product{{Name: "JBoss EAP", Presence: models.PresencePresent, Versions: []string{"7.4.0"}}},
			Entitlements:       []models.Entitlement{{Name: "RHEL Server", EntitlementID: "RH00001"}},
		}}
		dr, err := store.SaveDeploymentsReport(ctx, report.ID, 0, models.StatusCompleted, fps)
		require.NoError(t, err)
		assert.NotZero(t, fps[0].ID)

		dr.CachedFingerprintsFilePath = "/tmp/deployments-report-1.json"
		require.NoError(t, store.UpdateDeploymentsCache(ctx, dr))

		got, err := store.GetDeploymentsReport(ctx, report.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, dr.CachedFingerprintsFilePath, got.CachedFingerprintsFilePath)

		listed, err := store.ListFingerprints(ctx, dr.ID)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "host-a", listed[0].Name)
		assert.Equal(t, 4, *listed[0].CPUCoreCount)
		require.Len(t, listed[0].Products, 1)
		assert.Equal(t, []string{"7.4.0"}, listed[0].Products[0].Versions)
		require.Len(t, listed[0].Entitlements, 1)
		assert.Equal(t, "RH00001", listed[0].Entitlements[0].EntitlementID)

		replaced, err := store.SaveDeploymentsReport(ctx, report.ID, 0, models.StatusFailed, nil)
		require.NoError(t, err)
		listed, err = store.ListFingerprints(ctx, replaced.ID)
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("DeploymentsReportRejectedUnlessRunning", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := &models.ScanJob{ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateJob(ctx, job))
		report := &models.Report{JobID: &job.ID, ReportPlatformID: "4a9d2f1e-3c5b-4d6e-8f70-1a2b3c4d5e6f", ReportVersion: "1.0.0+abc"}
		require.NoError(t, store.CreateReport(ctx, report))
		task := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeFingerprint}
		require.NoError(t, store.CreateTask(ctx, task))
		for _, to := range []models.Status{models.StatusPending, models.StatusRunning, models.StatusCanceled} {
			_, err := store.TransitionTask(ctx, task.ID, to, "")
			require.NoError(t, err)
		}

		fps := []*models.SystemFingerprint{{Name: "host-a"}}
		_, err := store.SaveDeploymentsReport(ctx, report.ID, task.ID, models.StatusCompleted, fps)
		assert.ErrorIs(t, err, ErrTaskNotRunning)
		_, err = store.GetDeploymentsReport(ctx, report.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// finalization writes without a task
		dr, err := store.SaveDeploymentsReport(ctx, report.ID, 0, models.StatusCanceled, nil)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, dr.Status)
	})

	t.Run("ActiveJobAndDeleteCascade", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		scan := &models.Scan{Name: "cascade", ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateScan(ctx, scan))
		job := &models.ScanJob{ScanID: &scan.ID, ScanType: models.ScanTypeInspect}
		require.NoError(t, store.CreateJob(ctx, job))

		active, err := store.ActiveJobForScan(ctx, scan.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, active.ID)

		_, err = store.TransitionJob(ctx, job.ID, models.StatusCanceled, "")
		require.NoError(t, err)
		_, err = store.ActiveJobForScan(ctx, scan.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.DeleteScan(ctx, scan.ID))
		_, err = store.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UsersAndAPIKeys", func(t *testing.T) {
		store := newStore(t)
		user, err := store.CreateUser("admin", "hash", true)
		require.NoError(t, err)
		_, err = store.CreateUser("admin", "hash", false)
		assert.ErrorIs(t, err, ErrConflict)

		got, hash, err := store.GetUserByUsername("admin")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, "hash", hash)

		key, err := store.CreateAPIKey(user.ID, "khash", "qpc_abcd", "cli", nil)
		require.NoError(t, err)
		keys, err := store.GetAPIKeyByPrefix("qpc_abcd")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.NoError(t, store.UpdateAPIKeyLastUsed(key.ID))
		require.NoError(t, store.DeleteAPIKey(key.ID))
		assert.ErrorIs(t, store.DeleteAPIKey(key.ID), ErrNotFound)
	})
}
