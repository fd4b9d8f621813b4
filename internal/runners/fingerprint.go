package runners

import (
	"context"
	"errors"
	"fmt"

	"quipucords/internal/fingerprint"
	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

// runFingerprint merges every inspect result of the job's report into the
// deployments report, replacing any previous one.
func runFingerprint(ctx context.Context, env *Env) Result {
	if env.Job.ReportID == nil {
		return failed("job %d has no report", env.Job.ID)
	}
	reportID := *env.Job.ReportID

	inputs, err := loadInspectResults(ctx, env, reportID)
	if err != nil {
		return failed("%v", err)
	}
	// counters are in inspect results; one result may fan out into several fingerprints
	counters := resultCounters(inputs)
	if err := env.Store.UpdateTaskCounters(ctx, env.Task.ID, models.TaskCounters{SystemsCount: counters.SystemsCount}); err != nil {
		return settle(ctx, env, nil, err)
	}

	fps, err := fingerprint.New(env.Job.Options, env.Log).Run(inputs)
	if err != nil {
		return failed("fingerprint merge failed: %v", err)
	}
	if status, ok := env.interrupted(ctx); ok {
		return Result{Status: status, Message: fmt.Sprintf("task %s", status)}
	}

	// the store refuses the write once the task left running
	dr, err := env.Store.SaveDeploymentsReport(ctx, reportID, env.Task.ID, models.StatusCompleted, fps)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotRunning) {
			return settle(ctx, env, nil, err)
		}
		return failed("failed to save deployments report: %v", err)
	}
	metrics.FingerprintsCreatedTotal.Add(float64(len(fps)))

	if err := env.Store.UpdateTaskCounters(ctx, env.Task.ID, counters); err != nil {
		return settle(ctx, env, nil, err)
	}
	env.Log.Info().Int64("deployments_report_id", dr.ID).Int("fingerprints", len(fps)).Msg("Deployments report created")
	return completed("%d fingerprint(s) created from %d result(s)", len(fps), counters.SystemsCount)
}

func loadInspectResults(ctx context.Context, env *Env, reportID int64) ([]fingerprint.SourceResults, error) {
	groups, err := env.Store.ListInspectGroups(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inspect groups: %w", err)
	}
	inputs := make([]fingerprint.SourceResults, 0, len(groups))
	for _, g := range groups {
		results, err := env.Store.ListInspectResults(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load inspect results of group %d: %w", g.ID, err)
		}
		inputs = append(inputs, fingerprint.SourceResults{Group: g, Results: results})
	}
	return inputs, nil
}

// resultCounters counts inspect results by status
func resultCounters(inputs []fingerprint.SourceResults) models.TaskCounters {
	var c models.TaskCounters
	for _, in := range inputs {
		for _, r := range in.Results {
			c.SystemsCount++
			switch r.Status {
			case models.InspectSuccess:
				c.SystemsScanned++
			case models.InspectUnreachable:
				c.SystemsUnreachable++
			default:
				c.SystemsFailed++
			}
		}
	}
	return c
}
