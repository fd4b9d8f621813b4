// Package runners executes the connect, inspect and fingerprint phases of a
// scan job, one runner per source type and phase.
package runners

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"quipucords/internal/clients/network"
	"quipucords/internal/httpsession"
	"quipucords/internal/models"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// Interrupt is the cooperative cancellation token of a task. Requested
// returns the status the task should settle in (canceled or paused).
type Interrupt interface {
	Requested(ctx context.Context) (models.Status, bool)
}

// Env is everything a runner needs to execute one task
type Env struct {
	Task        *models.ScanTask
	Job         *models.ScanJob
	Scan        *models.Scan // nil for upload jobs
	Source      *models.Source
	Credentials []*models.Credential
	Codec       *secrets.Codec
	Store       storage.Storage
	Interrupt   Interrupt
	Log         zerolog.Logger
	HTTP        httpsession.Policy
	// Concurrency is the effective per-task target concurrency
	Concurrency int
	ServerID    string
	// Version is recorded on inspect groups of sources without an API version
	Version string

	SSH      *network.Connector
	Playbook *network.PlaybookRunner
}

// Result is the terminal outcome reported by a runner
type Result struct {
	Status  models.Status
	Message string
}

func completed(msg string, args ...any) Result {
	return Result{Status: models.StatusCompleted, Message: fmt.Sprintf(msg, args...)}
}

func failed(msg string, args ...any) Result {
	return Result{Status: models.StatusFailed, Message: fmt.Sprintf(msg, args...)}
}

// Runner executes one task
type Runner interface {
	Run(ctx context.Context, env *Env) Result
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, env *Env) Result

func (f RunnerFunc) Run(ctx context.Context, env *Env) Result { return f(ctx, env) }

type key struct {
	sourceType models.SourceType
	phase      models.ScanType
}

// Registry maps (source type, phase) to runners
type Registry struct {
	runners     map[key]Runner
	fingerprint Runner
}

// NewRegistry creates an empty registry with the given fingerprint runner
func NewRegistry(fingerprint Runner) *Registry {
	return &Registry{runners: map[key]Runner{}, fingerprint: fingerprint}
}

// Register binds a runner to a source type and phase
func (r *Registry) Register(sourceType models.SourceType, phase models.ScanType, runner Runner) {
	r.runners[key{sourceType, phase}] = runner
}

// Lookup returns the runner of a task
func (r *Registry) Lookup(task *models.ScanTask) (Runner, error) {
	if task.ScanType == models.ScanTypeFingerprint {
		return r.fingerprint, nil
	}
	runner, ok := r.runners[key{task.SourceType, task.ScanType}]
	if !ok {
		return nil, fmt.Errorf("no %s runner for source type %q", task.ScanType, task.SourceType)
	}
	return runner, nil
}

// Default returns the registry of every supported source type
func Default() *Registry {
	r := NewRegistry(RunnerFunc(runFingerprint))

	r.Register(models.SourceTypeNetwork, models.ScanTypeConnect, RunnerFunc(connectNetwork))
	r.Register(models.SourceTypeNetwork, models.ScanTypeInspect, RunnerFunc(inspectNetwork))

	r.Register(models.SourceTypeVCenter, models.ScanTypeConnect, httpConnect(checkVCenter))
	r.Register(models.SourceTypeVCenter, models.ScanTypeInspect, RunnerFunc(inspectVCenter))

	r.Register(models.SourceTypeSatellite, models.ScanTypeConnect, httpConnect(checkSatellite))
	r.Register(models.SourceTypeSatellite, models.ScanTypeInspect, RunnerFunc(inspectSatellite))

	r.Register(models.SourceTypeOpenShift, models.ScanTypeConnect, httpConnect(checkOpenShift))
	r.Register(models.SourceTypeOpenShift, models.ScanTypeInspect, RunnerFunc(inspectOpenShift))

	r.Register(models.SourceTypeAnsible, models.ScanTypeConnect, httpConnect(checkAnsible))
	r.Register(models.SourceTypeAnsible, models.ScanTypeInspect, RunnerFunc(inspectAnsible))

	for _, t := range []models.SourceType{models.SourceTypeACS, models.SourceTypeRHACS} {
		r.Register(t, models.ScanTypeConnect, httpConnect(checkACS))
		r.Register(t, models.ScanTypeInspect, RunnerFunc(inspectACS))
	}
	return r
}
