package storage

import (
	"context"
	"errors"
	"time"

	"quipucords/internal/models"
)

var (
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness or immutability rule
	ErrConflict = errors.New("conflict")

	// ErrTaskNotRunning is returned when a runner writes results for a task
	// that is no longer running (canceled, paused, timed out)
	ErrTaskNotRunning = errors.New("task is not running")
)

// Storage is the single source of truth shared by the API, the coordinator and the workers
type Storage interface {
	// Close closes the database connection
	Close() error

	// Ping checks datastore connectivity
	Ping(ctx context.Context) error

	// ServerID returns the persisted server identity, creating it on first use
	ServerID(ctx context.Context) (string, error)

	// Registry
	CreateCredential(ctx context.Context, cred *models.Credential) error
	UpdateCredential(ctx context.Context, cred *models.Credential) error // type is immutable
	GetCredential(ctx context.Context, id int64) (*models.Credential, error)
	ListCredentials(ctx context.Context) ([]*models.Credential, error)

	CreateSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)

	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id int64) (*models.Scan, error)
	ListScans(ctx context.Context) ([]*models.Scan, error)
	// DeleteScan removes a scan and every job it produced
	DeleteScan(ctx context.Context, id int64) error

	// Jobs
	CreateJob(ctx context.Context, job *models.ScanJob) error
	GetJob(ctx context.Context, id int64) (*models.ScanJob, error)
	// ListJobs returns jobs in creation order, filtered by status when statuses are given
	ListJobs(ctx context.Context, statuses ...models.Status) ([]*models.ScanJob, error)
	// ActiveJobForScan returns the newest non-terminal job of a scan or ErrNotFound
	ActiveJobForScan(ctx context.Context, scanID int64) (*models.ScanJob, error)
	// TransitionJob moves a job along the state machine under a row lock
	TransitionJob(ctx context.Context, id int64, to models.Status, message string) (*models.ScanJob, error)
	SetJobReport(ctx context.Context, jobID, reportID int64) error

	// Tasks
	CreateTask(ctx context.Context, task *models.ScanTask) error
	GetTask(ctx context.Context, id int64) (*models.ScanTask, error)
	// ListTasks returns the tasks of a job ordered by sequence number
	ListTasks(ctx context.Context, jobID int64) ([]*models.ScanTask, error)
	// TransitionTask moves a task along the state machine under a row lock.
	// Repeating the current status is a no-op.
	TransitionTask(ctx context.Context, id int64, to models.Status, message string) (*models.ScanTask, error)
	// UpdateTaskCounters merges counters monotonically
	UpdateTaskCounters(ctx context.Context, id int64, counters models.TaskCounters) error
	// Heartbeat records liveness of a running task; returns ErrTaskNotRunning otherwise
	Heartbeat(ctx context.Context, id int64, at time.Time) error
	SetTaskInspectGroup(ctx context.Context, taskID, groupID int64) error

	// Raw facts
	CreateInspectGroup(ctx context.Context, group *models.InspectGroup) error
	GetInspectGroup(ctx context.Context, id int64) (*models.InspectGroup, error)
	ListInspectGroups(ctx context.Context, reportID int64) ([]*models.InspectGroup, error)
	// SaveInspectResult writes one target's result and raw facts in a single
	// transaction that first verifies the task is running
	SaveInspectResult(ctx context.Context, taskID int64, result *models.InspectResult) error
	ListInspectResults(ctx context.Context, groupID int64) ([]*models.InspectResult, error)
	// SaveConnectionResult records a reachability outcome; same running check as above
	SaveConnectionResult(ctx context.Context, result *models.ConnectionResult) error
	ListConnectionResults(ctx context.Context, taskID int64) ([]*models.ConnectionResult, error)

	// Reports
	CreateReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id int64) (*models.Report, error)
	// SaveDeploymentsReport replaces the deployments report of a report and its
	// fingerprints in one transaction. A non-zero taskID must be running for
	// the write to happen (ErrTaskNotRunning otherwise).
	SaveDeploymentsReport(ctx context.Context, reportID, taskID int64, status models.Status, fingerprints []*models.SystemFingerprint) (*models.DeploymentsReport, error)
	GetDeploymentsReport(ctx context.Context, reportID int64) (*models.DeploymentsReport, error)
	UpdateDeploymentsCache(ctx context.Context, dr *models.DeploymentsReport) error
	ListFingerprints(ctx context.Context, deploymentsReportID int64) ([]*models.SystemFingerprint, error)

	// Auth methods
	CreateUser(username, passwordHash string, isAdmin bool) (*models.User, error)
	GetUserByUsername(username string) (*models.User, string, error) // Returns user and password hash
	GetUserByID(userID string) (*models.User, error)

	CreateAPIKey(userID, keyHash, keyPrefix, name string, expiresAt *time.Time) (*models.APIKey, error)
	GetAPIKeyByPrefix(keyPrefix string) ([]*models.APIKey, error) // Returns all keys with this prefix
	GetAPIKeysByUserID(userID string) ([]*models.APIKey, error)
	DeleteAPIKey(keyID string) error
	UpdateAPIKeyLastUsed(keyID string) error
}

var (
	_ Storage = (*PostgresStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
