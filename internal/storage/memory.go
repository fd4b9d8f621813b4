package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quipucords/internal/lifecycle"
	"quipucords/internal/models"
)

// MemoryStorage is an in-process implementation of Storage. It backs tests and
// single-process deployments started with STORAGE_BACKEND=memory. Records are
// copied on the way in and out so callers never share mutable state.
type MemoryStorage struct {
	mu sync.RWMutex

	seq      int64
	serverID string

	credentials map[int64]*models.Credential
	sources     map[int64]*models.Source
	scans       map[int64]*models.Scan
	jobs        map[int64]*models.ScanJob
	tasks       map[int64]*models.ScanTask
	groups      map[int64]*models.InspectGroup
	results     map[int64][]*models.InspectResult // key: inspect group id
	connections map[int64][]*models.ConnectionResult
	reports     map[int64]*models.Report
	deployments map[int64]*models.DeploymentsReport // key: report id
	prints      map[int64][]byte                    // key: deployments report id, JSON encoded fingerprints

	// Users storage
	users           map[string]*models.User // key: userID
	usersByUsername map[string]string       // username -> userID
	passwords       map[string]string       // userID -> passwordHash

	// API Keys storage
	apiKeys         map[string]*models.APIKey // key: apiKeyID
	apiKeysByUser   map[string][]string       // userID -> []apiKeyID
	apiKeysByPrefix map[string][]string       // prefix -> []apiKeyID

	// Error injection
	shouldErrorOnPing bool
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials:     make(map[int64]*models.Credential),
		sources:         make(map[int64]*models.Source),
		scans:           make(map[int64]*models.Scan),
		jobs:            make(map[int64]*models.ScanJob),
		tasks:           make(map[int64]*models.ScanTask),
		groups:          make(map[int64]*models.InspectGroup),
		results:         make(map[int64][]*models.InspectResult),
		connections:     make(map[int64][]*models.ConnectionResult),
		reports:         make(map[int64]*models.Report),
		deployments:     make(map[int64]*models.DeploymentsReport),
		prints:          make(map[int64][]byte),
		users:           make(map[string]*models.User),
		usersByUsername: make(map[string]string),
		passwords:       make(map[string]string),
		apiKeys:         make(map[string]*models.APIKey),
		apiKeysByUser:   make(map[string][]string),
		apiKeysByPrefix: make(map[string][]string),
	}
}

// SetPingError makes Ping fail, for health check tests
func (m *MemoryStorage) SetPingError(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldErrorOnPing = fail
}

func (m *MemoryStorage) nextID() int64 {
	m.seq++
	return m.seq
}

// Close is a no-op
func (m *MemoryStorage) Close() error {
	return nil
}

// Ping reports an error only when injected
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shouldErrorOnPing {
		return fmt.Errorf("memory storage unavailable")
	}
	return ctx.Err()
}

// ServerID returns the process-wide server identity
func (m *MemoryStorage) ServerID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serverID == "" {
		m.serverID = uuid.NewString()
	}
	return m.serverID, nil
}

func cloneCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.Become != nil {
		b := *c.Become
		out.Become = &b
	}
	return &out
}

// CreateCredential stores a credential
func (m *MemoryStorage) CreateCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.credentials {
		if existing.Name == cred.Name {
			return fmt.Errorf("%w: credential %q already exists", ErrConflict, cred.Name)
		}
	}
	cred.ID = m.nextID()
	cred.CreatedAt = time.Now()
	cred.UpdatedAt = cred.CreatedAt
	m.credentials[cred.ID] = cloneCredential(cred)
	return nil
}

// UpdateCredential rewrites a credential; the type cannot change
func (m *MemoryStorage) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.credentials[cred.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Type != cred.Type {
		return fmt.Errorf("%w: credential type is immutable (%s)", ErrConflict, current.Type)
	}
	for id, existing := range m.credentials {
		if id != cred.ID && existing.Name == cred.Name {
			return fmt.Errorf("%w: credential %q already exists", ErrConflict, cred.Name)
		}
	}
	cred.CreatedAt = current.CreatedAt
	cred.UpdatedAt = time.Now()
	m.credentials[cred.ID] = cloneCredential(cred)
	return nil
}

// GetCredential returns a credential by id
func (m *MemoryStorage) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(cred), nil
}

// ListCredentials returns all credentials ordered by id
func (m *MemoryStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Credential{}
	for _, id := range sortedKeys(m.credentials) {
		out = append(out, cloneCredential(m.credentials[id]))
	}
	return out, nil
}

func cloneSource(s *models.Source) *models.Source {
	out := *s
	out.Hosts = slices.Clone(s.Hosts)
	out.ExcludeHosts = slices.Clone(s.ExcludeHosts)
	out.CredentialIDs = slices.Clone(s.CredentialIDs)
	if s.SSL.SSLCertVerify != nil {
		v := *s.SSL.SSLCertVerify
		out.SSL.SSLCertVerify = &v
	}
	return &out
}

// CreateSource stores a source
func (m *MemoryStorage) CreateSource(ctx context.Context, src *models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sources {
		if existing.Name == src.Name {
			return fmt.Errorf("%w: source %q already exists", ErrConflict, src.Name)
		}
	}
	for _, credID := range src.CredentialIDs {
		if _, ok := m.credentials[credID]; !ok {
			return fmt.Errorf("failed to link credential %d: %w", credID, ErrNotFound)
		}
	}
	src.ID = m.nextID()
	src.CreatedAt = time.Now()
	src.UpdatedAt = src.CreatedAt
	m.sources[src.ID] = cloneSource(src)
	return nil
}

// GetSource returns a source by id
func (m *MemoryStorage) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSource(src), nil
}

// ListSources returns all sources ordered by id
func (m *MemoryStorage) ListSources(ctx context.Context) ([]*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Source{}
	for _, id := range sortedKeys(m.sources) {
		out = append(out, cloneSource(m.sources[id]))
	}
	return out, nil
}

func cloneScan(s *models.Scan) *models.Scan {
	out := *s
	out.SourceIDs = slices.Clone(s.SourceIDs)
	out.Options = cloneOptions(s.Options)
	return &out
}

func cloneOptions(o models.ScanOptions) models.ScanOptions {
	if o.EnabledProducts != nil {
		p := *o.EnabledProducts
		o.EnabledProducts = &p
	}
	if o.ExtendedSearch != nil {
		e := *o.ExtendedSearch
		e.SearchDirectories = slices.Clone(e.SearchDirectories)
		o.ExtendedSearch = &e
	}
	return o
}

// CreateScan stores a scan definition
func (m *MemoryStorage) CreateScan(ctx context.Context, scan *models.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.scans {
		if existing.Name == scan.Name {
			return fmt.Errorf("%w: scan %q already exists", ErrConflict, scan.Name)
		}
	}
	for _, srcID := range scan.SourceIDs {
		if _, ok := m.sources[srcID]; !ok {
			return fmt.Errorf("failed to link source %d: %w", srcID, ErrNotFound)
		}
	}
	scan.ID = m.nextID()
	scan.CreatedAt = time.Now()
	scan.UpdatedAt = scan.CreatedAt
	m.scans[scan.ID] = cloneScan(scan)
	return nil
}

// GetScan returns a scan by id
func (m *MemoryStorage) GetScan(ctx context.Context, id int64) (*models.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scan, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneScan(scan), nil
}

// ListScans returns all scans ordered by id
func (m *MemoryStorage) ListScans(ctx context.Context) ([]*models.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Scan{}
	for _, id := range sortedKeys(m.scans) {
		out = append(out, cloneScan(m.scans[id]))
	}
	return out, nil
}

// DeleteScan removes a scan and everything its jobs own
func (m *MemoryStorage) DeleteScan(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[id]; !ok {
		return ErrNotFound
	}
	delete(m.scans, id)

	for jobID, job := range m.jobs {
		if job.ScanID == nil || *job.ScanID != id {
			continue
		}
		for taskID, task := range m.tasks {
			if task.JobID == jobID {
				delete(m.connections, taskID)
				delete(m.tasks, taskID)
			}
		}
		for reportID, report := range m.reports {
			if report.JobID != nil && *report.JobID == jobID {
				m.deleteReportLocked(reportID)
			}
		}
		delete(m.jobs, jobID)
	}
	return nil
}

func (m *MemoryStorage) deleteReportLocked(reportID int64) {
	for groupID, g := range m.groups {
		if g.ReportID != nil && *g.ReportID == reportID {
			delete(m.results, groupID)
			delete(m.groups, groupID)
		}
	}
	if dr, ok := m.deployments[reportID]; ok {
		delete(m.prints, dr.ID)
		delete(m.deployments, reportID)
	}
	delete(m.reports, reportID)
}

func cloneJob(j *models.ScanJob) *models.ScanJob {
	out := *j
	out.SourceIDs = slices.Clone(j.SourceIDs)
	out.Options = cloneOptions(j.Options)
	out.ScanID = clonePtr(j.ScanID)
	out.ReportID = clonePtr(j.ReportID)
	out.StartTime = clonePtr(j.StartTime)
	out.EndTime = clonePtr(j.EndTime)
	return &out
}

// CreateJob stores a new job
func (m *MemoryStorage) CreateJob(ctx context.Context, job *models.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Status == "" {
		job.Status = models.StatusCreated
	}
	job.ID = m.nextID()
	job.CreatedAt = time.Now()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns a job by id
func (m *MemoryStorage) GetJob(ctx context.Context, id int64) (*models.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs in creation order, optionally filtered by status
func (m *MemoryStorage) ListJobs(ctx context.Context, statuses ...models.Status) ([]*models.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.ScanJob{}
	for _, id := range sortedKeys(m.jobs) {
		job := m.jobs[id]
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// ActiveJobForScan returns the newest non-terminal job of a scan
func (m *MemoryStorage) ActiveJobForScan(ctx context.Context, scanID int64) (*models.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := sortedKeys(m.jobs)
	for i := len(ids) - 1; i >= 0; i-- {
		job := m.jobs[ids[i]]
		if job.ScanID != nil && *job.ScanID == scanID && !lifecycle.IsTerminal(job.Status) {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

// TransitionJob moves a job along the state machine
func (m *MemoryStorage) TransitionJob(ctx context.Context, id int64, to models.Status, message string) (*models.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	changed, err := lifecycle.Check(job.Status, to)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}
	if changed {
		now := time.Now()
		job.Status = to
		job.StatusMessage = message
		if to == models.StatusRunning && job.StartTime == nil {
			job.StartTime = &now
		}
		if lifecycle.IsTerminal(to) {
			job.EndTime = &now
		}
	}
	return cloneJob(job), nil
}

// SetJobReport links a job to its report
func (m *MemoryStorage) SetJobReport(ctx context.Context, jobID, reportID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.ReportID = &reportID
	return nil
}

func cloneTask(t *models.ScanTask) *models.ScanTask {
	out := *t
	out.SourceID = clonePtr(t.SourceID)
	out.InspectGroupID = clonePtr(t.InspectGroupID)
	out.Prerequisites = slices.Clone(t.Prerequisites)
	out.StartTime = clonePtr(t.StartTime)
	out.EndTime = clonePtr(t.EndTime)
	out.LastHeartbeat = clonePtr(t.LastHeartbeat)
	return &out
}

// CreateTask stores a new task
func (m *MemoryStorage) CreateTask(ctx context.Context, task *models.ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[task.JobID]; !ok {
		return fmt.Errorf("failed to create task: job %d: %w", task.JobID, ErrNotFound)
	}
	if task.Status == "" {
		task.Status = models.StatusCreated
	}
	task.ID = m.nextID()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask returns a task by id
func (m *MemoryStorage) GetTask(ctx context.Context, id int64) (*models.ScanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

// ListTasks returns the tasks of a job ordered by sequence number
func (m *MemoryStorage) ListTasks(ctx context.Context, jobID int64) ([]*models.ScanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.ScanTask{}
	for _, task := range m.tasks {
		if task.JobID == jobID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TransitionTask moves a task along the state machine
func (m *MemoryStorage) TransitionTask(ctx context.Context, id int64, to models.Status, message string) (*models.ScanTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	changed, err := lifecycle.Check(task.Status, to)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	if changed {
		now := time.Now()
		task.Status = to
		task.StatusMessage = message
		if to == models.StatusRunning {
			if task.StartTime == nil {
				task.StartTime = &now
			}
			task.LastHeartbeat = &now
		}
		if lifecycle.IsTerminal(to) {
			task.EndTime = &now
		}
	}
	return cloneTask(task), nil
}

// UpdateTaskCounters merges counters monotonically
func (m *MemoryStorage) UpdateTaskCounters(ctx context.Context, id int64, c models.TaskCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Counters = lifecycle.MergeCounters(task.Counters, c)
	return nil
}

// Heartbeat stamps a running task
func (m *MemoryStorage) Heartbeat(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != models.StatusRunning {
		return ErrTaskNotRunning
	}
	task.LastHeartbeat = &at
	return nil
}

// SetTaskInspectGroup links a task to its inspect group
func (m *MemoryStorage) SetTaskInspectGroup(ctx context.Context, taskID, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.InspectGroupID = &groupID
	return nil
}

func cloneGroup(g *models.InspectGroup) *models.InspectGroup {
	out := *g
	out.ReportID = clonePtr(g.ReportID)
	out.SourceID = clonePtr(g.SourceID)
	return &out
}

// CreateInspectGroup stores a new inspect group
func (m *MemoryStorage) CreateInspectGroup(ctx context.Context, g *models.InspectGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g.ID = m.nextID()
	g.CreatedAt = time.Now()
	m.groups[g.ID] = cloneGroup(g)
	return nil
}

// GetInspectGroup returns an inspect group by id
func (m *MemoryStorage) GetInspectGroup(ctx context.Context, id int64) (*models.InspectGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

// ListInspectGroups returns the inspect groups of a report ordered by id
func (m *MemoryStorage) ListInspectGroups(ctx context.Context, reportID int64) ([]*models.InspectGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.InspectGroup{}
	for _, id := range sortedKeys(m.groups) {
		g := m.groups[id]
		if g.ReportID != nil && *g.ReportID == reportID {
			out = append(out, cloneGroup(g))
		}
	}
	return out, nil
}

func cloneResult(r *models.InspectResult) *models.InspectResult {
	out := *r
	out.TaskID = clonePtr(r.TaskID)
	out.Facts = make([]models.RawFact, len(r.Facts))
	for i, f := range r.Facts {
		out.Facts[i] = models.RawFact{Name: f.Name, Value: slices.Clone(f.Value)}
	}
	if len(out.Facts) == 0 {
		out.Facts = nil
	}
	return &out
}

func (m *MemoryStorage) checkRunningLocked(taskID int64) error {
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status != models.StatusRunning {
		return fmt.Errorf("%w: task %d is %s", ErrTaskNotRunning, taskID, task.Status)
	}
	return nil
}

// SaveInspectResult writes one target's result and raw facts atomically.
// A taskID of 0 skips the running check (uploaded reports).
func (m *MemoryStorage) SaveInspectResult(ctx context.Context, taskID int64, r *models.InspectResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if taskID > 0 {
		if err := m.checkRunningLocked(taskID); err != nil {
			return err
		}
		r.TaskID = &taskID
	}
	if _, ok := m.groups[r.InspectGroupID]; !ok {
		return fmt.Errorf("failed to insert inspect result: group %d: %w", r.InspectGroupID, ErrNotFound)
	}
	r.ID = m.nextID()
	r.CreatedAt = time.Now()
	m.results[r.InspectGroupID] = append(m.results[r.InspectGroupID], cloneResult(r))
	return nil
}

// ListInspectResults returns the results of a group in write order
func (m *MemoryStorage) ListInspectResults(ctx context.Context, groupID int64) ([]*models.InspectResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.InspectResult{}
	for _, r := range m.results[groupID] {
		out = append(out, cloneResult(r))
	}
	return out, nil
}

// SaveConnectionResult records a reachability outcome for a running task
func (m *MemoryStorage) SaveConnectionResult(ctx context.Context, r *models.ConnectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRunningLocked(r.TaskID); err != nil {
		return err
	}
	c := *r
	m.connections[r.TaskID] = append(m.connections[r.TaskID], &c)
	return nil
}

// ListConnectionResults returns the reachability outcomes of a task
func (m *MemoryStorage) ListConnectionResults(ctx context.Context, taskID int64) ([]*models.ConnectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.ConnectionResult{}
	for _, r := range m.connections[taskID] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// CreateReport stores a new report
func (m *MemoryStorage) CreateReport(ctx context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.nextID()
	r.CreatedAt = time.Now()
	c := *r
	c.JobID = clonePtr(r.JobID)
	m.reports[r.ID] = &c
	return nil
}

// GetReport returns a report by id
func (m *MemoryStorage) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	c.JobID = clonePtr(r.JobID)
	return &c, nil
}

// SaveDeploymentsReport replaces the deployments report and fingerprints of a report.
// A taskID of 0 skips the running check (job finalization).
func (m *MemoryStorage) SaveDeploymentsReport(ctx context.Context, reportID, taskID int64, status models.Status, fingerprints []*models.SystemFingerprint) (*models.DeploymentsReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if taskID > 0 {
		if err := m.checkRunningLocked(taskID); err != nil {
			return nil, err
		}
	}

	if _, ok := m.reports[reportID]; !ok {
		return nil, ErrNotFound
	}
	if old, ok := m.deployments[reportID]; ok {
		delete(m.prints, old.ID)
	}

	dr := &models.DeploymentsReport{ID: m.nextID(), ReportID: reportID, Status: status, CreatedAt: time.Now()}
	for _, fp := range fingerprints {
		fp.ID = m.nextID()
		fp.DeploymentsReportID = dr.ID
	}
	data, err := json.Marshal(fingerprints)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprints: %w", err)
	}
	m.deployments[reportID] = dr
	m.prints[dr.ID] = data

	c := *dr
	return &c, nil
}

// GetDeploymentsReport returns the deployments report of a report
func (m *MemoryStorage) GetDeploymentsReport(ctx context.Context, reportID int64) (*models.DeploymentsReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dr, ok := m.deployments[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *dr
	return &c, nil
}

// UpdateDeploymentsCache records cache file paths
func (m *MemoryStorage) UpdateDeploymentsCache(ctx context.Context, dr *models.DeploymentsReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.deployments[dr.ReportID]
	if !ok || current.ID != dr.ID {
		return ErrNotFound
	}
	current.CachedFingerprintsFilePath = dr.CachedFingerprintsFilePath
	current.CachedCSVFilePath = dr.CachedCSVFilePath
	current.CachedMaskedFingerprintPath = dr.CachedMaskedFingerprintPath
	return nil
}

// ListFingerprints returns the fingerprints of a deployments report in write order
func (m *MemoryStorage) ListFingerprints(ctx context.Context, drID int64) ([]*models.SystemFingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.prints[drID]
	if !ok {
		return []*models.SystemFingerprint{}, nil
	}
	var out []*models.SystemFingerprint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode fingerprints: %w", err)
	}
	if out == nil {
		out = []*models.SystemFingerprint{}
	}
	return out, nil
}

// CreateUser creates a new user
func (m *MemoryStorage) CreateUser(username, passwordHash string, isAdmin bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if username already exists
	if _, exists := m.usersByUsername[username]; exists {
		return nil, fmt.Errorf("%w: username %q already exists", ErrConflict, username)
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		IsActive:  true,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now(),
	}

	m.users[user.ID] = user
	m.usersByUsername[username] = user.ID
	m.passwords[user.ID] = passwordHash

	c := *user
	return &c, nil
}

// GetUserByUsername retrieves a user by username
func (m *MemoryStorage) GetUserByUsername(username string) (*models.User, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userID, exists := m.usersByUsername[username]
	if !exists {
		return nil, "", ErrNotFound
	}

	user, exists := m.users[userID]
	if !exists {
		return nil, "", ErrNotFound
	}

	c := *user
	return &c, m.passwords[userID], nil
}

// GetUserByID retrieves a user by ID
func (m *MemoryStorage) GetUserByID(userID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[userID]
	if !exists {
		return nil, ErrNotFound
	}

	c := *user
	return &c, nil
}

// CreateAPIKey creates a new API key
func (m *MemoryStorage) CreateAPIKey(userID, keyHash, keyPrefix, name string, expiresAt *time.Time) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[userID]; !exists {
		return nil, ErrNotFound
	}

	apiKey := &models.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Name:      strings.TrimSpace(name),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	m.apiKeys[apiKey.ID] = apiKey
	m.apiKeysByUser[userID] = append(m.apiKeysByUser[userID], apiKey.ID)
	m.apiKeysByPrefix[keyPrefix] = append(m.apiKeysByPrefix[keyPrefix], apiKey.ID)

	c := *apiKey
	return &c, nil
}

// GetAPIKeyByPrefix retrieves API keys by prefix
func (m *MemoryStorage) GetAPIKeyByPrefix(keyPrefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.keysLocked(m.apiKeysByPrefix[keyPrefix]), nil
}

// GetAPIKeysByUserID retrieves all API keys for a user
func (m *MemoryStorage) GetAPIKeysByUserID(userID string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.keysLocked(m.apiKeysByUser[userID]), nil
}

func (m *MemoryStorage) keysLocked(ids []string) []*models.APIKey {
	keys := []*models.APIKey{}
	for _, keyID := range ids {
		if key, exists := m.apiKeys[keyID]; exists {
			c := *key
			keys = append(keys, &c)
		}
	}
	return keys
}

// DeleteAPIKey removes an API key
func (m *MemoryStorage) DeleteAPIKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.apiKeys[keyID]
	if !exists {
		return ErrNotFound
	}
	delete(m.apiKeys, keyID)
	m.apiKeysByUser[key.UserID] = slices.DeleteFunc(m.apiKeysByUser[key.UserID], func(id string) bool { return id == keyID })
	m.apiKeysByPrefix[key.KeyPrefix] = slices.DeleteFunc(m.apiKeysByPrefix[key.KeyPrefix], func(id string) bool { return id == keyID })
	return nil
}

// UpdateAPIKeyLastUsed stamps the last usage time of an API key
func (m *MemoryStorage) UpdateAPIKeyLastUsed(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, exists := m.apiKeys[keyID]
	if !exists {
		return ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
