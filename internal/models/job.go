package models

import "time"

// Status is the lifecycle state shared by jobs and tasks
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusPaused    Status = "paused"
)

// ScanJob is a single execution of a scan; upload jobs have no scan
type ScanJob struct {
	ID            int64       `json:"id"`
	ScanID        *int64      `json:"scan_id,omitempty"`
	ScanType      ScanType    `json:"scan_type"`
	Status        Status      `json:"status"`
	StatusMessage string      `json:"status_message"`
	Options       ScanOptions `json:"options"`
	SourceIDs     []int64     `json:"sources,omitempty"` // snapshot of the scan's sources at job creation
	ReportID      *int64      `json:"report_id,omitempty"`
	StartTime     *time.Time  `json:"start_time,omitempty"`
	EndTime       *time.Time  `json:"end_time,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TaskCounters tracks per-task target outcomes
type TaskCounters struct {
	SystemsCount       int `json:"systems_count"`
	SystemsScanned     int `json:"systems_scanned"`
	SystemsFailed      int `json:"systems_failed"`
	SystemsUnreachable int `json:"systems_unreachable"`
}

// Processed returns the number of targets with a final outcome
func (c TaskCounters) Processed() int {
	return c.SystemsScanned + c.SystemsFailed + c.SystemsUnreachable
}

// ScanTask is one phase of a job for one source (or the job-wide fingerprint phase)
type ScanTask struct {
	ID             int64        `json:"id"`
	JobID          int64        `json:"job_id"`
	SourceID       *int64       `json:"source_id,omitempty"`
	SourceType     SourceType   `json:"source_type,omitempty"`
	ScanType       ScanType     `json:"scan_type"`
	SequenceNumber int          `json:"sequence_number"`
	Status         Status       `json:"status"`
	StatusMessage  string       `json:"status_message"`
	Counters       TaskCounters `json:"counters"`
	Prerequisites  []int64      `json:"prerequisites,omitempty"`
	InspectGroupID *int64       `json:"inspect_group_id,omitempty"`
	StartTime      *time.Time   `json:"start_time,omitempty"`
	EndTime        *time.Time   `json:"end_time,omitempty"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
}

// JobDetail is the API view of a job with its tasks
type JobDetail struct {
	*ScanJob
	Tasks    []*ScanTask  `json:"tasks"`
	Counters TaskCounters `json:"counters"`
}
