package models

import (
	"encoding/json"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`   // Overall service status (ok or error)
	Service  string `json:"service"`  // Service name
	Database string `json:"database"` // Database connection status (connected or disconnected)
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	ServerID         string `json:"server_id"`
	ServerVersion    string `json:"server_version"`
	SchedulerBackend string `json:"scheduler_backend"`
}

// Report ties the inspect groups of a job to its derived artifacts
type Report struct {
	ID               int64     `json:"id"`
	JobID            *int64    `json:"job_id,omitempty"`
	ReportPlatformID string    `json:"report_platform_id"`
	ReportVersion    string    `json:"report_version"`
	CreatedAt        time.Time `json:"created_at"`
}

// DeploymentsReport holds the fingerprinting outcome of a report
type DeploymentsReport struct {
	ID                          int64     `json:"id"`
	ReportID                    int64     `json:"report_id"`
	Status                      Status    `json:"status"`
	CachedFingerprintsFilePath  string    `json:"-"`
	CachedCSVFilePath           string    `json:"-"`
	CachedMaskedFingerprintPath string    `json:"-"`
	CreatedAt                   time.Time `json:"created_at"`
}

// DetailsSource is one source block of a details report
type DetailsSource struct {
	ServerID      string           `json:"server_id"`
	ReportVersion string           `json:"report_version"`
	SourceName    string           `json:"source_name"`
	SourceType    SourceType       `json:"source_type"`
	Facts         []map[string]any `json:"facts"`
}

// DetailsReport is the lossless echo of raw facts
type DetailsReport struct {
	ReportID         int64           `json:"report_id"`
	ReportType       string          `json:"report_type"`
	ReportVersion    string          `json:"report_version"`
	ReportPlatformID string          `json:"report_platform_id"`
	Sources          []DetailsSource `json:"sources"`
}

// UploadSource is one source block of an uploaded details payload
type UploadSource struct {
	ServerID      string            `json:"server_id"`
	ReportVersion string            `json:"report_version"`
	SourceName    string            `json:"source_name"`
	SourceType    string            `json:"source_type"`
	Facts         []json.RawMessage `json:"facts"`
}

// UploadRequest is the body of POST /reports/
type UploadRequest struct {
	ReportType string         `json:"report_type"`
	Sources    []UploadSource `json:"sources"`
}

// UploadResponse is returned after an accepted upload
type UploadResponse struct {
	ReportID int64  `json:"report_id"`
	JobID    int64  `json:"job_id"`
	Status   Status `json:"status"`
}
