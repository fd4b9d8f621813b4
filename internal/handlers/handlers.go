// Package handlers implements the HTTP API on top of the scheduler, the
// report service and the datastore.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"quipucords/internal/config"
	"quipucords/internal/logger"
	"quipucords/internal/models"
	"quipucords/internal/reports"
	"quipucords/internal/scheduler"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// Scheduler is the job control surface used by the API
type Scheduler interface {
	StartJob(ctx context.Context, scanID int64) (*models.ScanJob, bool, error)
	SubmitUploadJob(ctx context.Context, reportVersion string, ingest func(ctx context.Context, report *models.Report) error) (*models.ScanJob, *models.Report, error)
	CancelJob(ctx context.Context, jobID int64) (*models.ScanJob, error)
	PauseJob(ctx context.Context, jobID int64) (*models.ScanJob, error)
	ResumeJob(ctx context.Context, jobID int64) (*models.ScanJob, error)
	Detail(ctx context.Context, jobID int64) (*models.JobDetail, error)
}

var _ Scheduler = (*scheduler.Coordinator)(nil)

// Handlers contains HTTP handlers
type Handlers struct {
	storage storage.Storage
	jobs    Scheduler
	reports *reports.Service
	codec   *secrets.Codec
	cfg     *config.Config
}

// Auth handlers are in auth.go, registry handlers in registry.go,
// job handlers in jobs.go and report handlers in reports.go

// New creates a new Handlers instance
func New(store storage.Storage, jobs Scheduler, rep *reports.Service, codec *secrets.Codec, cfg *config.Config) *Handlers {
	return &Handlers{storage: store, jobs: jobs, reports: rep, codec: codec, cfg: cfg}
}

// Health returns server health status
func (h *Handlers) Health(c *gin.Context) {
	if err := h.storage.Ping(c.Request.Context()); err != nil {
		logError(c, err, "Health check failed")
		c.JSON(http.StatusServiceUnavailable, models.HealthResponse{
			Status:   "error",
			Service:  "quipucords",
			Database: "disconnected",
		})
		return
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:   "ok",
		Service:  "quipucords",
		Database: "connected",
	})
}

// Status returns the server identity
func (h *Handlers) Status(c *gin.Context) {
	serverID, err := h.storage.ServerID(c.Request.Context())
	if err != nil {
		h.fail(c, err, "read server id")
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{
		ServerID:         serverID,
		ServerVersion:    h.cfg.ReportVersion(),
		SchedulerBackend: h.cfg.SchedulerBackend,
	})
}

// GetOpenAPISpecYAML returns the OpenAPI specification in YAML format
func (h *Handlers) GetOpenAPISpecYAML(c *gin.Context) {
	specData, ok := h.readSpec(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", specData)
}

// GetOpenAPISpecJSON returns the OpenAPI specification converted to JSON
func (h *Handlers) GetOpenAPISpecJSON(c *gin.Context) {
	specData, ok := h.readSpec(c)
	if !ok {
		return
	}

	var spec map[string]any
	if err := yaml.Unmarshal(specData, &spec); err != nil {
		logError(c, err, "Failed to parse OpenAPI spec")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse OpenAPI specification"})
		return
	}
	c.JSON(http.StatusOK, spec)
}

func (h *Handlers) readSpec(c *gin.Context) ([]byte, bool) {
	specPath := findSpecFile("docs/openapi.yaml")
	if specPath == "" {
		specPath = findSpecFile("openapi.yaml")
	}
	if specPath == "" {
		logger.Logger.Error().Msg("Failed to find OpenAPI spec file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load OpenAPI specification"})
		return nil, false
	}

	specData, err := os.ReadFile(specPath)
	if err != nil {
		logError(c, err, "Failed to read OpenAPI spec")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load OpenAPI specification"})
		return nil, false
	}
	return specData, true
}

// findSpecFile tries to locate a spec file in multiple possible locations
func findSpecFile(relativePath string) string {
	// Try current working directory first
	if _, err := os.Stat(relativePath); err == nil {
		return relativePath
	}

	// Try relative to executable location
	if execPath, err := os.Executable(); err == nil {
		absPath := filepath.Join(filepath.Dir(execPath), relativePath)
		if _, err := os.Stat(absPath); err == nil {
			return absPath
		}
	}

	return ""
}

// fail maps domain errors to HTTP statuses; anything unexpected is logged
// and reported as a 500 mentioning action
func (h *Handlers) fail(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, scheduler.ErrScanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, scheduler.ErrJobNotActive), errors.Is(err, scheduler.ErrJobNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNoSources), errors.Is(err, reports.ErrMaskDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reports.ErrNotReady):
		c.JSON(http.StatusFailedDependency, gin.H{"error": err.Error()})
	case errors.Is(err, reports.ErrNoHosts):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logError(c, err, "Failed to "+action)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
	}
}

// logError logs err with the request id of c
func logError(c *gin.Context, err error, msg string) {
	event := logger.Logger.Error().Err(err).Str("path", c.Request.URL.Path)
	if id := c.GetString(logger.RequestIDKey); id != "" {
		event = event.Str("request_id", id)
	}
	event.Msg(msg)
}

// pathID parses the named path parameter; on failure a 400 is written
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body into v rejecting unknown fields
func bindJSON(c *gin.Context, v any) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload", "message": err.Error()})
		return false
	}
	return true
}
