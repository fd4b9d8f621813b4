package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"quipucords/internal/models"
)

// StartScanJob queues a job for a scan. A scan with an unfinished job gets
// that job back instead of a new one.
func (h *Handlers) StartScanJob(c *gin.Context) {
	scanID, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, created, err := h.jobs.StartJob(c.Request.Context(), scanID)
	if err != nil {
		h.fail(c, err, "start job")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, models.JobResponse{JobID: job.ID, Status: job.Status})
}

// ListJobs returns jobs in creation order, optionally filtered by ?status=
func (h *Handlers) ListJobs(c *gin.Context) {
	var statuses []models.Status
	for _, s := range c.QueryArray("status") {
		statuses = append(statuses, models.Status(s))
	}
	jobs, err := h.storage.ListJobs(c.Request.Context(), statuses...)
	if err != nil {
		h.fail(c, err, "list jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": jobs, "count": len(jobs)})
}

// GetJob returns a job with its tasks and summed counters
func (h *Handlers) GetJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.jobs.Detail(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, detail)
}

// CancelJob cancels an unfinished job
func (h *Handlers) CancelJob(c *gin.Context) {
	h.control(c, h.jobs.CancelJob, "cancel job")
}

// PauseJob pauses a pending or running job
func (h *Handlers) PauseJob(c *gin.Context) {
	h.control(c, h.jobs.PauseJob, "pause job")
}

// RestartJob resumes a paused job
func (h *Handlers) RestartJob(c *gin.Context) {
	h.control(c, h.jobs.ResumeJob, "restart job")
}

func (h *Handlers) control(c *gin.Context, op func(ctx context.Context, id int64) (*models.ScanJob, error), action string) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := op(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, action)
		return
	}
	c.JSON(http.StatusOK, models.JobResponse{JobID: job.ID, Status: job.Status})
}
