package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"quipucords/internal/middleware"
)

// Router builds the gin engine with every route and middleware
func (h *Handlers) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.SecurityHeadersMiddleware(h.cfg.ContentSecurityPolicy))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.RequestSizeLimit(h.cfg))

	limits := middleware.NewRateLimiters(h.cfg)

	r.GET("/health", h.Health)
	r.GET("/openapi.yaml", h.GetOpenAPISpecYAML)
	r.GET("/openapi.json", h.GetOpenAPISpecJSON)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome to the Quipucords API",
			"version": h.cfg.ReportVersion(),
		})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/status/", h.Status)
	v1.POST("/token/", limits.Login, h.Token)

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(h.storage))
	{
		protected.GET("/users/current/", limits.General, h.GetMe)
		protected.POST("/api-keys/", limits.General, h.CreateAPIKey)
		protected.GET("/api-keys/", limits.General, h.ListAPIKeys)
		protected.DELETE("/api-keys/:id/", limits.General, h.DeleteAPIKey)

		protected.POST("/credentials/", limits.General, h.CreateCredential)
		protected.GET("/credentials/", limits.General, h.ListCredentials)
		protected.GET("/credentials/:id/", limits.General, h.GetCredential)
		protected.PUT("/credentials/:id/", limits.General, h.UpdateCredential)

		protected.POST("/sources/", limits.General, h.CreateSource)
		protected.GET("/sources/", limits.General, h.ListSources)
		protected.GET("/sources/:id/", limits.General, h.GetSource)

		protected.POST("/scans/", limits.General, h.CreateScan)
		protected.GET("/scans/", limits.General, h.ListScans)
		protected.GET("/scans/:id/", limits.General, h.GetScan)
		protected.DELETE("/scans/:id/", limits.General, h.DeleteScan)
		protected.POST("/scans/:id/jobs/", limits.General, h.StartScanJob)

		protected.GET("/jobs/", limits.General, h.ListJobs)
		protected.GET("/jobs/:id/", limits.General, h.GetJob)
		protected.PUT("/jobs/:id/cancel/", limits.General, h.CancelJob)
		protected.PUT("/jobs/:id/pause/", limits.General, h.PauseJob)
		protected.PUT("/jobs/:id/restart/", limits.General, h.RestartJob)

		protected.POST("/reports/", limits.Upload, h.UploadReport)
		protected.GET("/reports/:id/", limits.General, h.GetReportBundle)
		protected.GET("/reports/:id/details/", limits.General, h.GetDetails)
		protected.GET("/reports/:id/deployments/", limits.General, h.GetDeployments)
		protected.GET("/reports/:id/aggregate/", limits.General, h.GetAggregate)
		protected.GET("/reports/:id/insights/", limits.General, h.GetInsights)
	}

	return r
}
