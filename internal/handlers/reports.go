package handlers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"github.com/tidwall/gjson"

	"quipucords/internal/metrics"
	"quipucords/internal/models"
	"quipucords/internal/reports"
)

const (
	acceptCSV    = "text/csv"
	acceptJSONGz = "application/json+gzip"
	contentTarGz = "application/gzip"
)

var reportVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\+\S+$`)

// hostNameFacts are tried in order to name an uploaded host
var hostNameFacts = []string{"name", "hostname", "uname_hostname", "vm_name", "vm.name", "node_name", "host.name"}

// checkReportVersion verifies the <semver>+<sha> format and the inclusive minimum
func checkReportVersion(v string, minimum *version.Version) error {
	m := reportVersionPattern.FindStringSubmatch(v)
	if m == nil {
		return fmt.Errorf("report_version %q must look like X.Y.Z+commit", v)
	}
	got, err := version.NewVersion(strings.Join(m[1:4], "."))
	if err != nil {
		return fmt.Errorf("report_version %q: %w", v, err)
	}
	if got.LessThan(minimum) {
		return fmt.Errorf("report_version %s is older than the minimum supported %s", got, minimum)
	}
	return nil
}

// validateUpload checks an upload body against the minimum report version
func validateUpload(req *models.UploadRequest, minimum *version.Version) error {
	var errs *multierror.Error

	if req.ReportType != reports.TypeDetails {
		errs = multierror.Append(errs, fmt.Errorf("report_type must be %q (got: %q)", reports.TypeDetails, req.ReportType))
	}
	if len(req.Sources) == 0 {
		errs = multierror.Append(errs, errors.New("sources must contain at least one source"))
	}
	for i, src := range req.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if _, err := uuid.Parse(src.ServerID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: server_id must be a UUID", prefix))
		}
		if err := checkReportVersion(src.ReportVersion, minimum); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if src.SourceName == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: source_name is required", prefix))
		}
		if _, err := models.ParseSourceType(src.SourceType); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if len(src.Facts) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: facts must contain at least one host", prefix))
		}
		for j, f := range src.Facts {
			if !gjson.ValidBytes(f) || !gjson.ParseBytes(f).IsObject() {
				errs = multierror.Append(errs, fmt.Errorf("%s.facts[%d]: must be a JSON object", prefix, j))
			}
		}
	}
	return errs.ErrorOrNil()
}

// uploadedResult turns one uploaded fact object into an inspect result
func uploadedResult(groupID int64, index int, doc json.RawMessage) *models.InspectResult {
	parsed := gjson.ParseBytes(doc)
	result := &models.InspectResult{InspectGroupID: groupID, Status: models.InspectSuccess}

	parsed.ForEach(func(key, value gjson.Result) bool {
		result.Facts = append(result.Facts, models.RawFact{Name: key.String(), Value: json.RawMessage(value.Raw)})
		return true
	})
	sort.Slice(result.Facts, func(i, j int) bool { return result.Facts[i].Name < result.Facts[j].Name })

	for _, path := range hostNameFacts {
		if name := parsed.Get(path).String(); name != "" {
			result.Name = name
			break
		}
	}
	if result.Name == "" {
		result.Name = "host-" + strconv.Itoa(index+1)
	}
	if len(result.Name) > 255 {
		result.Name = result.Name[:255]
	}
	return result
}

// ingestUpload stores the uploaded sources as inspect groups of report
func (h *Handlers) ingestUpload(req *models.UploadRequest) func(ctx context.Context, report *models.Report) error {
	return func(ctx context.Context, report *models.Report) error {
		for _, src := range req.Sources {
			sourceType, _ := models.ParseSourceType(src.SourceType)
			group := &models.InspectGroup{
				ReportID:      &report.ID,
				SourceType:    sourceType,
				SourceName:    src.SourceName,
				ServerID:      src.ServerID,
				SourceVersion: src.ReportVersion,
			}
			if err := h.storage.CreateInspectGroup(ctx, group); err != nil {
				return fmt.Errorf("failed to create inspect group for %s: %w", src.SourceName, err)
			}
			for i, doc := range src.Facts {
				if err := h.storage.SaveInspectResult(ctx, 0, uploadedResult(group.ID, i, doc)); err != nil {
					return fmt.Errorf("failed to store facts of %s: %w", src.SourceName, err)
				}
			}
			metrics.RawFactsIngestedTotal.WithLabelValues(string(sourceType)).Add(float64(len(src.Facts)))
		}
		return nil
	}
}

// UploadReport accepts raw facts and queues a fingerprint-only job over them
func (h *Handlers) UploadReport(c *gin.Context) {
	var reader io.Reader = c.Request.Body
	if c.GetHeader("Content-Encoding") == "gzip" {
		gzReader, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to decompress request"})
			return
		}
		defer gzReader.Close()
		reader = gzReader
	}

	var req models.UploadRequest
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	minimum, err := version.NewVersion(h.cfg.MinReportVersion)
	if err != nil {
		h.fail(c, err, "read minimum report version")
		return
	}
	if err := validateUpload(&req, minimum); err != nil {
		validationFailed(c, err)
		return
	}

	job, report, err := h.jobs.SubmitUploadJob(c.Request.Context(), req.Sources[0].ReportVersion, h.ingestUpload(&req))
	if err != nil {
		h.fail(c, err, "store uploaded report")
		return
	}

	c.JSON(http.StatusCreated, models.UploadResponse{ReportID: report.ID, JobID: job.ID, Status: job.Status})
}

// accepts reports whether the Accept header names mime
func accepts(c *gin.Context, mime string) bool {
	return strings.Contains(c.GetHeader("Accept"), mime)
}

// GetDetails returns the raw facts of a report as JSON, CSV or a gzipped tarball
func (h *Handlers) GetDetails(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	details, err := h.reports.Details(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "build details report")
		return
	}

	switch {
	case accepts(c, acceptCSV):
		data, err := reports.DetailsCSV(details)
		if err != nil {
			h.fail(c, err, "render details csv")
			return
		}
		c.Data(http.StatusOK, acceptCSV, data)
	case accepts(c, acceptJSONGz):
		var buf bytes.Buffer
		if err := reports.WriteDetailsTarGz(&buf, details); err != nil {
			h.fail(c, err, "archive details report")
			return
		}
		attachment(c, fmt.Sprintf("report_id_%d_details.tar.gz", id), buf.Bytes())
	default:
		c.JSON(http.StatusOK, details)
	}
}

// GetDeployments returns the fingerprints of a report, masked when ?mask=1
func (h *Handlers) GetDeployments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	masked, err := strconv.ParseBool(c.DefaultQuery("mask", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mask must be 0 or 1"})
		return
	}

	if accepts(c, acceptCSV) && !masked {
		data, err := h.reports.DeploymentsCSV(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err, "build deployments csv")
			return
		}
		c.Data(http.StatusOK, acceptCSV, data)
		return
	}

	data, err := h.reports.DeploymentsJSON(c.Request.Context(), id, masked)
	if err != nil {
		h.fail(c, err, "build deployments report")
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// GetAggregate returns the aggregate counts of a report
func (h *Handlers) GetAggregate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	agg, err := h.reports.Aggregate(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "build aggregate report")
		return
	}
	c.JSON(http.StatusOK, agg)
}

// GetInsights returns the sliced host payload of a report
func (h *Handlers) GetInsights(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	payload, err := h.reports.Insights(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "build insights report")
		return
	}

	if accepts(c, acceptJSONGz) {
		var buf bytes.Buffer
		if err := payload.WriteTarGz(&buf); err != nil {
			h.fail(c, err, "archive insights report")
			return
		}
		attachment(c, fmt.Sprintf("report_id_%d_insights.tar.gz", id), buf.Bytes())
		return
	}

	files, err := payload.Files()
	if err != nil {
		h.fail(c, err, "render insights report")
		return
	}
	c.JSON(http.StatusOK, files)
}

// GetReportBundle returns every report artifact with the job logs in one tarball
func (h *Handlers) GetReportBundle(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.reports.Bundle(c.Request.Context(), id, &buf); err != nil {
		h.fail(c, err, "build report bundle")
		return
	}
	attachment(c, fmt.Sprintf("report_id_%d.tar.gz", id), buf.Bytes())
}

func attachment(c *gin.Context, name string, data []byte) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, contentTarGz, data)
}
