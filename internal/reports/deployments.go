package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"quipucords/internal/models"
)

// deploymentsView loads the fingerprints of a completed report
func (s *Service) deploymentsView(ctx context.Context, report *models.Report, dr *models.DeploymentsReport, masked bool) (*models.DeploymentsView, error) {
	fps, err := s.store.ListFingerprints(ctx, dr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	if masked {
		for i, fp := range fps {
			fps[i] = Mask(fp)
		}
	}
	return &models.DeploymentsView{
		ReportID:           report.ID,
		ReportType:         TypeDeployments,
		ReportVersion:      report.ReportVersion,
		ReportPlatformID:   report.ReportPlatformID,
		Status:             dr.Status,
		SystemFingerprints: fps,
	}, nil
}

// DeploymentsJSON returns the deployments document of a report, masked on request
func (s *Service) DeploymentsJSON(ctx context.Context, reportID int64, masked bool) ([]byte, error) {
	if masked && !s.opts.MaskEnabled {
		return nil, ErrMaskDisabled
	}
	report, dr, err := s.completed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	field, suffix := &dr.CachedFingerprintsFilePath, ".json"
	if masked {
		field, suffix = &dr.CachedMaskedFingerprintPath, "-masked.json"
	}
	return s.cached(ctx, dr, field, suffix, func() ([]byte, error) {
		view, err := s.deploymentsView(ctx, report, dr, masked)
		if err != nil {
			return nil, err
		}
		return json.Marshal(view)
	})
}

// DeploymentsCSV returns the deployments report with one row per fingerprint
func (s *Service) DeploymentsCSV(ctx context.Context, reportID int64) ([]byte, error) {
	report, dr, err := s.completed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return s.cached(ctx, dr, &dr.CachedCSVFilePath, ".csv", func() ([]byte, error) {
		view, err := s.deploymentsView(ctx, report, dr, false)
		if err != nil {
			return nil, err
		}
		return deploymentsCSV(view)
	})
}

func deploymentsCSV(view *models.DeploymentsView) ([]byte, error) {
	records := make([]map[string]any, 0, len(view.SystemFingerprints))
	for _, fp := range view.SystemFingerprints {
		raw, err := json.Marshal(fp)
		if err != nil {
			return nil, err
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, err
		}
		// provenance is only part of the JSON document
		delete(record, "metadata")
		records = append(records, record)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"Report ID", "Report Type", "Report Version", "Report Platform ID"},
		{fmt.Sprint(view.ReportID), view.ReportType, view.ReportVersion, view.ReportPlatformID},
		{},
		{"System Fingerprints"},
	}
	rows = append(rows, table(records)...)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write deployments csv: %w", err)
	}
	return buf.Bytes(), nil
}
