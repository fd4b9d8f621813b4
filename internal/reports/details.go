package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"quipucords/internal/models"
)

// Details echoes the raw facts of a report grouped by source. Like the other
// renderings it waits for a completed deployments report (ErrNotReady), after
// which the report no longer changes and is served from memory; the returned
// value must not be modified.
func (s *Service) Details(ctx context.Context, reportID int64) (*models.DetailsReport, error) {
	if v, ok := s.details.Get(reportID); ok {
		return v.(*models.DetailsReport), nil
	}

	report, _, err := s.completed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	inputs, err := s.loadResults(ctx, reportID)
	if err != nil {
		return nil, err
	}
	details := buildDetails(report, inputs)
	s.details.Add(reportID, details)
	return details, nil
}

func buildDetails(report *models.Report, inputs []sourceResults) *models.DetailsReport {
	out := &models.DetailsReport{
		ReportID:         report.ID,
		ReportType:       TypeDetails,
		ReportVersion:    report.ReportVersion,
		ReportPlatformID: report.ReportPlatformID,
		Sources:          make([]models.DetailsSource, 0, len(inputs)),
	}
	for _, in := range inputs {
		src := models.DetailsSource{
			ServerID:      in.group.ServerID,
			ReportVersion: report.ReportVersion,
			SourceName:    in.group.SourceName,
			SourceType:    in.group.SourceType,
			Facts:         []map[string]any{},
		}
		for _, r := range in.results {
			if len(r.Facts) == 0 {
				continue
			}
			src.Facts = append(src.Facts, r.FactMap())
		}
		out.Sources = append(out.Sources, src)
	}
	return out
}

// DetailsCSV renders the details report as one block per source
func DetailsCSV(d *models.DetailsReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"Report ID", "Report Type", "Report Version", "Report Platform ID", "Number Sources"},
		{fmt.Sprint(d.ReportID), d.ReportType, d.ReportVersion, d.ReportPlatformID, fmt.Sprint(len(d.Sources))},
		{},
	}
	for _, src := range d.Sources {
		rows = append(rows,
			[]string{"Source"},
			[]string{"Server Identifier", "Source Name", "Source Type"},
			[]string{src.ServerID, src.SourceName, string(src.SourceType)},
			[]string{"Facts"},
		)
		rows = append(rows, table(src.Facts)...)
		rows = append(rows, []string{})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write details csv: %w", err)
	}
	return buf.Bytes(), nil
}
