package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"quipucords/internal/logger"
)

// Bundle writes every report of a completed report as report_id_{id}/ in a
// gzipped tarball, with the job's log files and a SHA256SUM manifest of the
// sibling files
func (s *Service) Bundle(ctx context.Context, reportID int64, w io.Writer) error {
	report, _, err := s.completed(ctx, reportID)
	if err != nil {
		return err
	}

	details, err := s.Details(ctx, reportID)
	if err != nil {
		return err
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	detailsCSV, err := DetailsCSV(details)
	if err != nil {
		return err
	}
	deploymentsJSON, err := s.DeploymentsJSON(ctx, reportID, false)
	if err != nil {
		return err
	}
	deploymentsCSV, err := s.DeploymentsCSV(ctx, reportID)
	if err != nil {
		return err
	}
	agg, err := s.Aggregate(ctx, reportID)
	if err != nil {
		return err
	}
	aggregateJSON, err := json.Marshal(agg)
	if err != nil {
		return err
	}

	files := []archiveFile{
		{name: "details.json", data: detailsJSON},
		{name: "details.csv", data: detailsCSV},
		{name: "deployments.json", data: deploymentsJSON},
		{name: "deployments.csv", data: deploymentsCSV},
		{name: "aggregate.json", data: aggregateJSON},
	}
	if report.JobID != nil {
		logs, err := readLogs(logger.JobLogFiles(*report.JobID))
		if err != nil {
			logger.Logger.Warn().Err(err).Int64("report_id", reportID).Msg("Some job log files were left out of the bundle")
		}
		files = append(files, logs...)
	}
	files = append(files, archiveFile{name: "SHA256SUM", data: checksums(files)})

	dir := fmt.Sprintf("report_id_%d", reportID)
	for i := range files {
		files[i].name = path.Join(dir, files[i].name)
	}
	return writeTarGz(w, files)
}

func readLogs(paths []string) ([]archiveFile, error) {
	var errs *multierror.Error
	var out []archiveFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, archiveFile{name: filepath.Base(p), data: data})
	}
	return out, errs.ErrorOrNil()
}
