// Package reports derives the details, deployments, aggregate and insights
// views of a report. Deployments artifacts are cached as files in the data
// directory; details of finished reports are cached in memory.
package reports

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"quipucords/internal/models"
	"quipucords/internal/storage"
)

var (
	// ErrNotReady is returned while the deployments report of a report is not completed
	ErrNotReady = errors.New("deployments report is not complete")

	// ErrNoHosts is returned by the insights view when no fingerprint carries a canonical fact
	ErrNoHosts = errors.New("no host fingerprint has canonical facts")

	// ErrMaskDisabled is returned when a masked report is requested but masking is off
	ErrMaskDisabled = errors.New("masked reports are disabled")
)

// Report types as written in the report documents
const (
	TypeDetails     = "details"
	TypeDeployments = "deployments"
	TypeInsights    = "insights"
)

const defaultDetailsCacheSize = 64

// Options configures the report service
type Options struct {
	// DataDir holds the deployments cache files
	DataDir string
	// ServerVersion is the running server's version with the build commit appended
	ServerVersion string
	// SliceSize bounds the number of hosts per insights slice
	SliceSize        int
	MaskEnabled      bool
	DetailsCacheSize int
}

// Service builds report artifacts from storage
type Service struct {
	store   storage.Storage
	opts    Options
	details *lru.TwoQueueCache
}

// New creates a report service
func New(store storage.Storage, opts Options) (*Service, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("reports data directory is required")
	}
	if opts.SliceSize < 1 {
		opts.SliceSize = 1000
	}
	if opts.DetailsCacheSize < 1 {
		opts.DetailsCacheSize = defaultDetailsCacheSize
	}
	cache, err := lru.New2Q(opts.DetailsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create details cache: %w", err)
	}
	return &Service{store: store, opts: opts, details: cache}, nil
}

// MaskEnabled reports whether masked deployments may be served
func (s *Service) MaskEnabled() bool {
	return s.opts.MaskEnabled
}

// completed returns the report and its deployments report, or ErrNotReady
// while fingerprinting has not completed
func (s *Service) completed(ctx context.Context, reportID int64) (*models.Report, *models.DeploymentsReport, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, nil, err
	}
	dr, err := s.store.GetDeploymentsReport(ctx, reportID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNotReady
	}
	if err != nil {
		return nil, nil, err
	}
	if dr.Status != models.StatusCompleted {
		return nil, nil, ErrNotReady
	}
	return report, dr, nil
}

// sourceResults are the inspect results of one inspect group
type sourceResults struct {
	group   *models.InspectGroup
	results []*models.InspectResult
}

func (s *Service) loadResults(ctx context.Context, reportID int64) ([]sourceResults, error) {
	groups, err := s.store.ListInspectGroups(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inspect groups: %w", err)
	}
	out := make([]sourceResults, 0, len(groups))
	for _, g := range groups {
		results, err := s.store.ListInspectResults(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list inspect results of group %d: %w", g.ID, err)
		}
		out = append(out, sourceResults{group: g, results: results})
	}
	return out, nil
}
