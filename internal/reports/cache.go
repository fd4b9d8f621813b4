package reports

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"quipucords/internal/logger"
	"quipucords/internal/models"
)

// cachePath names a deployments cache file; suffix carries the extension
func (s *Service) cachePath(drID int64, suffix string) string {
	return filepath.Join(s.opts.DataDir, fmt.Sprintf("deployments-report-%d-%d%s", drID, time.Now().Unix(), suffix))
}

// readCache returns the cached file content; a missing file means the
// cache was invalidated by deletion
func readCache(path string) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Logger.Warn().Err(err).Str("path", path).Msg("Failed to read report cache file")
		}
		return nil, false
	}
	return data, true
}

// writeAtomic writes data to a temp file in the target directory and renames it into place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}

// cached serves one deployments artifact from its cache file, building and
// recording it when the file is missing. field selects which cache path of
// dr is used.
func (s *Service) cached(ctx context.Context, dr *models.DeploymentsReport, field *string, suffix string, build func() ([]byte, error)) ([]byte, error) {
	if data, ok := readCache(*field); ok {
		return data, nil
	}
	data, err := build()
	if err != nil {
		return nil, err
	}
	path := s.cachePath(dr.ID, suffix)
	if err := writeAtomic(path, data); err != nil {
		// the artifact is still served; only caching failed
		logger.Logger.Warn().Err(err).Int64("deployments_report_id", dr.ID).Msg("Failed to cache report artifact")
		return data, nil
	}
	*field = path
	if err := s.store.UpdateDeploymentsCache(ctx, dr); err != nil {
		return nil, fmt.Errorf("failed to record cache file: %w", err)
	}
	return data, nil
}
