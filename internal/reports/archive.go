package reports

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"quipucords/internal/models"
)

type archiveFile struct {
	name string
	data []byte
}

func writeTarGz(w io.Writer, files []archiveFile) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(f.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write %s header: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// checksums renders a SHA256SUM manifest of files in the order given
func checksums(files []archiveFile) []byte {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%x  %s\n", sha256.Sum256(f.data), f.name)
	}
	return []byte(b.String())
}

// WriteDetailsTarGz writes the details report as a gzipped tarball
func WriteDetailsTarGz(w io.Writer, d *models.DetailsReport) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return writeTarGz(w, []archiveFile{{name: fmt.Sprintf("report_id_%d/details.json", d.ReportID), data: data}})
}
