package jobs

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomdev/loom/internal/domain"
)

// DefaultDownloadTTL is how long an export download stays valid.
const DefaultDownloadTTL = 24 * time.Hour

// ZipSink archives artifacts into a zip file on local disk. The returned
// URL is a file:// URL; a fronting file server turns it into a download.
type ZipSink struct {
	Root string
	TTL  time.Duration

	now func() time.Time
}

// NewZipSink builds a sink writing archives under root.
func NewZipSink(root string, ttl time.Duration) *ZipSink {
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	return &ZipSink{Root: root, TTL: ttl, now: time.Now}
}

var _ ExportSink = (*ZipSink)(nil)

// Archive writes one file per artifact into a zip named after the job.
func (s *ZipSink) Archive(_ context.Context, job *domain.ExportJob, artifacts []*domain.Artifact) (string, time.Time, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", time.Time{}, err
	}
	full := filepath.Join(s.Root, fmt.Sprintf("export_%s.zip", job.ID))
	f, err := os.Create(full)
	if err != nil {
		return "", time.Time{}, err
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, a := range artifacts {
		entry, err := w.Create(artifactPath(a))
		if err != nil {
			return "", time.Time{}, err
		}
		text, _ := a.Content["text"].(string)
		if _, err := entry.Write([]byte(text)); err != nil {
			return "", time.Time{}, err
		}
	}
	if err := w.Close(); err != nil {
		return "", time.Time{}, err
	}
	return "file://" + full, s.now().UTC().Add(s.TTL), nil
}
