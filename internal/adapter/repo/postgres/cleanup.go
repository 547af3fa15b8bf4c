package postgres

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// CleanupService enforces retention: finished queue items and export jobs
// are purged after their retention windows, and orphaned artifacts on disk
// go with them.
type CleanupService struct {
	Store               domain.Store
	QueueRetentionDays  int
	ExportRetentionDays int
	UploadDir           string
}

// NewCleanupService constructs a CleanupService with sane minimums.
func NewCleanupService(store domain.Store, queueDays, exportDays int, uploadDir string) *CleanupService {
	if queueDays <= 0 {
		queueDays = 7
	}
	if exportDays <= 0 {
		exportDays = 14
	}
	return &CleanupService{Store: store, QueueRetentionDays: queueDays, ExportRetentionDays: exportDays, UploadDir: uploadDir}
}

// Run performs one cleanup pass.
func (s *CleanupService) Run(ctx context.Context) error {
	now := time.Now().UTC()
	n, err := s.Store.Queue().PurgeFinishedBefore(ctx, now.AddDate(0, 0, -s.QueueRetentionDays))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("purged finished queue items", slog.Int("count", n))
	}
	m, err := s.Store.Exports().PurgeFinishedBefore(ctx, now.AddDate(0, 0, -s.ExportRetentionDays))
	if err != nil {
		return err
	}
	if m > 0 {
		slog.Info("purged finished export jobs", slog.Int("count", m))
	}
	return nil
}

// RunPeriodic runs cleanup on the interval until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Run(ctx); err != nil {
				slog.Error("cleanup pass failed", slog.Any("error", err))
			}
		}
	}
}

// tempPrefix marks export working directories; only these are swept so
// finished artifacts and uploads are never touched.
const tempPrefix = "tmp-"

// SweepTempDir deletes tmp- entries older than maxAge under dir. A
// finished export removes its own working directory; this catches
// leftovers from crashes.
func SweepTempDir(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				slog.Warn("temp sweep failed", slog.String("path", path), slog.Any("error", err))
			}
		}
	}
}

// RunTempSweeper sweeps dir hourly (or at the given interval) until the
// context ends.
func RunTempSweeper(ctx context.Context, dir string, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			SweepTempDir(dir, interval)
		}
	}
}
