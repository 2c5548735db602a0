package services

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/internal/metrics"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"
)

// RetentionService bounds the growth of the output tree, the staging
// directory and the run index.
type RetentionService interface {
	Start(ctx context.Context)
	Sweep(ctx context.Context) SweepReport
}

type SweepReport struct {
	Runs        int
	StagedFiles int
	Records     int
}

type retentionService struct {
	store      artifacts.Store
	stagingDir string
	index      persistence.RunIndex
	maxAge     time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRetentionService returns a service that deletes anything older than
// maxAge. A zero maxAge keeps everything and only index expiry runs.
func NewRetentionService(store artifacts.Store, stagingDir string, index persistence.RunIndex, maxAge time.Duration, intervalSeconds int, logger *slog.Logger, now func() time.Time) RetentionService {
	if intervalSeconds <= 0 {
		intervalSeconds = 600
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &retentionService{
		store:      store,
		stagingDir: stagingDir,
		index:      index,
		maxAge:     maxAge,
		interval:   time.Duration(intervalSeconds) * time.Second,
		logger:     logger,
		now:        now,
	}
}

func (s *retentionService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := s.Sweep(ctx)
			if rep.Runs+rep.StagedFiles+rep.Records > 0 {
				s.logger.Info("retention sweep removed", "runs", rep.Runs, "staged_files", rep.StagedFiles, "records", rep.Records)
			}
		}
	}
}

func (s *retentionService) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	now := s.now()

	if s.index != nil {
		n, err := s.index.CleanupExpired(ctx, 1000, now)
		if err != nil {
			s.logger.Warn("run index cleanup failed", "err", err)
		}
		rep.Records = n
		metrics.RetentionRemovedTotal.WithLabelValues("record").Add(float64(n))
	}
	if s.maxAge <= 0 {
		return rep
	}
	cutoff := now.Add(-s.maxAge)

	if s.store != nil {
		n, err := s.store.SweepOlderThan(cutoff)
		if err != nil {
			s.logger.Warn("run directory sweep failed", "err", err)
		}
		rep.Runs = n
		metrics.RetentionRemovedTotal.WithLabelValues("run").Add(float64(n))
	}

	n, err := sweepStaged(s.stagingDir, cutoff)
	if err != nil {
		s.logger.Warn("staging sweep failed", "err", err)
	}
	rep.StagedFiles = n
	metrics.RetentionRemovedTotal.WithLabelValues("staged_file").Add(float64(n))
	return rep
}

// sweepStaged removes staged uploads a crashed process never released.
func sweepStaged(dir string, cutoff time.Time) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
