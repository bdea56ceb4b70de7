// Package archive implements the optional cron-driven rotation and S3
// shipping of execution logs described in SPEC_FULL.md §4: purely
// additive retention on top of the hard runtime contract in spec.md
// §3, off by default.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
)

// Shipper uploads one rotated log file to durable storage.
type Shipper interface {
	Ship(ctx context.Context, localPath, key string) error
}

// Scheduler periodically scans a results directory for execution-log
// CSVs last modified more than one minute ago, gzip-compresses them, hands
// them to a Shipper, and removes the local copy on success. Modeled
// on the teacher's internal/agent.Scheduler: one cron.Cron instance
// driving a guarded, non-overlapping job.
type Scheduler struct {
	cron       *cron.Cron
	logger     *slog.Logger
	resultsDir string
	prefix     string
	shipper    Shipper

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a Scheduler that fires on schedule (a standard
// 5-field cron expression, or one of cron's "@daily" style
// descriptors). shipper may be nil, in which case rotation still
// gzips and leaves the file in place locally without ever deleting it
// -- useful for dry-running the rotation policy before wiring S3.
func NewScheduler(schedule, resultsDir, prefix string, shipper Shipper, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger:     logger,
		resultsDir: resultsDir,
		prefix:     prefix,
		shipper:    shipper,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.runRotation); err != nil {
		return nil, fmt.Errorf("archive: invalid schedule %q: %w", schedule, err)
	}
	s.cron = c
	return s, nil
}

// Start begins firing the configured schedule.
func (s *Scheduler) Start() {
	s.logger.Info("archive scheduler started")
	s.cron.Start()
}

// Stop waits for any in-flight rotation to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("archive scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("archive scheduler stop timed out")
	}
}

func (s *Scheduler) runRotation() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("rotation already running, skipping scheduled run")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	paths, err := rotatableLogs(s.resultsDir)
	if err != nil {
		s.logger.Error("archive: scanning results dir failed", "error", err)
		return
	}

	for _, path := range paths {
		if err := s.rotateOne(path); err != nil {
			s.logger.Error("archive: rotating log failed", "path", path, "error", err)
		}
	}
}

func (s *Scheduler) rotateOne(path string) error {
	gzPath := path + ".gz"
	if err := gzipFile(path, gzPath); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}

	if s.shipper != nil {
		key := s.prefix + "/" + filepath.Base(gzPath)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := s.shipper.Ship(ctx, gzPath, key)
		cancel()
		if err != nil {
			return fmt.Errorf("shipping: %w", err)
		}
		if err := os.Remove(gzPath); err != nil {
			s.logger.Warn("archive: failed to remove local copy after shipping", "path", gzPath, "error", err)
		}
	}

	return os.Remove(path)
}

// rotatableLogs lists execution-log CSVs in dir that are not the
// currently-open file for an active session: any *.csv whose mtime is
// older than one minute, a conservative proxy for "no writer still has
// it open" since the writer flushes after every row.
func rotatableLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	cutoff := time.Now().Add(-time.Minute)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		if !strings.HasPrefix(e.Name(), "injection-") && !strings.HasPrefix(e.Name(), "listening-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
