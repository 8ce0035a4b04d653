package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/urlrelay/internal/logctx"
)

// PurgeDir removes everything inside dir, creating dir if it is missing. It runs at
// startup, before any job can own a path there.
func PurgeDir(ctx context.Context, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read download dir: %w", err)
	}

	var errs []error

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			logger.ErrorContext(ctx, "failed to purge leftover", "path", p, "err", err)
			errs = append(errs, err)

			continue
		}

		logger.DebugContext(ctx, "purged leftover", "path", p)
	}

	return errors.Join(errs...)
}

// controlSuffix marks the download engine's resume file, kept beside the file it
// describes.
const controlSuffix = ".aria2"

// DeleteOrphans removes top-level entries of dir that were last modified more than
// olderThan ago and are not owned by a live job. A job owning a path also owns its
// engine control file. It returns how many were removed.
func DeleteOrphans(ctx context.Context, dir string, owned func(string) bool, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read download dir: %w", err)
	}

	removed := 0

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())

		if isOwned(owned, p) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue // gone between ReadDir and Info
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(p); err != nil {
			logger.WarnContext(ctx, "failed to delete orphan", "path", p, "err", err)

			continue
		}

		logger.InfoContext(ctx, "deleted orphan", "path", p, "age", time.Since(info.ModTime()).Round(time.Second))

		removed++
	}

	return removed, nil
}

func isOwned(owned func(string) bool, p string) bool {
	if owned == nil {
		return false
	}

	if owned(p) {
		return true
	}

	base, ok := strings.CutSuffix(p, controlSuffix)

	return ok && owned(base)
}

// Pruner drops stale status entries.
type Pruner interface {
	Prune(retention time.Duration) int
}

// Janitor periodically sweeps the download directory for files no live job owns and
// prunes old status entries.
type Janitor struct {
	Dir       string
	Owned     func(string) bool
	Board     Pruner
	Interval  time.Duration
	OrphanAge time.Duration
	Retention time.Duration
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "janitor")
	ctx = logctx.WithLogger(ctx, logger)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "janitor started", "interval", j.Interval, "orphan_age", j.OrphanAge)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "janitor stopped")

			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (j *Janitor) Sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	n, err := DeleteOrphans(ctx, j.Dir, j.Owned, j.OrphanAge)
	if err != nil {
		logger.ErrorContext(ctx, "orphan sweep failed", "err", err)
	}

	pruned := 0
	if j.Board != nil && j.Retention > 0 {
		pruned = j.Board.Prune(j.Retention)
	}

	if n > 0 || pruned > 0 {
		logger.InfoContext(ctx, "janitor sweep finished", "orphans_removed", n, "statuses_pruned", pruned)
	}
}
