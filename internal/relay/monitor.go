package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/italolelis/urlrelay/internal/archive"
	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/storage"
)

// monitor polls the engine until the download completes, fails or is cancelled,
// then hands the job to the extraction or upload stage. It runs in its own
// goroutine and owns the job until it returns.
func (r *Relay) monitor(ctx context.Context, job *registry.Job) {
	defer r.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "job monitor panic",
				"panic", p,
				"stack", string(debug.Stack()))
			r.telemetry.RecordSystemError("relay", "panic")

			cctx, cancel := cleanupContext(ctx)
			defer cancel()

			r.teardown(cctx, job)
			job.Status.Final(cctx, fmt.Sprintf("❌ Internal error while processing `%s`.", filepath.Base(job.LocalPath())))
			r.finish(cctx, job, storage.StatusFailed, fmt.Sprintf("panic: %v", p))
		}
	}()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, ok := r.registry.Get(job.ID); !ok || job.Cancelled() {
			r.abortDownload(ctx, job)

			return
		}

		snap, err := r.engine.Poll(ctx, job.DownloadHandle())
		if err != nil {
			logger.DebugContext(ctx, "poll failed, retrying", "err", err)
		} else if r.observe(ctx, job, snap) {
			return
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// observe handles one snapshot and reports whether the monitor is done with the job.
func (r *Relay) observe(ctx context.Context, job *registry.Job, snap engine.Snapshot) bool {
	// A cancel that landed during the poll wins over whatever the engine reports.
	if job.Cancelled() {
		r.abortDownload(ctx, job)

		return true
	}

	if snap.Failed() {
		r.failDownload(ctx, job, snap)

		return true
	}

	job.Status.Progress(ctx, downloadText(filepath.Base(job.LocalPath()), snap))

	if !snap.IsComplete() {
		return false
	}

	r.handoff(ctx, job)

	return true
}

// handoff picks the next stage for a finished download and claims the job for it.
// A cancel that lands between completion and the claim wins.
func (r *Relay) handoff(ctx context.Context, job *registry.Job) {
	logger := logctx.LoggerFromContext(ctx)
	path := job.LocalPath()

	isArchive := archive.IsArchive(path)
	extract := job.Extract || (r.cfg.AutoExtract && isArchive)

	next := registry.StageUploading
	if extract {
		next = registry.StageExtracting
	}

	if err := job.Claim(next); err != nil {
		r.abortDownload(ctx, job)

		return
	}

	r.forget(ctx, job)

	logger.InfoContext(ctx, "download complete", "next_stage", next)

	if extract && !isArchive {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()

		err := &archive.InvalidArchiveError{Path: path, Reason: "not a valid zip file"}
		logger.WarnContext(cctx, "refusing to extract", "err", err)

		r.removePath(cctx, path)
		job.Status.Final(cctx, invalidArchiveText(filepath.Base(path)))
		r.finish(cctx, job, storage.StatusFailed, err.Error())

		return
	}

	if extract {
		r.extract(ctx, job)

		return
	}

	_ = r.upload(ctx, job, path, true)
}

// abortDownload tears down a job that was cancelled while the monitor owned it.
func (r *Relay) abortDownload(ctx context.Context, job *registry.Job) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	logctx.LoggerFromContext(cctx).InfoContext(cctx, "download cancelled", "user_requested", job.CancelRequested())

	r.teardown(cctx, job)
	r.cancelled(cctx, job, msgDownloadCancelled, "cancelled during download")
}

// failDownload ends a job the engine gave up on.
func (r *Relay) failDownload(ctx context.Context, job *registry.Job, snap engine.Snapshot) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	logctx.LoggerFromContext(cctx).WarnContext(cctx, "download failed",
		"engine_status", snap.Status,
		"engine_error", snap.ErrorMessage)

	r.teardown(cctx, job)
	job.Status.Final(cctx, downloadFailedText(filepath.Base(job.LocalPath()), snap.ErrorMessage))
	r.finish(cctx, job, storage.StatusFailed, snap.ErrorMessage)
}

// teardown removes the engine download with its files and any local leftovers.
// Both steps tolerate repeats.
func (r *Relay) teardown(ctx context.Context, job *registry.Job) {
	if handle := job.DownloadHandle(); handle != "" {
		if err := r.engine.Cancel(ctx, handle, true); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove download from engine", "err", err)
		}
	}

	r.removePath(ctx, job.LocalPath())
	r.removePath(ctx, job.ScratchDir())
}

// forget drops a completed download from the engine's result list, keeping the
// file on disk.
func (r *Relay) forget(ctx context.Context, job *registry.Job) {
	if err := r.engine.Cancel(ctx, job.DownloadHandle(), false); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to clear engine result", "err", err)
	}
}
