package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/urlrelay/internal/destination"
	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/progress"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/storage"
)

// upload streams path to the destination. When owner is set the job ends here:
// the file is deleted and the registry entry removed whatever the result. Archive
// members are uploaded with owner unset; the extraction stage keeps the job.
//
// A cancelled job yields a *StreamAbortedError.
func (r *Relay) upload(ctx context.Context, job *registry.Job, path string, owner bool) error {
	logger := logctx.LoggerFromContext(ctx).With("upload", filepath.Base(path))
	ctx = logctx.WithLogger(ctx, logger)

	name := filepath.Base(path)
	display := stem(path)

	err := r.send(ctx, job, path)

	if !owner {
		switch {
		case err == nil:
			logger.InfoContext(ctx, "member uploaded")
		case isAborted(err):
			job.Status.Render(ctx, uploadCancelledText(display), false)
		default:
			logger.ErrorContext(ctx, "member upload failed", "err", err)
		}

		return err
	}

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	r.removePath(cctx, path)

	switch {
	case err == nil:
		logger.InfoContext(cctx, "upload complete")
		job.Status.Final(cctx, uploadedText(name))
		r.finish(cctx, job, storage.StatusCompleted, "")
	case isAborted(err):
		logger.InfoContext(cctx, "upload cancelled", "err", err)

		if job.CancelRequested() {
			job.Status.Final(cctx, uploadCancelledText(display))
		} else {
			job.Status.Final(cctx, msgShuttingDown)
		}

		r.finish(cctx, job, storage.StatusCancelled, "cancelled during upload")
	default:
		logger.ErrorContext(cctx, "upload failed", "err", err)
		job.Status.Final(cctx, uploadFailedText(display, err))
		r.finish(cctx, job, storage.StatusFailed, err.Error())
	}

	return err
}

// send copies one file to the destination. The progress callback checks the
// registry on every report and aborts the stream once the job is no longer active;
// the job context aborts the destination write itself.
func (r *Relay) send(ctx context.Context, job *registry.Job, path string) error {
	if !r.registry.Active(job.ID) {
		return &StreamAbortedError{Name: filepath.Base(path), Err: registry.ErrCancelled}
	}

	if err := job.Claim(registry.StageUploading); err != nil {
		return &StreamAbortedError{Name: filepath.Base(path), Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return &FilesystemError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &FilesystemError{Op: "stat", Path: path, Err: err}
	}

	name := filepath.Base(path)
	display := stem(path)
	obj := destination.Object{
		Name:    name,
		Caption: r.describer.Caption(ctx, path),
		Size:    info.Size(),
	}

	start := time.Now()

	pr := progress.NewReader(f, info.Size(), r.cfg.UploadProgressInterval, func(read, total int64) error {
		if !r.registry.Active(job.ID) {
			return &StreamAbortedError{Name: name, Sent: read, Err: registry.ErrCancelled}
		}

		job.Status.Progress(ctx, uploadText(display, read, total, time.Since(start)))

		return nil
	})

	err = r.telemetry.InstrumentUpload(ctx, r.cfg.DestinationName, info.Size(), func(ctx context.Context) error {
		return r.dest.Upload(ctx, obj, pr)
	})

	switch {
	case err == nil:
		return nil
	case isAborted(err):
		return err
	case job.Cancelled():
		return &StreamAbortedError{Name: name, Sent: pr.BytesRead(), Err: err}
	default:
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
}
