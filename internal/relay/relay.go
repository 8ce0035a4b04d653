// Package relay drives jobs from submission through download, optional
// extraction and upload to a terminal state.
package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/urlrelay/internal/destination"
	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/media"
	"github.com/italolelis/urlrelay/internal/naming"
	"github.com/italolelis/urlrelay/internal/notifier"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/status"
	"github.com/italolelis/urlrelay/internal/storage"
	"github.com/italolelis/urlrelay/internal/telemetry"
)

const cleanupTimeout = 30 * time.Second

// Config tunes the relay. DownloadDir should be absolute: the engine runs in its
// own process and resolves relative paths against its own working directory.
type Config struct {
	DownloadDir            string
	PollInterval           time.Duration
	UploadProgressInterval time.Duration
	StatusMinInterval      time.Duration
	AutoExtract            bool
	// DestinationName labels upload metrics.
	DestinationName string
}

// Deps are the collaborators of the relay. Engine and Destination are required.
type Deps struct {
	Engine      engine.Engine
	Destination destination.Destination
	Registry    *registry.Registry
	Board       *status.Board
	Notifier    notifier.Notifier
	Describer   *media.Describer
	History     storage.JobWriteRepository
	Telemetry   *telemetry.Telemetry
	Resolver    *naming.Resolver
}

// Request is one submission: a URL, an optional file name and whether the payload
// must be unpacked before upload.
type Request struct {
	URL     string
	Rename  string
	Extract bool
}

// Handle identifies a submitted job.
type Handle struct {
	JobID    string `json:"job_id"`
	FileName string `json:"file_name"`
}

// Outcome acknowledges a cancel request.
type Outcome string

const (
	OutcomeCancellationRequested Outcome = "cancellation-requested"
	OutcomeNotFound              Outcome = "not-found"
)

// Relay owns the job registry and one monitor goroutine per live job.
type Relay struct {
	cfg       Config
	engine    engine.Engine
	dest      destination.Destination
	registry  *registry.Registry
	board     *status.Board
	notifier  notifier.Notifier
	describer *media.Describer
	history   storage.JobWriteRepository
	telemetry *telemetry.Telemetry
	resolver  *naming.Resolver

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// submitMu serialises path selection and registration so two submissions
	// never pick the same local path.
	submitMu sync.Mutex
}

// New builds a relay. Job contexts derive from ctx, so cancelling it (or calling
// Shutdown) cancels every live job.
func New(ctx context.Context, cfg Config, deps Deps) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	if cfg.UploadProgressInterval <= 0 {
		cfg.UploadProgressInterval = 3 * time.Second
	}

	if cfg.DestinationName == "" {
		cfg.DestinationName = "destination"
	}

	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}

	board := deps.Board
	if board == nil {
		board = status.NewBoard()
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = naming.NewResolver(cfg.DownloadDir, reg.OwnsPath)
	}

	base, stop := context.WithCancel(ctx)

	return &Relay{
		cfg:       cfg,
		engine:    deps.Engine,
		dest:      deps.Destination,
		registry:  reg,
		board:     board,
		notifier:  deps.Notifier,
		describer: deps.Describer,
		history:   deps.History,
		telemetry: deps.Telemetry,
		resolver:  resolver,
		base:      base,
		stop:      stop,
	}
}

// Registry exposes the live jobs.
func (r *Relay) Registry() *registry.Registry {
	return r.registry
}

// Board exposes the latest status of every job.
func (r *Relay) Board() *status.Board {
	return r.board
}

// Submit registers a job, asks the engine to start downloading and spawns its
// monitor. The job is registered before the engine is contacted so a cancel can
// reference it immediately.
func (r *Relay) Submit(ctx context.Context, req Request) (Handle, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return Handle{}, ErrMissingURL
	}

	id := uuid.NewString()
	name := r.resolver.Name(ctx, rawURL, req.Rename)

	r.submitMu.Lock()
	if r.base.Err() != nil {
		r.submitMu.Unlock()

		return Handle{}, ErrShuttingDown
	}

	localPath := r.resolver.Path(name)
	reporter := status.NewReporter(id, status.Multi(r.board.Sink(id), status.LogSink{}), r.cfg.StatusMinInterval, r.notifier)
	job := registry.NewJob(r.base, id, rawURL, localPath, req.Extract, reporter)

	err := r.registry.Register(job)
	if err == nil {
		// Shutdown stops r.base under submitMu, so the job is counted before it
		// can wait. Returns below that don't start the monitor release it.
		r.wg.Add(1)
	}
	r.submitMu.Unlock()

	if err != nil {
		return Handle{}, fmt.Errorf("failed to register job: %w", err)
	}

	monitoring := false
	defer func() {
		if !monitoring {
			r.wg.Done()
		}
	}()

	fileName := filepath.Base(localPath)

	logger := logctx.LoggerFromContext(r.base).With("file", fileName)
	if requestID := logctx.RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}

	jobCtx := logctx.WithJobID(logctx.WithLogger(job.Context(), logger), id)

	r.telemetry.JobStarted()
	r.recordCreated(jobCtx, job, fileName)

	logger.InfoContext(jobCtx, "job submitted", "extract", req.Extract)
	reporter.Render(jobCtx, startingText(fileName), true)

	handle, err := r.engine.Submit(jobCtx, rawURL, r.cfg.DownloadDir, fileName)
	if err != nil {
		cctx, cancel := cleanupContext(jobCtx)
		defer cancel()

		if job.Cancelled() {
			r.cancelled(cctx, job, msgDownloadCancelled, "cancelled before download started")

			return Handle{}, fmt.Errorf("job %s: %w", id, registry.ErrCancelled)
		}

		logger.ErrorContext(cctx, "failed to submit download", "err", err)
		reporter.Final(cctx, downloadFailedText(fileName, err.Error()))
		r.finish(cctx, job, storage.StatusFailed, err.Error())

		return Handle{}, fmt.Errorf("failed to submit download: %w", err)
	}

	job.SetDownloadHandle(handle)

	monitoring = true

	go r.monitor(jobCtx, job)

	return Handle{JobID: id, FileName: fileName}, nil
}

// Cancel flags a live job. The stage that owns the job observes the flag and tears
// it down; Cancel itself never deletes files or registry entries.
func (r *Relay) Cancel(ctx context.Context, jobID string) Outcome {
	job, ok := r.registry.Get(jobID)
	if !ok || !r.registry.MarkCancelled(jobID) {
		return OutcomeNotFound
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cancellation requested", "job_id", jobID, "stage", job.Stage())
	job.Status.Render(ctx, msgCancelRequested, false)

	return OutcomeCancellationRequested
}

// Shutdown cancels every live job and waits for their stages to clean up, or for
// ctx to expire. Submissions are refused from the moment it is called.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.submitMu.Lock()
	r.stop()
	r.submitMu.Unlock()

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

// finish is the single terminal transition of a job. Only the first call for a
// job has any effect.
func (r *Relay) finish(ctx context.Context, job *registry.Job, outcome, detail string) {
	if !r.registry.Remove(job.ID) {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	if r.history != nil {
		if err := r.history.FinishJob(ctx, job.ID, outcome, detail); err != nil {
			logger.WarnContext(ctx, "failed to record job outcome", "err", err)
		}
	}

	r.telemetry.JobFinished(outcome, time.Since(job.CreatedAt))

	logger.InfoContext(ctx, "job finished", "outcome", outcome, "detail", detail, "duration", time.Since(job.CreatedAt).Round(time.Millisecond))
}

// cancelled reports the cancellation and ends the job. userText is shown when the
// user asked for it; a shutdown gets its own message.
func (r *Relay) cancelled(ctx context.Context, job *registry.Job, userText, detail string) {
	if job.CancelRequested() {
		job.Status.Final(ctx, userText)
	} else {
		job.Status.Final(ctx, msgShuttingDown)
	}

	r.finish(ctx, job, storage.StatusCancelled, detail)
}

func (r *Relay) recordCreated(ctx context.Context, job *registry.Job, fileName string) {
	if r.history == nil {
		return
	}

	err := r.history.CreateJob(ctx, storage.JobRecord{
		JobID:     job.ID,
		URL:       job.URL,
		FileName:  fileName,
		Status:    storage.StatusRunning,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record job", "err", err)
	}
}

// removePath deletes path best effort. Missing paths are fine.
func (r *Relay) removePath(ctx context.Context, path string) {
	if path == "" {
		return
	}

	if err := os.RemoveAll(path); err != nil {
		fsErr := &FilesystemError{Op: "remove", Path: path, Err: err}
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "cleanup failed", "err", fsErr)
	}
}

// cleanupContext outlives the job context, which is already cancelled when a job is
// torn down, but keeps its values.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
