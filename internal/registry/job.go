package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/urlrelay/internal/status"
)

// ErrCancelled is returned by Claim when cancellation was requested before the
// transition could happen.
var ErrCancelled = errors.New("job cancelled")

// Stage is the part of the pipeline currently responsible for a job.
type Stage int

const (
	StageDownloading Stage = iota
	StageExtracting
	StageUploading
)

func (s Stage) String() string {
	switch s {
	case StageDownloading:
		return "downloading"
	case StageExtracting:
		return "extracting"
	case StageUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// Job is the live state of one submitted URL. Fields that stages mutate after
// registration are guarded by mu; the rest are fixed at construction.
type Job struct {
	ID        string
	URL       string
	Extract   bool
	Status    *status.Reporter
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	downloadHandle string
	localPath      string
	scratchDir     string
	cancelled      bool
	uploading      bool
	stage          Stage
}

// NewJob builds a job whose context derives from parent. The context is cancelled
// when the job is cancelled or removed from the registry.
func NewJob(parent context.Context, id, url, localPath string, extract bool, reporter *status.Reporter) *Job {
	ctx, cancel := context.WithCancel(parent)

	return &Job{
		ID:        id,
		URL:       url,
		Extract:   extract,
		Status:    reporter,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		localPath: localPath,
		stage:     StageDownloading,
	}
}

// Context is done once the job is cancelled, removed, or the service shuts down.
func (j *Job) Context() context.Context {
	return j.ctx
}

func (j *Job) DownloadHandle() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.downloadHandle
}

func (j *Job) SetDownloadHandle(handle string) {
	j.mu.Lock()
	j.downloadHandle = handle
	j.mu.Unlock()
}

func (j *Job) LocalPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.localPath
}

func (j *Job) SetLocalPath(path string) {
	j.mu.Lock()
	j.localPath = path
	j.mu.Unlock()
}

func (j *Job) ScratchDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.scratchDir
}

func (j *Job) SetScratchDir(dir string) {
	j.mu.Lock()
	j.scratchDir = dir
	j.mu.Unlock()
}

// Cancelled reports whether the user asked to cancel, or the job context ended for
// any other reason (service shutdown).
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	cancelled := j.cancelled
	j.mu.Unlock()

	return cancelled || j.ctx.Err() != nil
}

// CancelRequested reports only the user-set flag.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.cancelled
}

func (j *Job) Uploading() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.uploading
}

func (j *Job) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.stage
}

// Claim atomically moves the job into stage, failing with ErrCancelled when a
// cancellation already landed. Checking and transitioning under one lock closes the
// window between "download complete" and "stage chosen".
func (j *Job) Claim(stage Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelled || j.ctx.Err() != nil {
		return ErrCancelled
	}

	j.stage = stage
	if stage == StageUploading {
		j.uploading = true
	}

	return nil
}

// markCancelled flips the flag once; later calls are no-ops.
func (j *Job) markCancelled() {
	j.mu.Lock()
	already := j.cancelled
	j.cancelled = true
	j.mu.Unlock()

	if !already {
		j.cancel()
	}
}
