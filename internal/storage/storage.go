package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no job record matches.
var ErrNotFound = errors.New("job record not found")

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// JobRecord is the audit trail of one job. It is written while the job runs and
// never used to resume work.
type JobRecord struct {
	JobID      string     `json:"job_id"`
	URL        string     `json:"url"`
	FileName   string     `json:"file_name"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	InstanceID string     `json:"instance_id"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type JobReadRepository interface {
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]JobRecord, error)
}

type JobWriteRepository interface {
	CreateJob(ctx context.Context, rec JobRecord) error
	// FinishJob records the terminal status. Only the first call for a job wins.
	FinishJob(ctx context.Context, jobID, status, detail string) error
}

type JobRepository interface {
	JobReadRepository
	JobWriteRepository
}
