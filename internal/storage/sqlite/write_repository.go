package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/urlrelay/internal/storage"
)

// JobWriteRepository implements storage.JobWriteRepository
// and stores job records in SQLite.
type JobWriteRepository struct {
	db *sql.DB
}

func NewJobWriteRepository(db *sql.DB) *JobWriteRepository {
	return &JobWriteRepository{db: db}
}

func (r *JobWriteRepository) CreateJob(ctx context.Context, rec storage.JobRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	status := rec.Status
	if status == "" {
		status = storage.StatusRunning
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, url, file_name, status, instance_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.URL, rec.FileName, status, rec.InstanceID, createdAt.UTC().Format(time.RFC3339),
	)

	return err
}

// FinishJob sets the terminal status if the job is still running.
func (r *JobWriteRepository) FinishJob(ctx context.Context, jobID, status, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, detail = ?, finished_at = ? WHERE job_id = ? AND status = 'running'`,
		status, detail, time.Now().UTC().Format(time.RFC3339), jobID,
	)

	return err
}
