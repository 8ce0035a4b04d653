package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/urlrelay/internal/storage"
)

const jobColumns = `job_id, url, file_name, status, detail, instance_id, created_at, finished_at`

type JobReadRepository struct {
	db *sql.DB
}

func NewJobReadRepository(dbConn *sql.DB) *JobReadRepository {
	return &JobReadRepository{db: dbConn}
}

func (r *JobReadRepository) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)

	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// ListJobs returns the most recent jobs first, up to limit.
func (r *JobReadRepository) ListJobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []storage.JobRecord

	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, rec)
	}

	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (storage.JobRecord, error) {
	var (
		rec        storage.JobRecord
		detail     sql.NullString
		instanceID sql.NullString
		createdAt  string
		finishedAt sql.NullString
	)

	if err := s.Scan(&rec.JobID, &rec.URL, &rec.FileName, &rec.Status, &detail, &instanceID, &createdAt, &finishedAt); err != nil {
		return storage.JobRecord{}, err
	}

	rec.Detail = detail.String
	rec.InstanceID = instanceID.String
	rec.CreatedAt = parseTime(createdAt)

	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		rec.FinishedAt = &t
	}

	return rec, nil
}

// parseTime accepts RFC3339 and the layout the sqlite driver uses for DATETIME
// columns it converts itself.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}
