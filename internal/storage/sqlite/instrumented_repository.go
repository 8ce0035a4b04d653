package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/urlrelay/internal/storage"
	"github.com/italolelis/urlrelay/internal/telemetry"
)

// InstrumentedJobRepository wraps the job repositories with telemetry.
type InstrumentedJobRepository struct {
	read      *JobReadRepository
	write     *JobWriteRepository
	telemetry *telemetry.Telemetry
}

var _ storage.JobRepository = (*InstrumentedJobRepository)(nil)

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		read:      NewJobReadRepository(dbConn),
		write:     NewJobWriteRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) CreateJob(ctx context.Context, rec storage.JobRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		return r.write.CreateJob(ctx, rec)
	})
}

func (r *InstrumentedJobRepository) FinishJob(ctx context.Context, jobID, status, detail string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_job", func(ctx context.Context) error {
		return r.write.FinishJob(ctx, jobID, status, detail)
	})
}

func (r *InstrumentedJobRepository) GetJob(ctx context.Context, jobID string) (storage.JobRecord, error) {
	var result storage.JobRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		result, err = r.read.GetJob(ctx, jobID)

		return err
	})

	if instrumentedErr != nil {
		return storage.JobRecord{}, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedJobRepository) ListJobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_jobs", func(ctx context.Context) error {
		result, err = r.read.ListJobs(ctx, limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
