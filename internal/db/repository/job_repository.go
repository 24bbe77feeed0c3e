package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hubward/jobd/internal/db"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/util"
	"github.com/hubward/jobd/model"
)

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, key, project_id, creator_id, parent_id, method, params, status,
	queue_id, worker, created, began, ended, result, error, log,
	runtime, url, retries`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Key, &j.ProjectID, &j.CreatorID, &j.ParentID,
		&j.Method, &j.Params, &j.Status, &j.QueueID, &j.Worker,
		&j.Created, &j.Began, &j.Ended, &j.Result, &j.Error, &j.Log,
		&j.Runtime, &j.URL, &j.Retries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a new job, assigning its id and access key.
func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJob")
	defer span.End()

	if job.Key == "" {
		job.Key = util.GenerateJobKey()
	}
	if job.Status == "" {
		job.Status = model.StatusPending
	}

	query := `
		INSERT INTO jobs (
			key, project_id, creator_id, parent_id, method, params,
			status, queue_id, worker, result, error, log, runtime,
			url, retries
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id, created`

	err := r.db.Pool.QueryRow(ctx, query,
		job.Key, job.ProjectID, job.CreatorID, job.ParentID, job.Method,
		job.Params, job.Status, job.QueueID, job.Worker, job.Result,
		job.Error, job.Log, job.Runtime, job.URL, job.Retries,
	).Scan(&job.ID, &job.Created)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	span.AddEvent("job.created",
		trace.WithAttributes(attribute.Int64("job_id", job.ID)),
	)
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, model.ErrJobNotFound) {
		util.RecordSpanError(span, err)
	}
	return job, err
}

func (r *JobRepository) GetJobByKey(ctx context.Context, key string) (*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJobByKey")
	defer span.End()

	query := `SELECT` + jobColumns + ` FROM jobs WHERE key = $1`
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, key))
	if err != nil && !errors.Is(err, model.ErrJobNotFound) {
		util.RecordSpanError(span, err)
	}
	return job, err
}

// ListJobs returns jobs in reverse id order, paginated by an id offset
// as an opaque cursor.
func (r *JobRepository) ListJobs(ctx context.Context, offset int64) ([]*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListJobs")
	defer span.End()

	const limit = 25

	var query string
	var args []any
	if offset == 0 {
		query = `SELECT` + jobColumns + ` FROM jobs ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	} else {
		query = `SELECT` + jobColumns + ` FROM jobs WHERE id < $1 ORDER BY id DESC LIMIT $2`
		args = append(args, offset, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

// ChildJobs returns the children of a compound job ordered by id,
// which is their dispatch order.
func (r *JobRepository) ChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ChildJobs")
	defer span.End()

	query := `SELECT` + jobColumns + ` FROM jobs WHERE parent_id = $1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, parentID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

// SaveJob writes all mutable fields of the job unconditionally. Used
// on paths that already hold the latest row (creation hooks).
func (r *JobRepository) SaveJob(ctx context.Context, job *model.Job) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/SaveJob")
	defer span.End()

	query := `
		UPDATE jobs
		SET
			status   = $2,
			queue_id = $3,
			worker   = $4,
			began    = $5,
			ended    = $6,
			result   = $7,
			error    = $8,
			log      = $9,
			runtime  = $10,
			url      = $11,
			retries  = $12
		WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, job.ID,
		job.Status, job.QueueID, job.Worker, job.Began, job.Ended,
		job.Result, job.Error, job.Log, job.Runtime, job.URL, job.Retries)
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

// CompareAndSwap writes the job's mutable fields only if the row still
// holds the expected status. The dispatcher and the overseer may race
// on the same row; the guard stops a stale writer from resurrecting a
// job that has since reached a terminal status.
func (r *JobRepository) CompareAndSwap(ctx context.Context, job *model.Job, expect model.JobStatus) (bool, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CompareAndSwapJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.Int64("job_id", job.ID),
			attribute.String("status", string(job.Status)),
		),
	)

	query := `
		UPDATE jobs
		SET
			status   = $3,
			queue_id = $4,
			worker   = $5,
			began    = $6,
			ended    = $7,
			result   = $8,
			error    = $9,
			log      = $10,
			runtime  = $11,
			url      = $12,
			retries  = $13
		WHERE id = $1 AND status = $2`
	tag, err := r.db.Pool.Exec(ctx, query, job.ID, expect,
		job.Status, job.QueueID, job.Worker, job.Began, job.Ended,
		job.Result, job.Error, job.Log, job.Runtime, job.URL, job.Retries)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("compare and swap job %d: %w", job.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}
