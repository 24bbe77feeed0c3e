package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hubward/jobd/internal/db"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/util"
	"github.com/hubward/jobd/model"
)

type WorkerRepository struct {
	db *db.DB
}

func NewWorkerRepository(db *db.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// GetOrCreateWorker resolves a worker by signature, creating a row if
// no unfinished worker with that signature exists. The signature is
// built from the identity fields of a worker event.
func (r *WorkerRepository) GetOrCreateWorker(ctx context.Context, w *model.Worker) (*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetOrCreateWorker")
	defer span.End()

	var existing model.Worker
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, hostname, utcoffset, pid, freq, software, os, details,
		       signature, created, started, updated, finished
		FROM workers
		WHERE signature = $1 AND finished IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, w.Signature).Scan(
		&existing.ID, &existing.Hostname, &existing.Utcoffset, &existing.Pid,
		&existing.Freq, &existing.Software, &existing.OS, &existing.Details,
		&existing.Signature, &existing.Created, &existing.Started,
		&existing.Updated, &existing.Finished,
	)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		util.RecordSpanError(span, err)
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO workers (hostname, utcoffset, pid, freq, software, os, details, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created
	`, w.Hostname, w.Utcoffset, w.Pid, w.Freq, w.Software, w.OS, w.Details, w.Signature).
		Scan(&w.ID, &w.Created)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

// MarkStarted records a worker-online event.
func (r *WorkerRepository) MarkStarted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE workers SET started = $2, updated = $2 WHERE id = $1
	`, id, at)
	return err
}

// MarkUpdated records the time of the latest heartbeat.
func (r *WorkerRepository) MarkUpdated(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE workers SET updated = $2 WHERE id = $1
	`, id, at)
	return err
}

// MarkFinished records a worker-offline event.
func (r *WorkerRepository) MarkFinished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE workers SET finished = $2, updated = $2 WHERE id = $1
	`, id, at)
	return err
}

// CreateHeartbeat appends one heartbeat sample. Heartbeats are never
// updated.
func (r *WorkerRepository) CreateHeartbeat(ctx context.Context, hb *model.WorkerHeartbeat) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateHeartbeat")
	defer span.End()

	load, err := json.Marshal(hb.Load)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, time, clock, active, processed, load)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, hb.WorkerID, hb.Time, hb.Clock, hb.Active, hb.Processed, load)
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

// ListHeartbeats returns the most recent samples for a worker, newest
// first.
func (r *WorkerRepository) ListHeartbeats(ctx context.Context, workerID int64, limit int) ([]*model.WorkerHeartbeat, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT worker_id, time, clock, active, processed, load
		FROM worker_heartbeats
		WHERE worker_id = $1
		ORDER BY time DESC
		LIMIT $2
	`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beats []*model.WorkerHeartbeat
	for rows.Next() {
		var hb model.WorkerHeartbeat
		var load []byte
		if err := rows.Scan(&hb.WorkerID, &hb.Time, &hb.Clock, &hb.Active, &hb.Processed, &load); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(load, &hb.Load); err != nil {
			return nil, err
		}
		beats = append(beats, &hb)
	}
	return beats, rows.Err()
}

// PruneHeartbeats deletes samples older than the cutoff and returns
// how many were removed.
func (r *WorkerRepository) PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/PruneHeartbeats")
	defer span.End()

	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM worker_heartbeats WHERE time < $1
	`, olderThan)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}
