package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hubward/jobd/internal/db"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/util"
	"github.com/hubward/jobd/model"
)

// ErrQueueNotFound is returned when a queue id matches no row.
var ErrQueueNotFound = errors.New("queue not found")

type QueueRepository struct {
	db *db.DB
}

func NewQueueRepository(db *db.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// GetOrCreateZone resolves a zone by (account, name), creating it on
// first reference. The insert races are resolved by the unique
// constraint plus ON CONFLICT.
func (r *QueueRepository) GetOrCreateZone(ctx context.Context, account, name string) (*model.Zone, bool, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetOrCreateZone")
	defer span.End()

	var z model.Zone
	created := true
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO zones (account, name)
		VALUES ($1, $2)
		ON CONFLICT (account, name) DO NOTHING
		RETURNING id, account, name
	`, account, name).Scan(&z.ID, &z.Account, &z.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = r.db.Pool.QueryRow(ctx, `
			SELECT id, account, name FROM zones
			WHERE account = $1 AND name = $2
		`, account, name).Scan(&z.ID, &z.Account, &z.Name)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, false, err
	}
	return &z, created, nil
}

// GetOrCreateQueue resolves a queue by its uniqueness tuple
// (zone, priority, untrusted, interrupt), creating it on first
// reference.
func (r *QueueRepository) GetOrCreateQueue(ctx context.Context, name string, zoneID int64, priority int, untrusted, interrupt bool) (*model.Queue, bool, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetOrCreateQueue")
	defer span.End()

	var q model.Queue
	created := true
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO queues (name, zone_id, priority, untrusted, interrupt)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (zone_id, priority, untrusted, interrupt) DO NOTHING
		RETURNING id, name, zone_id, priority, untrusted, interrupt
	`, name, zoneID, priority, untrusted, interrupt).Scan(
		&q.ID, &q.Name, &q.ZoneID, &q.Priority, &q.Untrusted, &q.Interrupt)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = r.db.Pool.QueryRow(ctx, `
			SELECT id, name, zone_id, priority, untrusted, interrupt
			FROM queues
			WHERE zone_id = $1 AND priority = $2 AND untrusted = $3 AND interrupt = $4
		`, zoneID, priority, untrusted, interrupt).Scan(
			&q.ID, &q.Name, &q.ZoneID, &q.Priority, &q.Untrusted, &q.Interrupt)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, false, err
	}
	return &q, created, nil
}

func (r *QueueRepository) GetQueue(ctx context.Context, id int64) (*model.Queue, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetQueue")
	defer span.End()

	var q model.Queue
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, zone_id, priority, untrusted, interrupt
		FROM queues WHERE id = $1
	`, id).Scan(&q.ID, &q.Name, &q.ZoneID, &q.Priority, &q.Untrusted, &q.Interrupt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}
	return &q, nil
}

// ZoneAccount returns the account owning a zone. Task subjects are
// scoped by account, so the dispatcher needs this when publishing.
func (r *QueueRepository) ZoneAccount(ctx context.Context, zoneID int64) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ZoneAccount")
	defer span.End()

	var account string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT account FROM zones WHERE id = $1
	`, zoneID).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrQueueNotFound
		}
		util.RecordSpanError(span, err)
		return "", err
	}
	return account, nil
}

// LiveQueues returns the queues for an account that have at least one
// worker heard from since the given time, ordered by descending
// priority. The dispatcher picks the first as the destination.
func (r *QueueRepository) LiveQueues(ctx context.Context, account string, heardSince time.Time) ([]*model.Queue, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/LiveQueues")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT q.id, q.name, q.zone_id, q.priority, q.untrusted, q.interrupt
		FROM queues q
		JOIN zones z ON z.id = q.zone_id
		JOIN worker_queues wq ON wq.queue_id = q.id
		JOIN workers w ON w.id = wq.worker_id
		WHERE z.account = $1
		  AND w.finished IS NULL
		  AND w.updated >= $2
		ORDER BY q.priority DESC
	`, account, heardSince)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var queues []*model.Queue
	for rows.Next() {
		var q model.Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.ZoneID, &q.Priority, &q.Untrusted, &q.Interrupt); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		queues = append(queues, &q)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return queues, nil
}

// AddWorkerQueue records that a worker listens on a queue.
func (r *QueueRepository) AddWorkerQueue(ctx context.Context, workerID, queueID int64) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/AddWorkerQueue")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO worker_queues (worker_id, queue_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, workerID, queueID)
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}
