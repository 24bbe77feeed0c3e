// Package overseer consumes worker lifecycle events from the broker
// and folds them into the job and worker records. It is the only
// writer of worker rows and, together with the dispatcher, one of the
// two writers of job rows.
package overseer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hubward/jobd/internal/dispatch"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/model"
)

// heartbeatRetention bounds how long heartbeat samples are kept.
const heartbeatRetention = 24 * time.Hour

// WorkerStore is the slice of persistence the overseer needs for
// workers and their heartbeats.
type WorkerStore interface {
	GetOrCreateWorker(ctx context.Context, w *model.Worker) (*model.Worker, error)
	MarkStarted(ctx context.Context, id int64, at time.Time) error
	MarkUpdated(ctx context.Context, id int64, at time.Time) error
	MarkFinished(ctx context.Context, id int64, at time.Time) error
	CreateHeartbeat(ctx context.Context, hb *model.WorkerHeartbeat) error
	PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueueMembershipStore records which queues a worker listens on.
type QueueMembershipStore interface {
	AddWorkerQueue(ctx context.Context, workerID, queueID int64) error
}

// Overseer applies broker events to persistent state. Events can
// arrive duplicated, reordered or referencing jobs this database has
// never seen; all of those are survivable, so handling never stops the
// subscription.
type Overseer struct {
	dispatcher *dispatch.Dispatcher
	workers    WorkerStore
	membership QueueMembershipStore
	resolver   *dispatch.Resolver
	broker     queue.Broker
	account    string
}

func NewOverseer(
	dispatcher *dispatch.Dispatcher,
	workers WorkerStore,
	membership QueueMembershipStore,
	resolver *dispatch.Resolver,
	broker queue.Broker,
	account string,
) *Overseer {
	return &Overseer{
		dispatcher: dispatcher,
		workers:    workers,
		membership: membership,
		resolver:   resolver,
		broker:     broker,
		account:    account,
	}
}

// Run subscribes to the event stream and processes events until the
// context is cancelled. Heartbeat samples are pruned opportunistically
// in the background.
func (o *Overseer) Run(ctx context.Context) error {
	go o.pruneLoop(ctx)
	return o.broker.SubscribeEvents(ctx, func(ev queue.Event) {
		if err := o.Handle(ctx, ev); err != nil {
			logger.Log.Error().Err(err).
				Str("event", string(ev.Type)).
				Str("uuid", ev.UUID).
				Msg("event handling failed")
		}
	})
}

func (o *Overseer) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.workers.PruneHeartbeats(ctx, time.Now().Add(-heartbeatRetention))
			if err != nil {
				logger.Log.Warn().Err(err).Msg("heartbeat pruning failed")
			} else if n > 0 {
				logger.Log.Debug().Int64("pruned", n).Msg("heartbeats pruned")
			}
		}
	}
}

// Handle applies one event. Task events update the job the event's
// uuid names; worker events update the worker the event's signature
// names.
func (o *Overseer) Handle(ctx context.Context, ev queue.Event) error {
	switch ev.Type {
	case queue.TaskReceived, queue.TaskStarted, queue.TaskSucceeded,
		queue.TaskFailed, queue.TaskRevoked:
		return o.handleTaskEvent(ctx, ev)
	case queue.WorkerOnline, queue.WorkerHeartbeat, queue.WorkerOffline:
		return o.handleWorkerEvent(ctx, ev)
	default:
		logger.Log.Warn().Str("event", string(ev.Type)).Msg("unknown event type")
		return nil
	}
}

// taskLogEntry matches the shape handlers use for their job logs, so
// that a worker-side failure and a broker-side failure read the same.
type taskLogEntry struct {
	Time    time.Time `json:"time"`
	Level   int       `json:"level"`
	Message string    `json:"message"`
}

func (o *Overseer) handleTaskEvent(ctx context.Context, ev queue.Event) error {
	jobID, err := strconv.ParseInt(ev.UUID, 10, 64)
	if err != nil {
		logger.Log.Warn().Str("uuid", ev.UUID).Msg("event uuid is not a job id")
		return nil
	}

	at := ev.Time()
	change := dispatch.JobChange{Worker: ev.Hostname}

	switch ev.Type {
	case queue.TaskReceived:
		change.Status = model.StatusReceived
		change.Retries = &ev.Retries
	case queue.TaskStarted:
		change.Status = model.StatusStarted
		change.Began = &at
		change.URL = ev.URL
	case queue.TaskSucceeded:
		change.Status = model.StatusSuccess
		change.Ended = &at
		change.Result = ev.Result
		change.Runtime = ev.Runtime
	case queue.TaskFailed:
		change.Status = model.StatusFailure
		change.Ended = &at
		change.Log = ev.Log
		if change.Log == nil && ev.Exception != "" {
			message := ev.Exception
			if ev.Traceback != "" {
				message = fmt.Sprintf("%s\n%s", ev.Exception, ev.Traceback)
			}
			entry, err := json.Marshal([]taskLogEntry{{Time: at, Level: 0, Message: message}})
			if err == nil {
				change.Log = entry
			}
		}
	case queue.TaskRevoked:
		if ev.Terminated {
			change.Status = model.StatusTerminated
		} else {
			change.Status = model.StatusRevoked
		}
		change.Ended = &at
	}

	_, err = o.dispatcher.Update(ctx, jobID, change)
	if errors.Is(err, model.ErrJobNotFound) {
		// A job another deployment dispatched, or one deleted since.
		log := logger.ForJob(jobID)
		log.Warn().Str("event", string(ev.Type)).Msg("event for unknown job dropped")
		return nil
	}
	return err
}

// Signature derives the stable identity of a worker from an event's
// identity fields. Pid and freq are included so that a restarted
// worker on the same host gets a fresh row.
func Signature(ev queue.Event) string {
	return fmt.Sprintf("%s|%d|%d|%v|%s %s|%s",
		ev.Hostname, ev.Utcoffset, ev.Pid, ev.Freq, ev.SwIdent, ev.SwVer, ev.SwSys)
}

func (o *Overseer) handleWorkerEvent(ctx context.Context, ev queue.Event) error {
	at := ev.Time()
	worker, err := o.workers.GetOrCreateWorker(ctx, &model.Worker{
		Hostname:  ev.Hostname,
		Utcoffset: ev.Utcoffset,
		Pid:       ev.Pid,
		Freq:      ev.Freq,
		Software:  fmt.Sprintf("%s %s", ev.SwIdent, ev.SwVer),
		OS:        ev.SwSys,
		Details:   ev.Details,
		Signature: Signature(ev),
	})
	if err != nil {
		return err
	}

	switch ev.Type {
	case queue.WorkerOnline:
		if err := o.registerQueues(ctx, worker.ID, ev.Queues); err != nil {
			return err
		}
		return o.workers.MarkStarted(ctx, worker.ID, at)

	case queue.WorkerHeartbeat:
		if err := o.workers.MarkUpdated(ctx, worker.ID, at); err != nil {
			return err
		}
		return o.workers.CreateHeartbeat(ctx, &model.WorkerHeartbeat{
			WorkerID:  worker.ID,
			Time:      at,
			Clock:     ev.Clock,
			Active:    ev.Active,
			Processed: ev.Processed,
			Load:      ev.Loadavg,
		})

	case queue.WorkerOffline:
		return o.workers.MarkFinished(ctx, worker.ID, at)
	}
	return nil
}

// registerQueues resolves each queue name the worker announced and
// records the membership. Queues a worker invents are created on the
// fly so that routing can target them immediately.
func (o *Overseer) registerQueues(ctx context.Context, workerID int64, names []string) error {
	for _, name := range names {
		q, _, err := o.resolver.Resolve(ctx, name, o.account)
		if err != nil {
			var spec *dispatch.InvalidQueueSpecError
			if errors.As(err, &spec) {
				logger.Log.Warn().Str("queue", name).Err(err).Msg("worker announced unparseable queue")
				continue
			}
			return err
		}
		if err := o.membership.AddWorkerQueue(ctx, workerID, q.ID); err != nil {
			return err
		}
	}
	return nil
}
