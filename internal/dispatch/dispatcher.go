package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/model"
)

// DefaultQueueName is the queue jobs fall back to when the account has
// no live queues. Useful in development, where no event monitor runs
// to track which queues have workers.
const DefaultQueueName = "default"

// workerLivenessWindow bounds how stale a worker's last heartbeat may
// be for its queues to count as live routing targets.
const workerLivenessWindow = 15 * time.Minute

// JobStore is the slice of persistence the dispatcher needs for jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error)
	SaveJob(ctx context.Context, job *model.Job) error
	CompareAndSwap(ctx context.Context, job *model.Job, expect model.JobStatus) (bool, error)
}

// QueuePolicy selects the destination queue for a job.
type QueuePolicy func(ctx context.Context, job *model.Job) (*model.Queue, error)

// AccountResolver maps a job's project to the account whose zones the
// job may be routed to. The account/project store is an external
// collaborator; the default resolver routes everything to the
// dispatcher's default account.
type AccountResolver func(ctx context.Context, projectID int64) (string, error)

// Dispatcher decides the destination queue for a job, submits the task
// message to the broker, and drives the job's status state machine.
// Both it and the overseer may update the same job row; every write
// goes through a compare-and-swap on the previous status.
type Dispatcher struct {
	jobs     JobStore
	queues   QueueStore
	broker   queue.Broker
	resolver *Resolver

	account        AccountResolver
	defaultAccount string

	// Policy is the queue-selection seam. The default picks the
	// highest-priority queue with a live worker for the job's account,
	// falling back to the account's default queue.
	Policy QueuePolicy

	now func() time.Time
}

func NewDispatcher(jobs JobStore, queues QueueStore, broker queue.Broker, defaultAccount string) *Dispatcher {
	d := &Dispatcher{
		jobs:           jobs,
		queues:         queues,
		broker:         broker,
		resolver:       NewResolver(queues),
		defaultAccount: defaultAccount,
		now:            time.Now,
	}
	d.account = func(ctx context.Context, projectID int64) (string, error) {
		return d.defaultAccount, nil
	}
	d.Policy = d.defaultPolicy
	return d
}

// SetAccountResolver installs a project-to-account mapping from the
// external account store.
func (d *Dispatcher) SetAccountResolver(fn AccountResolver) {
	if fn != nil {
		d.account = fn
	}
}

func (d *Dispatcher) defaultPolicy(ctx context.Context, job *model.Job) (*model.Queue, error) {
	account, err := d.account(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}

	live, err := d.queues.LiveQueues(ctx, account, d.now().Add(-workerLivenessWindow))
	if err != nil {
		return nil, err
	}
	if len(live) > 0 {
		return live[0], nil
	}

	q, _, err := d.resolver.Resolve(ctx, DefaultQueueName, account)
	return q, err
}

// Create persists a new job and dispatches it. This is the single
// entry point for request-created jobs, so a job is dispatched exactly
// once on first creation rather than on every save.
func (d *Dispatcher) Create(ctx context.Context, job *model.Job) error {
	if _, err := model.ParseMethod(string(job.Method)); err != nil {
		return err
	}
	if !job.Method.IsCompound() {
		if _, err := model.DecodeParams(job.Method, job.Params); err != nil {
			return err
		}
	}
	job.Status = model.StatusPending
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return err
	}
	return d.Dispatch(ctx, job)
}

// CreateUndispatched persists a job without dispatching it. Used while
// assembling a compound job's children, which are dispatched together
// once the whole tree exists.
func (d *Dispatcher) CreateUndispatched(ctx context.Context, job *model.Job) error {
	if _, err := model.ParseMethod(string(job.Method)); err != nil {
		return err
	}
	if !job.Method.IsCompound() {
		if _, err := model.DecodeParams(job.Method, job.Params); err != nil {
			return err
		}
	}
	job.Status = model.StatusPending
	return d.jobs.CreateJob(ctx, job)
}

// Dispatch routes a job to a queue and submits it to the broker.
//
// Compound jobs never reach the broker themselves: parallel dispatches
// every child at once; series and chain dispatch the first child and
// park the rest as WAITING, to be released as predecessors finish.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job) error {
	if _, err := model.ParseMethod(string(job.Method)); err != nil {
		return err
	}

	// Re-dispatching an in-flight or finished job would enqueue a
	// duplicate task.
	if job.Status != model.StatusPending && job.Status != model.StatusWaiting {
		return nil
	}

	if job.Method.IsCompound() {
		return d.dispatchCompound(ctx, job)
	}

	q, err := d.Policy(ctx, job)
	if err != nil {
		return err
	}

	msg := queue.TaskMessage{
		TaskID: strconv.FormatInt(job.ID, 10),
		Method: string(job.Method),
		Params: job.Params,
	}
	account, err := d.queues.ZoneAccount(ctx, q.ZoneID)
	if err != nil {
		return err
	}
	if err := d.broker.PublishTask(ctx, account, q.Name, msg); err != nil {
		return &DispatchError{JobID: job.ID, Queue: q.Name, Err: err}
	}

	prev := job.Status
	job.Status = model.StatusDispatched
	job.QueueID = &q.ID
	swapped, err := d.jobs.CompareAndSwap(ctx, job, prev)
	if err != nil {
		return err
	}
	if !swapped {
		// Someone else moved the job first; their state wins.
		fresh, err := d.jobs.GetJob(ctx, job.ID)
		if err == nil {
			*job = *fresh
		}
	}
	return nil
}

func (d *Dispatcher) dispatchCompound(ctx context.Context, job *model.Job) error {
	children, err := d.jobs.ChildJobs(ctx, job.ID)
	if err != nil {
		return err
	}

	if job.Method == model.MethodParallel {
		for _, child := range children {
			if err := d.Dispatch(ctx, child); err != nil {
				return err
			}
		}
	} else {
		for index, child := range children {
			if index == 0 {
				if err := d.Dispatch(ctx, child); err != nil {
					return err
				}
				continue
			}
			prev := child.Status
			child.Status = model.StatusWaiting
			if _, err := d.jobs.CompareAndSwap(ctx, child, prev); err != nil {
				return err
			}
		}
	}

	prev := job.Status
	job.Status = model.StatusDispatched
	_, err = d.jobs.CompareAndSwap(ctx, job, prev)
	return err
}

// Cancel stops a job. A no-op when the job has already ended.
// Termination is best effort and asynchronous: the broker broadcasts a
// revocation and the worker running the task kills its job process,
// which is safe because each worker process runs exactly one job.
func (d *Dispatcher) Cancel(ctx context.Context, job *model.Job) error {
	if job.Status.HasEnded() {
		return nil
	}

	if err := d.broker.Revoke(ctx, strconv.FormatInt(job.ID, 10)); err != nil {
		log := logger.ForJob(job.ID)
		log.Warn().Err(err).Msg("revoke broadcast failed")
	}

	prev := job.Status
	now := d.now().UTC()
	job.Status = model.StatusRevoked
	job.Ended = &now
	swapped, err := d.jobs.CompareAndSwap(ctx, job, prev)
	if err != nil {
		return err
	}
	if !swapped {
		fresh, err := d.jobs.GetJob(ctx, job.ID)
		if err == nil {
			*job = *fresh
		}
	}
	return d.updateParent(ctx, job)
}

// JobChange is the subset of job fields a lifecycle event may update.
type JobChange struct {
	Status  model.JobStatus
	Worker  string
	Retries *int
	Began   *time.Time
	Ended   *time.Time
	Result  json.RawMessage
	Log     json.RawMessage
	Runtime float64
	URL     string
}

// Update applies a worker-emitted change to a job. Transitions are
// idempotent and monotonic: a change whose status ranks below the
// job's current status is stale (events can arrive duplicated or out
// of order) and is dropped without error. Unknown job ids return
// ErrJobNotFound for the caller to log and drop.
func (d *Dispatcher) Update(ctx context.Context, jobID int64, change JobChange) (*model.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := d.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if change.Status.Rank() < job.Status.Rank() {
			return job, nil
		}
		if job.Status.HasEnded() && job.Status != change.Status {
			// Never resurrect a finished job.
			return job, nil
		}

		prev := job.Status
		job.Status = change.Status
		if change.Worker != "" {
			job.Worker = change.Worker
		}
		if change.Retries != nil {
			job.Retries = *change.Retries
		}
		if change.Began != nil {
			job.Began = change.Began
		}
		if change.Ended != nil {
			job.Ended = change.Ended
		}
		if change.Result != nil {
			job.Result = change.Result
		}
		if change.Log != nil {
			job.Log = change.Log
		}
		if change.Runtime != 0 {
			job.Runtime = change.Runtime
		}
		if change.URL != "" {
			job.URL = change.URL
		}

		swapped, err := d.jobs.CompareAndSwap(ctx, job, prev)
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Lost a race with the cancel path or another event;
			// re-read and re-evaluate.
			continue
		}

		if err := d.updateParent(ctx, job); err != nil {
			return job, err
		}
		return job, nil
	}
	return d.jobs.GetJob(ctx, jobID)
}

// updateParent rolls a child's state up into its compound parent:
// releases the next WAITING child of a series/chain once all previous
// children succeeded, cancels remaining children once one failed, and
// recomputes the parent's status from its children.
func (d *Dispatcher) updateParent(ctx context.Context, child *model.Job) error {
	if child.ParentID == nil {
		return nil
	}
	parent, err := d.jobs.GetJob(ctx, *child.ParentID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if !parent.Method.IsCompound() || parent.Status.HasEnded() {
		return nil
	}

	children, err := d.jobs.ChildJobs(ctx, parent.ID)
	if err != nil {
		return err
	}

	anyActive := false
	allPreviousSucceeded := true
	anyPreviousFailed := false
	statuses := make([]model.JobStatus, 0, len(children)+1)
	statuses = append(statuses, parent.Status)

	for _, c := range children {
		if !c.Status.HasEnded() && c.Status != model.StatusWaiting {
			anyActive = true
		}
		statuses = append(statuses, c.Status)

		if c.Status == model.StatusWaiting {
			if allPreviousSucceeded {
				if err := d.Dispatch(ctx, c); err != nil {
					return err
				}
				anyActive = true
			} else if anyPreviousFailed {
				if err := d.Cancel(ctx, c); err != nil {
					return err
				}
			}
		}

		if c.Status != model.StatusSuccess {
			allPreviousSucceeded = false
		}
		if c.Status == model.StatusFailure {
			anyPreviousFailed = true
		}
	}

	prev := parent.Status
	if anyActive {
		parent.Status = model.StatusRunning
	} else {
		parent.Status = model.HighestStatus(statuses)
		if parent.Status.HasEnded() && parent.Ended == nil {
			now := d.now().UTC()
			parent.Ended = &now
		}
	}
	if parent.Status == prev {
		return nil
	}
	if _, err := d.jobs.CompareAndSwap(ctx, parent, prev); err != nil {
		return err
	}
	return d.updateParent(ctx, parent)
}
