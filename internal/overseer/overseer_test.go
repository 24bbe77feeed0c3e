package overseer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubward/jobd/internal/dispatch"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/model"
)

type memJobStore struct {
	mu     sync.Mutex
	jobs   map[int64]*model.Job
	nextID int64
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[int64]*model.Job)}
}

func (s *memJobStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *memJobStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *memJobStore) ChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error) {
	return nil, nil
}

func (s *memJobStore) SaveJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *memJobStore) CompareAndSwap(ctx context.Context, job *model.Job, expect model.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok || current.Status != expect {
		return false, nil
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return true, nil
}

type memQueueStore struct {
	mu          sync.Mutex
	zones       map[string]*model.Zone
	queues      map[string]*model.Queue
	nextID      int64
	memberships [][2]int64
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{
		zones:  make(map[string]*model.Zone),
		queues: make(map[string]*model.Queue),
	}
}

func (s *memQueueStore) GetOrCreateZone(ctx context.Context, account, name string) (*model.Zone, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := account + "|" + name
	if z, ok := s.zones[key]; ok {
		return z, false, nil
	}
	s.nextID++
	z := &model.Zone{ID: s.nextID, Account: account, Name: name}
	s.zones[key] = z
	return z, true, nil
}

func (s *memQueueStore) GetOrCreateQueue(ctx context.Context, name string, zoneID int64, priority int, untrusted, interrupt bool) (*model.Queue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d|%d|%v|%v", zoneID, priority, untrusted, interrupt)
	if q, ok := s.queues[key]; ok {
		return q, false, nil
	}
	s.nextID++
	q := &model.Queue{ID: s.nextID, Name: name, ZoneID: zoneID, Priority: priority, Untrusted: untrusted, Interrupt: interrupt}
	s.queues[key] = q
	return q, true, nil
}

func (s *memQueueStore) GetQueue(ctx context.Context, id int64) (*model.Queue, error) {
	return nil, fmt.Errorf("queue %d not found", id)
}

func (s *memQueueStore) ZoneAccount(ctx context.Context, zoneID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		if z.ID == zoneID {
			return z.Account, nil
		}
	}
	return "", fmt.Errorf("zone %d not found", zoneID)
}

func (s *memQueueStore) LiveQueues(ctx context.Context, account string, heardSince time.Time) ([]*model.Queue, error) {
	return nil, nil
}

func (s *memQueueStore) AddWorkerQueue(ctx context.Context, workerID, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, [2]int64{workerID, queueID})
	return nil
}

type memWorkerStore struct {
	mu         sync.Mutex
	workers    map[string]*model.Worker
	nextID     int64
	started    map[int64]time.Time
	updated    map[int64]time.Time
	finished   map[int64]time.Time
	heartbeats []*model.WorkerHeartbeat
}

func newMemWorkerStore() *memWorkerStore {
	return &memWorkerStore{
		workers:  make(map[string]*model.Worker),
		started:  make(map[int64]time.Time),
		updated:  make(map[int64]time.Time),
		finished: make(map[int64]time.Time),
	}
}

func (s *memWorkerStore) GetOrCreateWorker(ctx context.Context, w *model.Worker) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workers[w.Signature]; ok {
		return existing, nil
	}
	s.nextID++
	w.ID = s.nextID
	w.Created = time.Now().UTC()
	s.workers[w.Signature] = w
	return w, nil
}

func (s *memWorkerStore) MarkStarted(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[id] = at
	return nil
}

func (s *memWorkerStore) MarkUpdated(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[id] = at
	return nil
}

func (s *memWorkerStore) MarkFinished(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = at
	return nil
}

func (s *memWorkerStore) CreateHeartbeat(ctx context.Context, hb *model.WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

func (s *memWorkerStore) PruneHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type nopBroker struct{}

func (nopBroker) PublishTask(ctx context.Context, account, queueName string, msg queue.TaskMessage) error {
	return nil
}
func (nopBroker) NextTask(ctx context.Context, account string, queueNames []string, wait time.Duration) (*queue.TaskDelivery, error) {
	return nil, nil
}
func (nopBroker) PublishEvent(ctx context.Context, ev queue.Event) error { return nil }
func (nopBroker) SubscribeEvents(ctx context.Context, handler func(queue.Event)) error {
	return nil
}
func (nopBroker) Revoke(ctx context.Context, taskID string) error { return nil }
func (nopBroker) SubscribeRevocations(ctx context.Context, handler func(string)) error {
	return nil
}
func (nopBroker) Shutdown() {}

func newTestOverseer(t *testing.T) (*Overseer, *memJobStore, *memWorkerStore, *memQueueStore) {
	t.Helper()
	jobs := newMemJobStore()
	queues := newMemQueueStore()
	workers := newMemWorkerStore()
	d := dispatch.NewDispatcher(jobs, queues, nopBroker{}, "acme")
	ov := NewOverseer(d, workers, queues, dispatch.NewResolver(queues), nopBroker{}, "acme")
	return ov, jobs, workers, queues
}

func dispatchedJob(t *testing.T, jobs *memJobStore) *model.Job {
	t.Helper()
	job := &model.Job{ProjectID: 1, Method: model.MethodSleep, Status: model.StatusDispatched}
	require.NoError(t, jobs.CreateJob(context.Background(), job))
	return job
}

func taskEvent(typ queue.EventType, jobID int64) queue.Event {
	return queue.Event{
		Type:      typ,
		UUID:      fmt.Sprintf("%d", jobID),
		Hostname:  "worker-1",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

func TestHandleTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	ov, jobs, _, _ := newTestOverseer(t)
	job := dispatchedJob(t, jobs)

	received := taskEvent(queue.TaskReceived, job.ID)
	received.Retries = 1
	require.NoError(t, ov.Handle(ctx, received))

	stored, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReceived, stored.Status)
	require.Equal(t, "worker-1", stored.Worker)
	require.Equal(t, 1, stored.Retries)

	require.NoError(t, ov.Handle(ctx, taskEvent(queue.TaskStarted, job.ID)))
	stored, err = jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusStarted, stored.Status)
	require.NotNil(t, stored.Began)

	succeeded := taskEvent(queue.TaskSucceeded, job.ID)
	succeeded.Result = json.RawMessage(`{"slept": 3}`)
	succeeded.Runtime = 3.01
	require.NoError(t, ov.Handle(ctx, succeeded))

	stored, err = jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, stored.Status)
	require.NotNil(t, stored.Ended)
	require.JSONEq(t, `{"slept": 3}`, string(stored.Result))
	require.Equal(t, 3.01, stored.Runtime)
}

func TestHandleStaleEventAfterSuccess(t *testing.T) {
	ctx := context.Background()
	ov, jobs, _, _ := newTestOverseer(t)
	job := dispatchedJob(t, jobs)

	require.NoError(t, ov.Handle(ctx, taskEvent(queue.TaskSucceeded, job.ID)))
	require.NoError(t, ov.Handle(ctx, taskEvent(queue.TaskStarted, job.ID)))

	stored, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, stored.Status)
}

func TestHandleTaskFailedBuildsLog(t *testing.T) {
	ctx := context.Background()
	ov, jobs, _, _ := newTestOverseer(t)
	job := dispatchedJob(t, jobs)

	failed := taskEvent(queue.TaskFailed, job.ID)
	failed.Exception = "no such file"
	failed.Traceback = "pull.go:42"
	require.NoError(t, ov.Handle(ctx, failed))

	stored, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailure, stored.Status)
	require.NotNil(t, stored.Ended)

	var entries []taskLogEntry
	require.NoError(t, json.Unmarshal(stored.Log, &entries))
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Message, "no such file")
	require.Contains(t, entries[0].Message, "pull.go:42")
}

func TestHandleTaskRevoked(t *testing.T) {
	tests := []struct {
		name       string
		terminated bool
		expected   model.JobStatus
	}{
		{"revoked before running", false, model.StatusRevoked},
		{"terminated while running", true, model.StatusTerminated},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ov, jobs, _, _ := newTestOverseer(t)
			job := dispatchedJob(t, jobs)

			ev := taskEvent(queue.TaskRevoked, job.ID)
			ev.Terminated = tt.terminated
			require.NoError(t, ov.Handle(ctx, ev))

			stored, err := jobs.GetJob(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, tt.expected, stored.Status)
			require.NotNil(t, stored.Ended)
		})
	}
}

func TestHandleUnknownJobDropped(t *testing.T) {
	ctx := context.Background()
	ov, _, _, _ := newTestOverseer(t)

	require.NoError(t, ov.Handle(ctx, taskEvent(queue.TaskStarted, 999)))
	require.NoError(t, ov.Handle(ctx, queue.Event{Type: queue.TaskStarted, UUID: "not-a-number"}))
}

func workerEvent(typ queue.EventType) queue.Event {
	return queue.Event{
		Type:      typ,
		Hostname:  "worker-1",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Utcoffset: 0,
		Pid:       4242,
		Freq:      5,
		SwIdent:   "jobd",
		SwVer:     "0.1.0",
		SwSys:     "linux",
		Queues:    []string{"north", "north:2"},
	}
}

func TestHandleWorkerOnline(t *testing.T) {
	ctx := context.Background()
	ov, _, workers, queues := newTestOverseer(t)

	require.NoError(t, ov.Handle(ctx, workerEvent(queue.WorkerOnline)))

	require.Len(t, workers.workers, 1)
	w := workers.workers[Signature(workerEvent(queue.WorkerOnline))]
	require.NotNil(t, w)
	require.Equal(t, "worker-1", w.Hostname)
	require.Contains(t, workers.started, w.ID)

	// Both announced queues were resolved and recorded.
	require.Len(t, queues.memberships, 2)
}

func TestHandleWorkerHeartbeat(t *testing.T) {
	ctx := context.Background()
	ov, _, workers, _ := newTestOverseer(t)

	hb := workerEvent(queue.WorkerHeartbeat)
	hb.Clock = 7
	hb.Active = 1
	hb.Processed = 12
	hb.Loadavg = [3]float64{0.5, 0.4, 0.3}
	require.NoError(t, ov.Handle(ctx, hb))

	require.Len(t, workers.heartbeats, 1)
	sample := workers.heartbeats[0]
	require.Equal(t, int64(7), sample.Clock)
	require.Equal(t, 1, sample.Active)
	require.Equal(t, int64(12), sample.Processed)
	require.Equal(t, [3]float64{0.5, 0.4, 0.3}, sample.Load)

	w := workers.workers[Signature(hb)]
	require.Contains(t, workers.updated, w.ID)
}

func TestHandleWorkerOffline(t *testing.T) {
	ctx := context.Background()
	ov, _, workers, _ := newTestOverseer(t)

	require.NoError(t, ov.Handle(ctx, workerEvent(queue.WorkerOnline)))
	require.NoError(t, ov.Handle(ctx, workerEvent(queue.WorkerOffline)))

	require.Len(t, workers.workers, 1)
	w := workers.workers[Signature(workerEvent(queue.WorkerOffline))]
	require.Contains(t, workers.finished, w.ID)
}

func TestSignatureStable(t *testing.T) {
	a := workerEvent(queue.WorkerOnline)
	b := workerEvent(queue.WorkerHeartbeat)
	require.Equal(t, Signature(a), Signature(b))

	c := workerEvent(queue.WorkerOnline)
	c.Pid = 9999
	require.NotEqual(t, Signature(a), Signature(c))
}

func TestHandleUnparseableQueueSkipped(t *testing.T) {
	ctx := context.Background()
	ov, _, _, queues := newTestOverseer(t)

	ev := workerEvent(queue.WorkerOnline)
	ev.Queues = []string{"North", "south"}
	require.NoError(t, ov.Handle(ctx, ev))

	// Only the parseable queue was registered.
	require.Len(t, queues.memberships, 1)
}
