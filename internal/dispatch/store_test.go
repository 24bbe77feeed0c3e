package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/model"
)

// fakeQueueStore is an in-memory QueueStore with the same uniqueness
// semantics as the SQL repository.
type fakeQueueStore struct {
	mu     sync.Mutex
	zones  map[string]*model.Zone
	queues map[string]*model.Queue
	nextID int64

	live []*model.Queue
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		zones:  make(map[string]*model.Zone),
		queues: make(map[string]*model.Queue),
	}
}

func (s *fakeQueueStore) GetOrCreateZone(ctx context.Context, account, name string) (*model.Zone, bool, error) {
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

func (s *fakeQueueStore) GetOrCreateQueue(ctx context.Context, name string, zoneID int64, priority int, untrusted, interrupt bool) (*model.Queue, bool, error) {
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

func (s *fakeQueueStore) GetQueue(ctx context.Context, id int64) (*model.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.ID == id {
			return q, nil
		}
	}
	return nil, fmt.Errorf("queue %d not found", id)
}

func (s *fakeQueueStore) ZoneAccount(ctx context.Context, zoneID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		if z.ID == zoneID {
			return z.Account, nil
		}
	}
	return "", fmt.Errorf("zone %d not found", zoneID)
}

func (s *fakeQueueStore) LiveQueues(ctx context.Context, account string, heardSince time.Time) ([]*model.Queue, error) {
	return s.live, nil
}

// fakeJobStore is an in-memory JobStore with compare-and-swap
// semantics matching the SQL repository.
type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[int64]*model.Job
	nextID int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[int64]*model.Job)}
}

func (s *fakeJobStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	job.Created = time.Now().UTC()
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *fakeJobStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *fakeJobStore) ChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []*model.Job
	for id := int64(1); id <= s.nextID; id++ {
		job, ok := s.jobs[id]
		if !ok || job.ParentID == nil || *job.ParentID != parentID {
			continue
		}
		clone := *job
		children = append(children, &clone)
	}
	return children, nil
}

func (s *fakeJobStore) SaveJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return model.ErrJobNotFound
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *fakeJobStore) CompareAndSwap(ctx context.Context, job *model.Job, expect model.JobStatus) (bool, error) {
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

// fakeBroker records published tasks and revocations.
type fakeBroker struct {
	mu        sync.Mutex
	tasks     []publishedTask
	revoked   []string
	failWith  error
	revokeErr error
}

type publishedTask struct {
	Account string
	Queue   string
	Message queue.TaskMessage
}

func (b *fakeBroker) PublishTask(ctx context.Context, account, queueName string, msg queue.TaskMessage) error {
	if b.failWith != nil {
		return b.failWith
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, publishedTask{Account: account, Queue: queueName, Message: msg})
	return nil
}

func (b *fakeBroker) NextTask(ctx context.Context, account string, queueNames []string, wait time.Duration) (*queue.TaskDelivery, error) {
	return nil, nil
}

func (b *fakeBroker) PublishEvent(ctx context.Context, ev queue.Event) error { return nil }

func (b *fakeBroker) SubscribeEvents(ctx context.Context, handler func(queue.Event)) error {
	return nil
}

func (b *fakeBroker) Revoke(ctx context.Context, taskID string) error {
	if b.revokeErr != nil {
		return b.revokeErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, taskID)
	return nil
}

func (b *fakeBroker) SubscribeRevocations(ctx context.Context, handler func(string)) error {
	return nil
}

func (b *fakeBroker) Shutdown() {}
