package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/worker/jobs"
)

// eventBroker records published events and can be made to fail them.
type eventBroker struct {
	mu         sync.Mutex
	events     []queue.Event
	publishErr error
}

func (b *eventBroker) PublishTask(ctx context.Context, account, queueName string, msg queue.TaskMessage) error {
	return nil
}

func (b *eventBroker) NextTask(ctx context.Context, account string, queueNames []string, wait time.Duration) (*queue.TaskDelivery, error) {
	return nil, nil
}

func (b *eventBroker) PublishEvent(ctx context.Context, ev queue.Event) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *eventBroker) SubscribeEvents(ctx context.Context, handler func(queue.Event)) error {
	return nil
}

func (b *eventBroker) Revoke(ctx context.Context, taskID string) error { return nil }

func (b *eventBroker) SubscribeRevocations(ctx context.Context, handler func(string)) error {
	return nil
}

func (b *eventBroker) Shutdown() {}

func (b *eventBroker) eventTypes() []queue.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]queue.EventType, 0, len(b.events))
	for _, ev := range b.events {
		types = append(types, ev.Type)
	}
	return types
}

func (b *eventBroker) lastEvent() queue.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

// deliveryRecorder counts how a delivery was settled.
type deliveryRecorder struct {
	acks atomic.Int64
	naks atomic.Int64
}

func (d *deliveryRecorder) delivery(msg queue.TaskMessage) *queue.TaskDelivery {
	return &queue.TaskDelivery{
		Message: msg,
		Queue:   "default",
		Ack:     func() error { d.acks.Add(1); return nil },
		Nak:     func() error { d.naks.Add(1); return nil },
	}
}

func testWorker(t *testing.T, broker queue.Broker) *Worker {
	t.Helper()
	cfg := &config.WorkerConfig{
		ACCOUNT:        "acme",
		QUEUES:         []string{"default"},
		HEARTBEAT_SECS: 60,
	}
	return New(cfg, broker, jobs.Runtime{WorkDir: t.TempDir()})
}

func sleepTask(id int64, seconds float64) queue.TaskMessage {
	return queue.TaskMessage{
		TaskID: fmt.Sprintf("%d", id),
		Method: "sleep",
		Params: json.RawMessage(fmt.Sprintf(`{"seconds": %v}`, seconds)),
	}
}

func TestHandleSucceeds(t *testing.T) {
	broker := &eventBroker{}
	w := testWorker(t, broker)
	rec := &deliveryRecorder{}

	w.handle(context.Background(), rec.delivery(sleepTask(41, 0.01)))

	require.EqualValues(t, 1, rec.acks.Load())
	require.EqualValues(t, 0, rec.naks.Load())
	require.Equal(t, []queue.EventType{queue.TaskReceived, queue.TaskStarted, queue.TaskSucceeded}, broker.eventTypes())

	var result map[string]float64
	require.NoError(t, json.Unmarshal(broker.lastEvent().Result, &result))
	require.InDelta(t, 0.01, result["slept"], 1e-9)
}

func TestHandleFailureReported(t *testing.T) {
	broker := &eventBroker{}
	w := testWorker(t, broker)
	rec := &deliveryRecorder{}

	msg := queue.TaskMessage{
		TaskID: "42",
		Method: "sleep",
		Params: json.RawMessage(`{"seconds": 0.01, "repeat": 2, "fail": 1}`),
	}
	w.handle(context.Background(), rec.delivery(msg))

	require.EqualValues(t, 1, rec.acks.Load())
	require.Equal(t, []queue.EventType{queue.TaskReceived, queue.TaskStarted, queue.TaskFailed}, broker.eventTypes())
	require.Contains(t, broker.lastEvent().Exception, "failing at repetition 1")
}

func TestShutdownRequeuesTask(t *testing.T) {
	broker := &eventBroker{}
	w := testWorker(t, broker)
	rec := &deliveryRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	w.handle(ctx, rec.delivery(sleepTask(43, 30)))

	// Shutdown mid-task must not mark the job failed: the delivery goes
	// back to the queue for another worker.
	require.EqualValues(t, 0, rec.acks.Load())
	require.EqualValues(t, 1, rec.naks.Load())
	require.Equal(t, []queue.EventType{queue.TaskReceived, queue.TaskStarted}, broker.eventTypes())
	require.EqualValues(t, 0, w.processed.Load())
}

func TestRevokedTaskTerminates(t *testing.T) {
	broker := &eventBroker{}
	w := testWorker(t, broker)
	rec := &deliveryRecorder{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.handle(context.Background(), rec.delivery(sleepTask(44, 30)))
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.current == 44
	}, 5*time.Second, 10*time.Millisecond)

	w.onRevoke("44")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("revoked task never finished")
	}

	require.EqualValues(t, 1, rec.acks.Load())
	require.EqualValues(t, 0, rec.naks.Load())
	last := broker.lastEvent()
	require.Equal(t, queue.TaskRevoked, last.Type)
	require.True(t, last.Terminated)
}

func TestEventPublishFailureDoesNotAbort(t *testing.T) {
	broker := &eventBroker{publishErr: fmt.Errorf("broker unreachable")}
	w := testWorker(t, broker)
	rec := &deliveryRecorder{}

	w.handle(context.Background(), rec.delivery(sleepTask(45, 0.01)))

	// Events are best effort; the task still runs and is acked.
	require.EqualValues(t, 1, rec.acks.Load())
}
