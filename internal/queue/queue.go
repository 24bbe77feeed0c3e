package queue

import (
	"context"
	"encoding/json"
	"time"
)

// TaskMessage is the unit submitted to a queue by the dispatcher and
// consumed by a worker. TaskID carries the job's persisted id; it is
// the identity that correlates lifecycle events back to the job row.
type TaskMessage struct {
	TaskID string          `json:"task_id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// EventType tags a lifecycle event.
type EventType string

const (
	TaskReceived  EventType = "task-received"
	TaskStarted   EventType = "task-started"
	TaskSucceeded EventType = "task-succeeded"
	TaskFailed    EventType = "task-failed"
	TaskRevoked   EventType = "task-revoked"

	WorkerOnline    EventType = "worker-online"
	WorkerHeartbeat EventType = "worker-heartbeat"
	WorkerOffline   EventType = "worker-offline"
)

// Event is a worker-emitted lifecycle record. Which fields are set
// depends on the event type. Timestamp is seconds since the epoch.
type Event struct {
	Type      EventType `json:"type"`
	UUID      string    `json:"uuid,omitempty"`
	State     string    `json:"state,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`

	// Task fields.
	Retries    int             `json:"retries,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Log        json.RawMessage `json:"log,omitempty"`
	Runtime    float64         `json:"runtime,omitempty"`
	Exception  string          `json:"exception,omitempty"`
	Traceback  string          `json:"traceback,omitempty"`
	Terminated bool            `json:"terminated,omitempty"`
	URL        string          `json:"url,omitempty"`

	// Worker identity fields.
	Utcoffset int             `json:"utcoffset,omitempty"`
	Pid       int             `json:"pid,omitempty"`
	Freq      float64         `json:"freq,omitempty"`
	SwIdent   string          `json:"sw_ident,omitempty"`
	SwVer     string          `json:"sw_ver,omitempty"`
	SwSys     string          `json:"sw_sys,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Queues    []string        `json:"queues,omitempty"`

	// Heartbeat fields.
	Clock     int64      `json:"clock,omitempty"`
	Active    int        `json:"active,omitempty"`
	Processed int64      `json:"processed,omitempty"`
	Loadavg   [3]float64 `json:"loadavg,omitempty"`
}

// Time converts the event timestamp to a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// TaskDelivery is one in-flight task pulled from a queue. Exactly one
// of Ack or Nak must be called once handling finishes.
type TaskDelivery struct {
	Message TaskMessage
	Queue   string
	Ack     func() error
	Nak     func() error
}

// Broker connects dispatchers to workers and carries lifecycle events
// back out. Implementations are constructed by the process entry point
// and passed in; there is no package-level broker.
type Broker interface {
	// PublishTask enqueues one task on the named queue for an account.
	PublishTask(ctx context.Context, account, queueName string, msg TaskMessage) error

	// NextTask blocks up to wait for a task on any of the subscribed
	// queues, tried in the order given. Returns nil when the wait
	// elapses with nothing to do.
	NextTask(ctx context.Context, account string, queueNames []string, wait time.Duration) (*TaskDelivery, error)

	// PublishEvent emits one lifecycle event.
	PublishEvent(ctx context.Context, ev Event) error

	// SubscribeEvents delivers every lifecycle event to the handler
	// until the context is cancelled.
	SubscribeEvents(ctx context.Context, handler func(Event)) error

	// Revoke broadcasts a request to terminate the task with the given
	// id. Best effort: the worker running it may take time to react.
	Revoke(ctx context.Context, taskID string) error

	// SubscribeRevocations delivers revoked task ids to the handler.
	SubscribeRevocations(ctx context.Context, handler func(taskID string)) error

	Shutdown()
}
