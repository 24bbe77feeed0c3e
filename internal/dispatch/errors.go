package dispatch

import "fmt"

// InvalidQueueSpecError is returned for a queue name that does not
// parse as zone[:priority[:untrusted][:interrupt]].
type InvalidQueueSpecError struct {
	Name   string
	Reason string
}

func (e *InvalidQueueSpecError) Error() string {
	return fmt.Sprintf("invalid queue spec %q: %s", e.Name, e.Reason)
}

// DispatchError wraps a broker enqueue failure. The connection-level
// retries have already been exhausted by the time this surfaces.
type DispatchError struct {
	JobID int64
	Queue string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch job %d to queue %q: %v", e.JobID, e.Queue, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
