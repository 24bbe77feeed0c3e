package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/queue"
	"github.com/hubward/jobd/internal/service/logger"
)

const (
	eventSubjectPrefix = "events."
	revokeSubject      = "control.revoke"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	stream     string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// connectBackOff implements the bounded dial policy: retry
// immediately, then add half a second per attempt up to a three second
// cap, giving up after ten attempts.
type connectBackOff struct {
	attempt int
}

func (b *connectBackOff) NextBackOff() time.Duration {
	if b.attempt >= 10 {
		return backoff.Stop
	}
	d := time.Duration(b.attempt) * 500 * time.Millisecond
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	b.attempt++
	return d
}

func (b *connectBackOff) Reset() {
	b.attempt = 0
}

func NewJetStreamClient(cfg *config.NatsConfig) (queue.Broker, error) {
	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Name("jobd"),
		)
		return err
	}
	if err := backoff.Retry(connect, &connectBackOff{}); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.TaskStream,
		Subjects:  []string{"tasks.>"},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
		stream:     cfg.TaskStream,
		subs:       make(map[string]*nats.Subscription),
	}, nil
}

// taskSubject maps an (account, queue name) pair onto a stream
// subject. Queue names carry colons which are legal in subjects, but
// durable consumer names may not, so those are sanitized separately.
func taskSubject(account, queueName string) string {
	return fmt.Sprintf("tasks.%s.%s", account, queueName)
}

func durableName(account, queueName string) string {
	s := account + "_" + queueName
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

func (c *JetStreamClient) PublishTask(ctx context.Context, account, queueName string, msg queue.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.context.Publish(taskSubject(account, queueName), data, nats.Context(ctx))
	return err
}

func (c *JetStreamClient) pullSub(account, name string) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject := taskSubject(account, name)
	if sub, ok := c.subs[subject]; ok {
		return sub, nil
	}
	sub, err := c.context.PullSubscribe(
		subject,
		durableName(account, name),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe queue %s: %w", name, err)
	}
	c.subs[subject] = sub
	return sub, nil
}

// NextTask pulls at most one task. Queues are tried in the order
// given, which the caller arranges by descending priority; each worker
// holds at most one delivery at a time.
func (c *JetStreamClient) NextTask(ctx context.Context, account string, queueNames []string, wait time.Duration) (*queue.TaskDelivery, error) {
	if len(queueNames) == 0 {
		return nil, nil
	}
	perQueue := wait / time.Duration(len(queueNames))
	if perQueue < time.Second {
		perQueue = time.Second
	}

	for _, name := range queueNames {
		sub, err := c.pullSub(account, name)
		if err != nil {
			return nil, err
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(perQueue))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		var task queue.TaskMessage
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			// A malformed message can never succeed; drop it.
			logger.Log.Error().Err(err).Str("queue", name).Msg("dropping malformed task message")
			_ = msg.Term()
			continue
		}

		return &queue.TaskDelivery{
			Message: task,
			Queue:   name,
			Ack:     func() error { return msg.Ack() },
			Nak:     func() error { return msg.Nak() },
		}, nil
	}
	return nil, nil
}

func (c *JetStreamClient) PublishEvent(ctx context.Context, ev queue.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.connection.Publish(eventSubjectPrefix+string(ev.Type), data)
}

func (c *JetStreamClient) SubscribeEvents(ctx context.Context, handler func(queue.Event)) error {
	sub, err := c.connection.Subscribe(eventSubjectPrefix+">", func(msg *nats.Msg) {
		var ev queue.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (c *JetStreamClient) Revoke(ctx context.Context, taskID string) error {
	return c.connection.Publish(revokeSubject, []byte(taskID))
}

func (c *JetStreamClient) SubscribeRevocations(ctx context.Context, handler func(string)) error {
	sub, err := c.connection.Subscribe(revokeSubject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (c *JetStreamClient) Shutdown() {
	c.connection.Drain() // flush + stop new messages
	c.connection.Close()
}
