package dispatch

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hubward/jobd/model"
)

// QueueSpec is the decomposition of a queue name string of the form
// zone[:priority[:untrusted][:interrupt]]. The two flags may appear in
// either order after the priority.
type QueueSpec struct {
	Zone      string
	Priority  int
	Untrusted bool
	Interrupt bool
}

var zoneNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ParseQueueName parses a queue name into its spec.
func ParseQueueName(name string) (QueueSpec, error) {
	tokens := strings.Split(name, ":")
	if tokens[0] == "" {
		return QueueSpec{}, &InvalidQueueSpecError{Name: name, Reason: "zone name is empty"}
	}
	if !zoneNameRe.MatchString(tokens[0]) {
		return QueueSpec{}, &InvalidQueueSpecError{
			Name:   name,
			Reason: "zone name must start with a lowercase letter and contain only lowercase letters, digits and hyphens",
		}
	}

	spec := QueueSpec{Zone: tokens[0]}
	prioritySeen := false
	for _, token := range tokens[1:] {
		switch token {
		case "untrusted":
			spec.Untrusted = true
		case "interrupt":
			spec.Interrupt = true
		default:
			priority, err := strconv.Atoi(token)
			if err != nil || prioritySeen {
				return QueueSpec{}, &InvalidQueueSpecError{
					Name:   name,
					Reason: "expected integer priority or untrusted/interrupt flag, got " + strconv.Quote(token),
				}
			}
			spec.Priority = priority
			prioritySeen = true
		}
	}
	return spec, nil
}

// QueueStore is the slice of persistence the resolver and dispatcher
// need for zones and queues.
type QueueStore interface {
	GetOrCreateZone(ctx context.Context, account, name string) (*model.Zone, bool, error)
	GetOrCreateQueue(ctx context.Context, name string, zoneID int64, priority int, untrusted, interrupt bool) (*model.Queue, bool, error)
	GetQueue(ctx context.Context, id int64) (*model.Queue, error)
	ZoneAccount(ctx context.Context, zoneID int64) (string, error)
	LiveQueues(ctx context.Context, account string, heardSince time.Time) ([]*model.Queue, error)
}

// Resolver turns queue name strings into persisted Queue rows,
// implicitly creating the zone the first time a name references it.
type Resolver struct {
	queues QueueStore
}

func NewResolver(queues QueueStore) *Resolver {
	return &Resolver{queues: queues}
}

// Resolve gets or creates the queue named by queueName for an account.
// Resolving the same name twice for the same account returns the same
// queue: the (zone, priority, untrusted, interrupt) tuple is the
// uniqueness key.
func (r *Resolver) Resolve(ctx context.Context, queueName, accountName string) (*model.Queue, bool, error) {
	spec, err := ParseQueueName(queueName)
	if err != nil {
		return nil, false, err
	}

	zone, _, err := r.queues.GetOrCreateZone(ctx, accountName, spec.Zone)
	if err != nil {
		return nil, false, err
	}

	return r.queues.GetOrCreateQueue(ctx, queueName, zone.ID, spec.Priority, spec.Untrusted, spec.Interrupt)
}
