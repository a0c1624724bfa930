package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// LatestValueQueue describes the queue backing a latest-value topic. It holds
// at most one message and drops the older one when a new value arrives. The
// broker deletes the queue once it has been unused for idle.
func LatestValueQueue(name string, idle time.Duration) QueueDeclaration {
	args := amqp.Table{
		"x-max-length": int32(1),
		"x-overflow":   "drop-head",
	}
	if idle > 0 {
		args["x-expires"] = int32(idle.Milliseconds())
	}
	return QueueDeclaration{
		Name:      name,
		Durable:   false,
		Arguments: args,
	}
}

// TopologyManager declares topic queues and remembers what it declared
type TopologyManager struct {
	pool     *ChannelPool
	mu       sync.Mutex
	declared map[string]struct{}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool:     pool,
		declared: make(map[string]struct{}),
	}
}

// DeclareQueue declares a single queue. Repeated declarations of the same
// name are skipped.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	tm.mu.Lock()
	_, done := tm.declared[queue.Name]
	tm.mu.Unlock()
	if done {
		return nil
	}

	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return &TopologyError{Name: queue.Name, Op: "declare", Err: err}
	}

	tm.mu.Lock()
	tm.declared[queue.Name] = struct{}{}
	tm.mu.Unlock()
	return nil
}

// Forget drops a queue from the declared set, e.g. after the broker expired it
func (tm *TopologyManager) Forget(name string) {
	tm.mu.Lock()
	delete(tm.declared, name)
	tm.mu.Unlock()
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	tm.Forget(name)
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

// Inspect returns the message count of a queue
func (tm *TopologyManager) Inspect(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, err
}
