package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const memoryQueueDepth = 1024

// MemoryBroker is an in-process broker with RabbitMQ-like default exchange
// semantics: a publish is routed to the queue named by its routing key, or
// fails with ErrUnroutable.
type MemoryBroker struct {
	mu        sync.RWMutex
	queues    map[string]chan Message
	channels  map[*memoryChannel]struct{}
	failDials int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]chan Message),
		channels: make(map[*memoryChannel]struct{}),
	}
}

// FailDials makes the next n Channel calls fail with ErrConnectionLost.
func (b *MemoryBroker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// DropConnections closes every open channel as if the connection had been
// lost.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	chans := make([]*memoryChannel, 0, len(b.channels))
	for c := range b.channels {
		chans = append(chans, c)
	}
	b.mu.Unlock()
	for _, c := range chans {
		c.Close()
	}
}

// DeleteQueue removes a queue and ends its consumers.
func (b *MemoryBroker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		close(q)
		delete(b.queues, name)
	}
}

func (b *MemoryBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		return nil, fmt.Errorf("%w: dial refused", ErrConnectionLost)
	}
	c := &memoryChannel{broker: b, closed: make(chan error)}
	b.channels[c] = struct{}{}
	return c, nil
}

type memoryChannel struct {
	broker *MemoryBroker

	once   sync.Once
	owned  []string
	closed chan error
}

func (c *memoryChannel) DeclareQueue(name string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.queues[name]; !ok {
		c.broker.queues[name] = make(chan Message, memoryQueueDepth)
	}
	return nil
}

func (c *memoryChannel) DeclareReplyQueue() (string, error) {
	name := "amq.gen-" + uuid.NewString()
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues[name] = make(chan Message, memoryQueueDepth)
	c.owned = append(c.owned, name)
	return name, nil
}

func (c *memoryChannel) Publish(ctx context.Context, queue string, msg Message) error {
	select {
	case <-c.closed:
		return ErrConnectionLost
	default:
	}

	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	q, ok := c.broker.queues[queue]
	if !ok {
		return fmt.Errorf("%w: no queue %s", ErrUnroutable, queue)
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryChannel) Consume(queue string) (<-chan Message, error) {
	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	q, ok := c.broker.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: no queue %s", ErrChannelClosed, queue)
	}
	return q, nil
}

func (c *memoryChannel) NotifyClose() <-chan error {
	return c.closed
}

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.broker.mu.Lock()
		owned := c.owned
		delete(c.broker.channels, c)
		c.broker.mu.Unlock()
		for _, name := range owned {
			c.broker.DeleteQueue(name)
		}
	})
	return nil
}
