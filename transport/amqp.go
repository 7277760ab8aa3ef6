package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultHeartbeat keeps long-running commands from tripping the broker's
// idle detection.
const DefaultHeartbeat = 600 * time.Second

// AMQPBroker dials a RabbitMQ server lazily and shares one connection
// between its channels.
type AMQPBroker struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQPBroker(url string) *AMQPBroker {
	return &AMQPBroker{url: url}
}

func (b *AMQPBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.DialConfig(b.url, amqp.Config{Heartbeat: DefaultHeartbeat})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		b.conn = conn
	}

	ch, err := b.conn.Channel()
	if err != nil {
		b.conn.Close()
		b.conn = nil
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: enabling confirms: %w", ErrConnectionLost, err)
	}

	c := &amqpChannel{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		closed:   make(chan error, 1),
	}
	go c.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

// Close closes the shared connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

type amqpChannel struct {
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   chan error
}

func (c *amqpChannel) watch(notify chan *amqp.Error) {
	defer close(c.closed)
	e, ok := <-notify
	if !ok || e == nil {
		return
	}
	if e.Server {
		c.closed <- fmt.Errorf("%w: %s", ErrChannelClosed, e.Reason)
		return
	}
	c.closed <- fmt.Errorf("%w: %s", ErrConnectionLost, e.Reason)
}

func (c *amqpChannel) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(
		name,  // name
		false, // durable
		true,  // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func (c *amqpChannel) DeclareReplyQueue() (string, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// Publish sends a mandatory message and waits for the broker's confirm.
// RabbitMQ delivers basic.return before the ack of an unroutable message.
func (c *amqpChannel) Publish(ctx context.Context, queue string, msg Message) error {
	err := c.ch.PublishWithContext(ctx, "", queue, true, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case r := <-c.returns:
		return fmt.Errorf("%w: %s (%d %s)", ErrUnroutable, queue, r.ReplyCode, r.ReplyText)
	case conf, ok := <-c.confirms:
		if !ok {
			return ErrConnectionLost
		}
		select {
		case r := <-c.returns:
			return fmt.Errorf("%w: %s (%d %s)", ErrUnroutable, queue, r.ReplyCode, r.ReplyText)
		default:
		}
		if !conf.Ack {
			return fmt.Errorf("%w: broker nacked publish to %s", ErrUnroutable, queue)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *amqpChannel) Consume(queue string) (<-chan Message, error) {
	deliveries, err := c.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- Message{CorrelationID: d.CorrelationId, ReplyTo: d.ReplyTo, Body: d.Body}
		}
	}()
	return out, nil
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
