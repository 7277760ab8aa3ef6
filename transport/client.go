package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// RetryAttempts is the number of times a command is attempted across
// reconnects before the failure surfaces as protocol.ErrTransport.
const RetryAttempts = 3

const (
	defaultBaseDelay = 50 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
	defaultJitter    = 0.2
)

// Client runs commands on one segment node.
type Client interface {
	// Run sends request and returns the node's reply. Without
	// responseRequired it returns "ack" as soon as the command is handed
	// to the transport.
	Run(ctx context.Context, request string, responseRequired bool) (string, error)
	Close() error
}

// SegmentClient talks to one node over a Broker. Requests are serialised:
// the client never has two exchanges in flight.
type SegmentClient struct {
	node   protocol.Node
	broker Broker
	queue  string
	log    *slog.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Attempts bounds the exchanges per command, RetryAttempts by default.
	Attempts int

	mu      sync.Mutex
	ch      Channel
	replyQ  string
	replies <-chan Message
	corrID  uint64
}

// NewSegmentClient creates a client for node's incoming queue. A nil
// logger uses slog.Default().
func NewSegmentClient(node protocol.Node, broker Broker, log *slog.Logger) *SegmentClient {
	return newSegmentClient(node, protocol.IncomingQueue(node.ID), broker, log)
}

// NewTransferClient creates a client for node's transfer queue, used by
// nodes to push transmitted values to each other.
func NewTransferClient(node protocol.Node, broker Broker, log *slog.Logger) *SegmentClient {
	return newSegmentClient(node, protocol.TransferQueue(node.ID), broker, log)
}

func newSegmentClient(node protocol.Node, queue string, broker Broker, log *slog.Logger) *SegmentClient {
	if log == nil {
		log = slog.Default()
	}
	return &SegmentClient{
		node:      node,
		broker:    broker,
		queue:     queue,
		log:       log.With("node", node.String()),
		BaseDelay: defaultBaseDelay,
		MaxDelay:  defaultMaxDelay,
		Attempts:  RetryAttempts,
	}
}

func (c *SegmentClient) Run(ctx context.Context, request string, responseRequired bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.corrID++
	corr := strconv.FormatUint(c.corrID, 10)
	body, err := protocol.SerializeMessage(protocol.NewEnvelope(request, responseRequired))
	if err != nil {
		return "", err
	}

	c.log.Debug("command", "request", request, "correlationID", corr)

	var lastErr error
	for attempt := 0; attempt < c.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay(c.BaseDelay, c.MaxDelay, defaultJitter, attempt-1)); err != nil {
				return "", fmt.Errorf("%w: %s: %w", protocol.ErrTransport, c.node, err)
			}
		}

		resp, err := c.exchange(ctx, corr, body, responseRequired)
		if err == nil {
			c.log.Debug("response", "response", resp, "correlationID", corr)
			return resp, nil
		}
		c.reset()

		switch {
		case errors.Is(err, ErrCorrelationMismatch):
			return "", err
		case ctx.Err() != nil:
			return "", fmt.Errorf("%w: %s: %w", protocol.ErrTransport, c.node, ctx.Err())
		case !errors.Is(err, ErrConnectionLost):
			c.log.Error("command failed", "err", err)
			return "", fmt.Errorf("%w: %s: %w", protocol.ErrTransport, c.node, err)
		}
		c.log.Warn("queue connection lost, reconnecting", "attempt", attempt+1, "err", err)
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s: number of attempts exceeded: %w", protocol.ErrTransport, c.node, lastErr)
}

func (c *SegmentClient) exchange(ctx context.Context, corr string, body []byte, responseRequired bool) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}

	msg := Message{CorrelationID: corr, Body: body}
	if responseRequired {
		msg.ReplyTo = c.replyQ
	}
	if err := c.ch.Publish(ctx, c.queue, msg); err != nil {
		return "", err
	}
	if !responseRequired {
		return protocol.ReplyAck, nil
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-c.ch.NotifyClose():
		if err == nil {
			err = ErrConnectionLost
		}
		return "", err
	case reply, ok := <-c.replies:
		if !ok {
			return "", ErrConnectionLost
		}
		if reply.CorrelationID != corr {
			return "", fmt.Errorf("%w: response from %s: expected %s, actual %s",
				ErrCorrelationMismatch, c.node, corr, reply.CorrelationID)
		}
		return string(reply.Body), nil
	}
}

func (c *SegmentClient) connect(ctx context.Context) error {
	if c.ch != nil {
		return nil
	}
	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return err
	}
	replyQ, err := ch.DeclareReplyQueue()
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: declaring reply queue: %w", ErrConnectionLost, err)
	}
	replies, err := ch.Consume(replyQ)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%w: consuming reply queue: %w", ErrConnectionLost, err)
	}
	c.ch, c.replyQ, c.replies = ch, replyQ, replies
	return nil
}

func (c *SegmentClient) reset() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.ch, c.replyQ, c.replies = nil, "", nil
}

// Close releases the broker channel and its reply queue.
func (c *SegmentClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// delay computes exponential backoff with jitter for the given attempt.
func delay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	if jitter > 0 {
		d = time.Duration(float64(d) * (1 - jitter + rand.Float64()*2*jitter))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
