package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
	"golang.org/x/sync/errgroup"
)

// ReconnectDelay is the pause between broker reconnects while listening.
var ReconnectDelay = time.Second

// acceptFunc vets a command before a queue's consumer executes it.
type acceptFunc func(command string) error

// receiveOnly admits nothing but incoming transfers. Anything else on the
// transfer queue would run concurrently with the command queue.
func receiveOnly(command string) error {
	if op := protocol.Opcode(command); op != "receive" {
		return fmt.Errorf("command '%s' is not accepted on the transfer queue", op)
	}
	return nil
}

// Listen consumes the node's command queue and transfer queue until ctx is
// cancelled. Commands are executed one at a time in arrival order. Transfers
// are served on their own channel so a node can accept a value while one of
// its own commands is blocked sending; that channel only executes receive.
func Listen(ctx context.Context, broker transport.Broker, h *Host) error {
	queues := map[string]acceptFunc{
		protocol.IncomingQueue(h.node.ID): nil,
		protocol.TransferQueue(h.node.ID): receiveOnly,
	}
	g, ctx := errgroup.WithContext(ctx)
	for queue, accept := range queues {
		g.Go(func() error {
			for {
				err := h.serveQueue(ctx, broker, queue, accept)
				if ctx.Err() != nil {
					return nil
				}
				if !errors.Is(err, transport.ErrConnectionLost) && !errors.Is(err, transport.ErrChannelClosed) {
					return err
				}
				h.log.Warn("listener lost broker connection, reconnecting", "queue", queue, "err", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(ReconnectDelay):
				}
			}
		})
	}
	return g.Wait()
}

func (h *Host) serveQueue(ctx context.Context, broker transport.Broker, queue string, accept acceptFunc) error {
	ch, err := broker.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.DeclareQueue(queue); err != nil {
		return fmt.Errorf("%w: declaring %s: %w", transport.ErrConnectionLost, queue, err)
	}
	deliveries, err := ch.Consume(queue)
	if err != nil {
		return fmt.Errorf("%w: consuming %s: %w", transport.ErrConnectionLost, queue, err)
	}
	h.log.Info("listening", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-ch.NotifyClose():
			if err == nil {
				err = transport.ErrConnectionLost
			}
			return err
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: %s deliveries ended", transport.ErrConnectionLost, queue)
			}
			h.handle(ctx, ch, msg, accept)
		}
	}
}

func (h *Host) handle(ctx context.Context, ch transport.Channel, msg transport.Message, accept acceptFunc) {
	env, err := protocol.UnmarshalMessage[protocol.Envelope](msg.Body)
	var resp string
	if err == nil {
		var body string
		if body, err = env.Body(); err == nil && accept != nil {
			err = accept(body)
		}
		if err == nil {
			resp = h.Execute(ctx, body)
		}
	}
	if err != nil {
		h.log.Error("rejecting message", "correlationID", msg.CorrelationID, "err", err)
		resp = protocol.FormatError(err.Error())
	}
	if err == nil && !env.WantsResponse() {
		return
	}
	if msg.ReplyTo == "" {
		return
	}

	reply := transport.Message{CorrelationID: msg.CorrelationID, Body: []byte(resp)}
	if err := ch.Publish(ctx, msg.ReplyTo, reply); err != nil {
		// The requester gave up and its reply queue went with it.
		h.log.Warn("failed to publish reply", "replyTo", msg.ReplyTo, "err", err)
	}
}
