package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/registry"
	"golang.org/x/sync/errgroup"
)

// Send asks node From to copy the value it holds under Handle to node To.
// A sender may push different handles to different receivers; they all land
// under the sender's one new handle.
type Send struct {
	From   protocol.Node
	To     protocol.Node
	Handle string
}

// Transmit copies values between nodes. Every sender gets one fresh handle,
// registered on the union of its receivers, and the result maps sender ids
// to those handles. Transfers run in rounds where no node sends twice or
// receives twice, one round after the other. On failure every new handle is
// removed from every receiver.
func (m *Manager) Transmit(ctx context.Context, sends []Send) ([]protocol.MapEntry, error) {
	m.Flush(ctx)

	type sender struct {
		node  protocol.Node
		entry registry.Entry
		to    protocol.NodeSet
	}
	var order []int
	senders := make(map[int]*sender)
	bySend := make(map[protocol.Transfer]Send, len(sends))
	transfers := make([]protocol.Transfer, 0, len(sends))
	receivers := protocol.NewNodeSet()

	for _, s := range sends {
		if err := m.checkScope(protocol.NewNodeSet(s.From, s.To)); err != nil {
			return nil, err
		}
		e, ok := m.registry.Lookup(s.Handle)
		if !ok {
			return nil, fmt.Errorf("transmit: unknown handle %s", s.Handle)
		}
		if !e.Scope.Contains(s.From) {
			return nil, protocol.ScopeError("handle "+s.Handle, []protocol.Node{s.From})
		}
		t := protocol.Transfer{From: s.From.ID, To: s.To.ID}
		if _, dup := bySend[t]; dup {
			return nil, fmt.Errorf("transmit: %s sends to %s twice", s.From, s.To)
		}
		snd, ok := senders[s.From.ID]
		if !ok {
			snd = &sender{node: s.From, entry: e, to: protocol.NewNodeSet()}
			senders[s.From.ID] = snd
			order = append(order, s.From.ID)
		} else if snd.entry.Kind != e.Kind || snd.entry.TypeCode != e.TypeCode {
			return nil, fmt.Errorf("%w: %s transmits %s %s and %s %s", protocol.ErrTypeMismatch,
				s.From, snd.entry.Kind, snd.entry.TypeCode, e.Kind, e.TypeCode)
		}
		snd.to = snd.to.Union(protocol.NewNodeSet(s.To))
		receivers = receivers.Union(protocol.NewNodeSet(s.To))
		bySend[t] = s
		transfers = append(transfers, t)
	}
	if len(transfers) == 0 {
		return nil, nil
	}

	handles, err := m.allocate(len(order))
	if err != nil {
		return nil, err
	}
	newHandle := make(map[int]string, len(order))
	for i, id := range order {
		newHandle[id] = handles[i]
	}

	for k, round := range protocol.ScheduleRounds(transfers) {
		m.metrics.TransmitRounds.Inc()
		m.log.Debug("transmit round", "round", k, "transfers", len(round))
		if err := m.runRound(ctx, round, bySend, newHandle); err != nil {
			m.cleanup(ctx, handles, receivers)
			return nil, err
		}
	}

	out := make([]protocol.MapEntry, 0, len(order))
	for _, id := range order {
		snd := senders[id]
		h := newHandle[id]
		m.registry.Register(h, registry.Entry{Kind: snd.entry.Kind, TypeCode: snd.entry.TypeCode, Scope: snd.to})
		out = append(out, protocol.MapEntry{
			NodeID: id,
			Result: protocol.Result{Kind: snd.entry.Kind, TypeCode: snd.entry.TypeCode, Handle: h},
		})
	}
	m.metrics.LiveHandles.Set(float64(m.registry.Len()))
	return out, nil
}

func (m *Manager) runRound(ctx context.Context, round []protocol.Transfer, bySend map[protocol.Transfer]Send, newHandle map[int]string) error {
	failures := make([]*protocol.NodeError, len(round))
	var g errgroup.Group
	for i, t := range round {
		s := bySend[t]
		cmd := protocol.Template("transmit", 0, strconv.Itoa(t.To), newHandle[t.From], s.Handle)
		g.Go(func() error {
			resp, err := m.clients[t.From].Run(ctx, cmd, true)
			switch {
			case err != nil:
				failures[i] = &protocol.NodeError{Node: s.From, Msg: err.Error(), Err: err}
			case resp != protocol.ReplyAck:
				msg, _ := protocol.ParseError(resp)
				if msg == "" {
					msg = "unexpected reply " + strconv.Quote(resp)
				}
				failures[i] = protocol.NewNodeError(s.From, msg)
			}
			return nil
		})
	}
	g.Wait()

	var errs []*protocol.NodeError
	for _, f := range failures {
		if f != nil {
			errs = append(errs, f)
		}
	}
	if len(errs) > 0 {
		m.metrics.Failures.WithLabelValues("transmit", failureReason(errs)).Inc()
		return protocol.NewRemoteError("transmit", errs)
	}
	return nil
}
