// Package dispatch fans coordinator commands out to the segment nodes.
//
// A Manager turns one command template into identical requests for every
// node in a scope, waits for all of them, and either registers the handles
// the command created or cleans them up on every node before reporting the
// failure. It also runs the transmit protocol that copies values between
// nodes in conflict-free rounds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/registry"
	"github.com/etienne-leroy/FTILlite/transport"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Config wires a Manager to its nodes.
type Config struct {
	Nodes   protocol.NodeSet
	Clients map[int]transport.Client
	Log     *slog.Logger
	Metrics *metrics.Dispatcher
}

// Manager is the coordinator's command dispatcher. Its methods must be called
// from a single goroutine; Release-style enqueues go through the deletion
// queue, which is safe for concurrent use.
type Manager struct {
	nodes     protocol.NodeSet
	clients   map[int]transport.Client
	log       *slog.Logger
	metrics   *metrics.Dispatcher
	registry  *registry.Registry
	deletions *registry.DeletionQueue
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Nodes.IsEmpty() {
		return nil, errors.New("dispatch: no nodes configured")
	}
	for _, n := range cfg.Nodes.Nodes() {
		if cfg.Clients[n.ID] == nil {
			return nil, fmt.Errorf("dispatch: no client for %s", n)
		}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewDispatcher("ftillite", nil)
	}
	return &Manager{
		nodes:     cfg.Nodes,
		clients:   cfg.Clients,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		registry:  registry.New(),
		deletions: registry.NewDeletionQueue(),
	}, nil
}

func (m *Manager) Nodes() protocol.NodeSet { return m.nodes }

func (m *Manager) Registry() *registry.Registry { return m.registry }

func (m *Manager) Deletions() *registry.DeletionQueue { return m.deletions }

// Process runs template on every node of scope. newHandles fresh handles are
// bound into the command; when every node answers with the same non-error
// reply they are registered with scope and the reply is returned. Otherwise
// the provisional handles are cleaned up on all of scope and the failure is
// returned: a *protocol.RemoteError for node errors, protocol.ErrTypeMismatch
// when nodes disagree.
func (m *Manager) Process(ctx context.Context, template string, newHandles int, scope protocol.NodeSet) (string, error) {
	if err := m.checkScope(scope); err != nil {
		return "", err
	}
	m.Flush(ctx)

	handles, err := m.allocate(newHandles)
	if err != nil {
		return "", err
	}
	cmd, err := protocol.Bind(template, handles)
	if err != nil {
		return "", err
	}

	replies, err := m.gather(ctx, cmd, scope)
	if err != nil {
		m.cleanup(ctx, handles, scope)
		return "", err
	}
	resp, err := m.agree(cmd, replies)
	if err != nil {
		m.cleanup(ctx, handles, scope)
		return "", err
	}
	if newHandles == 0 {
		return resp, nil
	}

	results, err := protocol.ParseResults(resp)
	if err == nil && len(results) != newHandles {
		err = fmt.Errorf("%w: %q returned %d results for %d handles", protocol.ErrTypeMismatch, cmd, len(results), newHandles)
	}
	if err != nil {
		m.cleanup(ctx, handles, scope)
		return "", err
	}
	for _, r := range results {
		m.registry.Register(r.Handle, registry.Entry{Kind: r.Kind, TypeCode: r.TypeCode, Scope: scope})
	}
	m.metrics.LiveHandles.Set(float64(m.registry.Len()))
	return resp, nil
}

// Gather runs a command that creates no handles on every node of scope and
// returns each node's reply keyed by node id. Node errors are aggregated into
// a *protocol.RemoteError.
func (m *Manager) Gather(ctx context.Context, command string, scope protocol.NodeSet) (map[int]string, error) {
	if err := m.checkScope(scope); err != nil {
		return nil, err
	}
	m.Flush(ctx)
	return m.gather(ctx, command, scope)
}

func (m *Manager) gather(ctx context.Context, cmd string, scope protocol.NodeSet) (map[int]string, error) {
	opcode := protocol.Opcode(cmd)
	start := time.Now()
	m.metrics.Commands.WithLabelValues(opcode).Inc()
	defer func() {
		m.metrics.Duration.WithLabelValues(opcode).Observe(time.Since(start).Seconds())
	}()

	nodes := scope.Nodes()
	replies := make([]string, len(nodes))
	failures := make([]*protocol.NodeError, len(nodes))

	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			resp, err := m.clients[n.ID].Run(ctx, cmd, true)
			switch {
			case err != nil:
				failures[i] = &protocol.NodeError{Node: n, Msg: err.Error(), Err: err}
			default:
				if msg, failed := protocol.ParseError(resp); failed {
					failures[i] = protocol.NewNodeError(n, msg)
				}
			}
			replies[i] = resp
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
		m.metrics.Failures.WithLabelValues(opcode, failureReason(errs)).Inc()
		m.log.Warn("command failed", "command", cmd, "failures", len(errs))
		return nil, protocol.NewRemoteError(cmd, errs)
	}

	out := make(map[int]string, len(nodes))
	for i, n := range nodes {
		out[n.ID] = replies[i]
	}
	return out, nil
}

func (m *Manager) agree(cmd string, replies map[int]string) (string, error) {
	var (
		first   string
		firstID int
		seen    bool
	)
	for _, id := range m.nodes.IDs() {
		resp, ok := replies[id]
		if !ok {
			continue
		}
		if !seen {
			first, firstID, seen = resp, id, true
			continue
		}
		if resp != first {
			m.metrics.Failures.WithLabelValues(protocol.Opcode(cmd), "disagreement").Inc()
			return "", fmt.Errorf("%w: nodes disagree on %q: node %d replied %q, node %d replied %q",
				protocol.ErrTypeMismatch, cmd, firstID, first, id, resp)
		}
	}
	return first, nil
}

func failureReason(errs []*protocol.NodeError) string {
	for _, sentinel := range []error{protocol.ErrTransport, protocol.ErrScopeViolation, protocol.ErrTypeMismatch, protocol.ErrKeyUniqueness} {
		for _, e := range errs {
			if errors.Is(e, sentinel) {
				return strings.ReplaceAll(sentinel.Error(), " ", "_")
			}
		}
	}
	return "remote_error"
}

// cleanup removes provisional handles from every node in scope without
// waiting for replies.
func (m *Manager) cleanup(ctx context.Context, handles []string, scope protocol.NodeSet) {
	if len(handles) == 0 {
		return
	}
	cmd := protocol.Template("cleanup", 0, handles...)
	m.broadcast(ctx, cmd, scope.IDs())
}

// DelHandles deletes handles per node id without waiting for the nodes.
func (m *Manager) DelHandles(ctx context.Context, nodeToHandles map[int][]string) {
	var g errgroup.Group
	for id, handles := range nodeToHandles {
		if len(handles) == 0 {
			continue
		}
		c, ok := m.clients[id]
		if !ok {
			continue
		}
		cmd := protocol.Template("del", 0, handles...)
		g.Go(func() error {
			if _, err := c.Run(ctx, cmd, false); err != nil {
				m.log.Warn("deleting handles failed", "node", id, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) broadcast(ctx context.Context, cmd string, ids []int) {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.clients[id].Run(ctx, cmd, false); err != nil {
				m.log.Warn("fire-and-forget command failed", "node", id, "command", cmd, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Flush deletes every released handle on its nodes and drops it from the
// registry.
func (m *Manager) Flush(ctx context.Context) {
	pending, scopes := m.deletions.Drain()
	if len(pending) == 0 {
		return
	}
	m.DelHandles(ctx, pending)
	for handle, scope := range scopes {
		m.registry.Remove(handle, scope)
	}
	m.metrics.LiveHandles.Set(float64(m.registry.Len()))
}

// NewHandles allocates n handles unknown to the registry, for commands whose
// handles are bound by the caller rather than by Process.
func (m *Manager) NewHandles(n int) ([]string, error) {
	return m.allocate(n)
}

func (m *Manager) allocate(n int) ([]string, error) {
	out := make([]string, 0, n)
	taken := make(map[string]bool, n)
	for len(out) < n {
		v, err := crypto.RandomHandle()
		if err != nil {
			return nil, fmt.Errorf("allocating handle: %w", err)
		}
		h := strconv.FormatUint(v, 10)
		if taken[h] || m.registry.Contains(h) {
			continue
		}
		taken[h] = true
		out = append(out, h)
	}
	return out, nil
}

func (m *Manager) checkScope(scope protocol.NodeSet) error {
	if scope.IsEmpty() {
		return fmt.Errorf("%w: empty scope", protocol.ErrScopeViolation)
	}
	if missing := scope.Missing(m.nodes); len(missing) > 0 {
		return protocol.ScopeError("command scope", missing)
	}
	return nil
}

// Close closes every node client.
func (m *Manager) Close() error {
	var err error
	for _, c := range m.clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
