package ftillite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/etienne-leroy/FTILlite/dispatch"
	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
)

// Config wires a Context to a running cluster.
type Config struct {
	// Nodes lists every node, the coordinator included.
	Nodes       protocol.NodeSet
	Coordinator protocol.Node
	Clients     map[int]transport.Client
	// Addrs are the transport addresses distributed to the nodes by netinit.
	Addrs map[int]string

	// Sessions stores save descriptors. Save and Restore fail without it.
	Sessions *SessionStore

	Log     *slog.Logger
	Metrics *metrics.Dispatcher
}

// Context is the coordinator's view of a computation: the node directory,
// the scope stack and the dispatcher every operation goes through.
//
// A Context is not safe for concurrent use. Release is the exception and may
// be called on values from any goroutine.
type Context struct {
	mgr         *dispatch.Manager
	nodes       protocol.NodeSet
	coordinator protocol.Node
	addrs       map[int]string
	sessions    *SessionStore
	log         *slog.Logger

	stack []protocol.NodeSet
}

// New creates a Context whose scope is every node. It does not contact the
// nodes; see Init.
func New(cfg Config) (*Context, error) {
	if !cfg.Nodes.Contains(cfg.Coordinator) {
		return nil, fmt.Errorf("coordinator %s is not one of the nodes", cfg.Coordinator)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	mgr, err := dispatch.NewManager(dispatch.Config{
		Nodes:   cfg.Nodes,
		Clients: cfg.Clients,
		Log:     cfg.Log,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Context{
		mgr:         mgr,
		nodes:       cfg.Nodes,
		coordinator: cfg.Coordinator,
		addrs:       cfg.Addrs,
		sessions:    cfg.Sessions,
		log:         cfg.Log,
		stack:       []protocol.NodeSet{cfg.Nodes},
	}, nil
}

// Open creates a Context and initialises every node.
func Open(ctx context.Context, cfg Config) (*Context, error) {
	fc, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := fc.Init(ctx); err != nil {
		fc.Close()
		return nil, err
	}
	return fc, nil
}

// Init checks every node's identity and hands out the node directory so
// nodes can transmit to each other.
func (fc *Context) Init(ctx context.Context) error {
	for _, n := range fc.nodes.Nodes() {
		cmd := protocol.Template("init", 0, strconv.Itoa(n.ID), n.Name)
		replies, err := fc.mgr.Gather(ctx, cmd, protocol.NewNodeSet(n))
		if err != nil {
			return fmt.Errorf("initialising %s: %w", n, err)
		}
		got, err := protocol.ParseNode(replies[n.ID])
		if err != nil {
			return fmt.Errorf("initialising %s: %w", n, err)
		}
		if got.ID != n.ID || got.Name != n.Name {
			return fmt.Errorf("initialising %s: node reports itself as %s", n, got)
		}
	}

	entries := make([]string, 0, fc.nodes.Len())
	for _, n := range fc.nodes.Nodes() {
		entries = append(entries, protocol.DirectoryEntry(n, fc.addrs[n.ID]))
	}
	if _, err := fc.mgr.Gather(ctx, protocol.Template("netinit", 0, entries...), fc.nodes); err != nil {
		return fmt.Errorf("distributing node directory: %w", err)
	}
	fc.log.Info("nodes initialised", "nodes", fc.nodes.String())
	return nil
}

// Close flushes pending deletions on a best-effort basis and closes the
// node clients.
func (fc *Context) Close() error {
	fc.mgr.Flush(context.Background())
	return fc.mgr.Close()
}

func (fc *Context) Nodes() protocol.NodeSet { return fc.nodes }

func (fc *Context) Coordinator() protocol.Node { return fc.coordinator }

// Peers returns every node except the coordinator.
func (fc *Context) Peers() protocol.NodeSet { return fc.nodes.Without(fc.coordinator) }

// Node looks up a node by id.
func (fc *Context) Node(id int) (protocol.Node, bool) { return fc.nodes.Get(id) }

// Manager exposes the dispatcher, for callers that need raw commands.
func (fc *Context) Manager() *dispatch.Manager { return fc.mgr }

// Scope returns the active scope.
func (fc *Context) Scope() protocol.NodeSet { return fc.stack[len(fc.stack)-1] }

// Depth returns the number of scopes on the stack. It is at least 1.
func (fc *Context) Depth() int { return len(fc.stack) }

// Push narrows the active scope. s must be a non-empty subset of the
// current scope.
func (fc *Context) Push(s protocol.NodeSet) error {
	if s.IsEmpty() {
		return fmt.Errorf("%w: cannot push an empty scope", protocol.ErrScopeViolation)
	}
	if missing := s.Missing(fc.Scope()); len(missing) > 0 {
		return protocol.ScopeError("active scope "+fc.Scope().String(), missing)
	}
	fc.stack = append(fc.stack, s)
	return nil
}

// Pop restores the previous scope. The bottom scope cannot be popped.
func (fc *Context) Pop() error {
	if len(fc.stack) == 1 {
		return fmt.Errorf("%w: cannot pop the outermost scope", protocol.ErrScopeViolation)
	}
	fc.stack = fc.stack[:len(fc.stack)-1]
	return nil
}

// On runs fn with s pushed onto the scope stack.
func (fc *Context) On(s protocol.NodeSet, fn func() error) error {
	if err := fc.Push(s); err != nil {
		return err
	}
	defer fc.Pop()
	return fn()
}

// Flush sends the pending deletions now instead of with the next command.
func (fc *Context) Flush(ctx context.Context) {
	fc.mgr.Flush(ctx)
}

// checkOperand requires v to be live on every node of the active scope.
func (fc *Context) checkOperand(v Value) error {
	if p, ok := v.(Primitive); ok && p.released() {
		return fmt.Errorf("use of released handle %s", p.Handle())
	}
	if missing := fc.Scope().Missing(v.Scope()); len(missing) > 0 {
		return protocol.ScopeError("operand", missing)
	}
	return nil
}

func (fc *Context) formatArgs(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch x := a.(type) {
		case Primitive:
			if err := fc.checkOperand(x); err != nil {
				return nil, err
			}
			out = append(out, x.Handle())
		case Length:
			if x.ref != nil {
				if err := fc.checkOperand(x.ref); err != nil {
					return nil, err
				}
			}
			out = append(out, x.arg())
		case protocol.TypeCode:
			out = append(out, string(x))
		case string:
			if x == "" || strings.ContainsAny(x, " \t\n") {
				return nil, fmt.Errorf("invalid command argument %q", x)
			}
			out = append(out, x)
		case int:
			out = append(out, strconv.Itoa(x))
		case int64:
			out = append(out, strconv.FormatInt(x, 10))
		case float64:
			out = append(out, strconv.FormatFloat(x, 'g', -1, 64))
		default:
			return nil, fmt.Errorf("unsupported command argument %T", a)
		}
	}
	return out, nil
}

// Exec runs opcode on every node of the active scope and returns proxies for
// the newHandles values it creates. Arguments may be values, lengths,
// typecodes, strings and numbers.
func (fc *Context) Exec(ctx context.Context, opcode string, newHandles int, args ...any) ([]Primitive, error) {
	strs, err := fc.formatArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opcode, err)
	}
	scope := fc.Scope()
	resp, err := fc.mgr.Process(ctx, protocol.Template(opcode, newHandles, strs...), newHandles, scope)
	if err != nil {
		return nil, err
	}
	if newHandles == 0 {
		if resp != protocol.ReplyAck {
			return nil, fmt.Errorf("%s: unexpected reply %q", opcode, resp)
		}
		return nil, nil
	}
	results, err := protocol.ParseResults(resp)
	if err != nil {
		return nil, err
	}
	out := make([]Primitive, len(results))
	for i, r := range results {
		out[i] = fc.proxy(r, scope)
	}
	return out, nil
}

// Query runs a command that creates no handles and returns each node's
// reply keyed by node id.
func (fc *Context) Query(ctx context.Context, opcode string, args ...any) (map[int]string, error) {
	strs, err := fc.formatArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opcode, err)
	}
	return fc.mgr.Gather(ctx, protocol.Template(opcode, 0, strs...), fc.Scope())
}

func (fc *Context) proxy(r protocol.Result, scope protocol.NodeSet) Primitive {
	if r.Kind == protocol.KindListMap {
		tcs, _ := protocol.SplitTypeCodes(string(r.TypeCode))
		return &ListMap{ref: ref{fc: fc, handle: r.Handle, scope: scope}, tcs: tcs}
	}
	return &Array{ref: ref{fc: fc, handle: r.Handle, scope: scope}, tc: r.TypeCode}
}

// exec1 runs a command creating exactly one array.
func (fc *Context) exec1(ctx context.Context, opcode string, args ...any) (*Array, error) {
	out, err := fc.Exec(ctx, opcode, 1, args...)
	if err != nil {
		return nil, err
	}
	a, ok := out[0].(*Array)
	if !ok {
		out[0].Release()
		return nil, fmt.Errorf("%w: %s returned a %s", protocol.ErrTypeMismatch, opcode, out[0].Kind())
	}
	return a, nil
}

// Verify requires cond to hold, that is to have no zero element, on every
// node of the active scope. The error names each node where it did not.
func (fc *Context) Verify(ctx context.Context, cond *Array) error {
	replies, err := fc.Query(ctx, "verify", cond)
	if err != nil {
		return err
	}
	var failed []string
	for _, n := range fc.Scope().Nodes() {
		ok, err := protocol.ParseBool(replies[n.ID])
		if err != nil {
			return fmt.Errorf("verify on %s: %w", n, err)
		}
		if !ok {
			failed = append(failed, n.String())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w on %s", protocol.ErrVerificationFailure, strings.Join(failed, ", "))
	}
	return nil
}

// NewArray creates an array of length n filled with value, or with the
// type's default when value is empty. Scalars and points take integer
// literals; bytearrays take hex.
func (fc *Context) NewArray(ctx context.Context, tc protocol.TypeCode, n Length, value ...string) (*Array, error) {
	if len(value) > 1 {
		return nil, errors.New("NewArray takes at most one fill value")
	}
	args := []any{tc, n}
	for _, v := range value {
		args = append(args, v)
	}
	return fc.exec1(ctx, "newarray", args...)
}

// NewInt creates a length-1 int array holding v.
func (fc *Context) NewInt(ctx context.Context, v int64) (*Array, error) {
	return fc.NewArray(ctx, protocol.Int, N(1), strconv.FormatInt(v, 10))
}

// NewRandom creates a random array. Integer and float arrays accept
// [lo, hi) bounds.
func (fc *Context) NewRandom(ctx context.Context, tc protocol.TypeCode, n Length, bounds ...float64) (*Array, error) {
	args := []any{tc, n}
	switch len(bounds) {
	case 0:
	case 2:
		if tc == protocol.Int {
			args = append(args, int64(bounds[0]), int64(bounds[1]))
		} else {
			args = append(args, bounds[0], bounds[1])
		}
	default:
		return nil, errors.New("NewRandom takes either no bounds or a [lo, hi) pair")
	}
	return fc.exec1(ctx, "newrandom", args...)
}

// Arange creates 0, 1, ..., n-1.
func (fc *Context) Arange(ctx context.Context, n Length) (*Array, error) {
	return fc.exec1(ctx, "arange", n)
}

// RandomPerm creates a uniformly random permutation of 0..n-1 on each node.
func (fc *Context) RandomPerm(ctx context.Context, n Length) (*Array, error) {
	return fc.exec1(ctx, "randomperm", n)
}

// MyID creates a length-1 int array holding each node's own id.
func (fc *Context) MyID(ctx context.Context) (*Array, error) {
	return fc.exec1(ctx, "myid")
}

// NoiseAmount draws, on every node, the number of cover items for a batch
// built from m inputs.
func (fc *Context) NoiseAmount(ctx context.Context, epsilon, delta float64, m int) (*Array, error) {
	return fc.exec1(ctx, "dpnoise", epsilon, delta, m)
}

// DiffPrivAmount draws, on every node, a differentially private padding
// count.
func (fc *Context) DiffPrivAmount(ctx context.Context, epsilon, delta float64) (*Array, error) {
	return fc.exec1(ctx, "diffpriv", epsilon, delta)
}

// AuxDBRead runs query against every node's auxiliary database and loads
// one array per typecode.
func (fc *Context) AuxDBRead(ctx context.Context, query string, tcs ...protocol.TypeCode) ([]*Array, error) {
	if len(tcs) == 0 {
		return nil, errors.New("auxdb read needs at least one column")
	}
	args := make([]any, 0, len(tcs)+1)
	for _, tc := range tcs {
		args = append(args, tc)
	}
	args = append(args, encodeQuery(query))
	out, err := fc.Exec(ctx, "auxdb_read", len(tcs), args...)
	if err != nil {
		return nil, err
	}
	return arraysOf(out)
}
