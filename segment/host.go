package segment

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/etienne-leroy/FTILlite/auxdb"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
)

// CommandFunc executes one opcode. out holds the handles allocated by the
// coordinator for the command's results.
type CommandFunc func(ctx context.Context, h *Host, out, args []string) (string, error)

// DialFunc returns a client able to deliver values to a peer's transfer
// endpoint.
type DialFunc func(peer protocol.Node, addr string) transport.Client

// Options configures a Host.
type Options struct {
	Node protocol.Node
	// Addr is advertised to peers through netinit.
	Addr string
	Log  *slog.Logger
	// Rand is the node's randomness source. Nil means crypto/rand.
	Rand    io.Reader
	Store   *Store
	AuxDB   auxdb.Source
	Dial    DialFunc
	Metrics *metrics.Segment
}

type peer struct {
	node protocol.Node
	addr string
}

// Host is a segment node: it stores values under coordinator-assigned
// handles and evaluates commands against them.
type Host struct {
	node    protocol.Node
	addr    string
	log     *slog.Logger
	rand    io.Reader
	store   *Store
	aux     auxdb.Source
	dial    DialFunc
	metrics *metrics.Segment

	rngMu sync.Mutex
	rng   *mrand.Rand

	mu        sync.RWMutex
	vars      map[string]Value
	directory map[int]peer
	peers     map[int]transport.Client

	commands map[string]CommandFunc
}

// NewHost creates a node with an empty variable store.
func NewHost(opts Options) (*Host, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = crand.Reader
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSegment("ftillite", nil)
	}
	rng, err := crypto.NewMathRand(opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("seeding node rng: %w", err)
	}
	return &Host{
		node:      opts.Node,
		addr:      opts.Addr,
		log:       opts.Log.With("node", opts.Node.String()),
		rand:      opts.Rand,
		store:     opts.Store,
		aux:       opts.AuxDB,
		dial:      opts.Dial,
		metrics:   opts.Metrics,
		rng:       rng,
		vars:      make(map[string]Value),
		directory: make(map[int]peer),
		peers:     make(map[int]transport.Client),
		commands:  commandTable(),
	}, nil
}

func (h *Host) Node() protocol.Node { return h.node }

// Register adds or replaces an opcode.
func (h *Host) Register(opcode string, f CommandFunc) {
	h.commands[opcode] = f
}

// Execute runs one wire command and returns the reply. Failures, including
// panics, become "error <message>" replies.
func (h *Host) Execute(ctx context.Context, command string) (resp string) {
	start := time.Now()
	opcode := protocol.Opcode(command)

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("command panicked", "command", command, "panic", r, "stack", string(debug.Stack()))
			resp = protocol.FormatError(fmt.Sprint(r))
		}

		outcome := "ok"
		if _, failed := protocol.ParseError(resp); failed {
			outcome = "error"
		}
		h.metrics.Commands.WithLabelValues(opcode, outcome).Inc()
		h.metrics.Duration.WithLabelValues(opcode).Observe(time.Since(start).Seconds())

		if h.log.Enabled(ctx, slog.LevelDebug) {
			h.log.Debug("command done", "command", command, "response", resp,
				"elapsed", time.Since(start), "mem", h.memLogString())
		}
	}()

	out, args, err := splitCommand(command)
	if err == nil {
		f, ok := h.commands[opcode]
		if !ok {
			err = fmt.Errorf("unknown command '%s'", opcode)
		} else {
			resp, err = f(ctx, h, out, args)
		}
	}
	if err != nil {
		h.log.Warn("command failed", "opcode", opcode, "err", err)
		return protocol.FormatError(err.Error())
	}
	return resp
}

// splitCommand parses "<opcode> <n> <h1..hn> <args...>".
func splitCommand(command string) (out, args []string, err error) {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return nil, nil, fmt.Errorf("malformed command %q", command)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 || len(fields) < 2+n {
		return nil, nil, fmt.Errorf("malformed handle count in %q", command)
	}
	return fields[2 : 2+n], fields[2+n:], nil
}

func (h *Host) memLogString() string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h.mu.RLock()
	var held int64
	for _, v := range h.vars {
		held += v.Size()
	}
	n := len(h.vars)
	h.mu.RUnlock()

	return fmt.Sprintf("Sys: %s, Heap: %s, Values: %d (%s)",
		humanize.Bytes(ms.Sys), humanize.Bytes(ms.Alloc), n, humanize.Bytes(uint64(held)))
}

func (h *Host) get(handle string) (Value, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.vars[handle]
	if !ok {
		return nil, fmt.Errorf("no variable with handle %s", handle)
	}
	return v, nil
}

func (h *Host) array(handle string) (*Array, error) {
	v, err := h.get(handle)
	if err != nil {
		return nil, err
	}
	a, ok := v.(*Array)
	if !ok {
		return nil, fmt.Errorf("%w: handle %s holds a %s, want an array", protocol.ErrTypeMismatch, handle, v.Kind())
	}
	return a, nil
}

func (h *Host) arrays(handles []string) ([]*Array, error) {
	out := make([]*Array, len(handles))
	for i, handle := range handles {
		a, err := h.array(handle)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func (h *Host) listMap(handle string) (*ListMap, error) {
	v, err := h.get(handle)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*ListMap)
	if !ok {
		return nil, fmt.Errorf("%w: handle %s holds a %s, want a listmap", protocol.ErrTypeMismatch, handle, v.Kind())
	}
	return m, nil
}

func (h *Host) set(handle string, v Value) {
	h.mu.Lock()
	h.vars[handle] = v
	n := len(h.vars)
	h.mu.Unlock()
	h.metrics.Variables.Set(float64(n))
}

func (h *Host) delete(handles ...string) {
	h.mu.Lock()
	for _, handle := range handles {
		delete(h.vars, handle)
	}
	n := len(h.vars)
	h.mu.Unlock()
	h.metrics.Variables.Set(float64(n))
}

// Handles lists the handles currently stored.
func (h *Host) Handles() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.vars))
	for handle := range h.vars {
		out = append(out, handle)
	}
	return out
}

// results assigns each value to its output handle and formats the result
// triples.
func (h *Host) results(out []string, vs ...Value) (string, error) {
	if len(out) != len(vs) {
		return "", fmt.Errorf("command allocated %d handles for %d results", len(out), len(vs))
	}
	rs := make([]protocol.Result, len(vs))
	for i, v := range vs {
		h.set(out[i], v)
		rs[i] = protocol.Result{Kind: v.Kind(), TypeCode: v.TypeCode(), Handle: out[i]}
	}
	return protocol.FormatResults(rs...), nil
}

// length resolves a length argument: a literal, or "@handle" naming a
// length-1 int array.
func (h *Host) length(arg string) (int, error) {
	if strings.HasPrefix(arg, "@") {
		a, err := h.array(arg[1:])
		if err != nil {
			return 0, err
		}
		if a.tc != protocol.Int || a.Len() != 1 {
			return 0, fmt.Errorf("%w: length reference %s must be a length-1 %s array", protocol.ErrTypeMismatch, arg, protocol.Int)
		}
		return int(a.Ints()[0]), nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q", arg)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length %d", n)
	}
	return n, nil
}

func (h *Host) withRng(f func(r *mrand.Rand)) {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	f(h.rng)
}

func (h *Host) setDirectory(entries []peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.peers {
		c.Close()
	}
	h.peers = make(map[int]transport.Client)
	h.directory = make(map[int]peer, len(entries))
	for _, p := range entries {
		h.directory[p.node.ID] = p
	}
}

func (h *Host) peerClient(id int) (transport.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.peers[id]; ok {
		return c, nil
	}
	p, ok := h.directory[id]
	if !ok {
		return nil, fmt.Errorf("node %d is not in the directory", id)
	}
	if h.dial == nil {
		return nil, errors.New("node has no peer transport")
	}
	c := h.dial(p.node, p.addr)
	h.peers[id] = c
	return c, nil
}

// Close releases peer clients and the save store.
func (h *Host) Close() error {
	h.mu.Lock()
	for _, c := range h.peers {
		c.Close()
	}
	h.peers = make(map[int]transport.Client)
	h.mu.Unlock()
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}
