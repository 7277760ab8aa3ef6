package segment

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	mrand "math/rand"
	"sort"
	"strconv"

	"filippo.io/edwards25519"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Opcodes with fixed argument layouts are documented next to their
// handlers as "<opcode> <n> <out...> <args...>".
func commandTable() map[string]CommandFunc {
	t := map[string]CommandFunc{
		"init":         cmdInit,
		"netinit":      cmdNetInit,
		"myid":         cmdMyID,
		"list":         cmdList,
		"del":          cmdDel,
		"cleanup":      cmdDel,
		"newarray":     cmdNewArray,
		"newrandom":    cmdNewRandom,
		"arange":       cmdArange,
		"randomperm":   cmdRandomPerm,
		"neg":          unary("neg"),
		"not":          unary("not"),
		"astype":       cmdAsType,
		"mux":          cmdMux,
		"index":        cmdIndex,
		"sum":          cmdSum,
		"len":          cmdLen,
		"length":       cmdLength,
		"read":         cmdRead,
		"getitem":      cmdGetItem,
		"lookup":       cmdLookup,
		"setitem":      cmdSetItem,
		"concat":       cmdConcat,
		"slice":        cmdSlice,
		"setlength":    cmdSetLength,
		"broadcastlen": cmdBroadcastLen,
		"broadcast":    cmdBroadcast,
		"copy":         cmdCopy,
		"verify":       cmdVerify,
		"transmit":     cmdTransmit,
		"receive":      cmdReceive,
		"save":         cmdSave,
		"load":         cmdLoad,
		"delsession":   cmdDelSession,
		"dpnoise":      cmdDPNoise,
		"diffpriv":     cmdDiffPriv,
		"auxdb_read":   cmdAuxDBRead,

		"newlistmap":         cmdNewListMap,
		"listmap_keys":       cmdListMapKeys,
		"listmap_getitem":    cmdListMapGetItem,
		"listmap_contains":   cmdListMapContains,
		"listmap_mergeitem":  listMapAdd(true),
		"listmap_additem":    listMapAdd(false),
		"listmap_removeitem": cmdListMapRemoveItem,
		"listmap_copy":       cmdCopy,
	}
	for _, op := range []string{"add", "sub", "mul", "div", "floordiv", "mod", "and", "or", "eq", "ne", "lt", "le", "gt", "ge"} {
		t[op] = binaryCmd(op)
	}
	return t
}

func checkArgs(args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func checkOut(out []string, n int) error {
	if len(out) != n {
		return fmt.Errorf("expected %d new handles, got %d", n, len(out))
	}
	return nil
}

// init 0 <id> <name>
func cmdInit(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("invalid node id %q", args[0])
	}
	if id != h.node.ID || args[1] != h.node.Name {
		return "", fmt.Errorf("node identity mismatch: this is %s, coordinator expects %s(%d)", h.node, args[1], id)
	}
	return protocol.FormatNode(h.node), nil
}

// netinit 0 <id~name~addr>...
func cmdNetInit(_ context.Context, h *Host, _, args []string) (string, error) {
	entries := make([]peer, len(args))
	for i, a := range args {
		n, addr, err := protocol.ParseDirectoryEntry(a)
		if err != nil {
			return "", err
		}
		entries[i] = peer{node: n, addr: addr}
	}
	h.setDirectory(entries)
	return protocol.ReplyAck, nil
}

// myid 1 <out>
func cmdMyID(_ context.Context, h *Host, out, _ []string) (string, error) {
	return h.results(out, IntArray(int64(h.node.ID)))
}

// list 0
func cmdList(_ context.Context, h *Host, _, _ []string) (string, error) {
	handles := h.Handles()
	vs := make([]int64, 0, len(handles))
	for _, handle := range handles {
		if v, err := strconv.ParseInt(handle, 10, 64); err == nil {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return protocol.FormatIntList(vs), nil
}

// del 0 <h>... and cleanup 0 <h>...; unknown handles are ignored.
func cmdDel(_ context.Context, h *Host, _, args []string) (string, error) {
	h.delete(args...)
	return protocol.ReplyAck, nil
}

// parseLiteral parses a single element of type tc.
func parseLiteral(tc protocol.TypeCode, s string) (*Array, error) {
	switch {
	case tc == protocol.Int:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", tc, s)
		}
		return IntArray(v), nil
	case tc == protocol.Float:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", tc, s)
		}
		return FloatArray(v), nil
	case tc == protocol.Scalar || tc == protocol.Point:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", tc, s)
		}
		return asType(IntArray(v), tc)
	case tc.IsBytes():
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", tc, s)
		}
		return BytesArray(tc.ByteWidth(), b)
	}
	return nil, fmt.Errorf("%w: unsupported typecode %q", protocol.ErrTypeMismatch, tc)
}

// newarray 1 <out> <tc> <len> [<value>]
func cmdNewArray(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) != 2 && len(args) != 3 {
		return "", fmt.Errorf("expected 2 or 3 arguments, got %d", len(args))
	}
	tc, err := protocol.ParseTypeCode(args[0])
	if err != nil {
		return "", err
	}
	n, err := h.length(args[1])
	if err != nil {
		return "", err
	}
	if len(args) == 2 {
		a, err := NewArray(tc, n)
		if err != nil {
			return "", err
		}
		return h.results(out, a)
	}
	one, err := parseLiteral(tc, args[2])
	if err != nil {
		return "", err
	}
	a, err := one.Repeat(n)
	if err != nil {
		return "", err
	}
	return h.results(out, a)
}

// newrandom 1 <out> <tc> <len> [<lo> <hi>]
//
// Integers and floats are drawn from [lo, hi) when bounds are given.
// Scalars are uniform, points are uniform multiples of the base point.
func cmdNewRandom(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) != 2 && len(args) != 4 {
		return "", fmt.Errorf("expected 2 or 4 arguments, got %d", len(args))
	}
	tc, err := protocol.ParseTypeCode(args[0])
	if err != nil {
		return "", err
	}
	n, err := h.length(args[1])
	if err != nil {
		return "", err
	}
	a, err := h.random(tc, n, args[2:])
	if err != nil {
		return "", err
	}
	return h.results(out, a)
}

func (h *Host) random(tc protocol.TypeCode, n int, bounds []string) (*Array, error) {
	switch {
	case tc == protocol.Int:
		var lo, hi int64
		if len(bounds) == 2 {
			var err1, err2 error
			lo, err1 = strconv.ParseInt(bounds[0], 10, 64)
			hi, err2 = strconv.ParseInt(bounds[1], 10, 64)
			if err1 != nil || err2 != nil || hi <= lo {
				return nil, fmt.Errorf("invalid bounds [%s, %s)", bounds[0], bounds[1])
			}
		}
		xs := make([]int64, n)
		h.withRng(func(r *mrand.Rand) {
			for i := range xs {
				if hi > lo {
					xs[i] = lo + r.Int63n(hi-lo)
				} else {
					xs[i] = r.Int63()
				}
			}
		})
		return IntArray(xs...), nil
	case tc == protocol.Float:
		lo, hi := 0.0, 1.0
		if len(bounds) == 2 {
			var err1, err2 error
			lo, err1 = strconv.ParseFloat(bounds[0], 64)
			hi, err2 = strconv.ParseFloat(bounds[1], 64)
			if err1 != nil || err2 != nil || hi <= lo {
				return nil, fmt.Errorf("invalid bounds [%s, %s)", bounds[0], bounds[1])
			}
		}
		xs := make([]float64, n)
		h.withRng(func(r *mrand.Rand) {
			for i := range xs {
				xs[i] = lo + r.Float64()*(hi-lo)
			}
		})
		return FloatArray(xs...), nil
	case tc == protocol.Scalar:
		xs := make([]*edwards25519.Scalar, n)
		for i := range xs {
			s, err := crypto.RandomScalar(h.rand)
			if err != nil {
				return nil, err
			}
			xs[i] = s
		}
		return ScalarArray(xs...), nil
	case tc == protocol.Point:
		xs := make([]*edwards25519.Point, n)
		for i := range xs {
			s, err := crypto.RandomScalar(h.rand)
			if err != nil {
				return nil, err
			}
			xs[i] = crypto.BasePointMul(s)
		}
		return PointArray(xs...), nil
	case tc.IsBytes():
		xs := make([][]byte, n)
		for i := range xs {
			xs[i] = make([]byte, tc.ByteWidth())
			if _, err := io.ReadFull(h.rand, xs[i]); err != nil {
				return nil, err
			}
		}
		return BytesArray(tc.ByteWidth(), xs...)
	}
	return nil, fmt.Errorf("%w: unsupported typecode %q", protocol.ErrTypeMismatch, tc)
}

// arange 1 <out> <len>
func cmdArange(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	n, err := h.length(args[0])
	if err != nil {
		return "", err
	}
	xs := make([]int64, n)
	for i := range xs {
		xs[i] = int64(i)
	}
	return h.results(out, IntArray(xs...))
}

// randomperm 1 <out> <len>
func cmdRandomPerm(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	n, err := h.length(args[0])
	if err != nil {
		return "", err
	}
	return h.results(out, IntArray(h.perm(n)...))
}

func (h *Host) perm(n int) []int64 {
	var p []int
	h.withRng(func(r *mrand.Rand) { p = r.Perm(n) })
	return mapOf(p, func(i int) int64 { return int64(i) })
}

// <op> 1 <out> <a> <b>
func binaryCmd(op string) CommandFunc {
	return func(_ context.Context, h *Host, out, args []string) (string, error) {
		if err := checkArgs(args, 2); err != nil {
			return "", err
		}
		xs, err := h.arrays(args)
		if err != nil {
			return "", err
		}
		r, err := binaryOp(op, xs[0], xs[1])
		if err != nil {
			return "", err
		}
		return h.results(out, r)
	}
}

// <op> 1 <out> <a>
func unary(op string) CommandFunc {
	return func(_ context.Context, h *Host, out, args []string) (string, error) {
		if err := checkArgs(args, 1); err != nil {
			return "", err
		}
		a, err := h.array(args[0])
		if err != nil {
			return "", err
		}
		r, err := unaryOp(op, a)
		if err != nil {
			return "", err
		}
		return h.results(out, r)
	}
}

// astype 1 <out> <a> <tc>
func cmdAsType(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	tc, err := protocol.ParseTypeCode(args[1])
	if err != nil {
		return "", err
	}
	r, err := asType(a, tc)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// mux 1 <out> <cond> <a> <b>
func cmdMux(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 3); err != nil {
		return "", err
	}
	xs, err := h.arrays(args)
	if err != nil {
		return "", err
	}
	r, err := mux(xs[0], xs[1], xs[2])
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// index 1 <out> <a>
func cmdIndex(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	return h.results(out, IntArray(a.NonDefault()...))
}

// sum 1 <out> <a>
func cmdSum(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	r, err := sumOf(a)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// len 1 <out> <v>
func cmdLen(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	v, err := h.get(args[0])
	if err != nil {
		return "", err
	}
	return h.results(out, IntArray(int64(v.Len())))
}

// length 0 <v>
func cmdLength(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	v, err := h.get(args[0])
	if err != nil {
		return "", err
	}
	return protocol.FormatInt(int64(v.Len())), nil
}

// read 0 <a>
func cmdRead(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	switch xs := a.data.(type) {
	case []int64:
		return protocol.FormatIntList(xs), nil
	case []float64:
		return protocol.FormatFloatList(xs), nil
	case []*edwards25519.Scalar:
		return protocol.FormatBytesList(mapOf(xs, func(s *edwards25519.Scalar) []byte { return s.Bytes() })), nil
	case []*edwards25519.Point:
		return protocol.FormatBytesList(mapOf(xs, func(p *edwards25519.Point) []byte { return p.Bytes() })), nil
	case [][]byte:
		return protocol.FormatBytesList(xs), nil
	}
	return "", fmt.Errorf("%w: cannot read %s", protocol.ErrTypeMismatch, a.tc)
}

func (h *Host) indices(handle string) ([]int64, error) {
	idx, err := h.array(handle)
	if err != nil {
		return nil, err
	}
	if idx.tc != protocol.Int {
		return nil, fmt.Errorf("%w: index array must be %s, got %s", protocol.ErrTypeMismatch, protocol.Int, idx.tc)
	}
	return idx.Ints(), nil
}

// getitem 1 <out> <a> <idx>
func cmdGetItem(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	idx, err := h.indices(args[1])
	if err != nil {
		return "", err
	}
	r, err := a.Gather(idx)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// lookup 1 <out> <a> <idx> [<default>]
func cmdLookup(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) != 2 && len(args) != 3 {
		return "", fmt.Errorf("expected 2 or 3 arguments, got %d", len(args))
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	idx, err := h.indices(args[1])
	if err != nil {
		return "", err
	}
	var def *Array
	if len(args) == 3 {
		if def, err = h.array(args[2]); err != nil {
			return "", err
		}
	}
	r, err := a.Lookup(idx, def)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// setitem 0 <a> <idx> <src> <set|add>
//
// A length-1 src is broadcast over idx. With "add" repeated indices
// accumulate.
func cmdSetItem(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 4); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	idx, err := h.indices(args[1])
	if err != nil {
		return "", err
	}
	src, err := h.array(args[2])
	if err != nil {
		return "", err
	}
	if src.Len() == 1 && len(idx) != 1 {
		if src, err = src.Repeat(len(idx)); err != nil {
			return "", err
		}
	}
	switch args[3] {
	case "set":
		err = a.Scatter(idx, src)
	case "add":
		err = a.ScatterAdd(idx, src)
	default:
		err = fmt.Errorf("invalid setitem mode %q", args[3])
	}
	if err != nil {
		return "", err
	}
	return protocol.ReplyAck, nil
}

// concat 1 <out> <a>...
func cmdConcat(_ context.Context, h *Host, out, args []string) (string, error) {
	xs, err := h.arrays(args)
	if err != nil {
		return "", err
	}
	r, err := Concat(xs...)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// slice 1 <out> <a> <start> <stop>
func cmdSlice(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 3); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	start, err := h.length(args[1])
	if err != nil {
		return "", err
	}
	stop, err := h.length(args[2])
	if err != nil {
		return "", err
	}
	r, err := a.Slice(start, stop)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// setlength 0 <a> <len>
func cmdSetLength(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	n, err := h.length(args[1])
	if err != nil {
		return "", err
	}
	if err := a.SetLength(n); err != nil {
		return "", err
	}
	return protocol.ReplyAck, nil
}

// broadcastlen 1 <out> <a>...
func cmdBroadcastLen(_ context.Context, h *Host, out, args []string) (string, error) {
	lengths := make([]int, len(args))
	for i, handle := range args {
		v, err := h.get(handle)
		if err != nil {
			return "", err
		}
		lengths[i] = v.Len()
	}
	n, err := broadcastLen(lengths...)
	if err != nil {
		return "", err
	}
	return h.results(out, IntArray(int64(n)))
}

// broadcast 1 <out> <a> <len>
func cmdBroadcast(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	n, err := h.length(args[1])
	if err != nil {
		return "", err
	}
	switch {
	case a.Len() == n:
		return h.results(out, a.Clone())
	case a.Len() == 1:
		r, err := a.Repeat(n)
		if err != nil {
			return "", err
		}
		return h.results(out, r)
	}
	return "", fmt.Errorf("cannot broadcast length %d to %d", a.Len(), n)
}

// copy 1 <out> <v>
func cmdCopy(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	v, err := h.get(args[0])
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case *Array:
		return h.results(out, x.Clone())
	case *ListMap:
		return h.results(out, x.Clone())
	}
	return "", fmt.Errorf("cannot copy %T", v)
}

// verify 0 <a> replies "bool 1" when every element is non-zero.
func cmdVerify(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	a, err := h.array(args[0])
	if err != nil {
		return "", err
	}
	return protocol.FormatBool(len(a.NonDefault()) == a.Len()), nil
}

// transmit 0 <destID> <newHandle> <src>
//
// Pushes src to the destination node, which stores it as newHandle. A
// node transmitting to itself copies locally.
func cmdTransmit(ctx context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 3); err != nil {
		return "", err
	}
	dest, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("invalid destination %q", args[0])
	}
	v, err := h.get(args[2])
	if err != nil {
		return "", err
	}
	payload, err := MarshalValue(v)
	if err != nil {
		return "", err
	}
	if dest == h.node.ID {
		local, err := UnmarshalValue(payload)
		if err != nil {
			return "", err
		}
		h.set(args[1], local)
		return protocol.ReplyAck, nil
	}

	client, err := h.peerClient(dest)
	if err != nil {
		return "", err
	}
	cmd := protocol.Template("receive", 0, args[1], base64.RawURLEncoding.EncodeToString(payload))
	resp, err := client.Run(ctx, cmd, true)
	if err != nil {
		return "", err
	}
	if resp != protocol.ReplyAck {
		return "", fmt.Errorf("transmit to node %d: %s", dest, resp)
	}
	return protocol.ReplyAck, nil
}

// receive 0 <handle> <payload>
func cmdReceive(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	raw, err := base64.RawURLEncoding.DecodeString(args[1])
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	v, err := UnmarshalValue(raw)
	if err != nil {
		return "", err
	}
	h.set(args[0], v)
	return protocol.ReplyAck, nil
}

// save 0 <session> <name> <v>
func cmdSave(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 3); err != nil {
		return "", err
	}
	if h.store == nil {
		return "", fmt.Errorf("node has no save store")
	}
	v, err := h.get(args[2])
	if err != nil {
		return "", err
	}
	if err := h.store.Save(args[0], args[1], v); err != nil {
		return "", err
	}
	return protocol.ReplyAck, nil
}

// load 1 <out> <session> <name>
func cmdLoad(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	if h.store == nil {
		return "", fmt.Errorf("node has no save store")
	}
	v, err := h.store.Load(args[0], args[1])
	if err != nil {
		return "", err
	}
	return h.results(out, v)
}

// delsession 0 <session>
func cmdDelSession(_ context.Context, h *Host, _, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	if h.store == nil {
		return "", fmt.Errorf("node has no save store")
	}
	if err := h.store.DeleteSession(args[0]); err != nil {
		return "", err
	}
	return protocol.ReplyAck, nil
}

func parsePrivacy(args []string) (epsilon, delta float64, err error) {
	epsilon, err = strconv.ParseFloat(args[0], 64)
	if err != nil || epsilon <= 0 {
		return 0, 0, fmt.Errorf("invalid epsilon %q", args[0])
	}
	delta, err = strconv.ParseFloat(args[1], 64)
	if err != nil || delta <= 0 || delta >= 1 {
		return 0, 0, fmt.Errorf("invalid delta %q", args[1])
	}
	return epsilon, delta, nil
}

// dpnoise 1 <out> <epsilon> <delta> <m>
func cmdDPNoise(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 3); err != nil {
		return "", err
	}
	eps, delta, err := parsePrivacy(args)
	if err != nil {
		return "", err
	}
	m, err := strconv.Atoi(args[2])
	if err != nil || m < 1 {
		return "", fmt.Errorf("invalid item count %q", args[2])
	}
	var n int64
	h.withRng(func(r *mrand.Rand) { n = crypto.NoiseAmount(r, eps, delta, m) })
	return h.results(out, IntArray(n))
}

// diffpriv 1 <out> <epsilon> <delta>
func cmdDiffPriv(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 2); err != nil {
		return "", err
	}
	eps, delta, err := parsePrivacy(args)
	if err != nil {
		return "", err
	}
	var n int64
	h.withRng(func(r *mrand.Rand) { n = crypto.DiffPrivAmount(r, eps, delta) })
	return h.results(out, IntArray(n))
}

// auxdb_read <n> <out...> <tc1..tcn> <query>
//
// The query is base64url encoded so it survives whitespace splitting.
func cmdAuxDBRead(ctx context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, len(out)+1); err != nil {
		return "", err
	}
	if h.aux == nil {
		return "", fmt.Errorf("node has no auxiliary database")
	}
	tcs := make([]protocol.TypeCode, len(out))
	for i := range out {
		tc, err := protocol.ParseTypeCode(args[i])
		if err != nil {
			return "", err
		}
		tcs[i] = tc
	}
	query, err := base64.RawURLEncoding.DecodeString(args[len(out)])
	if err != nil {
		return "", fmt.Errorf("decoding query: %w", err)
	}
	cols, err := h.aux.Read(ctx, string(query), tcs)
	if err != nil {
		return "", err
	}
	vs := make([]Value, len(cols))
	for i, c := range cols {
		switch c.TypeCode.Base() {
		case 'i':
			vs[i] = IntArray(c.Ints...)
		case 'f':
			vs[i] = FloatArray(c.Floats...)
		default:
			a, err := BytesArray(c.TypeCode.ByteWidth(), c.Bytes...)
			if err != nil {
				return "", err
			}
			vs[i] = a
		}
	}
	return h.results(out, vs...)
}

// newlistmap 1 <out> <pos|any|rnd> <k>...
func cmdNewListMap(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("expected an order and at least one key column")
	}
	keys, err := h.arrays(args[1:])
	if err != nil {
		return "", err
	}
	m, err := NewListMap(keys, args[0], h.perm)
	if err != nil {
		return "", err
	}
	return h.results(out, m)
}

// listmap_keys <w> <out...> <m>
func cmdListMapKeys(_ context.Context, h *Host, out, args []string) (string, error) {
	if err := checkArgs(args, 1); err != nil {
		return "", err
	}
	m, err := h.listMap(args[0])
	if err != nil {
		return "", err
	}
	keys := m.Keys()
	vs := make([]Value, len(keys))
	for i, k := range keys {
		vs[i] = k
	}
	return h.results(out, vs...)
}

// listmap_getitem 1 <out> <m> <default|-> <k>...
func cmdListMapGetItem(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("expected a listmap, a default and key columns")
	}
	m, err := h.listMap(args[0])
	if err != nil {
		return "", err
	}
	var def *int64
	if args[1] != "-" {
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid default position %q", args[1])
		}
		def = &v
	}
	keys, err := h.arrays(args[2:])
	if err != nil {
		return "", err
	}
	pos, err := m.Positions(keys, def)
	if err != nil {
		return "", err
	}
	return h.results(out, pos)
}

// listmap_contains 1 <out> <m> <k>...
func cmdListMapContains(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("expected a listmap and key columns")
	}
	m, err := h.listMap(args[0])
	if err != nil {
		return "", err
	}
	keys, err := h.arrays(args[1:])
	if err != nil {
		return "", err
	}
	r, err := m.Contains(keys)
	if err != nil {
		return "", err
	}
	return h.results(out, r)
}

// listmap_mergeitem 1 <out> <m> <k>... and listmap_additem; both reply with
// the new listmap length.
func listMapAdd(merge bool) CommandFunc {
	return func(_ context.Context, h *Host, out, args []string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("expected a listmap and key columns")
		}
		m, err := h.listMap(args[0])
		if err != nil {
			return "", err
		}
		keys, err := h.arrays(args[1:])
		if err != nil {
			return "", err
		}
		if _, err := m.Add(keys, merge); err != nil {
			return "", err
		}
		return h.results(out, IntArray(int64(m.Len())))
	}
}

// listmap_removeitem <w+2> <moved...> <old> <new> <m> <k>...
func cmdListMapRemoveItem(_ context.Context, h *Host, out, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("expected a listmap and key columns")
	}
	m, err := h.listMap(args[0])
	if err != nil {
		return "", err
	}
	if err := checkOut(out, len(m.tcs)+2); err != nil {
		return "", err
	}
	keys, err := h.arrays(args[1:])
	if err != nil {
		return "", err
	}
	moved, oldPos, newPos, err := m.Remove(keys, false)
	if err != nil {
		return "", err
	}
	vs := make([]Value, 0, len(moved)+2)
	for _, k := range moved {
		vs = append(vs, k)
	}
	vs = append(vs, oldPos, newPos)
	return h.results(out, vs...)
}
