package ftillite

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Value is implemented by every distributed value: primitive arrays and
// listmaps, and composites built from them. Composites implement each
// method by delegating to their components and concatenating or splitting
// the results positionally.
type Value interface {
	// TypeCode is the concatenation of the primitive components' typecodes.
	TypeCode() protocol.TypeCode
	// Width is the number of primitive components.
	Width() int
	// Flatten returns the primitive components in order. The value keeps
	// ownership of them.
	Flatten() []Primitive
	// Unflatten rebuilds the value in place from Width() components and
	// takes ownership of them, releasing what it held before.
	Unflatten(ctx context.Context, parts []Primitive) error
	// Copy returns an independent value with the same contents.
	Copy(ctx context.Context) (Value, error)
	// Stub returns an empty value of the same type in the active scope.
	Stub(ctx context.Context) (Value, error)
	// Promote returns the value converted to typecode. The boolean reports
	// whether a new value was created.
	Promote(ctx context.Context, typecode protocol.TypeCode) (Value, bool, error)
	// BroadcastValue returns the value materialised at length n: the value
	// itself when it already has that length, a repeated copy when it has
	// length 1. The boolean reports whether a new value was created.
	BroadcastValue(ctx context.Context, n Length) (Value, bool, error)
	// Scope is the set of nodes holding the value.
	Scope() protocol.NodeSet
	// Release queues the value's handles for deletion. Using a value after
	// releasing it is an error.
	Release()
}

// Primitive is a value held under a single handle.
type Primitive interface {
	Value
	Handle() string
	Kind() protocol.Kind
	Context() *Context
	released() bool
}

// Length is a length operand: either a literal or a per-node length held in
// a length-1 int array.
type Length struct {
	n   int
	ref *Array
}

// N is a literal length.
func N(n int) Length { return Length{n: n} }

// LenOf is the per-node length stored in a, which must be a length-1 int
// array.
func LenOf(a *Array) Length { return Length{ref: a} }

func (l Length) arg() string {
	if l.ref != nil {
		return protocol.LengthRef(l.ref.handle)
	}
	return strconv.Itoa(l.n)
}

// ref is the handle bookkeeping shared by arrays and listmaps.
type ref struct {
	fc     *Context
	handle string
	scope  protocol.NodeSet

	mu   sync.Mutex
	dead bool
}

func (r *ref) Handle() string          { return r.handle }
func (r *ref) Scope() protocol.NodeSet { return r.scope }
func (r *ref) Context() *Context       { return r.fc }
func (r *ref) Width() int              { return 1 }

func (r *ref) released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

// Release enqueues the handle for deletion on the nodes holding it. It is
// idempotent and safe to call from any goroutine.
func (r *ref) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return
	}
	r.dead = true
	r.fc.mgr.Deletions().Enqueue(r.handle, r.scope)
}

// adopt makes r refer to o's handle and releases the handle r held.
// o is left unusable.
func (r *ref) adopt(o *ref) {
	r.Release()
	o.mu.Lock()
	o.dead = true
	o.mu.Unlock()

	r.mu.Lock()
	r.handle, r.scope, r.dead = o.handle, o.scope, false
	r.mu.Unlock()
}

// FlattenArrays returns v's components, which must all be arrays.
func FlattenArrays(v Value) ([]*Array, error) {
	return arraysOf(v.Flatten())
}

func arraysOf(ps []Primitive) ([]*Array, error) {
	out := make([]*Array, len(ps))
	for i, p := range ps {
		a, ok := p.(*Array)
		if !ok {
			return nil, fmt.Errorf("%w: component %d is a %s, want an array", protocol.ErrTypeMismatch, i, p.Kind())
		}
		out[i] = a
	}
	return out, nil
}

func primitives(as []*Array) []Primitive {
	out := make([]Primitive, len(as))
	for i, a := range as {
		out[i] = a
	}
	return out
}

func releaseAll(as []*Array) {
	for _, a := range as {
		if a != nil {
			a.Release()
		}
	}
}

// Rebuild creates a value shaped like like from the given components: a stub
// of like's type, unflattened with parts.
func Rebuild(ctx context.Context, like Value, parts []*Array) (Value, error) {
	if len(parts) != like.Width() {
		releaseAll(parts)
		return nil, fmt.Errorf("%w: %d components for a value of width %d", protocol.ErrTypeMismatch, len(parts), like.Width())
	}
	stub, err := like.Stub(ctx)
	if err != nil {
		releaseAll(parts)
		return nil, err
	}
	if err := stub.Unflatten(ctx, primitives(parts)); err != nil {
		stub.Release()
		return nil, err
	}
	return stub, nil
}

// mapComponents applies f to every component of v and rebuilds the results
// into a value of v's type.
func mapComponents(ctx context.Context, v Value, f func(a *Array) (*Array, error)) (Value, error) {
	as, err := FlattenArrays(v)
	if err != nil {
		return nil, err
	}
	out := make([]*Array, 0, len(as))
	for _, a := range as {
		r, err := f(a)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, r)
	}
	return Rebuild(ctx, v, out)
}

func sameType(a, b Value) error {
	if a.TypeCode() != b.TypeCode() || a.Width() != b.Width() {
		return fmt.Errorf("%w: %s and %s", protocol.ErrTypeMismatch, a.TypeCode(), b.TypeCode())
	}
	return nil
}

// Len returns each node's length of v as a length-1 int array.
func Len(ctx context.Context, v Value) (*Array, error) {
	ps := v.Flatten()
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: value has no components", protocol.ErrTypeMismatch)
	}
	return ps[0].Context().exec1(ctx, "len", ps[0])
}

// Equal compares two values of the same type element by element; the result
// is 1 where every component matches.
func Equal(ctx context.Context, a, b Value) (*Array, error) {
	if err := sameType(a, b); err != nil {
		return nil, err
	}
	as, err := FlattenArrays(a)
	if err != nil {
		return nil, err
	}
	bs, err := FlattenArrays(b)
	if err != nil {
		return nil, err
	}
	var acc *Array
	for i := range as {
		eq, err := as[i].Eq(ctx, bs[i])
		if err != nil {
			if acc != nil {
				acc.Release()
			}
			return nil, err
		}
		if acc == nil {
			acc = eq
			continue
		}
		both, err := acc.And(ctx, eq)
		acc.Release()
		eq.Release()
		if err != nil {
			return nil, err
		}
		acc = both
	}
	return acc, nil
}

// Mux selects ifTrue where cond is non-zero and ifFalse elsewhere.
func Mux(ctx context.Context, cond *Array, ifTrue, ifFalse Value) (Value, error) {
	if err := sameType(ifTrue, ifFalse); err != nil {
		return nil, err
	}
	ts, err := FlattenArrays(ifTrue)
	if err != nil {
		return nil, err
	}
	fs, err := FlattenArrays(ifFalse)
	if err != nil {
		return nil, err
	}
	out := make([]*Array, 0, len(ts))
	for i := range ts {
		m, err := cond.fc.exec1(ctx, "mux", cond, ts[i], fs[i])
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, m)
	}
	return Rebuild(ctx, ifTrue, out)
}

// Concat joins values of the same type end to end.
func Concat(ctx context.Context, vs ...Value) (Value, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("concat needs at least one value")
	}
	cols := make([][]*Array, vs[0].Width())
	for _, v := range vs {
		if err := sameType(vs[0], v); err != nil {
			return nil, err
		}
		as, err := FlattenArrays(v)
		if err != nil {
			return nil, err
		}
		for i, a := range as {
			cols[i] = append(cols[i], a)
		}
	}
	out := make([]*Array, 0, len(cols))
	for _, col := range cols {
		c, err := ConcatArrays(ctx, col...)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, c)
	}
	return Rebuild(ctx, vs[0], out)
}

// Gather returns v[idx[0]], v[idx[1]], ...
func Gather(ctx context.Context, v Value, idx *Array) (Value, error) {
	return mapComponents(ctx, v, func(a *Array) (*Array, error) { return a.Get(ctx, idx) })
}

// Lookup is Gather with out-of-range positions taking def, a length-1 value
// of v's type. A nil def means the type's default.
func Lookup(ctx context.Context, v Value, idx *Array, def Value) (Value, error) {
	var defs []*Array
	if def != nil {
		if err := sameType(v, def); err != nil {
			return nil, err
		}
		var err error
		if defs, err = FlattenArrays(def); err != nil {
			return nil, err
		}
	}
	i := 0
	return mapComponents(ctx, v, func(a *Array) (*Array, error) {
		var d *Array
		if defs != nil {
			d = defs[i]
		}
		i++
		return a.Lookup(ctx, idx, d)
	})
}

// Scatter performs dst[idx[k]] = src[k] in place.
func Scatter(ctx context.Context, dst Value, idx *Array, src Value) error {
	return zipInPlace(dst, src, func(d, s *Array) error { return d.Set(ctx, idx, s) })
}

// ScatterAdd performs dst[idx[k]] += src[k] in place, accumulating repeated
// positions.
func ScatterAdd(ctx context.Context, dst Value, idx *Array, src Value) error {
	return zipInPlace(dst, src, func(d, s *Array) error { return d.AddAt(ctx, idx, s) })
}

func zipInPlace(dst, src Value, f func(d, s *Array) error) error {
	if err := sameType(dst, src); err != nil {
		return err
	}
	ds, err := FlattenArrays(dst)
	if err != nil {
		return err
	}
	ss, err := FlattenArrays(src)
	if err != nil {
		return err
	}
	for i := range ds {
		if err := f(ds[i], ss[i]); err != nil {
			return err
		}
	}
	return nil
}

// Slice returns a copy of v[start:stop].
func Slice(ctx context.Context, v Value, start, stop Length) (Value, error) {
	return mapComponents(ctx, v, func(a *Array) (*Array, error) { return a.Slice(ctx, start, stop) })
}

// SetLength truncates v or grows it with default elements, in place.
func SetLength(ctx context.Context, v Value, n Length) error {
	as, err := FlattenArrays(v)
	if err != nil {
		return err
	}
	for _, a := range as {
		if err := a.SetLength(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastLen returns, per node, the common length the arrays of vs
// broadcast to.
func BroadcastLen(ctx context.Context, vs ...Value) (*Array, error) {
	var args []any
	var fc *Context
	for _, v := range vs {
		for _, p := range v.Flatten() {
			args = append(args, p)
			fc = p.Context()
		}
	}
	if fc == nil {
		return nil, fmt.Errorf("broadcastlen needs at least one array")
	}
	return fc.exec1(ctx, "broadcastlen", args...)
}

func encodeQuery(q string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(q))
}

// ContextOf returns the Context a value was created in.
func ContextOf(v Value) *Context {
	ps := v.Flatten()
	if len(ps) == 0 {
		return nil
	}
	return ps[0].Context()
}

// Binary applies an element-wise array operation (add, sub, mul, ...) to
// every pair of corresponding components of a and b.
func Binary(ctx context.Context, op string, a, b Value) (Value, error) {
	if err := sameType(a, b); err != nil {
		return nil, err
	}
	bs, err := FlattenArrays(b)
	if err != nil {
		return nil, err
	}
	i := 0
	return mapComponents(ctx, a, func(x *Array) (*Array, error) {
		y := bs[i]
		i++
		return x.binary(ctx, op, y)
	})
}
