package ftillite

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Array is a proxy for a primitive array stored on every node of its scope.
// Each node may hold a different length.
type Array struct {
	ref
	tc protocol.TypeCode
}

var _ Primitive = (*Array)(nil)

func (a *Array) Kind() protocol.Kind         { return protocol.KindArray }
func (a *Array) TypeCode() protocol.TypeCode { return a.tc }
func (a *Array) Flatten() []Primitive        { return []Primitive{a} }

func (a *Array) String() string {
	return fmt.Sprintf("array(%s, %s, %s)", a.tc, a.handle, a.scope)
}

// Unflatten makes a refer to parts[0], which must be an array of the same
// typecode.
func (a *Array) Unflatten(_ context.Context, parts []Primitive) error {
	if len(parts) != 1 {
		return fmt.Errorf("%w: array takes 1 component, got %d", protocol.ErrTypeMismatch, len(parts))
	}
	b, ok := parts[0].(*Array)
	if !ok || b.tc != a.tc {
		return fmt.Errorf("%w: cannot unflatten %s %s into %s array", protocol.ErrTypeMismatch, parts[0].Kind(), parts[0].TypeCode(), a.tc)
	}
	a.adopt(&b.ref)
	return nil
}

func (a *Array) Copy(ctx context.Context) (Value, error) { return a.Clone(ctx) }

// Clone is Copy with a concrete result type.
func (a *Array) Clone(ctx context.Context) (*Array, error) {
	return a.fc.exec1(ctx, "copy", a)
}

func (a *Array) Stub(ctx context.Context) (Value, error) {
	return a.fc.NewArray(ctx, a.tc, N(0))
}

func (a *Array) Promote(ctx context.Context, tc protocol.TypeCode) (Value, bool, error) {
	if tc == a.tc {
		return a, false, nil
	}
	b, err := a.AsType(ctx, tc)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// BroadcastValue returns a itself when it already has length n on every
// node, and a new array otherwise.
func (a *Array) BroadcastValue(ctx context.Context, n Length) (Value, bool, error) {
	same, err := a.HasLength(ctx, n)
	if err != nil {
		return nil, false, err
	}
	if same {
		return a, false, nil
	}
	b, err := a.Broadcast(ctx, n)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// HasLength reports whether every node of the active scope holds exactly n
// elements.
func (a *Array) HasLength(ctx context.Context, n Length) (bool, error) {
	got, err := a.Lengths(ctx)
	if err != nil {
		return false, err
	}
	var want map[int][]int64
	if n.ref != nil {
		if want, err = n.ref.ReadInts(ctx); err != nil {
			return false, err
		}
	}
	for id, l := range got {
		target := int64(n.n)
		if want != nil {
			w, ok := want[id]
			if !ok || len(w) != 1 {
				return false, nil
			}
			target = w[0]
		}
		if int64(l) != target {
			return false, nil
		}
	}
	return true, nil
}

// Broadcast repeats a length-1 array to length n, or copies an array that
// already has length n.
func (a *Array) Broadcast(ctx context.Context, n Length) (*Array, error) {
	return a.fc.exec1(ctx, "broadcast", a, n)
}

func (a *Array) binary(ctx context.Context, op string, b *Array) (*Array, error) {
	return a.fc.exec1(ctx, op, a, b)
}

func (a *Array) Add(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "add", b) }
func (a *Array) Sub(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "sub", b) }

// Mul multiplies element-wise. A point array times a scalar array is scalar
// multiplication of the points.
func (a *Array) Mul(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "mul", b) }
func (a *Array) Div(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "div", b) }
func (a *Array) FloorDiv(ctx context.Context, b *Array) (*Array, error) {
	return a.binary(ctx, "floordiv", b)
}
func (a *Array) Mod(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "mod", b) }
func (a *Array) And(ctx context.Context, b *Array) (*Array, error) { return a.binary(ctx, "and", b) }
func (a *Array) Or(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "or", b) }
func (a *Array) Eq(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "eq", b) }
func (a *Array) Ne(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "ne", b) }
func (a *Array) Lt(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "lt", b) }
func (a *Array) Le(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "le", b) }
func (a *Array) Gt(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "gt", b) }
func (a *Array) Ge(ctx context.Context, b *Array) (*Array, error)  { return a.binary(ctx, "ge", b) }

func (a *Array) Neg(ctx context.Context) (*Array, error) { return a.fc.exec1(ctx, "neg", a) }
func (a *Array) Not(ctx context.Context) (*Array, error) { return a.fc.exec1(ctx, "not", a) }

// AsType converts the elements to tc. Supported conversions are int to and
// from float, and int or scalar to scalar or point.
func (a *Array) AsType(ctx context.Context, tc protocol.TypeCode) (*Array, error) {
	return a.fc.exec1(ctx, "astype", a, tc)
}

// Index returns the positions of the non-default elements.
func (a *Array) Index(ctx context.Context) (*Array, error) { return a.fc.exec1(ctx, "index", a) }

// Sum reduces a to a length-1 array on every node.
func (a *Array) Sum(ctx context.Context) (*Array, error) { return a.fc.exec1(ctx, "sum", a) }

// Len returns each node's length as a length-1 int array.
func (a *Array) Len(ctx context.Context) (*Array, error) { return a.fc.exec1(ctx, "len", a) }

// Lengths returns each node's length keyed by node id.
func (a *Array) Lengths(ctx context.Context) (map[int]int, error) {
	replies, err := a.fc.Query(ctx, "length", a)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(replies))
	for id, r := range replies {
		n, err := protocol.ParseInt(r)
		if err != nil {
			return nil, fmt.Errorf("length on node %d: %w", id, err)
		}
		out[id] = int(n)
	}
	return out, nil
}

// Get returns a[idx[0]], a[idx[1]], ...
func (a *Array) Get(ctx context.Context, idx *Array) (*Array, error) {
	return a.fc.exec1(ctx, "getitem", a, idx)
}

// Lookup is Get with out-of-range or negative positions taking def, a
// length-1 array of a's typecode, or the typecode's default when def is nil.
func (a *Array) Lookup(ctx context.Context, idx, def *Array) (*Array, error) {
	if def == nil {
		return a.fc.exec1(ctx, "lookup", a, idx)
	}
	return a.fc.exec1(ctx, "lookup", a, idx, def)
}

// Set performs a[idx[k]] = src[k] in place. A length-1 src is broadcast.
func (a *Array) Set(ctx context.Context, idx, src *Array) error {
	_, err := a.fc.Exec(ctx, "setitem", 0, a, idx, src, "set")
	return err
}

// AddAt performs a[idx[k]] += src[k] in place; repeated positions
// accumulate.
func (a *Array) AddAt(ctx context.Context, idx, src *Array) error {
	_, err := a.fc.Exec(ctx, "setitem", 0, a, idx, src, "add")
	return err
}

// Slice returns a copy of a[start:stop].
func (a *Array) Slice(ctx context.Context, start, stop Length) (*Array, error) {
	return a.fc.exec1(ctx, "slice", a, start, stop)
}

// SetLength truncates a or pads it with default elements, in place.
func (a *Array) SetLength(ctx context.Context, n Length) error {
	_, err := a.fc.Exec(ctx, "setlength", 0, a, n)
	return err
}

// ConcatArrays joins arrays of one typecode end to end.
func ConcatArrays(ctx context.Context, as ...*Array) (*Array, error) {
	if len(as) == 0 {
		return nil, fmt.Errorf("concat needs at least one array")
	}
	args := make([]any, len(as))
	for i, a := range as {
		if a.tc != as[0].tc {
			return nil, fmt.Errorf("%w: cannot concatenate %s and %s", protocol.ErrTypeMismatch, as[0].tc, a.tc)
		}
		args[i] = a
	}
	return as[0].fc.exec1(ctx, "concat", args...)
}

func (a *Array) read(ctx context.Context) (map[int]string, error) {
	return a.fc.Query(ctx, "read", a)
}

// ReadInts fetches the contents of an int array from every node of the
// active scope.
func (a *Array) ReadInts(ctx context.Context) (map[int][]int64, error) {
	if a.tc != protocol.Int {
		return nil, fmt.Errorf("%w: ReadInts on %s array", protocol.ErrTypeMismatch, a.tc)
	}
	return readEach(ctx, a, protocol.ParseIntList)
}

// ReadFloats fetches the contents of a float array.
func (a *Array) ReadFloats(ctx context.Context) (map[int][]float64, error) {
	if a.tc != protocol.Float {
		return nil, fmt.Errorf("%w: ReadFloats on %s array", protocol.ErrTypeMismatch, a.tc)
	}
	return readEach(ctx, a, protocol.ParseFloatList)
}

// ReadBytes fetches the encoded elements of a scalar, point or bytearray
// array.
func (a *Array) ReadBytes(ctx context.Context) (map[int][][]byte, error) {
	if a.tc.Numeric() {
		return nil, fmt.Errorf("%w: ReadBytes on %s array", protocol.ErrTypeMismatch, a.tc)
	}
	return readEach(ctx, a, protocol.ParseBytesList)
}

func readEach[T any](ctx context.Context, a *Array, parse func(string) ([]T, error)) (map[int][]T, error) {
	replies, err := a.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]T, len(replies))
	for id, r := range replies {
		vs, err := parse(r)
		if err != nil {
			return nil, fmt.Errorf("read on node %d: %w", id, err)
		}
		out[id] = vs
	}
	return out, nil
}
