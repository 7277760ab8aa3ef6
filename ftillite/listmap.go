package ftillite

import (
	"context"
	"fmt"
	"strconv"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Orders for NewListMap.
const (
	OrderPos = "pos"
	OrderAny = "any"
	OrderRnd = "rnd"
)

// ListMap is a proxy for a node-side uniqueness index mapping composite
// keys to dense positions 0..n-1.
type ListMap struct {
	ref
	tcs []protocol.TypeCode
}

var _ Primitive = (*ListMap)(nil)

// NewListMap indexes the rows of keys. With OrderPos a duplicate key fails
// with ErrKeyUniqueness; OrderAny keeps first occurrences and OrderRnd also
// shuffles the positions.
func (fc *Context) NewListMap(ctx context.Context, order string, keys ...*Array) (*ListMap, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("listmap needs at least one key column")
	}
	args := []any{order}
	for _, k := range keys {
		args = append(args, k)
	}
	out, err := fc.Exec(ctx, "newlistmap", 1, args...)
	if err != nil {
		return nil, err
	}
	m, ok := out[0].(*ListMap)
	if !ok {
		out[0].Release()
		return nil, fmt.Errorf("%w: newlistmap returned a %s", protocol.ErrTypeMismatch, out[0].Kind())
	}
	return m, nil
}

// NewEmptyListMap creates a listmap with no keys.
func (fc *Context) NewEmptyListMap(ctx context.Context, tcs ...protocol.TypeCode) (*ListMap, error) {
	keys := make([]*Array, 0, len(tcs))
	defer func() { releaseAll(keys) }()
	for _, tc := range tcs {
		k, err := fc.NewArray(ctx, tc, N(0))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return fc.NewListMap(ctx, OrderPos, keys...)
}

func (m *ListMap) Kind() protocol.Kind               { return protocol.KindListMap }
func (m *ListMap) TypeCode() protocol.TypeCode       { return protocol.JoinTypeCodes(m.tcs) }
func (m *ListMap) KeyTypeCodes() []protocol.TypeCode { return m.tcs }
func (m *ListMap) Flatten() []Primitive              { return []Primitive{m} }

func (m *ListMap) Unflatten(_ context.Context, parts []Primitive) error {
	if len(parts) != 1 {
		return fmt.Errorf("%w: listmap takes 1 component, got %d", protocol.ErrTypeMismatch, len(parts))
	}
	o, ok := parts[0].(*ListMap)
	if !ok || o.TypeCode() != m.TypeCode() {
		return fmt.Errorf("%w: cannot unflatten %s %s into listmap %s", protocol.ErrTypeMismatch, parts[0].Kind(), parts[0].TypeCode(), m.TypeCode())
	}
	m.adopt(&o.ref)
	return nil
}

func (m *ListMap) Copy(ctx context.Context) (Value, error) {
	out, err := m.fc.Exec(ctx, "listmap_copy", 1, m)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *ListMap) Stub(ctx context.Context) (Value, error) {
	return m.fc.NewEmptyListMap(ctx, m.tcs...)
}

func (m *ListMap) Promote(_ context.Context, tc protocol.TypeCode) (Value, bool, error) {
	if tc != m.TypeCode() {
		return nil, false, fmt.Errorf("%w: cannot convert listmap %s to %s", protocol.ErrTypeMismatch, m.TypeCode(), tc)
	}
	return m, false, nil
}

// BroadcastValue fails: a listmap has no element to repeat.
func (m *ListMap) BroadcastValue(context.Context, Length) (Value, bool, error) {
	return nil, false, fmt.Errorf("%w: listmaps cannot be broadcast", protocol.ErrTypeMismatch)
}

func (m *ListMap) keyArgs(keys []*Array) ([]any, error) {
	if len(keys) != len(m.tcs) {
		return nil, fmt.Errorf("%w: listmap has %d key columns, got %d", protocol.ErrTypeMismatch, len(m.tcs), len(keys))
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		if k.tc != m.tcs[i] {
			return nil, fmt.Errorf("%w: key column %d is %s, want %s", protocol.ErrTypeMismatch, i, k.tc, m.tcs[i])
		}
		args[i] = k
	}
	return args, nil
}

// Keys returns copies of the key columns in position order.
func (m *ListMap) Keys(ctx context.Context) ([]*Array, error) {
	out, err := m.fc.Exec(ctx, "listmap_keys", len(m.tcs), m)
	if err != nil {
		return nil, err
	}
	return arraysOf(out)
}

// Positions returns the position of every key row. Missing keys take def,
// or fail when def is nil.
func (m *ListMap) Positions(ctx context.Context, def *int64, keys ...*Array) (*Array, error) {
	ks, err := m.keyArgs(keys)
	if err != nil {
		return nil, err
	}
	d := "-"
	if def != nil {
		d = strconv.FormatInt(*def, 10)
	}
	return m.fc.exec1(ctx, "listmap_getitem", append([]any{m, d}, ks...)...)
}

// Contains returns 1 for each key row present in m.
func (m *ListMap) Contains(ctx context.Context, keys ...*Array) (*Array, error) {
	ks, err := m.keyArgs(keys)
	if err != nil {
		return nil, err
	}
	return m.fc.exec1(ctx, "listmap_contains", append([]any{m}, ks...)...)
}

// Merge appends the key rows not yet present and returns the new length.
func (m *ListMap) Merge(ctx context.Context, keys ...*Array) (*Array, error) {
	return m.add(ctx, "listmap_mergeitem", keys)
}

// Add appends key rows, failing with ErrKeyUniqueness if any is present
// already. It returns the new length.
func (m *ListMap) Add(ctx context.Context, keys ...*Array) (*Array, error) {
	return m.add(ctx, "listmap_additem", keys)
}

func (m *ListMap) add(ctx context.Context, opcode string, keys []*Array) (*Array, error) {
	ks, err := m.keyArgs(keys)
	if err != nil {
		return nil, err
	}
	return m.fc.exec1(ctx, opcode, append([]any{m}, ks...)...)
}

// Removal describes how Remove compacted a listmap: the keys now at
// positions New were moved there from positions Old.
type Removal struct {
	Moved    []*Array
	Old, New *Array
}

// Release frees the arrays of the removal.
func (r *Removal) Release() {
	releaseAll(r.Moved)
	releaseAll([]*Array{r.Old, r.New})
}

// Remove deletes key rows, every one of which must be present, and
// compacts the map by moving tail keys into the freed positions.
func (m *ListMap) Remove(ctx context.Context, keys ...*Array) (*Removal, error) {
	ks, err := m.keyArgs(keys)
	if err != nil {
		return nil, err
	}
	out, err := m.fc.Exec(ctx, "listmap_removeitem", len(m.tcs)+2, append([]any{m}, ks...)...)
	if err != nil {
		return nil, err
	}
	as, err := arraysOf(out)
	if err != nil {
		for _, p := range out {
			p.Release()
		}
		return nil, err
	}
	w := len(m.tcs)
	return &Removal{Moved: as[:w], Old: as[w], New: as[w+1]}, nil
}
