package composite

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Dict is a keyed map from unique keys to values, stored as two parallel
// values plus a listmap over the key components. Position p of the values
// belongs to the key at position p.
type Dict struct {
	k, v  ftillite.Value
	index *ftillite.ListMap
}

var _ ftillite.Value = (*Dict)(nil)

// NewDict builds a map from copies of keys and values. values is broadcast
// to the number of keys. Duplicate keys fail with ErrKeyUniqueness.
func NewDict(ctx context.Context, keys, values ftillite.Value) (*Dict, error) {
	k, err := keys.Copy(ctx)
	if err != nil {
		return nil, err
	}
	n, err := ftillite.Len(ctx, k)
	if err != nil {
		k.Release()
		return nil, err
	}
	defer n.Release()
	v, err := owned(ctx, values, values.TypeCode(), ftillite.LenOf(n))
	if err != nil {
		k.Release()
		return nil, err
	}
	d := &Dict{k: k, v: v}
	if err := d.reindex(ctx); err != nil {
		k.Release()
		v.Release()
		return nil, err
	}
	return d, nil
}

func (d *Dict) reindex(ctx context.Context) error {
	cols, err := ftillite.FlattenArrays(d.k)
	if err != nil {
		return err
	}
	m, err := ftillite.ContextOf(d.k).NewListMap(ctx, ftillite.OrderPos, cols...)
	if err != nil {
		return err
	}
	if d.index != nil {
		d.index.Release()
	}
	d.index = m
	return nil
}

func (d *Dict) Keys() ftillite.Value   { return d.k }
func (d *Dict) Values() ftillite.Value { return d.v }

func (d *Dict) TypeCode() protocol.TypeCode { return d.k.TypeCode() + d.v.TypeCode() }
func (d *Dict) Width() int                  { return d.k.Width() + d.v.Width() }

// Flatten returns the key components followed by the value components. The
// listmap is derived state and is rebuilt by Unflatten.
func (d *Dict) Flatten() []ftillite.Primitive {
	return append(d.k.Flatten(), d.v.Flatten()...)
}

func (d *Dict) Unflatten(ctx context.Context, parts []ftillite.Primitive) error {
	if len(parts) != d.Width() {
		return fmt.Errorf("%w: dict of width %d given %d components", protocol.ErrTypeMismatch, d.Width(), len(parts))
	}
	w := d.k.Width()
	if err := d.k.Unflatten(ctx, parts[:w]); err != nil {
		return err
	}
	if err := d.v.Unflatten(ctx, parts[w:]); err != nil {
		return err
	}
	return d.reindex(ctx)
}

func (d *Dict) Copy(ctx context.Context) (ftillite.Value, error) {
	return d.Clone(ctx)
}

// Clone is Copy with a concrete result type.
func (d *Dict) Clone(ctx context.Context) (*Dict, error) {
	return NewDict(ctx, d.k, d.v)
}

func (d *Dict) Stub(ctx context.Context) (ftillite.Value, error) {
	k, err := d.k.Stub(ctx)
	if err != nil {
		return nil, err
	}
	defer k.Release()
	v, err := d.v.Stub(ctx)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	return NewDict(ctx, k, v)
}

func (d *Dict) Promote(_ context.Context, tc protocol.TypeCode) (ftillite.Value, bool, error) {
	if tc != d.TypeCode() {
		return nil, false, fmt.Errorf("%w: cannot promote dict %s to %s", protocol.ErrTypeMismatch, d.TypeCode(), tc)
	}
	return d, false, nil
}

// BroadcastValue returns d itself when it already has n entries on every
// node. Anything else fails: repeating an entry would duplicate its key.
func (d *Dict) BroadcastValue(ctx context.Context, n ftillite.Length) (ftillite.Value, bool, error) {
	cols, err := ftillite.FlattenArrays(d.k)
	if err != nil {
		return nil, false, err
	}
	same, err := cols[0].HasLength(ctx, n)
	if err != nil {
		return nil, false, err
	}
	if !same {
		return nil, false, fmt.Errorf("%w: dicts cannot be broadcast", protocol.ErrTypeMismatch)
	}
	return d, false, nil
}

func (d *Dict) Scope() protocol.NodeSet {
	return d.k.Scope().Intersect(d.v.Scope())
}

func (d *Dict) Release() {
	d.k.Release()
	d.v.Release()
	d.index.Release()
}

// Len returns the number of entries on each node.
func (d *Dict) Len(ctx context.Context) (*ftillite.Array, error) {
	return ftillite.Len(ctx, d.k)
}

func (d *Dict) keyCols(keys ftillite.Value) ([]*ftillite.Array, error) {
	if keys.TypeCode() != d.k.TypeCode() {
		return nil, fmt.Errorf("%w: dict keys are %s, got %s", protocol.ErrTypeMismatch, d.k.TypeCode(), keys.TypeCode())
	}
	return ftillite.FlattenArrays(keys)
}

func (d *Dict) positions(ctx context.Context, keys ftillite.Value, def *int64) (*ftillite.Array, error) {
	cols, err := d.keyCols(keys)
	if err != nil {
		return nil, err
	}
	return d.index.Positions(ctx, def, cols...)
}

// Contains returns 1 for every key present in d.
func (d *Dict) Contains(ctx context.Context, keys ftillite.Value) (*ftillite.Array, error) {
	cols, err := d.keyCols(keys)
	if err != nil {
		return nil, err
	}
	return d.index.Contains(ctx, cols...)
}

// Get returns the values of keys, all of which must be present.
func (d *Dict) Get(ctx context.Context, keys ftillite.Value) (ftillite.Value, error) {
	pos, err := d.positions(ctx, keys, nil)
	if err != nil {
		return nil, err
	}
	defer pos.Release()
	return ftillite.Gather(ctx, d.v, pos)
}

// Lookup is Get with missing keys taking def, a length-1 value of the
// values' type, or the type's default when def is nil.
func (d *Dict) Lookup(ctx context.Context, keys, def ftillite.Value) (ftillite.Value, error) {
	missing := int64(-1)
	pos, err := d.positions(ctx, keys, &missing)
	if err != nil {
		return nil, err
	}
	defer pos.Release()
	return ftillite.Lookup(ctx, d.v, pos, def)
}

// insertKeys adds the keys not yet present, growing the values with default
// elements, and returns the position of every key.
func (d *Dict) insertKeys(ctx context.Context, keys ftillite.Value) (*ftillite.Array, error) {
	cols, err := d.keyCols(keys)
	if err != nil {
		return nil, err
	}
	n, err := d.index.Merge(ctx, cols...)
	if err != nil {
		return nil, err
	}
	defer n.Release()
	if err := ftillite.SetLength(ctx, d.k, ftillite.LenOf(n)); err != nil {
		return nil, err
	}
	if err := ftillite.SetLength(ctx, d.v, ftillite.LenOf(n)); err != nil {
		return nil, err
	}
	pos, err := d.index.Positions(ctx, nil, cols...)
	if err != nil {
		return nil, err
	}
	if err := ftillite.Scatter(ctx, d.k, pos, keys); err != nil {
		pos.Release()
		return nil, err
	}
	return pos, nil
}

// Set assigns values to keys, inserting the keys that are missing.
func (d *Dict) Set(ctx context.Context, keys, values ftillite.Value) error {
	pos, err := d.insertKeys(ctx, keys)
	if err != nil {
		return err
	}
	defer pos.Release()
	return ftillite.Scatter(ctx, d.v, pos, values)
}

// Update sets every entry of o in d.
func (d *Dict) Update(ctx context.Context, o *Dict) error {
	return d.Set(ctx, o.k, o.v)
}

// Merge adds the values of o to d key by key, inserting missing keys with
// default values first.
func (d *Dict) Merge(ctx context.Context, o *Dict) error {
	return d.AddAssign(ctx, o)
}

func (d *Dict) AddAssign(ctx context.Context, o *Dict) error {
	pos, err := d.insertKeys(ctx, o.k)
	if err != nil {
		return err
	}
	defer pos.Release()
	return ftillite.ScatterAdd(ctx, d.v, pos, o.v)
}

func (d *Dict) SubAssign(ctx context.Context, o *Dict) error      { return d.assignOp(ctx, "sub", o) }
func (d *Dict) MulAssign(ctx context.Context, o *Dict) error      { return d.assignOp(ctx, "mul", o) }
func (d *Dict) DivAssign(ctx context.Context, o *Dict) error      { return d.assignOp(ctx, "div", o) }
func (d *Dict) FloorDivAssign(ctx context.Context, o *Dict) error { return d.assignOp(ctx, "floordiv", o) }

// assignOp performs d[k] = d[k] op o[k] for every key of o. Missing keys are
// inserted with default values first.
func (d *Dict) assignOp(ctx context.Context, op string, o *Dict) error {
	pos, err := d.insertKeys(ctx, o.k)
	if err != nil {
		return err
	}
	defer pos.Release()
	cur, err := ftillite.Gather(ctx, d.v, pos)
	if err != nil {
		return err
	}
	defer cur.Release()
	next, err := ftillite.Binary(ctx, op, cur, o.v)
	if err != nil {
		return err
	}
	defer next.Release()
	return ftillite.Scatter(ctx, d.v, pos, next)
}

// ReduceISum adds values[i] to the entry of keys[i] in place, inserting
// missing keys. Repeated keys accumulate.
func (d *Dict) ReduceISum(ctx context.Context, keys, values ftillite.Value) error {
	pos, err := d.insertKeys(ctx, keys)
	if err != nil {
		return err
	}
	defer pos.Release()
	return ftillite.ScatterAdd(ctx, d.v, pos, values)
}

// ReduceSum is ReduceISum on a copy of d.
func (d *Dict) ReduceSum(ctx context.Context, keys, values ftillite.Value) (*Dict, error) {
	out, err := d.Clone(ctx)
	if err != nil {
		return nil, err
	}
	if err := out.ReduceISum(ctx, keys, values); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Delete removes keys, all of which must be present. The tail entries move
// into the freed positions so keys and values stay dense.
func (d *Dict) Delete(ctx context.Context, keys ftillite.Value) error {
	cols, err := d.keyCols(keys)
	if err != nil {
		return err
	}
	r, err := d.index.Remove(ctx, cols...)
	if err != nil {
		return err
	}
	defer r.Release()
	n, err := ftillite.Len(ctx, d.index)
	if err != nil {
		return err
	}
	defer n.Release()
	for _, v := range []ftillite.Value{d.k, d.v} {
		moved, err := ftillite.Gather(ctx, v, r.Old)
		if err != nil {
			return err
		}
		err = ftillite.Scatter(ctx, v, r.New, moved)
		moved.Release()
		if err != nil {
			return err
		}
		if err := ftillite.SetLength(ctx, v, ftillite.LenOf(n)); err != nil {
			return err
		}
	}
	return nil
}
