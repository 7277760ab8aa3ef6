package composite

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Pair holds two values of equal length side by side. It owns its
// components.
type Pair struct {
	first, second ftillite.Value
}

var _ ftillite.Value = (*Pair)(nil)

// NewPair broadcasts a and b to their common length and pairs copies of
// them. The caller keeps ownership of a and b.
func NewPair(ctx context.Context, a, b ftillite.Value) (*Pair, error) {
	return NewPairAs(ctx, a.TypeCode(), b.TypeCode(), a, b)
}

// NewPairAs is NewPair with a promoted to tcA and b to tcB first, so an int
// array can be paired as floats or scalars.
func NewPairAs(ctx context.Context, tcA, tcB protocol.TypeCode, a, b ftillite.Value) (*Pair, error) {
	n, err := ftillite.BroadcastLen(ctx, a, b)
	if err != nil {
		return nil, err
	}
	defer n.Release()

	first, err := owned(ctx, a, tcA, ftillite.LenOf(n))
	if err != nil {
		return nil, err
	}
	second, err := owned(ctx, b, tcB, ftillite.LenOf(n))
	if err != nil {
		first.Release()
		return nil, err
	}
	return &Pair{first: first, second: second}, nil
}

// owned promotes v to tc and broadcasts it to n, returning a value the
// caller owns. v is copied only when neither step created a new value.
func owned(ctx context.Context, v ftillite.Value, tc protocol.TypeCode, n ftillite.Length) (ftillite.Value, error) {
	p, promoted, err := v.Promote(ctx, tc)
	if err != nil {
		return nil, err
	}
	b, broadcast, err := p.BroadcastValue(ctx, n)
	if err != nil {
		if promoted {
			p.Release()
		}
		return nil, err
	}
	switch {
	case broadcast:
		if promoted {
			p.Release()
		}
		return b, nil
	case promoted:
		return p, nil
	default:
		return v.Copy(ctx)
	}
}

// pairOf takes ownership of a and b without copying.
func pairOf(a, b ftillite.Value) *Pair { return &Pair{first: a, second: b} }

func (p *Pair) First() ftillite.Value  { return p.first }
func (p *Pair) Second() ftillite.Value { return p.second }

func (p *Pair) TypeCode() protocol.TypeCode { return p.first.TypeCode() + p.second.TypeCode() }
func (p *Pair) Width() int                  { return p.first.Width() + p.second.Width() }

func (p *Pair) Flatten() []ftillite.Primitive {
	return append(p.first.Flatten(), p.second.Flatten()...)
}

func (p *Pair) Unflatten(ctx context.Context, parts []ftillite.Primitive) error {
	if len(parts) != p.Width() {
		return fmt.Errorf("%w: pair of width %d given %d components", protocol.ErrTypeMismatch, p.Width(), len(parts))
	}
	w := p.first.Width()
	if err := p.first.Unflatten(ctx, parts[:w]); err != nil {
		return err
	}
	return p.second.Unflatten(ctx, parts[w:])
}

func (p *Pair) Copy(ctx context.Context) (ftillite.Value, error) {
	a, err := p.first.Copy(ctx)
	if err != nil {
		return nil, err
	}
	b, err := p.second.Copy(ctx)
	if err != nil {
		a.Release()
		return nil, err
	}
	return pairOf(a, b), nil
}

func (p *Pair) Stub(ctx context.Context) (ftillite.Value, error) {
	a, err := p.first.Stub(ctx)
	if err != nil {
		return nil, err
	}
	b, err := p.second.Stub(ctx)
	if err != nil {
		a.Release()
		return nil, err
	}
	return pairOf(a, b), nil
}

// Promote only accepts the pair's own typecode.
func (p *Pair) Promote(_ context.Context, tc protocol.TypeCode) (ftillite.Value, bool, error) {
	if tc != p.TypeCode() {
		return nil, false, fmt.Errorf("%w: cannot promote pair %s to %s", protocol.ErrTypeMismatch, p.TypeCode(), tc)
	}
	return p, false, nil
}

func (p *Pair) BroadcastValue(ctx context.Context, n ftillite.Length) (ftillite.Value, bool, error) {
	a, copied1, err := p.first.BroadcastValue(ctx, n)
	if err != nil {
		return nil, false, err
	}
	b, copied2, err := p.second.BroadcastValue(ctx, n)
	if err != nil {
		if copied1 {
			a.Release()
		}
		return nil, false, err
	}
	if !copied1 && !copied2 {
		return p, false, nil
	}
	if !copied1 {
		if a, err = a.Copy(ctx); err != nil {
			b.Release()
			return nil, false, err
		}
	}
	if !copied2 {
		if b, err = b.Copy(ctx); err != nil {
			a.Release()
			return nil, false, err
		}
	}
	return pairOf(a, b), true, nil
}

func (p *Pair) Scope() protocol.NodeSet {
	return p.first.Scope().Intersect(p.second.Scope())
}

func (p *Pair) Release() {
	p.first.Release()
	p.second.Release()
}

// Eq returns 1 where both components match.
func (p *Pair) Eq(ctx context.Context, o *Pair) (*ftillite.Array, error) {
	return ftillite.Equal(ctx, p, o)
}

// Ne returns 1 where either component differs.
func (p *Pair) Ne(ctx context.Context, o *Pair) (*ftillite.Array, error) {
	eq, err := p.Eq(ctx, o)
	if err != nil {
		return nil, err
	}
	defer eq.Release()
	return eq.Not(ctx)
}

// Indexer is implemented by values that can report the positions of their
// non-default elements.
type Indexer interface {
	Index(ctx context.Context) (*ftillite.Array, error)
}

// Index returns the positions where both components are non-default.
func (p *Pair) Index(ctx context.Context) (*ftillite.Array, error) {
	i1, err := indexOf(ctx, p.first)
	if err != nil {
		return nil, err
	}
	defer i1.Release()
	i2, err := indexOf(ctx, p.second)
	if err != nil {
		return nil, err
	}
	defer i2.Release()
	return intersectSorted(ctx, i1, i2)
}

func indexOf(ctx context.Context, v ftillite.Value) (*ftillite.Array, error) {
	ix, ok := v.(Indexer)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no index", protocol.ErrTypeMismatch, v)
	}
	return ix.Index(ctx)
}

// intersectSorted keeps the elements of b that also occur in a, in b's
// order.
func intersectSorted(ctx context.Context, a, b *ftillite.Array) (*ftillite.Array, error) {
	m, err := a.Context().NewListMap(ctx, ftillite.OrderAny, a)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	in, err := m.Contains(ctx, b)
	if err != nil {
		return nil, err
	}
	defer in.Release()
	keep, err := in.Index(ctx)
	if err != nil {
		return nil, err
	}
	defer keep.Release()
	return b.Get(ctx, keep)
}

// Contains reports, for each element of items, whether it occurs in p.
func (p *Pair) Contains(ctx context.Context, items *Pair) (*ftillite.Array, error) {
	if items.TypeCode() != p.TypeCode() {
		return nil, fmt.Errorf("%w: pair %s cannot contain %s", protocol.ErrTypeMismatch, p.TypeCode(), items.TypeCode())
	}
	cols, err := ftillite.FlattenArrays(p)
	if err != nil {
		return nil, err
	}
	flat, err := ftillite.FlattenArrays(items)
	if err != nil {
		return nil, err
	}
	m, err := ftillite.ContextOf(p).NewListMap(ctx, ftillite.OrderAny, cols...)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	return m.Contains(ctx, flat...)
}
