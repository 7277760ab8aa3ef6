package composite_test

import (
	"context"
	"testing"

	"github.com/etienne-leroy/FTILlite/composite"
	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/testutil"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, v ftillite.Value) []int64 {
	t.Helper()
	return testutil.Read(t, v, testutil.CoordinatorID)
}

func TestPairBroadcastsAndOwnsCopies(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a := testutil.Ints(t, fc, 1, 2, 3)
	b, err := fc.NewInt(ctx, 9)
	require.NoError(t, err)

	p, err := composite.NewPair(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCode("ii"), p.TypeCode())
	require.Equal(t, 2, p.Width())
	require.Equal(t, []int64{9, 9, 9}, read(t, p.Second()))

	a.Release()
	require.Equal(t, []int64{1, 2, 3}, read(t, p.First()))
}

func TestPairOwnsUnbroadcastOperands(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a := testutil.Ints(t, fc, 1, 2)
	b := testutil.Ints(t, fc, 3, 4)
	p, err := composite.NewPair(ctx, a, b)
	require.NoError(t, err)
	require.NotEqual(t, a.Handle(), p.First().Flatten()[0].Handle())
	require.NotEqual(t, b.Handle(), p.Second().Flatten()[0].Handle())

	// Already at the requested length: the pair is reused.
	n, err := ftillite.Len(ctx, p)
	require.NoError(t, err)
	v, created, err := p.BroadcastValue(ctx, ftillite.LenOf(n))
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, p, v)

	a.Release()
	b.Release()
	require.Equal(t, []int64{1, 2}, read(t, p.First()))
	require.Equal(t, []int64{3, 4}, read(t, p.Second()))
}

func TestPairPromotesOperands(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a := testutil.Ints(t, fc, 1, 2)
	b, err := fc.NewInt(ctx, 7)
	require.NoError(t, err)

	p, err := composite.NewPairAs(ctx, protocol.Float, protocol.Int, a, b)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCode("fi"), p.TypeCode())
	require.Equal(t, protocol.Int, a.TypeCode())
	require.Equal(t, []int64{7, 7}, read(t, p.Second()))

	floats, err := p.First().(*ftillite.Array).ReadFloats(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2}, floats[testutil.CoordinatorID])

	_, err = composite.NewPairAs(ctx, protocol.Int, protocol.Int, p, b)
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)
}

func TestPairFlattenRoundTrip(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	inner, err := composite.NewPair(ctx, testutil.Ints(t, fc, 1, 2), testutil.Ints(t, fc, 3, 4))
	require.NoError(t, err)
	outer, err := composite.NewPair(ctx, inner, testutil.Ints(t, fc, 5, 6))
	require.NoError(t, err)
	require.Equal(t, 3, outer.Width())

	parts := outer.Flatten()
	handles := make([]string, len(parts))
	for i, p := range parts {
		handles[i] = p.Handle()
	}

	copies := make([]ftillite.Primitive, len(parts))
	for i, p := range parts {
		c, err := p.Copy(ctx)
		require.NoError(t, err)
		copies[i] = c.(ftillite.Primitive)
	}
	stub, err := outer.Stub(ctx)
	require.NoError(t, err)
	require.NoError(t, stub.Unflatten(ctx, copies))

	eq, err := ftillite.Equal(ctx, outer, stub)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1}, read(t, eq))
	for i, p := range stub.Flatten() {
		require.NotEqual(t, handles[i], p.Handle())
	}

	_, _, err = outer.Promote(ctx, protocol.Int)
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)
}

func TestPairIndexAndContains(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	p, err := composite.NewPair(ctx, testutil.Ints(t, fc, 0, 1, 1, 0, 5), testutil.Ints(t, fc, 3, 0, 2, 0, 4))
	require.NoError(t, err)
	idx, err := p.Index(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4}, read(t, idx))

	query, err := composite.NewPair(ctx, testutil.Ints(t, fc, 1, 1), testutil.Ints(t, fc, 2, 3))
	require.NoError(t, err)
	in, err := p.Contains(ctx, query)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 0}, read(t, in))
}

func TestDictRejectsDuplicateKeys(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	_, err := composite.NewDict(ctx, testutil.Ints(t, fc, 1, 2, 1), testutil.Ints(t, fc, 10, 20, 30))
	require.ErrorIs(t, err, protocol.ErrKeyUniqueness)

	d, err := composite.NewDict(ctx, testutil.Ints(t, fc, 1, 2, 3), testutil.Ints(t, fc, 10, 20, 30))
	require.NoError(t, err)

	// Inserting through Set keeps keys unique.
	require.NoError(t, d.Set(ctx, testutil.Ints(t, fc, 3, 4), testutil.Ints(t, fc, 33, 40)))
	require.Equal(t, []int64{1, 2, 3, 4}, read(t, d.Keys()))
	require.Equal(t, []int64{10, 20, 33, 40}, read(t, d.Values()))
}

func TestDictSetOverwritesExistingKey(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	d, err := composite.NewDict(ctx, testutil.Ints(t, fc, 1, 2), testutil.Ints(t, fc, 10, 20))
	require.NoError(t, err)

	got, err := d.Get(ctx, testutil.Ints(t, fc, 2))
	require.NoError(t, err)
	require.Equal(t, []int64{20}, read(t, got))

	require.NoError(t, d.Set(ctx, testutil.Ints(t, fc, 2), testutil.Ints(t, fc, 99)))
	require.Equal(t, []int64{1, 2}, read(t, d.Keys()))
	require.Equal(t, []int64{10, 99}, read(t, d.Values()))
}

func TestDictOperations(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	d, err := composite.NewDict(ctx, testutil.Ints(t, fc, 1, 2, 3), testutil.Ints(t, fc, 10, 20, 30))
	require.NoError(t, err)

	got, err := d.Get(ctx, testutil.Ints(t, fc, 3, 1))
	require.NoError(t, err)
	require.Equal(t, []int64{30, 10}, read(t, got))

	_, err = d.Get(ctx, testutil.Ints(t, fc, 7))
	require.Error(t, err)

	def, err := fc.NewInt(ctx, -5)
	require.NoError(t, err)
	got, err = d.Lookup(ctx, testutil.Ints(t, fc, 2, 7), def)
	require.NoError(t, err)
	require.Equal(t, []int64{20, -5}, read(t, got))
	got, err = d.Lookup(ctx, testutil.Ints(t, fc, 7), nil)
	require.NoError(t, err)
	require.Equal(t, []int64{0}, read(t, got))

	other, err := composite.NewDict(ctx, testutil.Ints(t, fc, 2, 4), testutil.Ints(t, fc, 1, 2))
	require.NoError(t, err)
	require.NoError(t, d.AddAssign(ctx, other))
	require.Equal(t, []int64{1, 2, 3, 4}, read(t, d.Keys()))
	require.Equal(t, []int64{10, 21, 30, 2}, read(t, d.Values()))

	require.NoError(t, d.MulAssign(ctx, other))
	require.Equal(t, []int64{10, 21, 30, 4}, read(t, d.Values()))

	require.NoError(t, d.ReduceISum(ctx, testutil.Ints(t, fc, 5, 5, 1), testutil.Ints(t, fc, 1, 1, 1)))
	require.Equal(t, []int64{1, 2, 3, 4, 5}, read(t, d.Keys()))
	require.Equal(t, []int64{11, 21, 30, 4, 2}, read(t, d.Values()))

	require.NoError(t, d.Delete(ctx, testutil.Ints(t, fc, 1, 3)))
	require.Equal(t, []int64{4, 2, 5}, read(t, d.Keys()))
	require.Equal(t, []int64{4, 21, 2}, read(t, d.Values()))

	in, err := d.Contains(ctx, testutil.Ints(t, fc, 1, 2))
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, read(t, in))
}

func TestDictTransmitsToCoordinator(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	ids, err := fc.MyID(ctx)
	require.NoError(t, err)
	d, err := composite.NewDict(ctx, ids, testutil.Ints(t, fc, 7))
	require.NoError(t, err)

	var sends []ftillite.Send
	for _, p := range cluster.Peers.Nodes() {
		sends = append(sends, ftillite.Send{From: p, To: cluster.Coordinator, Value: d})
	}
	out, err := fc.Transmit(ctx, sends)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.NoError(t, fc.On(protocol.NewNodeSet(cluster.Coordinator), func() error {
		for id, v := range out {
			got, ok := v.(*composite.Dict)
			require.True(t, ok)
			require.Equal(t, []int64{int64(id)}, read(t, got.Keys()))
			require.Equal(t, []int64{7}, read(t, got.Values()))
		}
		return nil
	}))
}
