package ftillite_test

import (
	"context"
	"testing"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeStack(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	p1, p2 := cluster.Node(1), cluster.Node(2)

	require.True(t, fc.Scope().Equal(cluster.Nodes))
	require.Equal(t, 1, fc.Depth())
	require.ErrorIs(t, fc.Pop(), protocol.ErrScopeViolation)
	require.ErrorIs(t, fc.Push(protocol.NewNodeSet()), protocol.ErrScopeViolation)

	require.NoError(t, fc.Push(protocol.NewNodeSet(cluster.Coordinator, p1)))
	err := fc.Push(protocol.NewNodeSet(p1, p2))
	require.ErrorIs(t, err, protocol.ErrScopeViolation)
	assert.Contains(t, err.Error(), "peer2")
	require.Equal(t, 2, fc.Depth())

	require.NoError(t, fc.On(protocol.NewNodeSet(p1), func() error {
		require.True(t, fc.Scope().Equal(protocol.NewNodeSet(p1)))
		return nil
	}))
	require.Equal(t, 2, fc.Depth())
	require.NoError(t, fc.Pop())
	require.True(t, fc.Scope().Equal(cluster.Nodes))
}

func TestOperandMustLiveOnWholeScope(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	var a *ftillite.Array
	require.NoError(t, fc.On(cluster.Peers, func() error {
		var err error
		a, err = fc.Arange(ctx, ftillite.N(3))
		return err
	}))
	require.True(t, a.Scope().Equal(cluster.Peers))

	_, err := a.Sum(ctx)
	require.ErrorIs(t, err, protocol.ErrScopeViolation)

	require.NoError(t, fc.On(cluster.Peers, func() error {
		s, err := a.Sum(ctx)
		if err != nil {
			return err
		}
		got, err := s.ReadInts(ctx)
		require.NoError(t, err)
		require.Equal(t, map[int][]int64{1: {3}, 2: {3}}, got)
		return nil
	}))
}

func TestArrayArithmetic(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a, err := fc.Arange(ctx, ftillite.N(4))
	require.NoError(t, err)
	two, err := fc.NewInt(ctx, 2)
	require.NoError(t, err)

	b, err := a.Mul(ctx, two)
	require.NoError(t, err)
	c, err := b.Add(ctx, a)
	require.NoError(t, err)
	got, err := c.ReadInts(ctx)
	require.NoError(t, err)
	for _, id := range cluster.Nodes.IDs() {
		require.Equal(t, []int64{0, 3, 6, 9}, got[id])
	}

	gt, err := c.Gt(ctx, two)
	require.NoError(t, err)
	idx, err := gt.Index(ctx)
	require.NoError(t, err)
	got, err = idx.ReadInts(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got[testutil.CoordinatorID])

	f, err := a.AsType(ctx, protocol.Float)
	require.NoError(t, err)
	require.Equal(t, protocol.Float, f.TypeCode())
	_, err = f.Add(ctx, a)
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)
}

func TestPerNodeLength(t *testing.T) {
	cluster := testutil.NewCluster(t, testutil.WithPeers(3))
	fc := cluster.Context(t)
	ctx := context.Background()

	ids, err := fc.MyID(ctx)
	require.NoError(t, err)
	a, err := fc.NewArray(ctx, protocol.Int, ftillite.LenOf(ids), "7")
	require.NoError(t, err)

	lengths, err := a.Lengths(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]int{0: 0, 1: 1, 2: 2, 3: 3}, lengths)

	n, err := ftillite.Len(ctx, a)
	require.NoError(t, err)
	got, err := n.ReadInts(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, got[2])
}

func TestVerifyNamesFailingNodes(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	ids, err := fc.MyID(ctx)
	require.NoError(t, err)
	one, err := fc.NewInt(ctx, 1)
	require.NoError(t, err)

	notOne, err := ids.Ne(ctx, one)
	require.NoError(t, err)
	err = fc.Verify(ctx, notOne)
	require.ErrorIs(t, err, protocol.ErrVerificationFailure)
	assert.Contains(t, err.Error(), "peer1")
	assert.NotContains(t, err.Error(), "peer2")

	nonNegative, err := ids.Ge(ctx, one)
	require.NoError(t, err)
	require.NoError(t, fc.On(cluster.Peers, func() error {
		return fc.Verify(ctx, nonNegative)
	}))
}

func TestReleaseDeletesOnNextCommand(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a, err := fc.Arange(ctx, ftillite.N(2))
	require.NoError(t, err)
	require.True(t, fc.Manager().Registry().Contains(a.Handle()))

	a.Release()
	a.Release()
	require.Equal(t, cluster.Nodes.Len(), fc.Manager().Deletions().Len())

	_, err = a.Sum(ctx)
	require.Error(t, err)

	_, err = fc.MyID(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, fc.Manager().Deletions().Len())
	require.False(t, fc.Manager().Registry().Contains(a.Handle()))
	for _, h := range cluster.Hosts {
		require.NotContains(t, h.Handles(), a.Handle())
	}
}

func TestRemoteErrorLeavesOperandsValid(t *testing.T) {
	cluster := testutil.NewCluster(t)
	fc := cluster.Context(t)
	ctx := context.Background()

	a, err := fc.Arange(ctx, ftillite.N(3))
	require.NoError(t, err)
	b, err := fc.Arange(ctx, ftillite.N(2))
	require.NoError(t, err)

	before := fc.Manager().Registry().Len()
	_, err = a.Add(ctx, b)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Len(t, remote.Failures(), cluster.Nodes.Len())
	require.Equal(t, before, fc.Manager().Registry().Len())

	s, err := a.Sum(ctx)
	require.NoError(t, err)
	got, err := s.ReadInts(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, got[1])
}
