package setops_test

import (
	"context"
	"testing"

	"github.com/etienne-leroy/FTILlite/composite"
	"github.com/etienne-leroy/FTILlite/elgamal"
	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/setops"
	"github.com/etienne-leroy/FTILlite/testutil"
	"github.com/stretchr/testify/require"
)

type env struct {
	cluster *testutil.Cluster
	fc      *ftillite.Context
	sk      *elgamal.PrivateKey
	pk      *elgamal.PublicKey
	engine  *setops.Engine
}

func setup(t *testing.T, opts ...elgamal.KeyOption) *env {
	t.Helper()
	cluster := testutil.NewCluster(t, testutil.WithSeed([]byte("setops")))
	fc := cluster.Context(t)
	sk, pk, err := elgamal.GenerateKey(context.Background(), fc, opts...)
	require.NoError(t, err)
	// Large privacy parameters keep the cover traffic small.
	engine := setops.New(fc, sk, pk, setops.Config{Epsilon: 1, Delta: 0.1})
	return &env{cluster: cluster, fc: fc, sk: sk, pk: pk, engine: engine}
}

// tag builds, on every peer, the tag mapping keys[i] to Enc(plains[i]).
func (e *env) tag(t *testing.T, keys []int64, plains []int64) *composite.Dict {
	t.Helper()
	ctx := context.Background()
	var d *composite.Dict
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		c, err := e.pk.Encrypt(ctx, testutil.Ints(t, e.fc, plains...))
		require.NoError(t, err)
		d, err = composite.NewDict(ctx, testutil.Ints(t, e.fc, keys...), c)
		return err
	}))
	return d
}

// zeros reveals, per peer id, which values of d decrypt to zero.
func (e *env) zeros(t *testing.T, d *composite.Dict) map[int][]int64 {
	t.Helper()
	ctx := context.Background()
	var sends []ftillite.Send
	for _, p := range e.cluster.Peers.Nodes() {
		sends = append(sends, ftillite.Send{From: p, To: e.cluster.Coordinator, Value: d.Values()})
	}
	got, err := e.fc.Transmit(ctx, sends)
	require.NoError(t, err)

	out := make(map[int][]int64)
	require.NoError(t, e.fc.On(protocol.NewNodeSet(e.cluster.Coordinator), func() error {
		for id, v := range got {
			c, err := elgamal.AsCipher(v)
			require.NoError(t, err)
			z, err := e.sk.IsZero(ctx, c)
			require.NoError(t, err)
			out[id] = testutil.Read(t, z, testutil.CoordinatorID)
		}
		return nil
	}))
	return out
}

func (e *env) requireZeros(t *testing.T, d *composite.Dict, want ...int64) {
	t.Helper()
	got := e.zeros(t, d)
	for _, id := range e.cluster.Peers.IDs() {
		require.Equal(t, want, got[id], "peer %d", id)
	}
}

func (e *env) keys(t *testing.T, d *composite.Dict) []int64 {
	t.Helper()
	var out []int64
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		out = testutil.Read(t, d.Keys(), e.cluster.Peers.IDs()[0])
		return nil
	}))
	return out
}

func TestNegation(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{10, 11, 12, 13}, []int64{0, 1, 5, 0})
	neg, err := e.engine.Negation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11, 12, 13}, e.keys(t, neg))
	e.requireZeros(t, neg, 0, 1, 1, 0)

	twice, err := e.engine.Negation(ctx, neg)
	require.NoError(t, err)
	e.requireZeros(t, twice, 1, 0, 0, 1)
}

func TestMultiNegationKeepsTagsApart(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2}, []int64{0, 3})
	b := e.tag(t, []int64{5, 6, 7}, []int64{2, 0, 0})
	negs, err := e.engine.MultiNegation(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, negs, 2)
	require.Equal(t, []int64{1, 2}, e.keys(t, negs[0]))
	require.Equal(t, []int64{5, 6, 7}, e.keys(t, negs[1]))
	e.requireZeros(t, negs[0], 0, 1)
	e.requireZeros(t, negs[1], 1, 0, 0)
}

func TestUnionMergesKeys(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2}, []int64{1, 0})
	b := e.tag(t, []int64{2, 3}, []int64{0, 1})
	u, err := e.engine.Union(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, e.keys(t, u))
	e.requireZeros(t, u, 0, 1, 0)

	// Inputs are untouched.
	e.requireZeros(t, a, 0, 1)
}

func TestIntersection(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	keys := []int64{1, 2, 3, 4}
	a := e.tag(t, keys, []int64{1, 0, 0, 1})
	b := e.tag(t, keys, []int64{1, 0, 1, 0})
	c := e.tag(t, keys, []int64{2, 1, 1, 1})

	ab, err := e.engine.Intersection(ctx, a, b)
	require.NoError(t, err)
	e.requireZeros(t, ab, 0, 1, 1, 1)

	abc, err := e.engine.MultiIntersection(ctx, a, b, c)
	require.NoError(t, err)
	e.requireZeros(t, abc, 0, 1, 1, 1)
}

func TestAtLeast(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	counts := e.tag(t, []int64{1, 2, 3, 4}, []int64{0, 1, 2, 3})

	two, err := e.engine.AtLeast(ctx, counts, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, e.keys(t, two))
	e.requireZeros(t, two, 1, 1, 0, 0)

	one, err := e.engine.AtLeast(ctx, counts, 1)
	require.NoError(t, err)
	e.requireZeros(t, one, 1, 0, 0, 0)

	four, err := e.engine.AtLeast(ctx, counts, 4)
	require.NoError(t, err)
	e.requireZeros(t, four, 1, 1, 1, 1)

	_, err = e.engine.AtLeast(ctx, counts, 0)
	require.Error(t, err)
}

func TestDeMorgan(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	keys := []int64{1, 2, 3, 4}
	a := e.tag(t, keys, []int64{1, 0, 0, 1})
	b := e.tag(t, keys, []int64{1, 0, 1, 0})

	// ¬(A ∪ B)
	u, err := e.engine.Union(ctx, a, b)
	require.NoError(t, err)
	lhs, err := e.engine.Negation(ctx, u)
	require.NoError(t, err)

	// ¬A ∩ ¬B
	negs, err := e.engine.MultiNegation(ctx, a, b)
	require.NoError(t, err)
	rhs, err := e.engine.Intersection(ctx, negs[0], negs[1])
	require.NoError(t, err)

	require.Equal(t, e.zeros(t, lhs), e.zeros(t, rhs))
	e.requireZeros(t, lhs, 1, 0, 1, 1)
}

func TestMultiNormalize(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2, 3}, []int64{0, 3, 1})
	b := e.tag(t, []int64{4}, []int64{0})
	out, err := e.engine.MultiNormalize(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, out, 2)
	e.requireZeros(t, out[0], 1, 0, 0)
	e.requireZeros(t, out[1], 1)

	// Normalised tags hold exactly one where non-zero.
	once, err := e.engine.MultiUnion(ctx, out[0], out[0])
	require.NoError(t, err)
	twice := e.tag(t, []int64{1, 2, 3}, []int64{0, 2, 2})
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		return once.SubAssign(ctx, twice)
	}))
	e.requireZeros(t, once, 1, 1, 1)
}

func TestRestrictToSet(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2, 3}, []int64{4, 0, 1})
	var accounts *ftillite.Array
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		accounts = testutil.Ints(t, e.fc, 3, 9, 2)
		return nil
	}))
	r, err := e.engine.RestrictToSet(ctx, a, accounts)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 9, 2}, e.keys(t, r))
	e.requireZeros(t, r, 0, 1, 1)
}

func TestReadTag(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2, 3, 4}, []int64{0, 7, 1, 1})
	var targets *ftillite.Array
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		targets = testutil.Ints(t, e.fc, 4, 1, 2, 8)
		return nil
	}))
	got, err := e.engine.ReadTag(ctx, a, targets)
	require.NoError(t, err)

	want := make(map[string][]int64)
	for _, p := range e.cluster.Peers.Nodes() {
		want[p.Name] = []int64{2, 4}
	}
	require.Equal(t, want, got)
}

func TestDebugKeyThroughNegation(t *testing.T) {
	e := setup(t, elgamal.WithDebug())
	ctx := context.Background()

	a := e.tag(t, []int64{1, 2}, []int64{0, 6})
	neg, err := e.engine.Negation(ctx, a)
	require.NoError(t, err)
	c, err := elgamal.AsCipher(neg.Values())
	require.NoError(t, err)
	require.True(t, c.Debug())
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		return e.pk.Check(ctx, c)
	}))
	e.requireZeros(t, neg, 0, 1)
}

func TestRequiresCoordinatorAndPeers(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a := e.tag(t, []int64{1}, []int64{1})
	require.NoError(t, e.fc.On(e.cluster.Peers, func() error {
		_, err := e.engine.Negation(ctx, a)
		require.ErrorIs(t, err, protocol.ErrScopeViolation)
		return nil
	}))
	require.NoError(t, e.fc.On(protocol.NewNodeSet(e.cluster.Coordinator), func() error {
		_, err := e.engine.MultiUnion(ctx, a)
		require.ErrorIs(t, err, protocol.ErrScopeViolation)
		return nil
	}))

	_, err := e.engine.MultiNegation(ctx)
	require.Error(t, err)
}
