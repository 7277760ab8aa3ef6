package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/stretchr/testify/require"
)

// Context opens an initialised ftillite.Context on the cluster, with a
// session store in a temporary directory. It is closed with t.Cleanup.
func (c *Cluster) Context(t testing.TB) *ftillite.Context {
	t.Helper()
	sessions, err := ftillite.OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)

	fc, err := ftillite.Open(context.Background(), ftillite.Config{
		Nodes:       c.Nodes,
		Coordinator: c.Coordinator,
		Clients:     c.Clients(),
		Addrs:       c.Addrs(),
		Sessions:    sessions,
		Log:         c.log,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		fc.Close()
		sessions.Close()
	})
	return fc
}

// Ints builds an int array holding vs on every node of the active scope.
func Ints(t testing.TB, fc *ftillite.Context, vs ...int64) *ftillite.Array {
	t.Helper()
	ctx := context.Background()
	a, err := fc.NewArray(ctx, protocol.Int, ftillite.N(len(vs)))
	require.NoError(t, err)
	for i, v := range vs {
		idx, err := fc.NewInt(ctx, int64(i))
		require.NoError(t, err)
		x, err := fc.NewInt(ctx, v)
		require.NoError(t, err)
		require.NoError(t, a.Set(ctx, idx, x))
		idx.Release()
		x.Release()
	}
	return a
}

// Read returns the elements node id holds for v, which must be an int
// array. The node must be in the active scope.
func Read(t testing.TB, v ftillite.Value, id int) []int64 {
	t.Helper()
	a, ok := v.(*ftillite.Array)
	require.True(t, ok, "%T is not an array", v)
	got, err := a.ReadInts(context.Background())
	require.NoError(t, err)
	return got[id]
}
