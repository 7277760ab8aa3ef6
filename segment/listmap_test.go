package segment

import (
	"testing"

	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func keyRows(m *ListMap) [][]int64 {
	keys := m.Keys()
	out := make([][]int64, m.Len())
	for r := range out {
		for _, k := range keys {
			out[r] = append(out[r], k.Ints()[r])
		}
	}
	return out
}

func TestListMapRandomOrder(t *testing.T) {
	keys := []*Array{IntArray(10, 20, 10, 30)}
	m, err := NewListMap(keys, OrderRnd, func(n int) []int64 {
		require.Equal(t, 3, n)
		return []int64{2, 0, 1}
	})
	require.NoError(t, err)
	if diff := cmp.Diff([][]int64{{20}, {30}, {10}}, keyRows(m)); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}

	pos, err := m.Positions([]*Array{IntArray(30, 10)}, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, pos.Ints())
}

func TestListMapStaysUnique(t *testing.T) {
	m, err := NewListMap([]*Array{IntArray(1, 2), IntArray(5, 5)}, OrderPos, nil)
	require.NoError(t, err)

	added, err := m.Add([]*Array{IntArray(2, 3, 3, 4), IntArray(5, 5, 5, 6)}, true)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, added.Ints())
	require.Equal(t, 4, m.Len())

	_, err = m.Add([]*Array{IntArray(7, 7), IntArray(0, 0)}, false)
	require.ErrorIs(t, err, protocol.ErrKeyUniqueness)
	require.Equal(t, 4, m.Len())

	seen := map[[2]int64]bool{}
	for _, row := range keyRows(m) {
		k := [2]int64{row[0], row[1]}
		require.False(t, seen[k], "duplicate key %v", k)
		seen[k] = true
	}
}

func TestListMapRemoveCompacts(t *testing.T) {
	m, err := NewListMap([]*Array{IntArray(0, 1, 2, 3, 4, 5)}, OrderPos, nil)
	require.NoError(t, err)

	moved, oldPos, newPos, err := m.Remove([]*Array{IntArray(1, 5, 3)}, false)
	require.NoError(t, err)
	require.Equal(t, 3, m.Len())
	require.Equal(t, []int64{4}, oldPos.Ints())
	require.Equal(t, []int64{1}, newPos.Ints())
	require.Equal(t, []int64{4}, moved[0].Ints())
	require.Equal(t, [][]int64{{0}, {4}, {2}}, keyRows(m))

	_, _, _, err = m.Remove([]*Array{IntArray(99)}, false)
	require.Error(t, err)
	_, _, _, err = m.Remove([]*Array{IntArray(99)}, true)
	require.NoError(t, err)
}

func TestListMapTypeChecks(t *testing.T) {
	m, err := NewListMap([]*Array{IntArray(1)}, OrderPos, nil)
	require.NoError(t, err)
	_, err = m.Contains([]*Array{FloatArray(1)})
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)
	_, err = NewListMap([]*Array{IntArray(1)}, "sorted", nil)
	require.Error(t, err)
}

func TestValueCodecRoundTrip(t *testing.T) {
	pts := PointArray(crypto.PointFromInt(3), crypto.PointFromInt(4))
	b, err := MarshalValue(pts)
	require.NoError(t, err)
	v, err := UnmarshalValue(b)
	require.NoError(t, err)
	eq, err := binaryOp("eq", pts, v.(*Array))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1}, eq.Ints())

	bs, err := BytesArray(2, []byte("ab"), []byte("cd"))
	require.NoError(t, err)
	m, err := NewListMap([]*Array{IntArray(7, 8), bs}, OrderPos, nil)
	require.NoError(t, err)
	b, err = MarshalValue(m)
	require.NoError(t, err)
	v, err = UnmarshalValue(b)
	require.NoError(t, err)
	got := v.(*ListMap)
	require.Equal(t, protocol.TypeCode("ib2"), got.TypeCode())
	pos, err := got.Positions([]*Array{IntArray(8), mustBytes(t, "cd")}, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, pos.Ints())

	_, err = UnmarshalValue([]byte{0xff})
	require.Error(t, err)
}

func mustBytes(t *testing.T, s string) *Array {
	a, err := BytesArray(len(s), []byte(s))
	require.NoError(t, err)
	return a
}

func TestListMapIndexedRightAfterBuild(t *testing.T) {
	for _, order := range []string{OrderPos, OrderAny, OrderRnd} {
		t.Run(order, func(t *testing.T) {
			m, err := NewListMap([]*Array{IntArray(4, 8, 15)}, order, nil)
			require.NoError(t, err)
			require.Equal(t, 3, m.Len())

			pos, err := m.Positions([]*Array{IntArray(15, 4, 8)}, nil)
			require.NoError(t, err)
			require.Equal(t, []int64{2, 0, 1}, pos.Ints())

			in, err := m.Contains([]*Array{IntArray(8, 16)})
			require.NoError(t, err)
			require.Equal(t, []int64{1, 0}, in.Ints())
		})
	}
}

func TestListMapIndexedAfterRemove(t *testing.T) {
	m, err := NewListMap([]*Array{IntArray(1, 2, 3, 4)}, OrderPos, nil)
	require.NoError(t, err)
	_, _, _, err = m.Remove([]*Array{IntArray(2)}, false)
	require.NoError(t, err)

	pos, err := m.Positions([]*Array{IntArray(1, 4, 3)}, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, pos.Ints())

	added, err := m.Add([]*Array{IntArray(3, 5)}, true)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, added.Ints())
	require.Equal(t, 4, m.Len())
}
