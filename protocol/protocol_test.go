package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	coord = Node{ID: 0, Name: "coordinator"}
	peer1 = Node{ID: 1, Name: "peer1"}
	peer2 = Node{ID: 2, Name: "peer2"}
)

func TestNodeSetAlgebra(t *testing.T) {
	all := NewNodeSet(coord, peer1, peer2)
	peers := all.Without(coord)

	require.Equal(t, 3, all.Len())
	require.Equal(t, []int{1, 2}, peers.IDs())
	require.True(t, peers.IsSubsetOf(all))
	require.False(t, all.IsSubsetOf(peers))
	require.True(t, NewNodeSet(coord).Union(peers).Equal(all))
	require.Equal(t, []Node{peer1}, NewNodeSet(coord, peer1).Intersect(peers).Nodes())
	require.Equal(t, []Node{peer2}, peers.Missing(NewNodeSet(coord, peer1)))

	// Identity is by id only.
	renamed := Node{ID: 1, Name: "bank-a"}
	require.True(t, all.Contains(renamed))
	require.True(t, renamed.Equal(peer1))
}

func TestBindInsertsHandlesAfterCount(t *testing.T) {
	cmd, err := Bind(Template("add", 1, "10", "11"), []string{"99"})
	require.NoError(t, err)
	require.Equal(t, "add 1 99 10 11", cmd)

	cmd, err = Bind(Template("del", 0, "5", "6"), nil)
	require.NoError(t, err)
	require.Equal(t, "del 0 5 6", cmd)

	_, err = Bind(Template("add", 2, "10"), []string{"1"})
	require.Error(t, err)
}

func TestResultsRoundTrip(t *testing.T) {
	in := []Result{
		{Kind: KindArray, TypeCode: Int, Handle: "12"},
		{Kind: KindListMap, TypeCode: "ib32", Handle: "13"},
	}
	out, err := ParseResults(FormatResults(in...))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = ParseResults("array i")
	require.Error(t, err)
}

func TestParseMap(t *testing.T) {
	entries, err := ParseMap("map 0 array E 17 2 array E 18")
	require.NoError(t, err)
	require.Equal(t, []MapEntry{
		{NodeID: 0, Result: Result{Kind: KindArray, TypeCode: Point, Handle: "17"}},
		{NodeID: 2, Result: Result{Kind: KindArray, TypeCode: Point, Handle: "18"}},
	}, entries)
	require.Equal(t, "map 0 array E 17 2 array E 18", FormatMap(entries))
}

func TestScalarReplies(t *testing.T) {
	v, err := ParseInt(FormatInt(-4))
	require.NoError(t, err)
	require.EqualValues(t, -4, v)

	ints, err := ParseIntList(FormatIntList([]int64{1, 2, 3}))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ints)

	floats, err := ParseFloatList(FormatFloatList([]float64{0.5, -1}))
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, -1}, floats)

	bs, err := ParseBytesList(FormatBytesList([][]byte{{0xde, 0xad}}))
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0xde, 0xad}}, bs)

	ok, err := ParseBool(FormatBool(true))
	require.NoError(t, err)
	require.True(t, ok)

	msg, isErr := ParseError("error divide by zero")
	require.True(t, isErr)
	require.Equal(t, "divide by zero", msg)
	_, isErr = ParseError("ack")
	require.False(t, isErr)
}

func TestTypeCodes(t *testing.T) {
	tcs, err := SplitTypeCodes("ib32fE")
	require.NoError(t, err)
	require.Equal(t, []TypeCode{Int, "b32", Float, Point}, tcs)
	require.Equal(t, TypeCode("ib32fE"), JoinTypeCodes(tcs))
	require.Equal(t, 32, tcs[1].ByteWidth())

	_, err = ParseTypeCode("b0")
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = SplitTypeCodes("ix")
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRemoteErrorClassification(t *testing.T) {
	err := NewRemoteError("div 1 5 6 7", []*NodeError{
		NewNodeError(peer2, "divide by zero"),
		NewNodeError(peer1, "key uniqueness violation: duplicate key"),
	})

	require.ErrorIs(t, err, ErrRemoteArithmetic)
	require.ErrorIs(t, err, ErrKeyUniqueness)
	require.Len(t, err.Failures(), 2)
	require.Contains(t, err.Error(), "peer2: divide by zero")

	var re *RemoteError
	require.True(t, errors.As(error(err), &re))
}

func TestEnvelope(t *testing.T) {
	env := NewEnvelope("len 0 5", true)
	data, err := SerializeMessage(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"command_len 0 5","response_required":"True"}`, string(data))

	decoded, err := UnmarshalMessage[Envelope](data)
	require.NoError(t, err)
	require.True(t, decoded.WantsResponse())
	body, err := decoded.Body()
	require.NoError(t, err)
	require.Equal(t, "len 0 5", body)
	require.Equal(t, "FTILITE_INCOMING_3", IncomingQueue(3))
}
