package crypto

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"
)

func TestScalarFromIntNegation(t *testing.T) {
	sum := edwards25519.NewScalar().Add(ScalarFromInt(-7), ScalarFromInt(7))
	require.True(t, IsZeroScalar(sum))
	require.False(t, IsZeroScalar(ScalarFromInt(1)))
}

func TestPointFromIntIsHomomorphic(t *testing.T) {
	two := new(edwards25519.Point).Add(PointFromInt(1), PointFromInt(1))
	require.Equal(t, 1, two.Equal(PointFromInt(2)))
	require.Equal(t, 1, PointFromInt(0).Equal(edwards25519.NewIdentityPoint()))
}

func TestEncodingsRoundTrip(t *testing.T) {
	s, err := RandomNonZeroScalar(bytes.NewReader(bytes.Repeat([]byte{3}, 64)))
	require.NoError(t, err)

	decoded, err := DecodeScalar(s.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, decoded.Equal(s))

	p := BasePointMul(s)
	dp, err := DecodePoint(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, dp.Equal(p))

	_, err = InvertScalar(edwards25519.NewScalar())
	require.Error(t, err)
}

func TestSeededReaderIsDeterministic(t *testing.T) {
	read := func(label string) []byte {
		r, err := NewSeededReader([]byte("seed"), label)
		require.NoError(t, err)
		b := make([]byte, 200)
		_, err = io.ReadFull(r, b)
		require.NoError(t, err)
		return b
	}

	require.Equal(t, read("node-1"), read("node-1"))
	require.NotEqual(t, read("node-1"), read("node-2"))
}

func TestNoiseAmountIsNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, params := range []struct {
		eps, delta float64
		m          int
	}{
		{DefaultEpsilon, DefaultDelta, 1},
		{DefaultEpsilon, DefaultDelta, 2},
		{1, 0.1, 1},
		{1, 0.1, 3},
		{2, 0.5, 12},
	} {
		for i := 0; i < 100; i++ {
			require.GreaterOrEqual(t, NoiseAmount(rng, params.eps, params.delta, params.m), int64(0))
		}
	}
}

func TestDiffPrivAmountSmallForLooseParameters(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	var total int64
	for i := 0; i < 1000; i++ {
		v := DiffPrivAmount(rng, 1, 0.1)
		require.GreaterOrEqual(t, v, int64(0))
		total += v
	}
	require.Less(t, total/1000, int64(10))
}

func FuzzScalarFromInt(f *testing.F) {
	f.Add(int64(0))
	f.Add(int64(-1))
	f.Add(int64(1) << 62)
	f.Fuzz(func(t *testing.T, v int64) {
		if v == -v {
			return
		}
		sum := edwards25519.NewScalar().Add(ScalarFromInt(v), ScalarFromInt(-v))
		if !IsZeroScalar(sum) {
			t.Fatalf("s(%d) + s(%d) != 0", v, -v)
		}
	})
}
