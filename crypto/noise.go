package crypto

import (
	"math"
	"math/rand"
)

// DefaultEpsilon and DefaultDelta are the privacy parameters used when a
// caller does not supply its own.
const (
	DefaultEpsilon = 0.001
	DefaultDelta   = 0.001
)

// DiffPrivAmount draws the number of padding items that makes the count of
// real items (ε, δ)-differentially private.
//
// With γ = 1 − e^−ε the draw is Y + ⌊x⌋ where Y is the smallest shift that
// bounds the δ tail and x follows a two-sided geometric-like law built from a
// uniform r ∈ [1 − γ/t, 1). The result is never negative.
func DiffPrivAmount(rng *rand.Rand, epsilon, delta float64) int64 {
	gamma := 1 - math.Exp(-epsilon)
	y := math.Max(0, math.Ceil(math.Log(gamma*(gamma-delta)/(delta*(1-math.Exp(-2*epsilon)))+1)/epsilon))
	t := 1 + (delta-1)*math.Exp(-epsilon) - delta*math.Exp((y-1)*epsilon)
	lo := 1 - gamma/t
	r := lo + rng.Float64()*(1-lo)

	var x float64
	if r > 0 {
		x = -math.Log(r) / epsilon
	} else {
		x = math.Log(1+r*t/(delta*math.Exp((y-1)*epsilon))) / epsilon
	}
	return clampCount(y + math.Floor(x))
}

// NoiseAmount draws the number of cover items added to a batch assembled
// from m inputs.
func NoiseAmount(rng *rand.Rand, epsilon, delta float64, m int) int64 {
	fm := float64(m)
	k := math.Max(0, math.Ceil(fm/delta-1/(1-math.Exp(-epsilon/fm))))
	bound := math.Min(k, fm-1)

	var rho, rand1 int64
	if bound > 0 {
		rho = int64(math.Floor(rng.Float64() * fm / delta / bound))
		rand1 = rng.Int63n(int64(bound))
	}

	var rand2 int64
	if k < fm {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		rand2 = clampCount(k + math.Floor(-math.Log(u)*fm/epsilon))
	} else {
		rand2 = int64(m-1) + DiffPrivAmount(rng, epsilon/fm, delta/(fm-(fm-1)*delta))
	}

	if rho == 1 {
		return rand1
	}
	return rand2
}

func clampCount(v float64) int64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(v)
}
