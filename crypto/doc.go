// Package crypto provides the curve and randomness primitives used by FTILlite
// nodes.
//
// The package covers:
//
//   - edwards25519 scalar and point helpers (integer embedding, random and
//     non-zero scalars, canonical encodings)
//   - differential-privacy padding draws (DiffPrivAmount, NoiseAmount) used
//     to size cover traffic
//   - deterministic byte streams (HKDF + SHAKE256) for reproducible runs,
//     and random 63-bit handle generation
//
// Note: padding draws use math/rand seeded from the node's randomness source
// and are not constant-time.
package crypto
