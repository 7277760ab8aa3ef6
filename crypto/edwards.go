package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// ScalarSize and PointSize are the encoded sizes of curve elements.
const (
	ScalarSize = 32
	PointSize  = 32
)

var errZeroScalar = errors.New("zero scalar")

// ScalarFromInt embeds a signed integer in the scalar field.
func ScalarFromInt(v int64) *edwards25519.Scalar {
	u := uint64(v)
	if v < 0 {
		u = uint64(-v)
	}
	var b [ScalarSize]byte
	binary.LittleEndian.PutUint64(b[:8], u)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		// Any value below 2^64 is canonical.
		panic(err)
	}
	if v < 0 {
		s.Negate(s)
	}
	return s
}

// PointFromInt returns v·G.
func PointFromInt(v int64) *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(ScalarFromInt(v))
}

// BasePointMul returns s·G.
func BasePointMul(s *edwards25519.Scalar) *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(s)
}

// RandomScalar draws a uniformly distributed scalar from r.
func RandomScalar(r io.Reader) (*edwards25519.Scalar, error) {
	var b [64]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	return edwards25519.NewScalar().SetUniformBytes(b[:])
}

// RandomNonZeroScalar draws scalars from r until one is non-zero.
func RandomNonZeroScalar(r io.Reader) (*edwards25519.Scalar, error) {
	for {
		s, err := RandomScalar(r)
		if err != nil {
			return nil, err
		}
		if !IsZeroScalar(s) {
			return s, nil
		}
	}
}

// IsZeroScalar reports whether s is the additive identity.
func IsZeroScalar(s *edwards25519.Scalar) bool {
	return s.Equal(edwards25519.NewScalar()) == 1
}

// DecodeScalar parses a canonical 32-byte scalar encoding.
func DecodeScalar(b []byte) (*edwards25519.Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding scalar: %w", err)
	}
	return s, nil
}

// DecodePoint parses a 32-byte point encoding.
func DecodePoint(b []byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding point: %w", err)
	}
	return p, nil
}

// InvertScalar returns 1/s, failing for zero.
func InvertScalar(s *edwards25519.Scalar) (*edwards25519.Scalar, error) {
	if IsZeroScalar(s) {
		return nil, errZeroScalar
	}
	return edwards25519.NewScalar().Invert(s), nil
}
