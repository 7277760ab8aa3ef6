package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mrand "math/rand"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// NewSeededReader returns an unbounded deterministic byte stream for the
// given seed and context label. The label is mixed in with HKDF and the
// stream is read from a SHAKE256 XOF keyed with the derived secret.
//
// Seeded streams exist for reproducible tests; production nodes read from
// crypto/rand.
func NewSeededReader(seed []byte, label string) (io.Reader, error) {
	key := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, seed, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("deriving stream key: %w", err)
	}
	xof := sha3.NewShake256()
	if _, err := xof.Write(key); err != nil {
		return nil, err
	}
	return xof, nil
}

// NewMathRand returns a math/rand generator seeded from r.
func NewMathRand(r io.Reader) (*mrand.Rand, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("seeding generator: %w", err)
	}
	return mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(b[:])))), nil
}

// RandomHandle returns a random non-negative 63-bit integer.
func RandomHandle() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]) >> 1, nil
}
