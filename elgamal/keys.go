package elgamal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// PublicKey is the point sk·G, held by every node of the scope it was
// generated in.
type PublicKey struct {
	point *ftillite.Array
	debug bool
}

// PrivateKey is the secret scalar, held by the coordinator only.
type PrivateKey struct {
	scalar *ftillite.Array
	pub    *PublicKey
}

// KeyOption customises GenerateKey.
type KeyOption func(*PublicKey)

// WithDebug makes the key produce ciphers that carry their nonces and
// plaintexts, and re-checks them after every constructor and mutator.
// Debug ciphers reveal their contents and must not leave a test.
func WithDebug() KeyOption {
	return func(pk *PublicKey) { pk.debug = true }
}

// GenerateKey draws a secret key on the coordinator and sends the public key
// to every node of the active scope, which must include the coordinator.
func GenerateKey(ctx context.Context, fc *ftillite.Context, opts ...KeyOption) (*PrivateKey, *PublicKey, error) {
	coord := fc.Coordinator()
	if !fc.Scope().Contains(coord) {
		return nil, nil, protocol.ScopeError("key generation in scope "+fc.Scope().String(), []protocol.Node{coord})
	}

	var sk, local *ftillite.Array
	err := fc.On(protocol.NewNodeSet(coord), func() error {
		var err error
		if sk, err = fc.NewRandom(ctx, protocol.Scalar, ftillite.N(1)); err != nil {
			return err
		}
		local, err = sk.AsType(ctx, protocol.Point)
		return err
	})
	if err != nil {
		if sk != nil {
			sk.Release()
		}
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	defer local.Release()

	var sends []ftillite.Send
	for _, n := range fc.Scope().Nodes() {
		sends = append(sends, ftillite.Send{From: coord, To: n, Value: local})
	}
	got, err := fc.Transmit(ctx, sends)
	if err != nil {
		sk.Release()
		return nil, nil, fmt.Errorf("distributing public key: %w", err)
	}

	pk := &PublicKey{point: got[coord.ID].(*ftillite.Array)}
	for _, opt := range opts {
		opt(pk)
	}
	return &PrivateKey{scalar: sk, pub: pk}, pk, nil
}

// Point returns the public key as a length-1 point array.
func (pk *PublicKey) Point() *ftillite.Array { return pk.point }

func (pk *PublicKey) Scope() protocol.NodeSet { return pk.point.Scope() }

func (pk *PublicKey) Release() { pk.point.Release() }

// Public returns the matching public key.
func (sk *PrivateKey) Public() *PublicKey { return sk.pub }

func (sk *PrivateKey) Scope() protocol.NodeSet { return sk.scalar.Scope() }

func (sk *PrivateKey) Release() { sk.scalar.Release() }

// Encrypt encrypts every element of m, an int or scalar array, under a fresh
// nonce: (r·G, r·pk + m·G).
func (pk *PublicKey) Encrypt(ctx context.Context, m *ftillite.Array) (*Cipher, error) {
	fc := m.Context()
	plain, err := m.AsType(ctx, protocol.Scalar)
	if err != nil {
		return nil, err
	}
	n, err := m.Len(ctx)
	if err != nil {
		plain.Release()
		return nil, err
	}
	defer n.Release()
	r, err := fc.NewRandom(ctx, protocol.Scalar, ftillite.LenOf(n))
	if err != nil {
		plain.Release()
		return nil, err
	}
	c, err := pk.encrypt(ctx, r, plain)
	if err != nil {
		r.Release()
		plain.Release()
		return nil, err
	}
	if !pk.debug {
		r.Release()
		plain.Release()
	}
	if err := pk.Check(ctx, c); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// encrypt builds the cipher for nonces r and plaintext scalars plain. In
// debug mode the cipher takes ownership of both.
func (pk *PublicKey) encrypt(ctx context.Context, r, plain *ftillite.Array) (*Cipher, error) {
	first, err := r.AsType(ctx, protocol.Point)
	if err != nil {
		return nil, err
	}
	second, err := pk.masked(ctx, r, plain)
	if err != nil {
		first.Release()
		return nil, err
	}
	if pk.debug {
		return newCipher(first, second, r, plain), nil
	}
	return newCipher(first, second), nil
}

// masked returns r·pk + plain·G.
func (pk *PublicKey) masked(ctx context.Context, r, plain *ftillite.Array) (*ftillite.Array, error) {
	rpk, err := pk.point.Mul(ctx, r)
	if err != nil {
		return nil, err
	}
	defer rpk.Release()
	mg, err := plain.AsType(ctx, protocol.Point)
	if err != nil {
		return nil, err
	}
	defer mg.Release()
	return rpk.Add(ctx, mg)
}

// EncryptConst encrypts n copies of v.
func (pk *PublicKey) EncryptConst(ctx context.Context, fc *ftillite.Context, n ftillite.Length, v int64) (*Cipher, error) {
	m, err := fc.NewArray(ctx, protocol.Int, n, strconv.FormatInt(v, 10))
	if err != nil {
		return nil, err
	}
	defer m.Release()
	return pk.Encrypt(ctx, m)
}

// Zero returns n trivial encryptions of zero, the identity pair. They are
// valid ciphertexts but must be refreshed before they leave the node.
func (pk *PublicKey) Zero(ctx context.Context, fc *ftillite.Context, n ftillite.Length) (*Cipher, error) {
	tcs := []protocol.TypeCode{protocol.Point, protocol.Point}
	if pk.debug {
		tcs = append(tcs, protocol.Scalar, protocol.Scalar)
	}
	var parts []*ftillite.Array
	for _, tc := range tcs {
		a, err := fc.NewArray(ctx, tc, n)
		if err != nil {
			for _, p := range parts {
				p.Release()
			}
			return nil, err
		}
		parts = append(parts, a)
	}
	return newCipher(parts...), nil
}

// Refresh re-randomises c in place by adding an encryption of zero. The
// plaintexts are unchanged.
func (pk *PublicKey) Refresh(ctx context.Context, c *Cipher) error {
	if err := pk.compatible(c); err != nil {
		return err
	}
	n, err := c.Len(ctx)
	if err != nil {
		return err
	}
	defer n.Release()
	z, err := pk.EncryptConst(ctx, c.parts[0].Context(), ftillite.LenOf(n), 0)
	if err != nil {
		return err
	}
	defer z.Release()
	sum, err := c.Add(ctx, z)
	if err != nil {
		return err
	}
	if err := c.replace(ctx, sum); err != nil {
		return err
	}
	return pk.Check(ctx, c)
}

// Sanitize multiplies every ciphertext of c by a fresh random scalar, in
// place. Zero plaintexts stay zero; every other plaintext becomes uniformly
// random.
func (pk *PublicKey) Sanitize(ctx context.Context, c *Cipher) error {
	if err := pk.compatible(c); err != nil {
		return err
	}
	n, err := c.Len(ctx)
	if err != nil {
		return err
	}
	defer n.Release()
	k, err := c.parts[0].Context().NewRandom(ctx, protocol.Scalar, ftillite.LenOf(n))
	if err != nil {
		return err
	}
	defer k.Release()
	out, err := c.MulPlain(ctx, k)
	if err != nil {
		return err
	}
	if err := c.replace(ctx, out); err != nil {
		return err
	}
	return pk.Check(ctx, c)
}

func (pk *PublicKey) compatible(c *Cipher) error {
	if c.Debug() != pk.debug {
		return fmt.Errorf("%w: cipher %s does not match the key's mode", protocol.ErrTypeMismatch, c.TypeCode())
	}
	return nil
}

// Check verifies on every node that a debug cipher still encrypts its
// recorded plaintext under its recorded nonce. It does nothing for other
// ciphers.
func (pk *PublicKey) Check(ctx context.Context, c *Cipher) error {
	if !c.Debug() {
		return nil
	}
	fc := c.parts[0].Context()
	first, err := c.nonce().AsType(ctx, protocol.Point)
	if err != nil {
		return err
	}
	defer first.Release()
	second, err := pk.masked(ctx, c.nonce(), c.plain())
	if err != nil {
		return err
	}
	defer second.Release()
	want := newCipher(first, second)
	got := newCipher(c.First(), c.Second())
	ok, err := ftillite.Equal(ctx, got, want)
	if err != nil {
		return err
	}
	defer ok.Release()
	if err := fc.Verify(ctx, ok); err != nil {
		return fmt.Errorf("cipher consistency: %w", err)
	}
	return nil
}

// Decrypt returns m·G for every ciphertext of c. The active scope must lie
// within both the key's scope and c's scope.
func (sk *PrivateKey) Decrypt(ctx context.Context, c *Cipher) (*ftillite.Array, error) {
	fc := sk.scalar.Context()
	scope := fc.Scope()
	if missing := scope.Missing(sk.Scope()); len(missing) > 0 {
		return nil, protocol.ScopeError("decryption key", missing)
	}
	if missing := scope.Missing(c.Scope()); len(missing) > 0 {
		return nil, protocol.ScopeError("decrypted cipher", missing)
	}
	mask, err := c.First().Mul(ctx, sk.scalar)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	m, err := c.Second().Sub(ctx, mask)
	if err != nil {
		return nil, err
	}
	if c.Debug() {
		if err := sk.checkPlain(ctx, c, m); err != nil {
			m.Release()
			return nil, err
		}
	}
	return m, nil
}

func (sk *PrivateKey) checkPlain(ctx context.Context, c *Cipher, m *ftillite.Array) error {
	want, err := c.plain().AsType(ctx, protocol.Point)
	if err != nil {
		return err
	}
	defer want.Release()
	ok, err := m.Eq(ctx, want)
	if err != nil {
		return err
	}
	defer ok.Release()
	if err := m.Context().Verify(ctx, ok); err != nil {
		return fmt.Errorf("decryption consistency: %w", err)
	}
	return nil
}

// IsZero decrypts c and returns 1 where the plaintext is zero.
func (sk *PrivateKey) IsZero(ctx context.Context, c *Cipher) (*ftillite.Array, error) {
	m, err := sk.Decrypt(ctx, c)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	id, err := m.Context().NewArray(ctx, protocol.Point, ftillite.N(1))
	if err != nil {
		return nil, err
	}
	defer id.Release()
	return m.Eq(ctx, id)
}
