package elgamal

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Cipher is an array of ElGamal ciphertexts: a pair of point arrays
// (mask, masked message). A cipher created under a debug key also carries
// the nonce and plaintext scalars so that every operation can be checked
// against them.
type Cipher struct {
	parts []*ftillite.Array
}

var _ ftillite.Value = (*Cipher)(nil)

const (
	typeCode      protocol.TypeCode = protocol.Point + protocol.Point
	debugTypeCode protocol.TypeCode = typeCode + protocol.Scalar + protocol.Scalar
)

func newCipher(parts ...*ftillite.Array) *Cipher { return &Cipher{parts: parts} }

// First is the mask r·G.
func (c *Cipher) First() *ftillite.Array { return c.parts[0] }

// Second is the masked message r·pk + m·G.
func (c *Cipher) Second() *ftillite.Array { return c.parts[1] }

// Debug reports whether c carries its nonce and plaintext.
func (c *Cipher) Debug() bool { return len(c.parts) == 4 }

func (c *Cipher) nonce() *ftillite.Array { return c.parts[2] }
func (c *Cipher) plain() *ftillite.Array { return c.parts[3] }

func (c *Cipher) TypeCode() protocol.TypeCode {
	if c.Debug() {
		return debugTypeCode
	}
	return typeCode
}

func (c *Cipher) Width() int { return len(c.parts) }

func (c *Cipher) Flatten() []ftillite.Primitive {
	out := make([]ftillite.Primitive, len(c.parts))
	for i, a := range c.parts {
		out[i] = a
	}
	return out
}

func (c *Cipher) Unflatten(ctx context.Context, parts []ftillite.Primitive) error {
	if len(parts) != len(c.parts) {
		return fmt.Errorf("%w: cipher of width %d given %d components", protocol.ErrTypeMismatch, len(c.parts), len(parts))
	}
	for i, a := range c.parts {
		if err := a.Unflatten(ctx, parts[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}

// mapParts builds a new cipher from f applied to each component. f also
// receives the component's position.
func (c *Cipher) mapParts(f func(i int, a *ftillite.Array) (*ftillite.Array, error)) (*Cipher, error) {
	out := make([]*ftillite.Array, 0, len(c.parts))
	for i, a := range c.parts {
		r, err := f(i, a)
		if err != nil {
			for _, done := range out {
				done.Release()
			}
			return nil, err
		}
		out = append(out, r)
	}
	return newCipher(out...), nil
}

func (c *Cipher) Copy(ctx context.Context) (ftillite.Value, error) { return c.Clone(ctx) }

// Clone is Copy with a concrete result type.
func (c *Cipher) Clone(ctx context.Context) (*Cipher, error) {
	return c.mapParts(func(_ int, a *ftillite.Array) (*ftillite.Array, error) { return a.Clone(ctx) })
}

func (c *Cipher) Stub(ctx context.Context) (ftillite.Value, error) {
	return c.mapParts(func(_ int, a *ftillite.Array) (*ftillite.Array, error) {
		return a.Context().NewArray(ctx, a.TypeCode(), ftillite.N(0))
	})
}

func (c *Cipher) Promote(_ context.Context, tc protocol.TypeCode) (ftillite.Value, bool, error) {
	if tc != c.TypeCode() {
		return nil, false, fmt.Errorf("%w: cannot promote cipher %s to %s", protocol.ErrTypeMismatch, c.TypeCode(), tc)
	}
	return c, false, nil
}

// BroadcastValue returns c itself when it already holds n ciphertexts on
// every node.
func (c *Cipher) BroadcastValue(ctx context.Context, n ftillite.Length) (ftillite.Value, bool, error) {
	same, err := c.parts[0].HasLength(ctx, n)
	if err != nil {
		return nil, false, err
	}
	if same {
		return c, false, nil
	}
	out, err := c.mapParts(func(_ int, a *ftillite.Array) (*ftillite.Array, error) { return a.Broadcast(ctx, n) })
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (c *Cipher) Scope() protocol.NodeSet {
	s := c.parts[0].Scope()
	for _, a := range c.parts[1:] {
		s = s.Intersect(a.Scope())
	}
	return s
}

func (c *Cipher) Release() {
	for _, a := range c.parts {
		a.Release()
	}
}

// Len returns each node's number of ciphertexts.
func (c *Cipher) Len(ctx context.Context) (*ftillite.Array, error) {
	return c.parts[0].Len(ctx)
}

// Add returns the encryption of the plaintext sums. Lengths broadcast.
func (c *Cipher) Add(ctx context.Context, o *Cipher) (*Cipher, error) {
	return c.zip(ctx, "add", o)
}

// Sub returns the encryption of the plaintext differences.
func (c *Cipher) Sub(ctx context.Context, o *Cipher) (*Cipher, error) {
	return c.zip(ctx, "sub", o)
}

func (c *Cipher) zip(ctx context.Context, op string, o *Cipher) (*Cipher, error) {
	v, err := ftillite.Binary(ctx, op, c, o)
	if err != nil {
		return nil, err
	}
	return v.(*Cipher), nil
}

// Neg returns the encryption of the negated plaintexts.
func (c *Cipher) Neg(ctx context.Context) (*Cipher, error) {
	return c.mapParts(func(_ int, a *ftillite.Array) (*ftillite.Array, error) { return a.Neg(ctx) })
}

// MulPlain multiplies every plaintext by the matching element of k, an int
// or scalar array.
func (c *Cipher) MulPlain(ctx context.Context, k *ftillite.Array) (*Cipher, error) {
	s, err := k.AsType(ctx, protocol.Scalar)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return c.mapParts(func(_ int, a *ftillite.Array) (*ftillite.Array, error) { return a.Mul(ctx, s) })
}

// replace moves the components of o into c.
func (c *Cipher) replace(ctx context.Context, o *Cipher) error {
	if err := c.Unflatten(ctx, o.Flatten()); err != nil {
		o.Release()
		return err
	}
	return nil
}

// AsCipher returns v as a cipher, failing for any other value.
func AsCipher(v ftillite.Value) (*Cipher, error) {
	c, ok := v.(*Cipher)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a cipher", protocol.ErrTypeMismatch, v.TypeCode())
	}
	return c, nil
}
