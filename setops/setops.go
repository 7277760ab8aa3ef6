package setops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/etienne-leroy/FTILlite/composite"
	"github.com/etienne-leroy/FTILlite/elgamal"
	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Default privacy parameters for cover traffic and read padding.
const (
	DefaultEpsilon = 0.001
	DefaultDelta   = 0.001
)

var errNoTags = errors.New("at least one tag is required")

// Config holds the privacy parameters of an Engine.
type Config struct {
	// Epsilon and Delta parameterise the differentially private noise
	// added as cover traffic and as read padding. Zero means the defaults.
	Epsilon float64
	Delta   float64

	Log *slog.Logger
}

// Engine evaluates set operations over encrypted membership tags. A tag is a
// composite.Dict held by the peers, mapping account ids to ciphers whose
// plaintext is zero for accounts outside the set.
//
// Every operation runs in the active scope, which must include the
// coordinator and at least one peer.
type Engine struct {
	fc *ftillite.Context
	sk *elgamal.PrivateKey
	pk *elgamal.PublicKey

	epsilon, delta float64
	log            *slog.Logger
}

func New(fc *ftillite.Context, sk *elgamal.PrivateKey, pk *elgamal.PublicKey, cfg Config) *Engine {
	e := &Engine{fc: fc, sk: sk, pk: pk, epsilon: cfg.Epsilon, delta: cfg.Delta, log: cfg.Log}
	if e.epsilon == 0 {
		e.epsilon = DefaultEpsilon
	}
	if e.delta == 0 {
		e.delta = DefaultDelta
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// peers returns the active scope without the coordinator.
func (e *Engine) peers() (protocol.NodeSet, error) {
	scope := e.fc.Scope()
	coord := e.fc.Coordinator()
	if !scope.Contains(coord) {
		return protocol.NodeSet{}, protocol.ScopeError("set operation in scope "+scope.String(), []protocol.Node{coord})
	}
	peers := scope.Without(coord)
	if peers.IsEmpty() {
		return protocol.NodeSet{}, fmt.Errorf("%w: set operation in scope %s has no peers", protocol.ErrScopeViolation, scope)
	}
	return peers, nil
}

func values(d *composite.Dict) (*elgamal.Cipher, error) {
	return elgamal.AsCipher(d.Values())
}

// Negation returns the tag holding Enc(1) where a holds Enc(0) and Enc(0)
// everywhere else.
func (e *Engine) Negation(ctx context.Context, a *composite.Dict) (*composite.Dict, error) {
	out, err := e.MultiNegation(ctx, a)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// MultiNegation negates several tags in one round trip to the coordinator.
//
// Each peer pads the concatenated values with encrypted zeros and ones,
// sanitizes, refreshes and shuffles them, and sends them to the coordinator.
// The coordinator learns only how many zeros each peer sent, blurred by the
// padding, and answers with a fresh Enc(1) for every zero and Enc(0) for
// everything else. The peers undo the shuffle and split the result back
// into tags with the original keys.
func (e *Engine) MultiNegation(ctx context.Context, tags ...*composite.Dict) ([]*composite.Dict, error) {
	if len(tags) == 0 {
		return nil, errNoTags
	}
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}

	var batch *elgamal.Cipher
	var perm *ftillite.Array
	err = e.fc.On(peers, func() error {
		var err error
		batch, perm, err = e.negationBatch(ctx, tags)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("negation: %w", err)
	}
	defer batch.Release()
	defer perm.Release()

	answer, err := e.coordinatorRound(ctx, peers, batch, func(c *elgamal.Cipher) (ftillite.Value, error) {
		return e.negate(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("negation: %w", err)
	}
	defer answer.Release()

	var out []*composite.Dict
	err = e.fc.On(peers, func() error {
		negated, err := elgamal.AsCipher(answer)
		if err != nil {
			return err
		}
		if err := ftillite.Scatter(ctx, batch, perm, negated); err != nil {
			return err
		}
		out, err = split(ctx, tags, batch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("negation: %w", err)
	}
	return out, nil
}

// negationBatch builds, on every peer, the shuffled batch of tag values and
// cover traffic, and returns it with the permutation that shuffled it.
func (e *Engine) negationBatch(ctx context.Context, tags []*composite.Dict) (*elgamal.Cipher, *ftillite.Array, error) {
	parts := make([]ftillite.Value, 0, len(tags)+2)
	for _, t := range tags {
		v, err := values(t)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, v)
	}
	for _, plain := range []int64{0, 1} {
		c, err := e.cover(ctx, len(tags), plain)
		if err != nil {
			return nil, nil, err
		}
		defer c.Release()
		parts = append(parts, c)
	}

	joined, err := ftillite.Concat(ctx, parts...)
	if err != nil {
		return nil, nil, err
	}
	all := joined.(*elgamal.Cipher)
	defer all.Release()
	if err := e.pk.Sanitize(ctx, all); err != nil {
		return nil, nil, err
	}
	if err := e.pk.Refresh(ctx, all); err != nil {
		return nil, nil, err
	}

	n, err := all.Len(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer n.Release()
	perm, err := e.fc.RandomPerm(ctx, ftillite.LenOf(n))
	if err != nil {
		return nil, nil, err
	}
	shuffled, err := ftillite.Gather(ctx, all, perm)
	if err != nil {
		perm.Release()
		return nil, nil, err
	}
	return shuffled.(*elgamal.Cipher), perm, nil
}

// cover encrypts 1+noise copies of plain, the noise drawn per node for a
// batch of m tags.
func (e *Engine) cover(ctx context.Context, m int, plain int64) (*elgamal.Cipher, error) {
	noise, err := e.fc.NoiseAmount(ctx, e.epsilon, e.delta, m)
	if err != nil {
		return nil, err
	}
	defer noise.Release()
	one, err := e.fc.NewInt(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer one.Release()
	n, err := noise.Add(ctx, one)
	if err != nil {
		return nil, err
	}
	defer n.Release()
	return e.pk.EncryptConst(ctx, e.fc, ftillite.LenOf(n), plain)
}

// negate runs on the coordinator: Enc(1) where c decrypts to zero, Enc(0)
// elsewhere, all freshly randomised.
func (e *Engine) negate(ctx context.Context, c *elgamal.Cipher) (ftillite.Value, error) {
	zero, err := e.sk.IsZero(ctx, c)
	if err != nil {
		return nil, err
	}
	defer zero.Release()
	one, err := e.pk.EncryptConst(ctx, e.fc, ftillite.N(1), 1)
	if err != nil {
		return nil, err
	}
	defer one.Release()
	nothing, err := e.pk.Zero(ctx, e.fc, ftillite.N(1))
	if err != nil {
		return nil, err
	}
	defer nothing.Release()
	v, err := ftillite.Mux(ctx, zero, one, nothing)
	if err != nil {
		return nil, err
	}
	neg := v.(*elgamal.Cipher)
	if err := e.pk.Refresh(ctx, neg); err != nil {
		neg.Release()
		return nil, err
	}
	return neg, nil
}

// coordinatorRound sends every peer's part of v to the coordinator, applies
// f there to each peer's part, and sends each result back to the peer it
// came from. The returned value lives on the peers.
func (e *Engine) coordinatorRound(ctx context.Context, peers protocol.NodeSet, v ftillite.Value, f func(c *elgamal.Cipher) (ftillite.Value, error)) (ftillite.Value, error) {
	coord := e.fc.Coordinator()
	sends := make([]ftillite.Send, 0, peers.Len())
	for _, p := range peers.Nodes() {
		sends = append(sends, ftillite.Send{From: p, To: coord, Value: v})
	}
	received, err := e.fc.Transmit(ctx, sends)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range received {
			r.Release()
		}
	}()

	answers := make(map[int]ftillite.Value, len(received))
	defer func() {
		for _, a := range answers {
			a.Release()
		}
	}()
	err = e.fc.On(protocol.NewNodeSet(coord), func() error {
		for _, p := range peers.Nodes() {
			c, err := elgamal.AsCipher(received[p.ID])
			if err != nil {
				return err
			}
			a, err := f(c)
			if err != nil {
				return fmt.Errorf("answering %s: %w", p, err)
			}
			answers[p.ID] = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("coordinator round", "peers", peers.String())

	back := make([]ftillite.Send, 0, peers.Len())
	for _, p := range peers.Nodes() {
		back = append(back, ftillite.Send{From: coord, To: p, Value: answers[p.ID]})
	}
	got, err := e.fc.Transmit(ctx, back)
	if err != nil {
		return nil, err
	}
	return got[coord.ID], nil
}

// split cuts the leading part of all back into one tag per input, keyed like
// the inputs.
func split(ctx context.Context, tags []*composite.Dict, all *elgamal.Cipher) ([]*composite.Dict, error) {
	fc := ftillite.ContextOf(all)
	start, err := fc.NewInt(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*composite.Dict, 0, len(tags))
	fail := func(err error) ([]*composite.Dict, error) {
		start.Release()
		for _, d := range out {
			d.Release()
		}
		return nil, err
	}
	for _, t := range tags {
		n, err := t.Len(ctx)
		if err != nil {
			return fail(err)
		}
		stop, err := start.Add(ctx, n)
		n.Release()
		if err != nil {
			return fail(err)
		}
		piece, err := ftillite.Slice(ctx, all, ftillite.LenOf(start), ftillite.LenOf(stop))
		start.Release()
		start = stop
		if err != nil {
			return fail(err)
		}
		d, err := composite.NewDict(ctx, t.Keys(), piece)
		piece.Release()
		if err != nil {
			return fail(err)
		}
		out = append(out, d)
	}
	start.Release()
	return out, nil
}

// Union returns the tag whose plaintexts are the sums of a's and b's, over
// the union of their keys. The result is non-zero exactly where a or b is.
func (e *Engine) Union(ctx context.Context, a, b *composite.Dict) (*composite.Dict, error) {
	return e.MultiUnion(ctx, a, b)
}

// MultiUnion sums any number of tags.
func (e *Engine) MultiUnion(ctx context.Context, tags ...*composite.Dict) (*composite.Dict, error) {
	if len(tags) == 0 {
		return nil, errNoTags
	}
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}
	var out *composite.Dict
	err = e.fc.On(peers, func() error {
		stub, err := tags[0].Stub(ctx)
		if err != nil {
			return err
		}
		c := stub.(*composite.Dict)
		for _, t := range tags {
			if err := c.AddAssign(ctx, t); err != nil {
				c.Release()
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("union: %w", err)
	}
	return out, nil
}

// Intersection is ¬(¬a ∪ ¬b).
func (e *Engine) Intersection(ctx context.Context, a, b *composite.Dict) (*composite.Dict, error) {
	return e.MultiIntersection(ctx, a, b)
}

// MultiIntersection is the negated union of the negated tags.
func (e *Engine) MultiIntersection(ctx context.Context, tags ...*composite.Dict) (*composite.Dict, error) {
	negs, err := e.MultiNegation(ctx, tags...)
	if err != nil {
		return nil, err
	}
	defer releaseAll(negs)
	u, err := e.MultiUnion(ctx, negs...)
	if err != nil {
		return nil, err
	}
	defer u.Release()
	return e.Negation(ctx, u)
}

// MultiNormalize maps every tag to Enc(1) where it is non-zero and Enc(0)
// elsewhere, computed as 1 − ¬t.
func (e *Engine) MultiNormalize(ctx context.Context, tags ...*composite.Dict) ([]*composite.Dict, error) {
	negs, err := e.MultiNegation(ctx, tags...)
	if err != nil {
		return nil, err
	}
	defer releaseAll(negs)
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}

	out := make([]*composite.Dict, 0, len(negs))
	err = e.fc.On(peers, func() error {
		for _, neg := range negs {
			n, err := neg.Len(ctx)
			if err != nil {
				return err
			}
			ones, err := e.pk.EncryptConst(ctx, e.fc, ftillite.LenOf(n), 1)
			n.Release()
			if err != nil {
				return err
			}
			tag, err := composite.NewDict(ctx, neg.Keys(), ones)
			ones.Release()
			if err != nil {
				return err
			}
			out = append(out, tag)
			if err := tag.SubAssign(ctx, neg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		releaseAll(out)
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// AtLeast maps tag to Enc(1) where its plaintext count is at least k and
// to Enc(0) elsewhere. Counts must be non-negative, as produced by unions of
// normalized tags. It negates tag − i for every i < k in one batch, so the
// sum of the negations is non-zero exactly where the count is below k, and
// negates that sum.
func (e *Engine) AtLeast(ctx context.Context, tag *composite.Dict, k int) (*composite.Dict, error) {
	if k < 1 {
		return nil, fmt.Errorf("at least: threshold must be positive, got %d", k)
	}
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}

	shifted := make([]*composite.Dict, 0, k)
	defer func() { releaseAll(shifted) }()
	err = e.fc.On(peers, func() error {
		n, err := tag.Len(ctx)
		if err != nil {
			return err
		}
		defer n.Release()
		for i := 0; i < k; i++ {
			c, err := tag.Clone(ctx)
			if err != nil {
				return err
			}
			shifted = append(shifted, c)
			if i == 0 {
				continue
			}
			offset, err := e.pk.EncryptConst(ctx, e.fc, ftillite.LenOf(n), int64(i))
			if err != nil {
				return err
			}
			sub, err := composite.NewDict(ctx, tag.Keys(), offset)
			offset.Release()
			if err != nil {
				return err
			}
			err = c.SubAssign(ctx, sub)
			sub.Release()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("at least %d: %w", k, err)
	}

	below, err := e.MultiNegation(ctx, shifted...)
	if err != nil {
		return nil, err
	}
	defer releaseAll(below)
	u, err := e.MultiUnion(ctx, below...)
	if err != nil {
		return nil, err
	}
	defer u.Release()
	return e.Negation(ctx, u)
}

// RestrictToSet returns the tag over exactly the given accounts, taking the
// values of tag where present and Enc(0) elsewhere. accounts must be unique
// on every peer.
func (e *Engine) RestrictToSet(ctx context.Context, tag *composite.Dict, accounts ftillite.Value) (*composite.Dict, error) {
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}
	var out *composite.Dict
	err = e.fc.On(peers, func() error {
		v, err := tag.Lookup(ctx, accounts, nil)
		if err != nil {
			return err
		}
		defer v.Release()
		out, err = composite.NewDict(ctx, accounts, v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("restrict: %w", err)
	}
	return out, nil
}

// ReadTag reveals, per peer name, which of the target accounts hold a
// non-zero tag. Peers pad their sanitized lookups with a differentially
// private number of zeros and shuffle them, so the coordinator learns the
// hits but not which targets were asked about or missed.
func (e *Engine) ReadTag(ctx context.Context, tag *composite.Dict, targets *ftillite.Array) (map[string][]int64, error) {
	peers, err := e.peers()
	if err != nil {
		return nil, err
	}

	var batch *elgamal.Cipher
	var perm *ftillite.Array
	err = e.fc.On(peers, func() error {
		var err error
		batch, perm, err = e.readBatch(ctx, tag, targets)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	defer batch.Release()
	defer perm.Release()

	hits, err := e.coordinatorRound(ctx, peers, batch, func(c *elgamal.Cipher) (ftillite.Value, error) {
		zero, err := e.sk.IsZero(ctx, c)
		if err != nil {
			return nil, err
		}
		defer zero.Release()
		hit, err := zero.Not(ctx)
		if err != nil {
			return nil, err
		}
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	defer hits.Release()

	var found *ftillite.Array
	err = e.fc.On(peers, func() error {
		h, ok := hits.(*ftillite.Array)
		if !ok {
			return fmt.Errorf("%w: hit flags are %s", protocol.ErrTypeMismatch, hits.TypeCode())
		}
		idx, err := h.Index(ctx)
		if err != nil {
			return err
		}
		defer idx.Release()
		pos, err := perm.Get(ctx, idx)
		if err != nil {
			return err
		}
		defer pos.Release()
		found, err = targets.Get(ctx, pos)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	defer found.Release()

	return e.collect(ctx, peers, found)
}

// readBatch looks the targets up in tag, pads the result with zeros and
// shuffles it.
func (e *Engine) readBatch(ctx context.Context, tag *composite.Dict, targets *ftillite.Array) (*elgamal.Cipher, *ftillite.Array, error) {
	v, err := tag.Lookup(ctx, targets, nil)
	if err != nil {
		return nil, nil, err
	}
	c := v.(*elgamal.Cipher)
	defer c.Release()
	if err := e.pk.Sanitize(ctx, c); err != nil {
		return nil, nil, err
	}

	pad, err := e.fc.DiffPrivAmount(ctx, e.epsilon, e.delta)
	if err != nil {
		return nil, nil, err
	}
	defer pad.Release()
	n, err := c.Len(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer n.Release()
	padded, err := n.Add(ctx, pad)
	if err != nil {
		return nil, nil, err
	}
	defer padded.Release()
	if err := ftillite.SetLength(ctx, c, ftillite.LenOf(padded)); err != nil {
		return nil, nil, err
	}
	if err := e.pk.Refresh(ctx, c); err != nil {
		return nil, nil, err
	}

	perm, err := e.fc.RandomPerm(ctx, ftillite.LenOf(padded))
	if err != nil {
		return nil, nil, err
	}
	shuffled, err := ftillite.Gather(ctx, c, perm)
	if err != nil {
		perm.Release()
		return nil, nil, err
	}
	return shuffled.(*elgamal.Cipher), perm, nil
}

// collect moves every peer's found accounts to the coordinator and reads
// them, sorted, by peer name.
func (e *Engine) collect(ctx context.Context, peers protocol.NodeSet, found *ftillite.Array) (map[string][]int64, error) {
	coord := e.fc.Coordinator()
	sends := make([]ftillite.Send, 0, peers.Len())
	for _, p := range peers.Nodes() {
		sends = append(sends, ftillite.Send{From: p, To: coord, Value: found})
	}
	got, err := e.fc.Transmit(ctx, sends)
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	defer func() {
		for _, v := range got {
			v.Release()
		}
	}()

	out := make(map[string][]int64, len(got))
	err = e.fc.On(protocol.NewNodeSet(coord), func() error {
		for _, p := range peers.Nodes() {
			a, ok := got[p.ID].(*ftillite.Array)
			if !ok {
				return fmt.Errorf("%w: accounts from %s", protocol.ErrTypeMismatch, p)
			}
			vs, err := a.ReadInts(ctx)
			if err != nil {
				return err
			}
			accounts := vs[coord.ID]
			sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
			out[p.Name] = accounts
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	return out, nil
}

func releaseAll(ds []*composite.Dict) {
	for _, d := range ds {
		d.Release()
	}
}
