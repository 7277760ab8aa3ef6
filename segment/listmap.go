package segment

import (
	"fmt"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Orders accepted by NewListMap.
const (
	// OrderPos assigns each key its row number and rejects duplicates.
	OrderPos = "pos"
	// OrderAny keeps the first occurrence of each key.
	OrderAny = "any"
	// OrderRnd deduplicates and then assigns positions by a random
	// permutation.
	OrderRnd = "rnd"
)

// ListMap is a uniqueness index from composite keys to dense positions
// 0..n-1. Row p of cols is the key stored at position p.
type ListMap struct {
	tcs   []protocol.TypeCode
	cols  []*Array
	index map[string]int64
}

func newEmptyListMap(tcs []protocol.TypeCode) (*ListMap, error) {
	cols := make([]*Array, len(tcs))
	for i, tc := range tcs {
		a, err := NewArray(tc, 0)
		if err != nil {
			return nil, err
		}
		cols[i] = a
	}
	return &ListMap{tcs: tcs, cols: cols, index: make(map[string]int64)}, nil
}

// NewListMap indexes the rows of keys. perm supplies positions for OrderRnd
// and is ignored otherwise.
func NewListMap(keys []*Array, order string, perm func(n int) []int64) (*ListMap, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("listmap needs at least one key column")
	}
	tcs := make([]protocol.TypeCode, len(keys))
	for i, k := range keys {
		tcs[i] = k.tc
	}
	rows, err := rowCount(keys)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, rows)
	var unique []int64
	for r := 0; r < rows; r++ {
		k := rowKey(keys, r)
		if seen[k] {
			switch order {
			case OrderPos:
				return nil, fmt.Errorf("%w: duplicate key at row %d", protocol.ErrKeyUniqueness, r)
			case OrderAny, OrderRnd:
				continue
			default:
				return nil, fmt.Errorf("invalid order %q", order)
			}
		}
		seen[k] = true
		unique = append(unique, int64(r))
	}
	if order != OrderPos && order != OrderAny && order != OrderRnd {
		return nil, fmt.Errorf("invalid order %q", order)
	}

	if order == OrderRnd && perm != nil {
		p := perm(len(unique))
		shuffled := make([]int64, len(unique))
		for i, pos := range p {
			shuffled[pos] = unique[i]
		}
		unique = shuffled
	}

	m, err := newEmptyListMap(tcs)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		col, err := k.Gather(unique)
		if err != nil {
			return nil, err
		}
		m.cols[i] = col
	}
	m.reindex()
	return m, nil
}

func (m *ListMap) reindex() {
	n := m.Len()
	m.index = make(map[string]int64, n)
	for p := 0; p < n; p++ {
		m.index[rowKey(m.cols, p)] = int64(p)
	}
}

func (m *ListMap) Kind() protocol.Kind { return protocol.KindListMap }

func (m *ListMap) TypeCode() protocol.TypeCode { return protocol.JoinTypeCodes(m.tcs) }

func (m *ListMap) TypeCodes() []protocol.TypeCode { return m.tcs }

// Len is the number of keys, counted on the key columns so that it holds
// while the index is being rebuilt.
func (m *ListMap) Len() int { return m.cols[0].Len() }

func (m *ListMap) Size() int64 {
	var n int64
	for _, c := range m.cols {
		n += c.Size() + 8*int64(c.Len())
	}
	return n
}

// Keys returns copies of the key columns in position order.
func (m *ListMap) Keys() []*Array {
	out := make([]*Array, len(m.cols))
	for i, c := range m.cols {
		out[i] = c.Clone()
	}
	return out
}

func (m *ListMap) Clone() *ListMap {
	out := &ListMap{tcs: m.tcs, cols: m.Keys(), index: make(map[string]int64, len(m.index))}
	for k, v := range m.index {
		out.index[k] = v
	}
	return out
}

func (m *ListMap) checkKeys(keys []*Array) (int, error) {
	if len(keys) != len(m.tcs) {
		return 0, fmt.Errorf("%w: listmap has %d key columns, got %d", protocol.ErrTypeMismatch, len(m.tcs), len(keys))
	}
	for i, k := range keys {
		if k.tc != m.tcs[i] {
			return 0, fmt.Errorf("%w: key column %d is %s, want %s", protocol.ErrTypeMismatch, i, k.tc, m.tcs[i])
		}
	}
	return rowCount(keys)
}

// Positions looks up every key row. Missing keys map to def when non-nil
// and fail otherwise.
func (m *ListMap) Positions(keys []*Array, def *int64) (*Array, error) {
	rows, err := m.checkKeys(keys)
	if err != nil {
		return nil, err
	}
	out := make([]int64, rows)
	for r := 0; r < rows; r++ {
		p, ok := m.index[rowKey(keys, r)]
		switch {
		case ok:
			out[r] = p
		case def != nil:
			out[r] = *def
		default:
			return nil, fmt.Errorf("key at row %d not found in listmap", r)
		}
	}
	return IntArray(out...), nil
}

// Contains returns 1 for every key row present in m and 0 otherwise.
func (m *ListMap) Contains(keys []*Array) (*Array, error) {
	rows, err := m.checkKeys(keys)
	if err != nil {
		return nil, err
	}
	out := make([]int64, rows)
	for r := 0; r < rows; r++ {
		_, ok := m.index[rowKey(keys, r)]
		out[r] = b2i(ok)
	}
	return IntArray(out...), nil
}

// Add inserts key rows at the end. With merge set, keys already present
// (in m or earlier in keys) are skipped; otherwise they fail with
// ErrKeyUniqueness and m is left unchanged. It returns the positions of the
// inserted keys.
func (m *ListMap) Add(keys []*Array, merge bool) (*Array, error) {
	rows, err := m.checkKeys(keys)
	if err != nil {
		return nil, err
	}
	var fresh []int64
	pending := make(map[string]bool)
	for r := 0; r < rows; r++ {
		k := rowKey(keys, r)
		_, exists := m.index[k]
		if exists || pending[k] {
			if merge {
				continue
			}
			return nil, fmt.Errorf("%w: key at row %d already exists in listmap", protocol.ErrKeyUniqueness, r)
		}
		pending[k] = true
		fresh = append(fresh, int64(r))
	}

	start := int64(m.Len())
	positions := make([]int64, len(fresh))
	for i, c := range keys {
		added, err := c.Gather(fresh)
		if err != nil {
			return nil, err
		}
		joined, err := Concat(m.cols[i], added)
		if err != nil {
			return nil, err
		}
		m.cols[i] = joined
	}
	for i, r := range fresh {
		positions[i] = start + int64(i)
		m.index[rowKey(keys, int(r))] = positions[i]
	}
	return IntArray(positions...), nil
}

// Remove deletes key rows and compacts the map by moving surviving keys
// from the tail into the freed positions. It returns the moved keys with
// their old and new positions so callers can compact parallel value arrays
// the same way before truncating them to Len().
func (m *ListMap) Remove(keys []*Array, ignoreMissing bool) (moved []*Array, oldPos, newPos *Array, err error) {
	rows, err := m.checkKeys(keys)
	if err != nil {
		return nil, nil, nil, err
	}
	freed := make(map[int64]bool)
	for r := 0; r < rows; r++ {
		p, ok := m.index[rowKey(keys, r)]
		if !ok {
			if ignoreMissing {
				continue
			}
			return nil, nil, nil, fmt.Errorf("key at row %d not found in listmap", r)
		}
		freed[p] = true
	}

	n := int64(m.Len())
	newLen := n - int64(len(freed))
	var holes, tail []int64
	for p := int64(0); p < n; p++ {
		switch {
		case p < newLen && freed[p]:
			holes = append(holes, p)
		case p >= newLen && !freed[p]:
			tail = append(tail, p)
		}
	}

	for i, c := range m.cols {
		if err := c.Scatter(holes, mustGather(c, tail)); err != nil {
			return nil, nil, nil, err
		}
		if err := c.SetLength(int(newLen)); err != nil {
			return nil, nil, nil, err
		}
		m.cols[i] = c
	}
	m.reindex()

	moved = make([]*Array, len(m.cols))
	for i, c := range m.cols {
		moved[i] = mustGather(c, holes)
	}
	return moved, IntArray(tail...), IntArray(holes...), nil
}

func mustGather(a *Array, idx []int64) *Array {
	out, err := a.Gather(idx)
	if err != nil {
		panic(err)
	}
	return out
}

func rowCount(cols []*Array) (int, error) {
	rows := cols[0].Len()
	for _, c := range cols[1:] {
		if c.Len() != rows {
			return 0, fmt.Errorf("key columns have different lengths %d and %d", rows, c.Len())
		}
	}
	return rows, nil
}

func rowKey(cols []*Array, r int) string {
	var buf []byte
	for _, c := range cols {
		buf = c.keyBytes(buf, r)
	}
	return string(buf)
}
