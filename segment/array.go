package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"filippo.io/edwards25519"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Value is anything a node stores under a handle.
type Value interface {
	Kind() protocol.Kind
	TypeCode() protocol.TypeCode
	Len() int
	// Size estimates the memory held by the value in bytes.
	Size() int64
}

// Array is a primitive array. Elements are treated as immutable so slices of
// pointers may be shared between arrays; operations always allocate new
// elements.
type Array struct {
	tc   protocol.TypeCode
	data any // []int64 | []float64 | []*edwards25519.Scalar | []*edwards25519.Point | [][]byte
}

// NewArray returns a length-n array of default elements.
func NewArray(tc protocol.TypeCode, n int) (*Array, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	switch {
	case tc == protocol.Int:
		return &Array{tc, make([]int64, n)}, nil
	case tc == protocol.Float:
		return &Array{tc, make([]float64, n)}, nil
	case tc == protocol.Scalar:
		xs := make([]*edwards25519.Scalar, n)
		zero := edwards25519.NewScalar()
		for i := range xs {
			xs[i] = zero
		}
		return &Array{tc, xs}, nil
	case tc == protocol.Point:
		xs := make([]*edwards25519.Point, n)
		id := edwards25519.NewIdentityPoint()
		for i := range xs {
			xs[i] = id
		}
		return &Array{tc, xs}, nil
	case tc.IsBytes() && tc.ByteWidth() > 0:
		xs := make([][]byte, n)
		zero := make([]byte, tc.ByteWidth())
		for i := range xs {
			xs[i] = zero
		}
		return &Array{tc, xs}, nil
	}
	return nil, fmt.Errorf("%w: unsupported typecode %q", protocol.ErrTypeMismatch, tc)
}

func IntArray(vs ...int64) *Array                  { return &Array{protocol.Int, vs} }
func FloatArray(vs ...float64) *Array              { return &Array{protocol.Float, vs} }
func ScalarArray(vs ...*edwards25519.Scalar) *Array { return &Array{protocol.Scalar, vs} }
func PointArray(vs ...*edwards25519.Point) *Array   { return &Array{protocol.Point, vs} }

// BytesArray builds a bN array, checking every element has width N.
func BytesArray(width int, vs ...[]byte) (*Array, error) {
	for i, v := range vs {
		if len(v) != width {
			return nil, fmt.Errorf("%w: element %d has %d bytes, want %d", protocol.ErrTypeMismatch, i, len(v), width)
		}
	}
	return &Array{protocol.Bytes(width), vs}, nil
}

func (a *Array) Kind() protocol.Kind         { return protocol.KindArray }
func (a *Array) TypeCode() protocol.TypeCode { return a.tc }
func (a *Array) Len() int                    { return lengthOf(a.data) }

func (a *Array) Size() int64 {
	n := int64(a.Len())
	switch a.tc.Base() {
	case 'i', 'f':
		return 8 * n
	case 'I':
		return crypto.ScalarSize * n
	case 'E':
		// Extended coordinates hold four field elements.
		return 160 * n
	}
	return int64(a.tc.ByteWidth()) * n
}

func (a *Array) Ints() []int64                    { xs, _ := a.data.([]int64); return xs }
func (a *Array) Floats() []float64                { xs, _ := a.data.([]float64); return xs }
func (a *Array) Scalars() []*edwards25519.Scalar  { xs, _ := a.data.([]*edwards25519.Scalar); return xs }
func (a *Array) Points() []*edwards25519.Point    { xs, _ := a.data.([]*edwards25519.Point); return xs }
func (a *Array) ByteElems() [][]byte              { xs, _ := a.data.([][]byte); return xs }

// Clone returns an array sharing no slice storage with a.
func (a *Array) Clone() *Array {
	return &Array{a.tc, sliceData(a.data, 0, a.Len())}
}

// Gather returns a[idx[0]], a[idx[1]], ...
func (a *Array) Gather(idx []int64) (*Array, error) {
	n := int64(a.Len())
	for _, i := range idx {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("index %d out of range [0, %d)", i, n)
		}
	}
	return &Array{a.tc, gatherData(a.data, idx)}, nil
}

// Lookup is Gather with out-of-range positions, including negative ones,
// yielding the single element of def. A nil def means the type's default.
func (a *Array) Lookup(idx []int64, def *Array) (*Array, error) {
	if def == nil {
		var err error
		if def, err = NewArray(a.tc, 1); err != nil {
			return nil, err
		}
	}
	if def.tc != a.tc || def.Len() != 1 {
		return nil, fmt.Errorf("%w: lookup default must be a length-1 %s array", protocol.ErrTypeMismatch, a.tc)
	}
	n := int64(a.Len())
	joined, err := Concat(a, def)
	if err != nil {
		return nil, err
	}
	pos := make([]int64, len(idx))
	for k, i := range idx {
		if i < 0 || i >= n {
			i = n
		}
		pos[k] = i
	}
	return &Array{a.tc, gatherData(joined.data, pos)}, nil
}

// Scatter performs a[idx[k]] = src[k] in place.
func (a *Array) Scatter(idx []int64, src *Array) error {
	if err := a.checkScatter(idx, src); err != nil {
		return err
	}
	scatterData(a.data, idx, src.data)
	return nil
}

// ScatterAdd performs a[idx[k]] += src[k] in place, accumulating duplicates.
func (a *Array) ScatterAdd(idx []int64, src *Array) error {
	if err := a.checkScatter(idx, src); err != nil {
		return err
	}
	for k, i := range idx {
		one, err := binaryOp("add", a.element(int(i)), src.element(k))
		if err != nil {
			return err
		}
		scatterData(a.data, []int64{i}, one.data)
	}
	return nil
}

func (a *Array) checkScatter(idx []int64, src *Array) error {
	if src.tc != a.tc {
		return fmt.Errorf("%w: cannot assign %s into %s", protocol.ErrTypeMismatch, src.tc, a.tc)
	}
	if src.Len() != len(idx) {
		return fmt.Errorf("assigning %d values to %d positions", src.Len(), len(idx))
	}
	n := int64(a.Len())
	for _, i := range idx {
		if i < 0 || i >= n {
			return fmt.Errorf("index %d out of range [0, %d)", i, n)
		}
	}
	return nil
}

func (a *Array) element(i int) *Array {
	return &Array{a.tc, sliceData(a.data, i, i+1)}
}

// Slice returns a copy of a[start:stop].
func (a *Array) Slice(start, stop int) (*Array, error) {
	if start < 0 || stop < start || stop > a.Len() {
		return nil, fmt.Errorf("slice [%d:%d] out of range for length %d", start, stop, a.Len())
	}
	return &Array{a.tc, sliceData(a.data, start, stop)}, nil
}

// SetLength truncates a or grows it with default elements.
func (a *Array) SetLength(n int) error {
	cur := a.Len()
	if n <= cur {
		a.data = sliceData(a.data, 0, n)
		return nil
	}
	pad, err := NewArray(a.tc, n-cur)
	if err != nil {
		return err
	}
	a.data = concatData([]any{a.data, pad.data})
	return nil
}

// Repeat materialises n copies of a length-1 array.
func (a *Array) Repeat(n int) (*Array, error) {
	if a.Len() != 1 {
		return nil, fmt.Errorf("cannot repeat array of length %d", a.Len())
	}
	idx := make([]int64, n)
	return &Array{a.tc, gatherData(a.data, idx)}, nil
}

// Concat joins arrays of the same typecode.
func Concat(parts ...*Array) (*Array, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat needs at least one array")
	}
	datas := make([]any, len(parts))
	for i, p := range parts {
		if p.tc != parts[0].tc {
			return nil, fmt.Errorf("%w: cannot concat %s and %s", protocol.ErrTypeMismatch, parts[0].tc, p.tc)
		}
		datas[i] = p.data
	}
	return &Array{parts[0].tc, concatData(datas)}, nil
}

// NonDefault returns the positions whose element differs from the type's
// default value.
func (a *Array) NonDefault() []int64 {
	var out []int64
	switch xs := a.data.(type) {
	case []int64:
		for i, x := range xs {
			if x != 0 {
				out = append(out, int64(i))
			}
		}
	case []float64:
		for i, x := range xs {
			if x != 0 {
				out = append(out, int64(i))
			}
		}
	case []*edwards25519.Scalar:
		for i, x := range xs {
			if !crypto.IsZeroScalar(x) {
				out = append(out, int64(i))
			}
		}
	case []*edwards25519.Point:
		id := edwards25519.NewIdentityPoint()
		for i, x := range xs {
			if x.Equal(id) != 1 {
				out = append(out, int64(i))
			}
		}
	case [][]byte:
		for i, x := range xs {
			if !bytes.Equal(x, make([]byte, len(x))) {
				out = append(out, int64(i))
			}
		}
	}
	if out == nil {
		out = []int64{}
	}
	return out
}

// keyBytes appends a fixed-width encoding of element i, used to build
// listmap keys.
func (a *Array) keyBytes(dst []byte, i int) []byte {
	switch xs := a.data.(type) {
	case []int64:
		return binary.BigEndian.AppendUint64(dst, uint64(xs[i]))
	case []float64:
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(xs[i]))
	case []*edwards25519.Scalar:
		return append(dst, xs[i].Bytes()...)
	case []*edwards25519.Point:
		return append(dst, xs[i].Bytes()...)
	case [][]byte:
		return append(dst, xs[i]...)
	}
	return dst
}

func lengthOf(data any) int {
	switch xs := data.(type) {
	case []int64:
		return len(xs)
	case []float64:
		return len(xs)
	case []*edwards25519.Scalar:
		return len(xs)
	case []*edwards25519.Point:
		return len(xs)
	case [][]byte:
		return len(xs)
	}
	return 0
}

func gather[T any](xs []T, idx []int64) []T {
	out := make([]T, len(idx))
	for k, i := range idx {
		out[k] = xs[i]
	}
	return out
}

func gatherData(data any, idx []int64) any {
	switch xs := data.(type) {
	case []int64:
		return gather(xs, idx)
	case []float64:
		return gather(xs, idx)
	case []*edwards25519.Scalar:
		return gather(xs, idx)
	case []*edwards25519.Point:
		return gather(xs, idx)
	case [][]byte:
		return gather(xs, idx)
	}
	return nil
}

func scatter[T any](dst []T, idx []int64, src []T) {
	for k, i := range idx {
		dst[i] = src[k]
	}
}

func scatterData(dst any, idx []int64, src any) {
	switch xs := dst.(type) {
	case []int64:
		scatter(xs, idx, src.([]int64))
	case []float64:
		scatter(xs, idx, src.([]float64))
	case []*edwards25519.Scalar:
		scatter(xs, idx, src.([]*edwards25519.Scalar))
	case []*edwards25519.Point:
		scatter(xs, idx, src.([]*edwards25519.Point))
	case [][]byte:
		scatter(xs, idx, src.([][]byte))
	}
}

func sliceOf[T any](xs []T, start, stop int) []T {
	out := make([]T, stop-start)
	copy(out, xs[start:stop])
	return out
}

func sliceData(data any, start, stop int) any {
	switch xs := data.(type) {
	case []int64:
		return sliceOf(xs, start, stop)
	case []float64:
		return sliceOf(xs, start, stop)
	case []*edwards25519.Scalar:
		return sliceOf(xs, start, stop)
	case []*edwards25519.Point:
		return sliceOf(xs, start, stop)
	case [][]byte:
		return sliceOf(xs, start, stop)
	}
	return nil
}

func concatOf[T any](parts []any) []T {
	var out []T
	for _, p := range parts {
		out = append(out, p.([]T)...)
	}
	if out == nil {
		out = []T{}
	}
	return out
}

func concatData(parts []any) any {
	switch parts[0].(type) {
	case []int64:
		return concatOf[int64](parts)
	case []float64:
		return concatOf[float64](parts)
	case []*edwards25519.Scalar:
		return concatOf[*edwards25519.Scalar](parts)
	case []*edwards25519.Point:
		return concatOf[*edwards25519.Point](parts)
	case [][]byte:
		return concatOf[[]byte](parts)
	}
	return nil
}
