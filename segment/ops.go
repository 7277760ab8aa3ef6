package segment

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"filippo.io/edwards25519"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
)

var errDivideByZero = errors.New("divide by zero")

// broadcastLen returns the common length of operands whose lengths are
// equal or 1. A length-0 operand forces every other operand to length 0
// or 1.
func broadcastLen(lengths ...int) (int, error) {
	n := 1
	for _, l := range lengths {
		if l == 1 {
			continue
		}
		if n != 1 && l != n {
			return 0, fmt.Errorf("length mismatch: %v", lengths)
		}
		n = l
	}
	return n, nil
}

func at(n, i int) int {
	if n == 1 {
		return 0
	}
	return i
}

func zipWith[T, U, V any](xs []T, ys []U, f func(T, U) (V, error)) ([]V, error) {
	n, err := broadcastLen(len(xs), len(ys))
	if err != nil {
		return nil, err
	}
	out := make([]V, n)
	for i := 0; i < n; i++ {
		v, err := f(xs[at(len(xs), i)], ys[at(len(ys), i)])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func mapOf[T, V any](xs []T, f func(T) V) []V {
	out := make([]V, len(xs))
	for i, x := range xs {
		out[i] = f(x)
	}
	return out
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func typeErr(op string, a, b *Array) error {
	return fmt.Errorf("%w: %s not defined for %s and %s", protocol.ErrTypeMismatch, op, a.tc, b.tc)
}

// binaryOp evaluates an elementwise binary operator with length-1
// broadcasting.
func binaryOp(op string, a, b *Array) (*Array, error) {
	switch op {
	case "eq", "ne":
		return equality(op, a, b)
	case "lt", "le", "gt", "ge":
		return ordering(op, a, b)
	}

	if op == "mul" {
		if a.tc == protocol.Point && b.tc == protocol.Scalar {
			return pointScalarMul(a.Points(), b.Scalars())
		}
		if a.tc == protocol.Scalar && b.tc == protocol.Point {
			return pointScalarMul(b.Points(), a.Scalars())
		}
	}
	if a.tc != b.tc {
		return nil, typeErr(op, a, b)
	}

	switch a.tc {
	case protocol.Int:
		f, ok := intOps[op]
		if !ok {
			return nil, typeErr(op, a, b)
		}
		out, err := zipWith(a.Ints(), b.Ints(), f)
		if err != nil {
			return nil, err
		}
		return IntArray(out...), nil
	case protocol.Float:
		f, ok := floatOps[op]
		if !ok {
			return nil, typeErr(op, a, b)
		}
		out, err := zipWith(a.Floats(), b.Floats(), f)
		if err != nil {
			return nil, err
		}
		return FloatArray(out...), nil
	case protocol.Scalar:
		f, ok := scalarOps[op]
		if !ok {
			return nil, typeErr(op, a, b)
		}
		out, err := zipWith(a.Scalars(), b.Scalars(), f)
		if err != nil {
			return nil, err
		}
		return ScalarArray(out...), nil
	case protocol.Point:
		f, ok := pointOps[op]
		if !ok {
			return nil, typeErr(op, a, b)
		}
		out, err := zipWith(a.Points(), b.Points(), f)
		if err != nil {
			return nil, err
		}
		return PointArray(out...), nil
	}
	return nil, typeErr(op, a, b)
}

var intOps = map[string]func(x, y int64) (int64, error){
	"add": func(x, y int64) (int64, error) { return x + y, nil },
	"sub": func(x, y int64) (int64, error) { return x - y, nil },
	"mul": func(x, y int64) (int64, error) { return x * y, nil },
	"div": func(x, y int64) (int64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		return x / y, nil
	},
	"floordiv": func(x, y int64) (int64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		q := x / y
		if (x%y != 0) && ((x < 0) != (y < 0)) {
			q--
		}
		return q, nil
	},
	"mod": func(x, y int64) (int64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		m := x % y
		if m != 0 && ((m < 0) != (y < 0)) {
			m += y
		}
		return m, nil
	},
	"and": func(x, y int64) (int64, error) { return b2i(x != 0 && y != 0), nil },
	"or":  func(x, y int64) (int64, error) { return b2i(x != 0 || y != 0), nil },
}

var floatOps = map[string]func(x, y float64) (float64, error){
	"add": func(x, y float64) (float64, error) { return x + y, nil },
	"sub": func(x, y float64) (float64, error) { return x - y, nil },
	"mul": func(x, y float64) (float64, error) { return x * y, nil },
	"div": func(x, y float64) (float64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		return x / y, nil
	},
	"floordiv": func(x, y float64) (float64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		return math.Floor(x / y), nil
	},
	"mod": func(x, y float64) (float64, error) {
		if y == 0 {
			return 0, errDivideByZero
		}
		return x - y*math.Floor(x/y), nil
	},
}

var scalarOps = map[string]func(x, y *edwards25519.Scalar) (*edwards25519.Scalar, error){
	"add": func(x, y *edwards25519.Scalar) (*edwards25519.Scalar, error) {
		return edwards25519.NewScalar().Add(x, y), nil
	},
	"sub": func(x, y *edwards25519.Scalar) (*edwards25519.Scalar, error) {
		return edwards25519.NewScalar().Subtract(x, y), nil
	},
	"mul": func(x, y *edwards25519.Scalar) (*edwards25519.Scalar, error) {
		return edwards25519.NewScalar().Multiply(x, y), nil
	},
	"div": func(x, y *edwards25519.Scalar) (*edwards25519.Scalar, error) {
		inv, err := crypto.InvertScalar(y)
		if err != nil {
			return nil, errDivideByZero
		}
		return edwards25519.NewScalar().Multiply(x, inv), nil
	},
}

var pointOps = map[string]func(x, y *edwards25519.Point) (*edwards25519.Point, error){
	"add": func(x, y *edwards25519.Point) (*edwards25519.Point, error) {
		return new(edwards25519.Point).Add(x, y), nil
	},
	"sub": func(x, y *edwards25519.Point) (*edwards25519.Point, error) {
		return new(edwards25519.Point).Subtract(x, y), nil
	},
}

func pointScalarMul(ps []*edwards25519.Point, ss []*edwards25519.Scalar) (*Array, error) {
	out, err := zipWith(ps, ss, func(p *edwards25519.Point, s *edwards25519.Scalar) (*edwards25519.Point, error) {
		return new(edwards25519.Point).ScalarMult(s, p), nil
	})
	if err != nil {
		return nil, err
	}
	return PointArray(out...), nil
}

func equality(op string, a, b *Array) (*Array, error) {
	if a.tc != b.tc {
		return nil, typeErr(op, a, b)
	}
	want := op == "eq"
	var (
		out []int64
		err error
	)
	switch a.tc.Base() {
	case 'i':
		out, err = zipWith(a.Ints(), b.Ints(), func(x, y int64) (int64, error) { return b2i((x == y) == want), nil })
	case 'f':
		out, err = zipWith(a.Floats(), b.Floats(), func(x, y float64) (int64, error) { return b2i((x == y) == want), nil })
	case 'I':
		out, err = zipWith(a.Scalars(), b.Scalars(), func(x, y *edwards25519.Scalar) (int64, error) {
			return b2i((x.Equal(y) == 1) == want), nil
		})
	case 'E':
		out, err = zipWith(a.Points(), b.Points(), func(x, y *edwards25519.Point) (int64, error) {
			return b2i((x.Equal(y) == 1) == want), nil
		})
	case 'b':
		out, err = zipWith(a.ByteElems(), b.ByteElems(), func(x, y []byte) (int64, error) {
			return b2i(bytes.Equal(x, y) == want), nil
		})
	default:
		return nil, typeErr(op, a, b)
	}
	if err != nil {
		return nil, err
	}
	return IntArray(out...), nil
}

func ordering(op string, a, b *Array) (*Array, error) {
	if a.tc != b.tc || !a.tc.Numeric() {
		return nil, typeErr(op, a, b)
	}
	cmp := map[string]func(c int) bool{
		"lt": func(c int) bool { return c < 0 },
		"le": func(c int) bool { return c <= 0 },
		"gt": func(c int) bool { return c > 0 },
		"ge": func(c int) bool { return c >= 0 },
	}[op]
	var (
		out []int64
		err error
	)
	if a.tc == protocol.Int {
		out, err = zipWith(a.Ints(), b.Ints(), func(x, y int64) (int64, error) { return b2i(cmp(compare(x, y))), nil })
	} else {
		out, err = zipWith(a.Floats(), b.Floats(), func(x, y float64) (int64, error) { return b2i(cmp(compare(x, y))), nil })
	}
	if err != nil {
		return nil, err
	}
	return IntArray(out...), nil
}

func compare[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// unaryOp evaluates neg and not.
func unaryOp(op string, a *Array) (*Array, error) {
	switch {
	case op == "not" && a.tc == protocol.Int:
		return IntArray(mapOf(a.Ints(), func(x int64) int64 { return b2i(x == 0) })...), nil
	case op == "neg" && a.tc == protocol.Int:
		return IntArray(mapOf(a.Ints(), func(x int64) int64 { return -x })...), nil
	case op == "neg" && a.tc == protocol.Float:
		return FloatArray(mapOf(a.Floats(), func(x float64) float64 { return -x })...), nil
	case op == "neg" && a.tc == protocol.Scalar:
		return ScalarArray(mapOf(a.Scalars(), func(x *edwards25519.Scalar) *edwards25519.Scalar {
			return edwards25519.NewScalar().Negate(x)
		})...), nil
	case op == "neg" && a.tc == protocol.Point:
		return PointArray(mapOf(a.Points(), func(x *edwards25519.Point) *edwards25519.Point {
			return new(edwards25519.Point).Negate(x)
		})...), nil
	}
	return nil, fmt.Errorf("%w: %s not defined for %s", protocol.ErrTypeMismatch, op, a.tc)
}

// sumOf reduces a to a length-1 array.
func sumOf(a *Array) (*Array, error) {
	switch a.tc {
	case protocol.Int:
		var s int64
		for _, x := range a.Ints() {
			s += x
		}
		return IntArray(s), nil
	case protocol.Float:
		var s float64
		for _, x := range a.Floats() {
			s += x
		}
		return FloatArray(s), nil
	case protocol.Scalar:
		s := edwards25519.NewScalar()
		for _, x := range a.Scalars() {
			s = edwards25519.NewScalar().Add(s, x)
		}
		return ScalarArray(s), nil
	case protocol.Point:
		p := edwards25519.NewIdentityPoint()
		for _, x := range a.Points() {
			p = new(edwards25519.Point).Add(p, x)
		}
		return PointArray(p), nil
	}
	return nil, fmt.Errorf("%w: sum not defined for %s", protocol.ErrTypeMismatch, a.tc)
}

// asType converts between element types where a widening or embedding
// exists.
func asType(a *Array, tc protocol.TypeCode) (*Array, error) {
	if a.tc == tc {
		return a.Clone(), nil
	}
	switch {
	case a.tc == protocol.Int && tc == protocol.Float:
		return FloatArray(mapOf(a.Ints(), func(x int64) float64 { return float64(x) })...), nil
	case a.tc == protocol.Float && tc == protocol.Int:
		return IntArray(mapOf(a.Floats(), func(x float64) int64 { return int64(x) })...), nil
	case a.tc == protocol.Int && tc == protocol.Scalar:
		return ScalarArray(mapOf(a.Ints(), crypto.ScalarFromInt)...), nil
	case a.tc == protocol.Int && tc == protocol.Point:
		return PointArray(mapOf(a.Ints(), crypto.PointFromInt)...), nil
	case a.tc == protocol.Scalar && tc == protocol.Point:
		return PointArray(mapOf(a.Scalars(), crypto.BasePointMul)...), nil
	}
	return nil, fmt.Errorf("%w: cannot convert %s to %s", protocol.ErrTypeMismatch, a.tc, tc)
}

// mux selects a[i] where cond[i] is non-zero and b[i] elsewhere.
func mux(cond, a, b *Array) (*Array, error) {
	if cond.tc != protocol.Int {
		return nil, fmt.Errorf("%w: mux condition must be %s, got %s", protocol.ErrTypeMismatch, protocol.Int, cond.tc)
	}
	if a.tc != b.tc {
		return nil, typeErr("mux", a, b)
	}
	n, err := broadcastLen(cond.Len(), a.Len(), b.Len())
	if err != nil {
		return nil, err
	}
	ia := make([]int64, 0, n)
	ib := make([]int64, 0, n)
	pa := make([]int64, 0, n)
	pb := make([]int64, 0, n)
	cs := cond.Ints()
	for i := 0; i < n; i++ {
		if cs[at(len(cs), i)] != 0 {
			ia = append(ia, int64(i))
			pa = append(pa, int64(at(a.Len(), i)))
		} else {
			ib = append(ib, int64(i))
			pb = append(pb, int64(at(b.Len(), i)))
		}
	}
	out, err := NewArray(a.tc, n)
	if err != nil {
		return nil, err
	}
	scatterData(out.data, ia, gatherData(a.data, pa))
	scatterData(out.data, ib, gatherData(b.data, pb))
	return out, nil
}
