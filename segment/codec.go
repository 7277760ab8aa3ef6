package segment

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/etienne-leroy/FTILlite/crypto"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/fxamacker/cbor/v2"
)

// wireColumn is one primitive array in transit or at rest.
type wireColumn struct {
	TypeCode string    `cbor:"1,keyasint"`
	Ints     []int64   `cbor:"2,keyasint,omitempty"`
	Floats   []float64 `cbor:"3,keyasint,omitempty"`
	Elems    [][]byte  `cbor:"4,keyasint,omitempty"`
	Length   int       `cbor:"5,keyasint"`
}

// wireValue carries an array (one column) or the key columns of a listmap
// in position order.
type wireValue struct {
	Kind    protocol.Kind `cbor:"1,keyasint"`
	Columns []wireColumn  `cbor:"2,keyasint"`
}

// MarshalValue encodes an array or listmap for node-to-node transfer and
// saves.
func MarshalValue(v Value) ([]byte, error) {
	var cols []*Array
	switch x := v.(type) {
	case *Array:
		cols = []*Array{x}
	case *ListMap:
		cols = x.cols
	default:
		return nil, fmt.Errorf("cannot encode %T", v)
	}
	w := wireValue{Kind: v.Kind(), Columns: make([]wireColumn, len(cols))}
	for i, c := range cols {
		w.Columns[i] = encodeColumn(c)
	}
	return cbor.Marshal(&w)
}

// UnmarshalValue decodes the output of MarshalValue.
func UnmarshalValue(b []byte) (Value, error) {
	var w wireValue
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	cols := make([]*Array, len(w.Columns))
	for i, c := range w.Columns {
		a, err := decodeColumn(c)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		cols[i] = a
	}
	switch w.Kind {
	case protocol.KindArray:
		if len(cols) != 1 {
			return nil, fmt.Errorf("array value with %d columns", len(cols))
		}
		return cols[0], nil
	case protocol.KindListMap:
		return NewListMap(cols, OrderPos, nil)
	}
	return nil, fmt.Errorf("unknown value kind %q", w.Kind)
}

func encodeColumn(a *Array) wireColumn {
	c := wireColumn{TypeCode: string(a.tc), Length: a.Len()}
	switch xs := a.data.(type) {
	case []int64:
		c.Ints = xs
	case []float64:
		c.Floats = xs
	case []*edwards25519.Scalar:
		c.Elems = mapOf(xs, func(s *edwards25519.Scalar) []byte { return s.Bytes() })
	case []*edwards25519.Point:
		c.Elems = mapOf(xs, func(p *edwards25519.Point) []byte { return p.Bytes() })
	case [][]byte:
		c.Elems = xs
	}
	return c
}

func decodeColumn(c wireColumn) (*Array, error) {
	tc, err := protocol.ParseTypeCode(c.TypeCode)
	if err != nil {
		return nil, err
	}
	var a *Array
	switch {
	case tc == protocol.Int:
		a = IntArray(c.Ints...)
	case tc == protocol.Float:
		a = FloatArray(c.Floats...)
	case tc == protocol.Scalar:
		xs := make([]*edwards25519.Scalar, len(c.Elems))
		for i, b := range c.Elems {
			if xs[i], err = crypto.DecodeScalar(b); err != nil {
				return nil, err
			}
		}
		a = ScalarArray(xs...)
	case tc == protocol.Point:
		xs := make([]*edwards25519.Point, len(c.Elems))
		for i, b := range c.Elems {
			if xs[i], err = crypto.DecodePoint(b); err != nil {
				return nil, err
			}
		}
		a = PointArray(xs...)
	default:
		if a, err = BytesArray(tc.ByteWidth(), c.Elems...); err != nil {
			return nil, err
		}
	}
	if a.Len() != c.Length {
		return nil, fmt.Errorf("column holds %d elements, header says %d", a.Len(), c.Length)
	}
	return a, nil
}
