// Package auxdb loads the relations a peer owns (accounts and transactions)
// into column form for the auxdb_read command.
package auxdb

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Column is one result column. Exactly one of the slices is populated,
// according to the typecode requested for it.
type Column struct {
	TypeCode protocol.TypeCode
	Ints     []int64
	Floats   []float64
	Bytes    [][]byte
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	switch c.TypeCode.Base() {
	case 'i':
		return len(c.Ints)
	case 'f':
		return len(c.Floats)
	}
	return len(c.Bytes)
}

// Source runs a read query and returns one column per requested typecode.
type Source interface {
	Read(ctx context.Context, query string, tcs []protocol.TypeCode) ([]Column, error)
}

func newColumns(tcs []protocol.TypeCode) ([]Column, error) {
	cols := make([]Column, len(tcs))
	for i, tc := range tcs {
		switch {
		case tc == protocol.Int:
			cols[i] = Column{TypeCode: tc, Ints: []int64{}}
		case tc == protocol.Float:
			cols[i] = Column{TypeCode: tc, Floats: []float64{}}
		case tc.IsBytes():
			cols[i] = Column{TypeCode: tc, Bytes: [][]byte{}}
		default:
			return nil, fmt.Errorf("%w: auxdb_read does not support %s", protocol.ErrTypeMismatch, tc)
		}
	}
	return cols, nil
}

// appendRow converts one scanned row into the columns. Byte values are
// truncated or zero-padded to the column width.
func appendRow(cols []Column, row []any) error {
	if len(row) != len(cols) {
		return fmt.Errorf("row has %d values, want %d", len(row), len(cols))
	}
	for i := range cols {
		c := &cols[i]
		switch c.TypeCode.Base() {
		case 'i':
			v, err := toInt(row[i])
			if err != nil {
				return fmt.Errorf("column %d: %w", i, err)
			}
			c.Ints = append(c.Ints, v)
		case 'f':
			v, err := toFloat(row[i])
			if err != nil {
				return fmt.Errorf("column %d: %w", i, err)
			}
			c.Floats = append(c.Floats, v)
		default:
			b := make([]byte, c.TypeCode.ByteWidth())
			switch v := row[i].(type) {
			case []byte:
				copy(b, v)
			case string:
				copy(b, v)
			case nil:
			default:
				return fmt.Errorf("column %d: cannot read %T as %s", i, v, c.TypeCode)
			}
			c.Bytes = append(c.Bytes, b)
		}
	}
	return nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("cannot read %T as integer", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("cannot read %T as float", v)
}
