package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TypeCode names the element type of a primitive array:
//
//	i   64-bit signed integer
//	f   64-bit float
//	I   edwards25519 scalar
//	E   edwards25519 point
//	bN  bytearray of N bytes
//
// Composite values use the concatenation of their components' typecodes.
type TypeCode string

const (
	Int    TypeCode = "i"
	Float  TypeCode = "f"
	Scalar TypeCode = "I"
	Point  TypeCode = "E"
)

// Kind is the first token of a handle reply and tells primitive arrays apart
// from listmaps.
type Kind string

const (
	KindArray   Kind = "array"
	KindListMap Kind = "listmap"
)

var (
	typeCodeRe  = regexp.MustCompile(`^([ifIE]|b[1-9][0-9]*)$`)
	typeCodesRe = regexp.MustCompile(`[ifIE]|b[1-9][0-9]*`)
)

// Bytes returns the typecode of an n-byte bytearray.
func Bytes(n int) TypeCode {
	return TypeCode("b" + strconv.Itoa(n))
}

// ParseTypeCode validates a single primitive typecode.
func ParseTypeCode(s string) (TypeCode, error) {
	if !typeCodeRe.MatchString(s) {
		return "", fmt.Errorf("%w: invalid typecode %q", ErrTypeMismatch, s)
	}
	return TypeCode(s), nil
}

// SplitTypeCodes splits a concatenated typecode such as "ib32f" into its
// primitive parts.
func SplitTypeCodes(s string) ([]TypeCode, error) {
	parts := typeCodesRe.FindAllString(s, -1)
	if strings.Join(parts, "") != s || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid typecode %q", ErrTypeMismatch, s)
	}
	tcs := make([]TypeCode, len(parts))
	for i, p := range parts {
		tcs[i] = TypeCode(p)
	}
	return tcs, nil
}

// JoinTypeCodes concatenates primitive typecodes.
func JoinTypeCodes(tcs []TypeCode) TypeCode {
	var sb strings.Builder
	for _, tc := range tcs {
		sb.WriteString(string(tc))
	}
	return TypeCode(sb.String())
}

// Base returns the leading letter of the typecode.
func (t TypeCode) Base() byte {
	if t == "" {
		return 0
	}
	return t[0]
}

func (t TypeCode) IsBytes() bool { return t.Base() == 'b' }

// Numeric reports whether arithmetic ordering applies to the type.
func (t TypeCode) Numeric() bool { return t == Int || t == Float }

// ByteWidth returns N for a bN typecode and 0 otherwise.
func (t TypeCode) ByteWidth() int {
	if !t.IsBytes() {
		return 0
	}
	n, err := strconv.Atoi(string(t[1:]))
	if err != nil {
		return 0
	}
	return n
}
