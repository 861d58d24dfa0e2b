// Package value defines the runtime value model shared by the chunk format
// and the interpreter.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNil     Kind = 0
	KindBoolean Kind = 1
	KindNumber  Kind = 2
)

// String returns the lowercase kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBoolean:
		return "boolean"
	case KindNumber:
		return "number"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Value is an immutable tagged union. The zero Value is nil.
type Value struct {
	kind Kind
	b    bool
	n    float64
}

// Nil is the nil value.
var Nil = Value{}

// Bool constructs a Boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBoolean, b: b}
}

// Number constructs a Number value.
func Number(n float64) Value {
	return Value{kind: KindNumber, n: n}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsBool reports whether v is a Boolean.
func (v Value) IsBool() bool { return v.kind == KindBoolean }

// IsNumber reports whether v is a Number.
func (v Value) IsNumber() bool { return v.kind == KindNumber }

// AsBool returns the boolean payload. It is false for non-Boolean values.
func (v Value) AsBool() bool { return v.kind == KindBoolean && v.b }

// AsNumber returns the numeric payload. It is 0 for non-Number values.
func (v Value) AsNumber() float64 {
	if v.kind != KindNumber {
		return 0
	}
	return v.n
}

// IsFalsey reports whether v is nil or false. Every other value is truthy.
func (v Value) IsFalsey() bool {
	return v.kind == KindNil || (v.kind == KindBoolean && !v.b)
}

// Equal compares two values. Values of different kinds are never equal;
// numbers follow IEEE-754, so NaN is not equal to itself.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBoolean:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	}
	return false
}

// String prints the value in the form Parse accepts.
func (v Value) String() string {
	switch v.kind {
	case KindBoolean:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.n)
	default:
		return "nil"
	}
}

// GoString is used by %#v.
func (v Value) GoString() string {
	return fmt.Sprintf("value.%s(%s)", v.kind, v)
}

func formatNumber(n float64) string {
	switch {
	case math.IsInf(n, 1):
		return "inf"
	case math.IsInf(n, -1):
		return "-inf"
	case math.IsNaN(n):
		return "nan"
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Parse reads a printed value back. It accepts nil, true, false, and any
// number printed by String, including inf, -inf and nan.
func Parse(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "nil":
		return Nil, nil
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	case "inf", "+inf":
		return Number(math.Inf(1)), nil
	case "-inf":
		return Number(math.Inf(-1)), nil
	case "nan":
		return Number(math.NaN()), nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Nil, fmt.Errorf("invalid value literal %q", s)
	}
	return Number(n), nil
}
