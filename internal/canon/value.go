package canon

import (
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Kind identifies the shape of a Value.
type Kind int

const (
	KindNull Kind = iota + 1
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

// String returns the stable tag used as an atom's ValueType.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFromString is the inverse of Kind.String. Returns 0 for an
// unrecognized tag.
func KindFromString(s string) Kind {
	switch s {
	case "null":
		return KindNull
	case "bool":
		return KindBool
	case "int":
		return KindInt
	case "float":
		return KindFloat
	case "string":
		return KindString
	case "bytes":
		return KindBytes
	case "list":
		return KindList
	case "map":
		return KindMap
	default:
		return 0
	}
}

// Value is a sealed interface over the closed set of shapes a dataset
// value may take. Only Null, Bool, Int, Float, String, Bytes, List,
// and Map implement it. Keeping the set closed is what makes canonical
// serialization (and therefore content addressing) total: there is no
// value that cannot be hashed.
type Value interface {
	Kind() Kind
	value() // sealed
}

// Null is the absent value.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) value()     {}

// Bool is a boolean value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// Int is a 64-bit integer value.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) value()     {}

// Float is a 64-bit float value. NaN and infinities are rejected at
// the canonical serialization boundary.
type Float float64

func (Float) Kind() Kind { return KindFloat }
func (Float) value()     {}

// String is a text value. NFC-normalized when canonically serialized.
type String string

func (String) Kind() Kind { return KindString }
func (String) value()     {}

// Bytes is an opaque byte value.
type Bytes []byte

func (Bytes) Kind() Kind { return KindBytes }
func (Bytes) value()     {}

// List is an ordered sequence of values.
type List []Value

func (List) Kind() Kind { return KindList }
func (List) value()     {}

// Map is a string-keyed collection of values. Use SortedKeys for
// deterministic iteration.
type Map map[string]Value

func (Map) Kind() Kind { return KindMap }
func (Map) value()     {}

// IsScalar reports whether v may be stored as a single atom value.
func IsScalar(v Value) bool {
	switch v.Kind() {
	case KindList, KindMap:
		return false
	default:
		return true
	}
}

// NormalizeKey returns the NFC form of a map key: the form used for
// canonical ordering, serialization, and atom identity.
func NormalizeKey(k string) string { return norm.NFC.String(k) }

// SortedKeys returns the map's keys in canonical order: UTF-16 code
// units of the NFC form (RFC 8785 ordering over normalized keys).
// Go's sort.Strings compares UTF-8 bytes, which orders
// supplementary-plane characters differently, and sorting raw forms
// would let NFC-equivalent maps serialize to different bytes.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return compareUTF16(NormalizeKey(a), NormalizeKey(b))
	})
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// Equal reports whether two values are the same logical value. Two
// values are equal exactly when their canonical serializations are
// identical.
func Equal(a, b Value) bool {
	ab, errA := Marshal(a)
	bb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
