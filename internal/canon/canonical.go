package canon

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces the canonical byte serialization of a value. This
// is the ONLY serialization used for content-addressed identity: atom
// hashes, group hashes, and dataset digests are all computed over it.
//
// Properties:
//   - Map keys are NFC-normalized, then sorted by UTF-16 code units
//     (RFC 8785 ordering). Distinct keys that normalize to the same
//     key are rejected: the map has no single canonical form.
//   - Strings are NFC-normalized.
//   - No HTML escaping; only control characters, backslash, and quote
//     are escaped.
//   - Floats are rendered with strconv.FormatFloat(v, 'g', -1, 64);
//     NaN and infinities are rejected.
//   - Bytes are rendered as {"$b":"<std base64>"} so they never
//     collide with a String.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshal(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("canon: cannot marshal untyped nil")
	case Null:
		buf.WriteString("null")
		return nil
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("canon: non-finite float %v cannot be canonicalized", f)
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		return nil
	case String:
		writeString(buf, string(val))
		return nil
	case Bytes:
		buf.WriteString(`{"$b":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString(`"}`)
		return nil
	case List:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshal(buf, elem); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case Map:
		buf.WriteByte('{')
		var prev string
		for i, k := range val.SortedKeys() {
			nk := NormalizeKey(k)
			if i > 0 {
				// Sorting is by normalized form, so two spellings of
				// one key land adjacent.
				if nk == prev {
					return fmt.Errorf("canon: distinct map keys normalize to the same key %q", nk)
				}
				buf.WriteByte(',')
			}
			prev = nk
			writeString(buf, k)
			buf.WriteByte(':')
			if err := marshal(buf, val[k]); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
}

const hexDigits = "0123456789abcdef"

// writeString writes a quoted JSON string with NFC normalization and
// minimal escaping. Unlike encoding/json, <, >, &, U+2028, and U+2029
// pass through unescaped.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)

	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// MustMarshal is Marshal but panics on error. Use only in tests or
// with values known to be finite.
func MustMarshal(v Value) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
