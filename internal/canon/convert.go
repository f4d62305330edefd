package canon

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FromGo converts a native Go value into a Value. Supported inputs:
// nil, bool, string, []byte, all integer widths, float32/float64,
// []any, map[string]any, and anything already a Value. Unsupported
// types return an error rather than falling back to fmt.Sprint, so a
// caller never silently hashes a Go-representation-dependent string.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case []byte:
		return Bytes(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			cv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = cv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			cv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = cv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("canon: unsupported Go type %T", v)
	}
}

// Unmarshal parses canonical bytes back into a Value. It accepts any
// JSON the canonical form can produce. An integral number always
// decodes as Int: canonical serialization renders Float(1) and Int(1)
// identically, so kind is not recoverable for integral floats — only
// canonical identity is, which is what content addressing needs.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canon: unmarshal: %w", err)
	}
	return fromDecoded(raw)
}

func fromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			n, err := val.Int64()
			if err != nil {
				return nil, fmt.Errorf("canon: integer out of int64 range: %s", s)
			}
			return Int(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("canon: bad float %s: %w", s, err)
		}
		return Float(f), nil
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			cv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = cv
		}
		return list, nil
	case map[string]any:
		// {"$b": "<base64>"} is the bytes encoding, not a map.
		if enc, ok := bytesEncoding(val); ok {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("canon: bad bytes encoding: %w", err)
			}
			return Bytes(raw), nil
		}
		m := make(Map, len(val))
		for k, elem := range val {
			cv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = cv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("canon: unsupported decoded type %T", v)
	}
}

// UnmarshalKind parses canonical bytes whose kind tag is known, as
// when reading a stored atom back. Unlike Unmarshal it preserves the
// Float kind for integral floats: "3" tagged float decodes as
// Float(3), not Int(3), so a fetched atom re-hashes to its original
// identity.
func UnmarshalKind(kind Kind, data []byte) (Value, error) {
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("canon: parse int %q: %w", data, err)
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return nil, fmt.Errorf("canon: parse float %q: %w", data, err)
		}
		return Float(f), nil
	default:
		v, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if v.Kind() != kind {
			return nil, fmt.Errorf("canon: value %q decoded as %s, tagged %s", data, v.Kind(), kind)
		}
		return v, nil
	}
}

func bytesEncoding(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	enc, ok := m["$b"].(string)
	return enc, ok
}
