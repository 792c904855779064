package kv

import (
	"bytes"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Type tags for the key order. Numbers sort before strings, strings
// before binary, binary before composite keys.
const (
	keyClassNumber = iota
	keyClassString
	keyClassBinary
	keyClassComposite
)

// NormalizeKey maps a Go value onto the key domain: all integer types
// become int64, float32 becomes float64, string and []byte pass through,
// and []any is normalized elementwise. Anything else (including nil)
// fails with ErrInvalidKey.
func NormalizeKey(v any) (Key, error) {
	switch k := v.(type) {
	case int64:
		return k, nil
	case int:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case uint:
		return int64(k), nil
	case uint8:
		return int64(k), nil
	case uint16:
		return int64(k), nil
	case uint32:
		return int64(k), nil
	case uint64:
		if k > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 %d overflows the key domain", ErrInvalidKey, k)
		}
		return int64(k), nil
	case float64:
		if math.IsNaN(k) {
			return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		return k, nil
	case float32:
		return NormalizeKey(float64(k))
	case string:
		return k, nil
	case []byte:
		return k, nil
	case []any:
		out := make([]any, len(k))
		for i, elem := range k {
			norm, err := NormalizeKey(elem)
			if err != nil {
				return nil, fmt.Errorf("composite element %d: %w", i, err)
			}
			out[i] = norm
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a key type", ErrInvalidKey, v)
	}
}

func keyClass(k Key) int {
	switch k.(type) {
	case int64, float64:
		return keyClassNumber
	case string:
		return keyClassString
	case []byte:
		return keyClassBinary
	case []any:
		return keyClassComposite
	default:
		// Unreachable for normalized keys.
		return keyClassComposite + 1
	}
}

// CompareKeys defines the total order over normalized keys: by type class
// first (number < string < binary < composite), then within a class.
// Numbers compare numerically across int64 and float64; composites
// compare elementwise with the shorter prefix sorting first.
func CompareKeys(a, b Key) int {
	ca, cb := keyClass(a), keyClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case keyClassNumber:
		return compareNumbers(a, b)
	case keyClassString:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	case keyClassBinary:
		return bytes.Compare(a.([]byte), b.([]byte))
	default:
		xa, xb := a.([]any), b.([]any)
		for i := 0; i < len(xa) && i < len(xb); i++ {
			if c := CompareKeys(xa[i], xb[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(xa) < len(xb):
			return -1
		case len(xa) > len(xb):
			return 1
		}
		return 0
	}
}

func compareNumbers(a, b Key) int {
	// Integer pairs compare exactly: a float64 round-trip collapses
	// distinct int64 values beyond 2^53.
	ia, aInt := a.(int64)
	ib, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	var fa, fb float64
	if aInt {
		fa = float64(ia)
	} else {
		fa = a.(float64)
	}
	if bInt {
		fb = float64(ib)
	} else {
		fb = b.(float64)
	}
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

// KeyFromRecord extracts and normalizes a record's primary key per the
// collection's key fields. One field yields the field value directly;
// several yield a composite key in declaration order. A missing or
// invalid field value fails with ErrInvalidKey.
func KeyFromRecord(rec Record, keyFields []string) (Key, error) {
	if len(keyFields) == 0 {
		return nil, fmt.Errorf("%w: collection has no key fields", ErrInvalidKey)
	}
	if len(keyFields) == 1 {
		v, ok := rec[keyFields[0]]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: record is missing key field %q", ErrInvalidKey, keyFields[0])
		}
		return NormalizeKey(v)
	}
	composite := make([]any, len(keyFields))
	for i, field := range keyFields {
		v, ok := rec[field]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: record is missing key field %q", ErrInvalidKey, field)
		}
		norm, err := NormalizeKey(v)
		if err != nil {
			return nil, fmt.Errorf("key field %q: %w", field, err)
		}
		composite[i] = norm
	}
	return composite, nil
}

// IndexKey computes the key a record carries under an index, or
// ok=false when the record is absent from the index because a field is
// missing or holds a non-key value.
func IndexKey(rec Record, spec IndexSpec) (Key, bool) {
	if len(spec.Fields) == 1 {
		v, ok := rec[spec.Fields[0]]
		if !ok || v == nil {
			return nil, false
		}
		norm, err := NormalizeKey(v)
		if err != nil {
			return nil, false
		}
		return norm, true
	}
	composite := make([]any, len(spec.Fields))
	for i, field := range spec.Fields {
		v, ok := rec[field]
		if !ok || v == nil {
			return nil, false
		}
		norm, err := NormalizeKey(v)
		if err != nil {
			return nil, false
		}
		composite[i] = norm
	}
	return composite, true
}

// EncodeKey renders a normalized key as a deterministic string, suitable
// as a map key or a storage-level primary key. Encoding is JSON with a
// one-byte class prefix so distinct classes never collide.
func EncodeKey(k Key) (string, error) {
	norm, err := NormalizeKey(k)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(rune('0'+keyClass(norm))) + string(data), nil
}

// DecodeKey is the inverse of EncodeKey. Numbers round-trip exactly
// (int64 stays int64). One caveat: a []byte element nested inside a
// composite key decodes as its base64 string form; engines that persist
// encoded keys should reject binary elements in composites if they need
// exact round-trips.
func DecodeKey(enc string) (Key, error) {
	if len(enc) < 2 {
		return nil, fmt.Errorf("%w: truncated encoded key %q", ErrInvalidKey, enc)
	}
	class := int(enc[0] - '0')
	payload := []byte(enc[1:])
	switch class {
	case keyClassNumber:
		return decodeNumber(payload)
	case keyClassString:
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("decode string key: %w", err)
		}
		return s, nil
	case keyClassBinary:
		var b []byte
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode binary key: %w", err)
		}
		return b, nil
	case keyClassComposite:
		return decodeComposite(payload)
	default:
		return nil, fmt.Errorf("%w: unknown key class %q", ErrInvalidKey, enc[0])
	}
}

func decodeNumber(payload []byte) (Key, error) {
	var n json.Number
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode number key: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("decode number key %q: %w", n, err)
	}
	return f, nil
}

func decodeComposite(payload []byte) (Key, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode composite key: %w", err)
	}
	out := make([]any, len(raw))
	for i, elem := range raw {
		if len(elem) == 0 {
			return nil, fmt.Errorf("%w: empty composite element", ErrInvalidKey)
		}
		switch elem[0] {
		case '"':
			var s string
			if err := json.Unmarshal(elem, &s); err != nil {
				return nil, fmt.Errorf("decode composite element %d: %w", i, err)
			}
			out[i] = s
		case '[':
			nested, err := decodeComposite(elem)
			if err != nil {
				return nil, fmt.Errorf("composite element %d: %w", i, err)
			}
			out[i] = nested
		default:
			n, err := decodeNumber(elem)
			if err != nil {
				return nil, fmt.Errorf("composite element %d: %w", i, err)
			}
			out[i] = n
		}
	}
	return out, nil
}

// CloneRecord deep-copies a record through the JSON codec, so engine
// callers can hand out records without aliasing stored state.
func CloneRecord(rec Record) (Record, error) {
	if rec == nil {
		return nil, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("clone record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone record: %w", err)
	}
	return out, nil
}
