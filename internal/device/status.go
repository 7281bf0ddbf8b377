package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Status is the full flat status mapping reported by a device at one instant.
// Values are always int64 or string; use Normalize to build one from decoded
// wire data. A Status is replaced wholesale on every update and must not be
// mutated once published.
type Status map[string]any

// Clone returns a shallow copy. Values are scalars so a shallow copy is complete.
func (s Status) Clone() Status {
	if s == nil {
		return Status{}
	}
	out := make(Status, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both snapshots hold the same fields and values.
func (s Status) Equal(other Status) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Int returns the integer value of field, if present and numeric.
func (s Status) Int(field string) (int64, bool) {
	v, ok := s[field].(int64)
	return v, ok
}

// String returns the string value of field, if present and textual.
func (s Status) String(field string) (string, bool) {
	v, ok := s[field].(string)
	return v, ok
}

// Fields returns the field identifiers in sorted order.
func (s Status) Fields() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts a decoded mapping into a Status. Integral numbers of any
// Go or JSON representation become int64, strings stay strings. Nested values,
// booleans and fractional numbers are rejected.
func Normalize(raw map[string]any) (Status, error) {
	out := make(Status, len(raw))
	for k, v := range raw {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidStatus, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintToInt64(uint64(t))
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintToInt64(t)
	case float32:
		return floatToInt64(float64(t))
	case float64:
		return floatToInt64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return floatToInt64(f)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func uintToInt64(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("value %d overflows int64", u)
	}
	return int64(u), nil
}

func floatToInt64(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("non-integral number %v", f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, so compare against 2^63.
	if f >= 1<<63 || f < -1<<63 {
		return nil, fmt.Errorf("value %v overflows int64", f)
	}
	return int64(f), nil
}

// DecodeStatus parses a JSON object into a Status.
func DecodeStatus(data []byte) (Status, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStatus, err)
	}
	return Normalize(raw)
}
