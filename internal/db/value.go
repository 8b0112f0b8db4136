// Package db implements a schema-driven document storage engine: typed
// schemes and fields, value transformation, nested query resolution, access
// control and transactions over a pluggable backend Interface.
package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Value is a decoded dynamic value. Canonical forms are nil, bool, int64,
// float64, string, []byte, []any and Dict.
type Value = any

// Dict is a dictionary Value.
type Dict = map[string]any

// OidField is the implicit primary key carried by every object.
const OidField = "__oid"

// Normalize converts arbitrary Go values (ints of any width, json.Number,
// []string, nested maps) into canonical Value forms.
func Normalize(v any) Value {
	switch t := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(Dict, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(Dict, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	default:
		return t
	}
}

// DecodeJSON parses JSON into a normalized Value.
func DecodeJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return Normalize(v), nil
}

// isBasic reports whether v is a scalar (not null, array or dictionary).
func isBasic(v Value) bool {
	switch v.(type) {
	case bool, int64, float64, string, []byte:
		return true
	}
	return false
}

func isInteger(v Value) bool {
	_, ok := v.(int64)
	return ok
}

// AsInt64 coerces a scalar into an integer. Strings are parsed; unparsable
// input yields (0, false).
func AsInt64(v Value) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
			return int64(f), true
		}
	case int:
		return int64(t), true
	}
	return 0, false
}

// AsFloat64 coerces a scalar into a float.
func AsFloat64(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asBool(v Value) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t == "1" || t == "on" || t == "true"
	case []byte:
		return len(t) > 0
	}
	return false
}

// AsString renders a scalar as a string.
func AsString(v Value) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// GetInt returns d[key] as an integer, or 0.
func GetInt(d Dict, key string) int64 {
	if d == nil {
		return 0
	}
	i, _ := AsInt64(d[key])
	return i
}

// ObjectID extracts the oid of a dictionary object or a bare id value.
func ObjectID(v Value) int64 {
	switch t := v.(type) {
	case Dict:
		return GetInt(t, OidField)
	case int64:
		return t
	}
	return 0
}

func isEmpty(v Value) bool {
	switch t := v.(type) {
	case nil:
		return true
	case Dict:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	}
	return false
}

// Clone deep-copies a Value.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Dict:
		out := make(Dict, len(t))
		for k, item := range t {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return t
	}
}

// SameValue compares two Values structurally.
func SameValue(a, b Value) bool {
	return cmp.Equal(a, b)
}

// sortedKeys returns dictionary keys in lexicographic order.
func sortedKeys(d Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func int64Set(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
