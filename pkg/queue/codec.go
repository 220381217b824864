package queue

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Encode serialises item to its JSON wire form.
//
// Items are flat: every value is a scalar, a list of scalars, or a
// string-keyed map of scalars. Anything nested deeper is ErrInvalidItem.
func Encode(item Item) ([]byte, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: nil item", ErrInvalidItem)
	}
	for k, v := range item {
		if k == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidItem)
		}
		if !flatValue(reflect.ValueOf(v)) {
			return nil, fmt.Errorf("%w: value of %q is not a scalar, list or map of scalars", ErrInvalidItem, k)
		}
	}
	data, err := json.Marshal(map[string]any(item))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}
	return data, nil
}

func flatValue(v reflect.Value) bool {
	v = deref(v)
	if !v.IsValid() || isScalar(v.Kind()) {
		return true
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if e := deref(v.Index(i)); e.IsValid() && !isScalar(e.Kind()) {
				return false
			}
		}
		return true
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		iter := v.MapRange()
		for iter.Next() {
			if e := deref(iter.Value()); e.IsValid() && !isScalar(e.Kind()) {
				return false
			}
		}
		return true
	}
	return false
}

func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Decode parses a payload. Anything other than a JSON object is reported as
// not ok rather than as an error.
func Decode(data []byte) (Item, bool) {
	var item map[string]any
	if err := json.Unmarshal(data, &item); err != nil || item == nil {
		return nil, false
	}
	return Item(item), true
}

// EncodeResult serialises a worker result.
func EncodeResult(r Result) ([]byte, error) {
	if r.JobID == "" {
		return nil, fmt.Errorf("%w: result without job id", ErrInvalidItem)
	}
	return json.Marshal(r)
}

// DecodeResult parses a result payload; malformed payloads are not ok.
func DecodeResult(data []byte) (Result, bool) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil || r.JobID == "" {
		return Result{}, false
	}
	return r, true
}

// String returns the string value stored under key, or "".
func (i Item) String(key string) string {
	s, _ := i[key].(string)
	return s
}

// Strings returns the string list stored under key. JSON-decoded lists arrive
// as []any, so both shapes are accepted.
func (i Item) Strings(key string) []string {
	switch v := i[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringMap returns the string map stored under key.
func (i Item) StringMap(key string) map[string]string {
	switch v := i[key].(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Int returns the integer stored under key; JSON numbers decode as float64.
func (i Item) Int(key string) int {
	switch v := i[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
