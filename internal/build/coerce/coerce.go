// Package coerce reduces arbitrary decoded JSON values to the scalar property types a graph
// store accepts: int64, float64 and string.
package coerce

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"tweetgraph/internal/model"
)

// Value coerces v. ok is false for nil, which callers drop rather than store.
func Value(v any) (out any, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		return x, true, nil
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i, true, nil
		}
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x.String(), true, nil
		}
		return f, true, nil
	case bool:
		return strconv.FormatBool(x), true, nil
	case int:
		return int64(x), true, nil
	case int8:
		return int64(x), true, nil
	case int16:
		return int64(x), true, nil
	case int32:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case uint8:
		return int64(x), true, nil
	case uint16:
		return int64(x), true, nil
	case uint32:
		return int64(x), true, nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return strconv.FormatUint(uint64(x), 10), true, nil
		}
		return int64(x), true, nil
	case uint64:
		if x > math.MaxInt64 {
			return strconv.FormatUint(x, 10), true, nil
		}
		return int64(x), true, nil
	case float32:
		return float64(x), true, nil
	case float64:
		return x, true, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true, nil
	case fmt.Stringer:
		return x.String(), true, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, false, nil
		}
		return Value(rv.Elem().Interface())
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false, fmt.Errorf("unsupported kind %s", rv.Kind())
	}
	return fmt.Sprint(v), true, nil
}

// Props coerces every field of rec, skipping nil values and the named fields.
func Props(rec model.Record, skip ...string) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if contains(skip, k) {
			continue
		}
		c, ok, err := Value(v)
		if err != nil {
			return nil, &model.CoercionError{Property: k, Value: v, Err: err}
		}
		if ok {
			out[k] = c
		}
	}
	return out, nil
}

// Scalar reports whether v is already a store-acceptable property value.
func Scalar(v any) bool {
	switch v.(type) {
	case int64, float64, string:
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
