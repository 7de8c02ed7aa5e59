package reactive

import (
	"reflect"
	"time"
)

// valuesEqual decides whether a write changes a slot's value.
//
// Primitives compare structurally: numbers compare across Go numeric types
// (a JSON decoder hands the store float64 where the script engine hands it
// int64 for the same number), strings and booleans by ==. Composites (maps,
// slices, functions, pointers, channels) compare by reference identity,
// matching script-language === semantics: a structurally equal but distinct
// object is a different value.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := numericValue(a); ok {
		fb, ok := numericValue(b)
		return ok && fa == fb
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}

	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}

	switch ra.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		// Two slices are the same value only if they view the same array
		// segment. Pointer alone misses reslices of a shared backing array.
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}

	// Remaining comparable types (small structs and the like) compare by ==.
	// Non-comparable leftovers are treated as changed.
	if ra.Type() == rb.Type() && ra.Type().Comparable() {
		return a == b
	}
	return false
}

// numericValue normalizes any Go numeric type to float64.
// Returns false for non-numeric values.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
