package diffpatch

import (
	"encoding/json"
	"reflect"
)

// DeepCopy clones a document value so callers can mutate the copy freely.
func DeepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, item := range typed {
			cloned[key] = DeepCopy(item)
		}
		return cloned
	case []any:
		cloned := make([]any, len(typed))
		for i, item := range typed {
			cloned[i] = DeepCopy(item)
		}
		return cloned
	default:
		return typed
	}
}

// DeepEqual compares document values structurally. Numeric values compare by
// magnitude regardless of Go type so decoded JSON and literal Go values agree.
func DeepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if numA, okA := toNumber(a); okA {
		numB, okB := toNumber(b)
		return okB && numA == numB
	}
	switch typedA := a.(type) {
	case map[string]any:
		typedB, ok := b.(map[string]any)
		if !ok || len(typedA) != len(typedB) {
			return false
		}
		for key, itemA := range typedA {
			itemB, present := typedB[key]
			if !present || !DeepEqual(itemA, itemB) {
				return false
			}
		}
		return true
	case []any:
		typedB, ok := b.([]any)
		if !ok || len(typedA) != len(typedB) {
			return false
		}
		for i := range typedA {
			if !DeepEqual(typedA[i], typedB[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// toNumber normalizes the numeric types a document value can arrive as.
func toNumber(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// IsEmpty reports whether a document value counts as absent. Merge policies
// and shy fields treat nil, empty strings, and empty containers alike.
func IsEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	default:
		return false
	}
}
