package diffpatch

import (
	"sort"
	"strings"
	"time"
)

// Options configures update reconstruction.
type Options struct {
	// Upsert enables $setOnInsert when no before image exists.
	Upsert bool
	// Now supplies the timestamp for $currentDate. Defaults to time.Now UTC.
	Now func() time.Time
}

// ApplyUpdate reconstructs the post-update document from a before image and
// an update expression. The before image is never mutated. A nil before image
// starts from an empty document.
//
// Operator keys ($set, $inc, ...) apply Mongo-style partial updates addressed
// by dotted path. Raw keys without an operator merge additively into existing
// object and array values and replace scalars. Unknown operators and absent
// target paths are tolerated without error.
func ApplyUpdate(before map[string]any, update map[string]any, opts Options) map[string]any {
	isInsert := before == nil
	after, _ := DeepCopy(before).(map[string]any)
	if after == nil {
		after = map[string]any{}
	}
	if len(update) == 0 {
		return after
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	// Deterministic application order regardless of map iteration.
	keys := make([]string, 0, len(update))
	for key := range update {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := update[key]
		switch key {
		case "$set":
			eachField(value, func(path string, fieldValue any) {
				setPath(after, path, DeepCopy(fieldValue))
			})
		case "$setOnInsert":
			if opts.Upsert && isInsert {
				eachField(value, func(path string, fieldValue any) {
					setPath(after, path, DeepCopy(fieldValue))
				})
			}
		case "$unset":
			eachField(value, func(path string, _ any) {
				unsetPath(after, path)
			})
		case "$inc":
			eachField(value, func(path string, fieldValue any) {
				delta, ok := toNumber(fieldValue)
				if !ok {
					return
				}
				current, _ := toNumber(getPath(after, path))
				setPath(after, path, current+delta)
			})
		case "$mul":
			eachField(value, func(path string, fieldValue any) {
				factor, ok := toNumber(fieldValue)
				if !ok {
					return
				}
				current, _ := toNumber(getPath(after, path))
				setPath(after, path, current*factor)
			})
		case "$min":
			eachField(value, func(path string, fieldValue any) {
				applyComparison(after, path, fieldValue, func(candidate, current float64) bool {
					return candidate < current
				})
			})
		case "$max":
			eachField(value, func(path string, fieldValue any) {
				applyComparison(after, path, fieldValue, func(candidate, current float64) bool {
					return candidate > current
				})
			})
		case "$rename":
			eachField(value, func(path string, fieldValue any) {
				target, ok := fieldValue.(string)
				if !ok || strings.TrimSpace(target) == "" {
					return
				}
				moved, present := getPathOK(after, path)
				if !present {
					return
				}
				unsetPath(after, path)
				setPath(after, target, moved)
			})
		case "$currentDate":
			eachField(value, func(path string, _ any) {
				setPath(after, path, now().UTC().Format(time.RFC3339Nano))
			})
		case "$push":
			eachField(value, func(path string, fieldValue any) {
				items := eachItems(fieldValue)
				list := listAt(after, path)
				for _, item := range items {
					list = append(list, DeepCopy(item))
				}
				setPath(after, path, list)
			})
		case "$addToSet":
			eachField(value, func(path string, fieldValue any) {
				items := eachItems(fieldValue)
				list := listAt(after, path)
				for _, item := range items {
					if !containsValue(list, item) {
						list = append(list, DeepCopy(item))
					}
				}
				setPath(after, path, list)
			})
		case "$pull":
			eachField(value, func(path string, fieldValue any) {
				list := listAt(after, path)
				kept := list[:0]
				for _, item := range list {
					if !DeepEqual(item, fieldValue) {
						kept = append(kept, item)
					}
				}
				setPath(after, path, append([]any{}, kept...))
			})
		case "$pullAll":
			eachField(value, func(path string, fieldValue any) {
				targets, ok := fieldValue.([]any)
				if !ok {
					return
				}
				list := listAt(after, path)
				kept := make([]any, 0, len(list))
				for _, item := range list {
					if !containsValue(targets, item) {
						kept = append(kept, item)
					}
				}
				setPath(after, path, kept)
			})
		case "$pop":
			eachField(value, func(path string, fieldValue any) {
				list := listAt(after, path)
				if len(list) == 0 {
					return
				}
				direction, _ := toNumber(fieldValue)
				if direction < 0 {
					setPath(after, path, append([]any{}, list[1:]...))
				} else {
					setPath(after, path, append([]any{}, list[:len(list)-1]...))
				}
			})
		default:
			if strings.HasPrefix(key, "$") {
				// Unknown operators are tolerated, not applied.
				continue
			}
			mergeRawKey(after, key, value)
		}
	}

	return after
}

// eachField iterates the path→value pairs of one operator document.
func eachField(value any, fn func(path string, fieldValue any)) {
	fields, ok := value.(map[string]any)
	if !ok {
		return
	}
	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fn(path, fields[path])
	}
}

// eachItems unwraps a $each modifier, falling back to the single value.
func eachItems(value any) []any {
	if modifier, ok := value.(map[string]any); ok {
		if each, present := modifier["$each"]; present {
			if items, isList := each.([]any); isList {
				return items
			}
			return nil
		}
	}
	return []any{value}
}

func applyComparison(doc map[string]any, path string, fieldValue any, better func(candidate, current float64) bool) {
	candidate, ok := toNumber(fieldValue)
	if !ok {
		return
	}
	existing, present := getPathOK(doc, path)
	if !present {
		setPath(doc, path, DeepCopy(fieldValue))
		return
	}
	current, ok := toNumber(existing)
	if !ok || better(candidate, current) {
		setPath(doc, path, DeepCopy(fieldValue))
	}
}

// mergeRawKey applies a raw (operator-free) top-level assignment. Objects and
// arrays merge additively so partial-update callers keep existing content;
// scalars replace.
func mergeRawKey(doc map[string]any, key string, value any) {
	existing, present := doc[key]
	if !present {
		doc[key] = DeepCopy(value)
		return
	}
	existingMap, existingIsMap := existing.(map[string]any)
	valueMap, valueIsMap := value.(map[string]any)
	if existingIsMap && valueIsMap {
		for nestedKey, nestedValue := range valueMap {
			mergeRawKey(existingMap, nestedKey, nestedValue)
		}
		return
	}
	existingList, existingIsList := existing.([]any)
	valueList, valueIsList := value.([]any)
	if existingIsList && valueIsList {
		merged := append([]any{}, existingList...)
		for _, item := range valueList {
			if !containsValue(merged, item) {
				merged = append(merged, DeepCopy(item))
			}
		}
		doc[key] = merged
		return
	}
	doc[key] = DeepCopy(value)
}

func containsValue(list []any, value any) bool {
	for _, item := range list {
		if DeepEqual(item, value) {
			return true
		}
	}
	return false
}

// listAt returns a copy of the list at path, or an empty list when the path
// is absent or holds a non-list value.
func listAt(doc map[string]any, path string) []any {
	value, present := getPathOK(doc, path)
	if !present {
		return []any{}
	}
	list, ok := value.([]any)
	if !ok {
		return []any{}
	}
	return append([]any{}, list...)
}

// setPath assigns value at a dotted path, creating intermediate objects.
// Non-object intermediates are replaced so absent-before updates never fail.
func setPath(doc map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

func unsetPath(doc map[string]any, path string) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}

func getPath(doc map[string]any, path string) any {
	value, _ := getPathOK(doc, path)
	return value
}

func getPathOK(doc map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	value, present := current[segments[len(segments)-1]]
	return value, present
}
