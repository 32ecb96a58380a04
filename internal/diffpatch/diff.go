// Package diffpatch computes structural document diffs and reconstructs
// post-update images from partial update expressions.
//
// Both operations are pure: they never touch storage, so the mutation
// interceptor can diff a query-based update without re-reading the row after
// the write.
package diffpatch

// ChangeKind classifies one path-level change.
type ChangeKind string

const (
	// ChangeCreated marks a path present only in the after image.
	ChangeCreated ChangeKind = "CREATED"
	// ChangeUpdated marks a path present in both images with different values.
	ChangeUpdated ChangeKind = "UPDATED"
	// ChangeDeleted marks a path present only in the before image.
	ChangeDeleted ChangeKind = "DELETED"
)

// Change records the before and after value of one dotted path.
type Change struct {
	Kind   ChangeKind
	Before any
	After  any
}

// Diff returns the structural difference between two document snapshots keyed
// by dotted path. Nested objects recurse; arrays compare wholesale at their
// own path. An empty result means the documents are deep-equal.
func Diff(before, after map[string]any) map[string]Change {
	changes := make(map[string]Change)
	diffInto(changes, "", before, after)
	return changes
}

func diffInto(changes map[string]Change, prefix string, before, after map[string]any) {
	for key, beforeValue := range before {
		path := joinPath(prefix, key)
		afterValue, present := after[key]
		if !present {
			changes[path] = Change{Kind: ChangeDeleted, Before: DeepCopy(beforeValue)}
			continue
		}
		beforeMap, beforeIsMap := beforeValue.(map[string]any)
		afterMap, afterIsMap := afterValue.(map[string]any)
		if beforeIsMap && afterIsMap {
			diffInto(changes, path, beforeMap, afterMap)
			continue
		}
		if !DeepEqual(beforeValue, afterValue) {
			changes[path] = Change{
				Kind:   ChangeUpdated,
				Before: DeepCopy(beforeValue),
				After:  DeepCopy(afterValue),
			}
		}
	}
	for key, afterValue := range after {
		if _, present := before[key]; present {
			continue
		}
		path := joinPath(prefix, key)
		if afterMap, ok := afterValue.(map[string]any); ok && len(afterMap) > 0 {
			diffInto(changes, path, map[string]any{}, afterMap)
			continue
		}
		changes[path] = Change{Kind: ChangeCreated, After: DeepCopy(afterValue)}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
