// Package policy enforces field-level visibility and write authorization for
// derived views, driven by the readable/writable rules in field definitions.
package policy

import (
	"context"
	"sort"
	"strings"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/proxy"
)

// Enforcer evaluates readable/writable rules against a caller scope.
type Enforcer struct {
	eval *expr.Evaluator
}

// New returns an Enforcer backed by the given evaluator.
func New(eval *expr.Evaluator) *Enforcer {
	return &Enforcer{eval: eval}
}

// FilterReadable returns a copy of doc with every field whose readable rule
// evaluates false removed. Rules are evaluated depth-first: an unreadable
// object hides its entire subtree, a readable object still has its children
// filtered individually. A rule that fails to evaluate hides the field.
func (e *Enforcer) FilterReadable(ctx context.Context, fields []proxy.FieldDefinition, doc map[string]any, scope expr.Scope) (map[string]any, error) {
	if e == nil || e.eval == nil {
		return nil, errors.New(errors.CodeExprCapabilityUnwired, "policy enforcer is not configured")
	}
	filtered := make(map[string]any, len(doc))
	for key, value := range doc {
		field, ok := findField(fields, key)
		if !ok {
			// Values without a definition stay visible; only declared
			// fields carry rules.
			filtered[key] = diffpatch.DeepCopy(value)
			continue
		}
		shaped, visible, err := e.filterField(ctx, field, value, scope)
		if err != nil {
			return nil, err
		}
		if visible {
			filtered[key] = shaped
		}
	}
	return filtered, nil
}

// filterField applies a field's readable rule and recurses into the value.
// For list fields the rule is evaluated once per element, with the element
// as the scope entity, so individual items can be hidden.
func (e *Enforcer) filterField(ctx context.Context, field proxy.FieldDefinition, value any, scope expr.Scope) (any, bool, error) {
	if field.Type.Kind == proxy.FieldList {
		if asList, ok := value.([]any); ok {
			items := make([]any, len(asList))
			copy(items, asList)
			// Splice unreadable elements back to front so indexes stay stable.
			for i := len(items) - 1; i >= 0; i-- {
				elementScope := scope
				if asMap, ok := items[i].(map[string]any); ok {
					elementScope = scope.WithEntity(asMap)
				}
				visible, err := e.allowed(ctx, field.Readable, elementScope)
				if err != nil {
					return nil, false, err
				}
				if !visible {
					items = append(items[:i], items[i+1:]...)
					continue
				}
				if field.Type.Elem != nil && field.Type.Elem.Kind == proxy.FieldObject {
					if asMap, ok := items[i].(map[string]any); ok {
						shaped, err := e.FilterReadable(ctx, objectFields(*field.Type.Elem), asMap, elementScope)
						if err != nil {
							return nil, false, err
						}
						items[i] = shaped
						continue
					}
				}
				items[i] = diffpatch.DeepCopy(items[i])
			}
			return items, true, nil
		}
	}

	visible, err := e.allowed(ctx, field.Readable, scope)
	if err != nil {
		return nil, false, err
	}
	if !visible {
		return nil, false, nil
	}
	if field.Type.Kind == proxy.FieldObject {
		if asMap, ok := value.(map[string]any); ok {
			shaped, err := e.FilterReadable(ctx, objectFields(field.Type), asMap, scope)
			return shaped, true, err
		}
	}
	return diffpatch.DeepCopy(value), true, nil
}

// AuthorizeWrite verifies every path the update would edit against the
// governing writable rules. A single denied path rejects the whole write; no
// partial application is possible.
func (e *Enforcer) AuthorizeWrite(ctx context.Context, fields []proxy.FieldDefinition, before, after map[string]any, scope expr.Scope) error {
	if e == nil || e.eval == nil {
		return errors.New(errors.CodeExprCapabilityUnwired, "policy enforcer is not configured")
	}
	changes := diffpatch.Diff(before, after)
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		field, ok := governingField(fields, path)
		if !ok {
			return errors.WithMetadata(errors.CodeProxyFieldNotWritable,
				"field is not declared in the domain", map[string]string{"path": path})
		}
		writable, err := e.allowed(ctx, field.Writable, scope)
		if err != nil {
			return err
		}
		if !writable {
			return errors.WithMetadata(errors.CodeProxyFieldNotWritable,
				"field is not writable for this caller", map[string]string{"path": path})
		}
	}
	return nil
}

func (e *Enforcer) allowed(ctx context.Context, rule *expr.Node, scope expr.Scope) (bool, error) {
	if rule == nil {
		return true, nil
	}
	return e.eval.EvaluateBool(ctx, rule, scope)
}

// governingField walks an edited dotted path down the definition tree and
// returns the deepest definition found. An exact match governs directly; a
// prefix match means the edit touches inside a declared subtree and the
// nearest ancestor's rule applies.
func governingField(fields []proxy.FieldDefinition, path string) (proxy.FieldDefinition, bool) {
	segments := strings.Split(path, ".")
	current, ok := findField(fields, segments[0])
	if !ok {
		return proxy.FieldDefinition{}, false
	}
	for _, segment := range segments[1:] {
		children := objectFields(current.Type)
		child, found := findField(children, segment)
		if !found {
			break
		}
		// A child without its own writable rule inherits the ancestor's.
		if child.Writable == nil {
			child.Writable = current.Writable
		}
		current = child
	}
	return current, true
}

func findField(fields []proxy.FieldDefinition, id string) (proxy.FieldDefinition, bool) {
	for _, field := range fields {
		if field.ID == id {
			return field, true
		}
	}
	return proxy.FieldDefinition{}, false
}

func objectFields(fieldType proxy.FieldType) []proxy.FieldDefinition {
	if fieldType.Kind != proxy.FieldObject {
		return nil
	}
	ids := make([]string, 0, len(fieldType.Fields))
	for id := range fieldType.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fields := make([]proxy.FieldDefinition, 0, len(ids))
	for _, id := range ids {
		field := fieldType.Fields[id]
		if field.ID == "" {
			field.ID = id
		}
		fields = append(fields, field)
	}
	return fields
}
