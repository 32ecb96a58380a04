package expr

import "strings"

// Scope is the immutable evaluation context for one expression tree.
//
// Nested evaluations (named-expression indirection) receive a scope built by
// the caller; they never mutate the parent's.
type Scope struct {
	// Entity is the primary entity under evaluation (self.entity).
	Entity map[string]any
	// UserPermissions carries the caller's permission claims
	// (self.userPermissions).
	UserPermissions map[string]any
	// Context is the trigger event payload.
	Context map[string]any
	// Locale selects label translations; it never affects control flow.
	Locale string
	// AuthToken is passed through to outbound HTTP capability calls.
	AuthToken string
	// AllowPermissionBypass permits ignorePermissions query nodes. Set only
	// by internal dependency propagation, never from a request scope.
	AllowPermissionBypass bool
}

// Dot operator sources.
const (
	SourceContext     = "context"
	SourceEntity      = "entity"
	SourcePermissions = "permissions"
)

// lookup resolves a dotted path against one of the scope roots. Missing
// paths resolve to nil so conditions on absent fields evaluate, not fail.
func (s Scope) lookup(source, path string) (any, bool) {
	var root map[string]any
	switch source {
	case SourceContext:
		root = s.Context
	case SourceEntity:
		root = s.Entity
	case SourcePermissions:
		root = s.UserPermissions
	default:
		return nil, false
	}
	if path == "" {
		return root, true
	}

	var current any = root
	for _, segment := range strings.Split(path, ".") {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, true
		}
		current = asMap[segment]
	}
	return current, true
}

// WithContext returns a copy of the scope with a different trigger payload.
func (s Scope) WithContext(context map[string]any) Scope {
	s.Context = context
	return s
}

// WithEntity returns a copy of the scope with a different primary entity.
func (s Scope) WithEntity(entity map[string]any) Scope {
	s.Entity = entity
	return s
}
