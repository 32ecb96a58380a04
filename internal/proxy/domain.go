// Package proxy defines derived read-model documents, the declarative domain
// configuration that produces them, and the deterministic merge semantics
// for multi-source writes.
package proxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/expr"
)

// MergeHorizontal governs whether a new value replaces an existing one.
type MergeHorizontal string

const (
	// MergeOverwrite always replaces the existing value.
	MergeOverwrite MergeHorizontal = "OVERWRITE"
	// MergeShy only applies when the existing value is absent or empty.
	MergeShy MergeHorizontal = "SHY"
)

// MergeVertical ranks which domain's writes take precedence on a shared
// field id. PARENT fragments override CHILD fragments regardless of arrival
// order.
type MergeVertical string

const (
	// MergeParent is the authoritative rank.
	MergeParent MergeVertical = "PARENT"
	// MergeChild is the subordinate rank.
	MergeChild MergeVertical = "CHILD"
)

// FieldKind discriminates the recursive field type.
type FieldKind string

const (
	// FieldScalar holds a single value.
	FieldScalar FieldKind = "scalar"
	// FieldList holds a homogeneous list.
	FieldList FieldKind = "list"
	// FieldObject holds named child fields.
	FieldObject FieldKind = "object"
)

// FieldType is the recursive type of a dynamic field:
// Scalar | List(FieldType) | Object(map[string]FieldDefinition).
type FieldType struct {
	Kind FieldKind `json:"kind"`
	// Elem is the element type for list fields.
	Elem *FieldType `json:"elem,omitempty"`
	// Fields are the named children for object fields.
	Fields map[string]FieldDefinition `json:"fields,omitempty"`
}

// FieldDefinition describes one field of a derived view.
type FieldDefinition struct {
	// ID is the field identifier, unique within a domain.
	ID string `json:"id"`
	// Type is the recursive field type.
	Type FieldType `json:"type"`
	// Labels maps locale tags to display text.
	Labels map[string]string `json:"labels,omitempty"`
	// Readable gates outbound visibility; nil means readable.
	Readable *expr.Node `json:"readable,omitempty"`
	// Writable gates inbound writes; nil means writable.
	Writable *expr.Node `json:"writable,omitempty"`
	// AutomaticValue, when present, is recomputed on every matching event.
	AutomaticValue *expr.Node `json:"automaticValue,omitempty"`
	// Horizontal merge policy; defaults to OVERWRITE.
	Horizontal MergeHorizontal `json:"horizontal,omitempty"`
	// Vertical merge rank; defaults to PARENT.
	Vertical MergeVertical `json:"vertical,omitempty"`
}

// HorizontalOrDefault returns the horizontal policy with its default applied.
func (d FieldDefinition) HorizontalOrDefault() MergeHorizontal {
	if d.Horizontal == "" {
		return MergeOverwrite
	}
	return d.Horizontal
}

// VerticalOrDefault returns the vertical rank with its default applied.
func (d FieldDefinition) VerticalOrDefault() MergeVertical {
	if d.Vertical == "" {
		return MergeParent
	}
	return d.Vertical
}

// Trigger declares when a domain reacts to a change event and what it emits.
type Trigger struct {
	// EventType is the synthesized event name, e.g. "cases-updated".
	EventType string `json:"eventType"`
	// Condition gates processing; nil means always.
	Condition *expr.Node `json:"condition,omitempty"`
	// ContextKey computes the natural business key addressing the proxy.
	ContextKey *expr.Node `json:"contextKey"`
	// Emit computes the fragment merged into the proxy.
	Emit *expr.Node `json:"emitExpression"`
}

// DomainConfig is the operator-authored description of one derived-view
// domain.
type DomainConfig struct {
	// DomainID is the unique domain identifier.
	DomainID string `json:"domainId"`
	// TargetDomainID addresses another domain's proxies; empty targets the
	// domain's own. This is how two domains come to write the same field id.
	TargetDomainID string `json:"targetDomainId,omitempty"`
	// Trigger declares the event reaction.
	Trigger Trigger `json:"trigger"`
	// ProxyFields define the derived view's fields.
	ProxyFields []FieldDefinition `json:"proxyFields"`
}

// Target returns the domain whose proxies this config writes into.
func (c DomainConfig) Target() string {
	if strings.TrimSpace(c.TargetDomainID) != "" {
		return c.TargetDomainID
	}
	return c.DomainID
}

// Field returns the definition for a top-level field id.
func (c DomainConfig) Field(id string) (FieldDefinition, bool) {
	for _, field := range c.ProxyFields {
		if field.ID == id {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// Validate checks the structural invariants of a domain config.
func (c DomainConfig) Validate() error {
	if strings.TrimSpace(c.DomainID) == "" {
		return fmt.Errorf("domain id is required")
	}
	if strings.TrimSpace(c.Trigger.EventType) == "" {
		return fmt.Errorf("trigger event type is required")
	}
	if c.Trigger.ContextKey == nil {
		return fmt.Errorf("trigger context key expression is required")
	}
	seen := make(map[string]struct{}, len(c.ProxyFields))
	for _, field := range c.ProxyFields {
		if strings.TrimSpace(field.ID) == "" {
			return fmt.Errorf("proxy field id is required")
		}
		if _, duplicate := seen[field.ID]; duplicate {
			return fmt.Errorf("duplicate proxy field id %q", field.ID)
		}
		seen[field.ID] = struct{}{}
	}
	return nil
}

// Fragment is a provenance-tagged partial payload merged into a proxy.
type Fragment struct {
	// Origin identifies the source document that produced the fragment.
	Origin string `json:"origin"`
	// DomainID is the writing domain config.
	DomainID string `json:"domainId"`
	// Values holds the emitted top-level field values.
	Values map[string]any `json:"values"`
	// UpdatedAt orders fragments within one merge rank.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Proxy is one materialized derived document, keyed by (domainId, contextKey).
type Proxy struct {
	DomainID   string
	ContextKey string
	TenantID   string
	// Fragments is the provenance history merges are recomputed from.
	Fragments []Fragment
	// DynamicFields is the merged view: always a pure function of
	// Fragments plus merge policy.
	DynamicFields map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
