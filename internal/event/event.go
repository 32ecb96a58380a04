// Package event defines the immutable change-event journal records produced
// by the mutation interceptor and consumed by the proxy materializer.
package event

import (
	"strings"
	"time"
)

// Action classifies what a change event did to its source document.
type Action string

const (
	// ActionCreated records a document creation.
	ActionCreated Action = "created"
	// ActionUpdated records a document update.
	ActionUpdated Action = "updated"
	// ActionDeleted records a document deletion.
	ActionDeleted Action = "deleted"
)

// ChangeEvent is one captured mutation of a tenant-owned document.
//
// Value fields are immutable after creation; only the Ready and Downloaded
// flags may flip, and only by the component that created the row.
type ChangeEvent struct {
	// ID is the internally generated event identifier.
	ID string
	// Source is the domain tag of the originating collection.
	Source string
	// SourceDocID is the identifier of the mutated document.
	SourceDocID string
	// PreviousValues is the before image; nil on create.
	PreviousValues map[string]any
	// CurrentValues is the after image; nil on delete.
	CurrentValues map[string]any
	// TenantID scopes the event to one tenant.
	TenantID string
	// Metadata carries optional capture-time annotations.
	Metadata map[string]any
	// Ready flips true only after the originating write commits.
	Ready bool
	// Downloaded marks cross-service delivery as durably recorded downstream.
	Downloaded bool
	// CreatedAt is when the event was captured.
	CreatedAt time.Time
	// UpdatedAt tracks the flag flips.
	UpdatedAt time.Time
}

// Action derives the event action from image presence. Events carrying
// neither image do occur in practice, when an upstream document materializes
// as an empty object instead of null; they are deliberately treated as
// creations so those documents still flow downstream.
func (e ChangeEvent) Action() Action {
	hasPrevious := e.PreviousValues != nil
	hasCurrent := e.CurrentValues != nil
	switch {
	case hasPrevious && hasCurrent:
		return ActionUpdated
	case hasPrevious:
		return ActionDeleted
	default:
		return ActionCreated
	}
}

// Name returns the synthesized trigger name, e.g. "cases-updated".
func (e ChangeEvent) Name() string {
	return e.Source + "-" + string(e.Action())
}

// Payload returns the image the materializer evaluates trigger conditions
// against: the current values when present, the previous values otherwise.
func (e ChangeEvent) Payload() map[string]any {
	if e.CurrentValues != nil {
		return e.CurrentValues
	}
	return e.PreviousValues
}

// IsValid reports whether the event carries the envelope fields every
// consumer depends on.
func (e ChangeEvent) IsValid() bool {
	return strings.TrimSpace(e.ID) != "" &&
		strings.TrimSpace(e.Source) != "" &&
		strings.TrimSpace(e.TenantID) != ""
}
