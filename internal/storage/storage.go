// Package storage declares the persistence contracts for tracked documents,
// captured change events, domain configuration, and materialized proxies.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/proxy"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// DocumentStore persists tracked source documents per tenant and collection.
type DocumentStore interface {
	PutDocument(ctx context.Context, tenantID, collection, id string, doc map[string]any) error
	GetDocument(ctx context.Context, tenantID, collection, id string) (map[string]any, error)
	DeleteDocument(ctx context.Context, tenantID, collection, id string) error
	ListDocuments(ctx context.Context, tenantID, collection string) ([]map[string]any, error)
}

// EventStore persists the change-event outbox.
//
// Events are appended not-ready inside a mutation, then flipped ready on
// commit or removed on abort. Image payloads are immutable after append.
type EventStore interface {
	AppendEvent(ctx context.Context, evt event.ChangeEvent) error
	MarkEventsReady(ctx context.Context, ids []string) error
	DeleteEvents(ctx context.Context, ids []string) error
	GetEvent(ctx context.Context, id string) (event.ChangeEvent, error)
	// ListUndownloaded returns ready, undelivered events in insertion order.
	ListUndownloaded(ctx context.Context, limit int) ([]event.ChangeEvent, error)
	MarkDownloaded(ctx context.Context, ids []string) error
}

// DomainConfigStore persists operator-authored domain configurations.
type DomainConfigStore interface {
	PutDomainConfig(ctx context.Context, config proxy.DomainConfig) error
	GetDomainConfig(ctx context.Context, domainID string) (proxy.DomainConfig, error)
	ListDomainConfigs(ctx context.Context) ([]proxy.DomainConfig, error)
	ListDomainConfigsByEventType(ctx context.Context, eventType string) ([]proxy.DomainConfig, error)
}

// NamedExpressionStore persists reusable expression trees referenced by id.
type NamedExpressionStore interface {
	PutNamedExpression(ctx context.Context, id string, node *expr.Node) error
	GetNamedExpression(ctx context.Context, id string) (*expr.Node, error)
}

// ProxyStore persists materialized proxies keyed by (domainId, contextKey).
type ProxyStore interface {
	PutProxy(ctx context.Context, p proxy.Proxy) error
	GetProxy(ctx context.Context, domainID, contextKey string) (proxy.Proxy, error)
	ListProxies(ctx context.Context, domainID string) ([]proxy.Proxy, error)
}

// CheckpointStore records which events a consumer has already applied, so
// at-least-once delivery stays idempotent.
type CheckpointStore interface {
	// MarkProcessed records the (consumer, eventID) pair and reports whether
	// this call was the first to do so.
	MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
}
