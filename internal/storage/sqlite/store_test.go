package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

var testDBSeq atomic.Int64

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := fmt.Sprintf("store_test_%d", testDBSeq.Add(1))
	store, err := OpenInMemory(context.Background(), name)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDocumentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := map[string]any{"status": "PENDING", "nested": map[string]any{"a": float64(1)}}
	if err := store.PutDocument(ctx, "t1", "cases", "c1", doc); err != nil {
		t.Fatalf("PutDocument() error = %v", err)
	}

	loaded, err := store.GetDocument(ctx, "t1", "cases", "c1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if loaded["status"] != "PENDING" {
		t.Fatalf("status = %v, want PENDING", loaded["status"])
	}

	doc["status"] = "CONFIRMED"
	if err := store.PutDocument(ctx, "t1", "cases", "c1", doc); err != nil {
		t.Fatalf("PutDocument() update error = %v", err)
	}
	loaded, err = store.GetDocument(ctx, "t1", "cases", "c1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if loaded["status"] != "CONFIRMED" {
		t.Fatalf("status = %v, want CONFIRMED after upsert", loaded["status"])
	}

	if _, err := store.GetDocument(ctx, "t2", "cases", "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetDocument() cross-tenant err = %v, want ErrNotFound", err)
	}

	if err := store.DeleteDocument(ctx, "t1", "cases", "c1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if err := store.DeleteDocument(ctx, "t1", "cases", "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("DeleteDocument() repeat err = %v, want ErrNotFound", err)
	}
}

func TestListDocumentsInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"z", "a", "m"} {
		doc := map[string]any{"pos": float64(i)}
		if err := store.PutDocument(ctx, "t1", "cases", id, doc); err != nil {
			t.Fatalf("PutDocument(%s) error = %v", id, err)
		}
	}
	docs, err := store.ListDocuments(ctx, "t1", "cases")
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d documents, want 3", len(docs))
	}
	for i, doc := range docs {
		if doc["pos"] != float64(i) {
			t.Fatalf("docs[%d].pos = %v, want insertion order preserved", i, doc["pos"])
		}
	}
}

func TestEventOutboxLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := event.ChangeEvent{
		ID:            "evt-1",
		Source:        "cases",
		SourceDocID:   "c1",
		TenantID:      "t1",
		CurrentValues: map[string]any{"status": "PENDING"},
	}
	if err := store.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	// Not ready yet: invisible to the outbox drain.
	pending, err := store.ListUndownloaded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndownloaded() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("got %d events before commit, want 0", len(pending))
	}

	if err := store.MarkEventsReady(ctx, []string{"evt-1"}); err != nil {
		t.Fatalf("MarkEventsReady() error = %v", err)
	}
	pending, err = store.ListUndownloaded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndownloaded() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "evt-1" {
		t.Fatalf("pending = %+v, want evt-1", pending)
	}
	if pending[0].PreviousValues != nil {
		t.Fatal("previous image should stay nil for creations")
	}
	if pending[0].CurrentValues["status"] != "PENDING" {
		t.Fatalf("current.status = %v, want PENDING", pending[0].CurrentValues["status"])
	}

	if err := store.MarkDownloaded(ctx, []string{"evt-1"}); err != nil {
		t.Fatalf("MarkDownloaded() error = %v", err)
	}
	pending, err = store.ListUndownloaded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndownloaded() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("got %d events after delivery, want 0", len(pending))
	}

	stored, err := store.GetEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if !stored.Ready || !stored.Downloaded {
		t.Fatalf("flags = ready=%v downloaded=%v, want both true", stored.Ready, stored.Downloaded)
	}
}

func TestEventImagesSurviveFlagFlips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := event.ChangeEvent{
		ID:             "evt-1",
		Source:         "cases",
		SourceDocID:    "c1",
		TenantID:       "t1",
		PreviousValues: map[string]any{"status": "PENDING"},
		CurrentValues:  map[string]any{"status": "CONFIRMED"},
	}
	if err := store.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := store.MarkEventsReady(ctx, []string{"evt-1"}); err != nil {
		t.Fatalf("MarkEventsReady() error = %v", err)
	}
	if err := store.MarkDownloaded(ctx, []string{"evt-1"}); err != nil {
		t.Fatalf("MarkDownloaded() error = %v", err)
	}

	stored, err := store.GetEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if stored.PreviousValues["status"] != "PENDING" || stored.CurrentValues["status"] != "CONFIRMED" {
		t.Fatalf("images changed across flag flips: %+v", stored)
	}
}

func TestDeleteEventsRemovesAbortedCapture(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := event.ChangeEvent{ID: "evt-1", Source: "cases", SourceDocID: "c1", TenantID: "t1"}
	if err := store.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := store.DeleteEvents(ctx, []string{"evt-1"}); err != nil {
		t.Fatalf("DeleteEvents() error = %v", err)
	}
	if _, err := store.GetEvent(ctx, "evt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetEvent() after delete err = %v, want ErrNotFound", err)
	}
}

func TestListUndownloadedInsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ids := []string{"evt-c", "evt-a", "evt-b"}
	for _, id := range ids {
		evt := event.ChangeEvent{ID: id, Source: "cases", SourceDocID: "d", TenantID: "t1"}
		if err := store.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent(%s) error = %v", id, err)
		}
	}
	if err := store.MarkEventsReady(ctx, ids); err != nil {
		t.Fatalf("MarkEventsReady() error = %v", err)
	}

	pending, err := store.ListUndownloaded(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndownloaded() error = %v", err)
	}
	for i, id := range ids {
		if pending[i].ID != id {
			t.Fatalf("pending[%d] = %s, want %s (insertion order)", i, pending[i].ID, id)
		}
	}
}

func TestDomainConfigRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	config := proxy.DomainConfig{
		DomainID: "cases",
		Trigger: proxy.Trigger{
			EventType:  "cases-updated",
			ContextKey: expr.Dot(expr.SourceContext, "caseNumber"),
			Emit:       expr.Object(map[string]*expr.Node{"status": expr.Dot(expr.SourceContext, "status")}),
		},
		ProxyFields: []proxy.FieldDefinition{
			{ID: "status", Type: proxy.FieldType{Kind: proxy.FieldScalar}, Horizontal: proxy.MergeShy},
		},
	}
	if err := store.PutDomainConfig(ctx, config); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	loaded, err := store.GetDomainConfig(ctx, "cases")
	if err != nil {
		t.Fatalf("GetDomainConfig() error = %v", err)
	}
	if loaded.Trigger.EventType != "cases-updated" {
		t.Fatalf("eventType = %q", loaded.Trigger.EventType)
	}
	if loaded.Trigger.ContextKey == nil || loaded.Trigger.ContextKey.Path != "caseNumber" {
		t.Fatalf("context key expression lost: %+v", loaded.Trigger.ContextKey)
	}
	if field, ok := loaded.Field("status"); !ok || field.Horizontal != proxy.MergeShy {
		t.Fatalf("field policy lost: %+v", field)
	}

	byType, err := store.ListDomainConfigsByEventType(ctx, "cases-updated")
	if err != nil {
		t.Fatalf("ListDomainConfigsByEventType() error = %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("got %d configs for event type, want 1", len(byType))
	}
	if missing, err := store.ListDomainConfigsByEventType(ctx, "other-created"); err != nil || len(missing) != 0 {
		t.Fatalf("unexpected configs %v, err %v", missing, err)
	}
}

func TestDomainConfigRejectsInvalid(t *testing.T) {
	store := openTestStore(t)
	if err := store.PutDomainConfig(context.Background(), proxy.DomainConfig{DomainID: "x"}); err == nil {
		t.Fatal("PutDomainConfig() accepted config without trigger")
	}
}

func TestNamedExpressionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node := expr.Condition(
		expr.Symbol2("==", expr.Dot(expr.SourceContext, "status"), expr.String("OPEN")),
		expr.Boolean(true),
		expr.Boolean(false),
	)
	if err := store.PutNamedExpression(ctx, "is-open", node); err != nil {
		t.Fatalf("PutNamedExpression() error = %v", err)
	}

	loaded, err := store.GetNamedExpression(ctx, "is-open")
	if err != nil {
		t.Fatalf("GetNamedExpression() error = %v", err)
	}
	if loaded.Kind != expr.KindCondition || loaded.If == nil || loaded.If.Symbol != "==" {
		t.Fatalf("expression tree lost in round trip: %+v", loaded)
	}

	if _, err := store.GetNamedExpression(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetNamedExpression() missing err = %v, want ErrNotFound", err)
	}
}

func TestProxyUpsertByNaturalKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := proxy.Proxy{
		DomainID:   "cases",
		ContextKey: "case-1",
		TenantID:   "t1",
		Fragments: []proxy.Fragment{
			{Origin: "cases:c1", DomainID: "cases", Values: map[string]any{"status": "PENDING"}},
		},
		DynamicFields: map[string]any{"status": "PENDING"},
	}
	if err := store.PutProxy(ctx, p); err != nil {
		t.Fatalf("PutProxy() error = %v", err)
	}

	p.DynamicFields["status"] = "CONFIRMED"
	p.Fragments[0].Values["status"] = "CONFIRMED"
	if err := store.PutProxy(ctx, p); err != nil {
		t.Fatalf("PutProxy() upsert error = %v", err)
	}

	loaded, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}
	if loaded.DynamicFields["status"] != "CONFIRMED" {
		t.Fatalf("status = %v, want CONFIRMED", loaded.DynamicFields["status"])
	}
	if len(loaded.Fragments) != 1 || loaded.Fragments[0].Origin != "cases:c1" {
		t.Fatalf("fragments lost: %+v", loaded.Fragments)
	}

	all, err := store.ListProxies(ctx, "cases")
	if err != nil {
		t.Fatalf("ListProxies() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d proxies, want upsert to keep one row", len(all))
	}

	if _, err := store.GetProxy(ctx, "cases", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetProxy() missing err = %v, want ErrNotFound", err)
	}
}

func TestMarkProcessedDeduplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.MarkProcessed(ctx, "aggregator", "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !first {
		t.Fatal("first MarkProcessed() = false, want true")
	}

	again, err := store.MarkProcessed(ctx, "aggregator", "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed() replay error = %v", err)
	}
	if again {
		t.Fatal("replayed MarkProcessed() = true, want false")
	}

	other, err := store.MarkProcessed(ctx, "other-consumer", "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed() other consumer error = %v", err)
	}
	if !other {
		t.Fatal("independent consumer should get its own checkpoint")
	}
}
