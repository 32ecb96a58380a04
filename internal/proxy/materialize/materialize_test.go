package materialize

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage/sqlite"
)

var materializeDBSeq atomic.Int64

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T) (*Materializer, *sqlite.Store) {
	t.Helper()
	name := fmt.Sprintf("materialize_test_%d", materializeDBSeq.Add(1))
	store, err := sqlite.OpenInMemory(context.Background(), name)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eval := expr.New(expr.Capabilities{})
	m := New(Stores{Domains: store, Proxies: store}, eval, quietLogger())
	return m, store
}

func casesDomain() proxy.DomainConfig {
	return proxy.DomainConfig{
		DomainID: "cases",
		Trigger: proxy.Trigger{
			EventType: "cases-updated",
			Condition: expr.Symbol2("==",
				expr.Dot(expr.SourceContext, "status"), expr.String("CONFIRMED")),
			ContextKey: expr.Dot(expr.SourceContext, "caseNumber"),
			Emit: expr.Object(map[string]*expr.Node{
				"status": expr.Dot(expr.SourceContext, "status"),
			}),
		},
		ProxyFields: []proxy.FieldDefinition{
			{ID: "status", Type: proxy.FieldType{Kind: proxy.FieldScalar}},
		},
	}
}

func confirmEvent() event.ChangeEvent {
	return event.ChangeEvent{
		ID:             "evt-1",
		Source:         "cases",
		SourceDocID:    "c1",
		TenantID:       "t1",
		PreviousValues: map[string]any{"status": "PENDING", "caseNumber": "case-1"},
		CurrentValues:  map[string]any{"status": "CONFIRMED", "caseNumber": "case-1"},
	}
}

func TestProcessMaterializesMatchingDomain(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	if err := store.PutDomainConfig(ctx, casesDomain()); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	// A second domain whose condition rejects the event must write nothing.
	rejecting := casesDomain()
	rejecting.DomainID = "audits"
	rejecting.Trigger.Condition = expr.Symbol2("==",
		expr.Dot(expr.SourceContext, "status"), expr.String("ARCHIVED"))
	if err := store.PutDomainConfig(ctx, rejecting); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	result, err := m.Process(ctx, confirmEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("failures: %v", result.Failed)
	}
	if len(result.Applied) != 1 || result.Applied[0] != "cases/case-1" {
		t.Fatalf("applied = %v, want exactly cases/case-1", result.Applied)
	}

	p, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}
	if p.DynamicFields["status"] != "CONFIRMED" {
		t.Fatalf("status = %v, want CONFIRMED", p.DynamicFields["status"])
	}
	if p.TenantID != "t1" {
		t.Fatalf("tenant = %q, want t1", p.TenantID)
	}

	if rejected, err := store.ListProxies(ctx, "audits"); err != nil || len(rejected) != 0 {
		t.Fatalf("rejecting domain wrote %d proxies, err %v", len(rejected), err)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	if err := store.PutDomainConfig(ctx, casesDomain()); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	if _, err := m.Process(ctx, confirmEvent()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	once, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}

	if _, err := m.Process(ctx, confirmEvent()); err != nil {
		t.Fatalf("Process() replay error = %v", err)
	}
	twice, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}

	if !reflect.DeepEqual(once.DynamicFields, twice.DynamicFields) {
		t.Fatalf("replay diverged: %v vs %v", once.DynamicFields, twice.DynamicFields)
	}
	if len(twice.Fragments) != 1 {
		t.Fatalf("replay accumulated %d fragments, want 1", len(twice.Fragments))
	}
}

func TestProcessCrossDomainWriteTargetsParentProxy(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	parent := casesDomain()
	parent.Trigger.Condition = nil
	if err := store.PutDomainConfig(ctx, parent); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	annotations := proxy.DomainConfig{
		DomainID:       "annotations",
		TargetDomainID: "cases",
		Trigger: proxy.Trigger{
			EventType:  "notes-created",
			ContextKey: expr.Dot(expr.SourceContext, "caseNumber"),
			Emit: expr.Object(map[string]*expr.Node{
				"note": expr.Dot(expr.SourceContext, "text"),
			}),
		},
		ProxyFields: []proxy.FieldDefinition{
			{ID: "note", Type: proxy.FieldType{Kind: proxy.FieldScalar}, Vertical: proxy.MergeChild},
		},
	}
	if err := store.PutDomainConfig(ctx, annotations); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	if _, err := m.Process(ctx, confirmEvent()); err != nil {
		t.Fatalf("Process() case event error = %v", err)
	}
	noteEvent := event.ChangeEvent{
		ID:            "evt-2",
		Source:        "notes",
		SourceDocID:   "n1",
		TenantID:      "t1",
		CurrentValues: map[string]any{"caseNumber": "case-1", "text": "call back"},
	}
	result, err := m.Process(ctx, noteEvent)
	if err != nil {
		t.Fatalf("Process() note event error = %v", err)
	}
	if len(result.Applied) != 1 || result.Applied[0] != "cases/case-1" {
		t.Fatalf("applied = %v, want write into the cases proxy", result.Applied)
	}

	p, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}
	if p.DynamicFields["status"] != "CONFIRMED" || p.DynamicFields["note"] != "call back" {
		t.Fatalf("merged view = %v", p.DynamicFields)
	}
	if len(p.Fragments) != 2 {
		t.Fatalf("got %d fragments, want one per origin", len(p.Fragments))
	}
}

func TestProcessIsolatesDomainFailures(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	healthy := casesDomain()
	if err := store.PutDomainConfig(ctx, healthy); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	broken := casesDomain()
	broken.DomainID = "broken"
	// Empty context key is a per-domain failure, not a pipeline failure.
	broken.Trigger.ContextKey = expr.String("")
	if err := store.PutDomainConfig(ctx, broken); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	result, err := m.Process(ctx, confirmEvent())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Applied) != 1 {
		t.Fatalf("healthy domain blocked: applied = %v", result.Applied)
	}
	if result.Failed["broken"] == nil {
		t.Fatal("broken domain failure not reported")
	}
}

func TestProcessAutomaticValueRecomputed(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	config := casesDomain()
	config.Trigger.Condition = nil
	config.ProxyFields = append(config.ProxyFields, proxy.FieldDefinition{
		ID:   "isConfirmed",
		Type: proxy.FieldType{Kind: proxy.FieldScalar},
		AutomaticValue: expr.Symbol2("==",
			expr.Dot(expr.SourceEntity, "status"), expr.String("CONFIRMED")),
	})
	if err := store.PutDomainConfig(ctx, config); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	pending := confirmEvent()
	pending.CurrentValues = map[string]any{"status": "PENDING", "caseNumber": "case-1"}
	if _, err := m.Process(ctx, pending); err != nil {
		t.Fatalf("Process() pending error = %v", err)
	}
	p, _ := store.GetProxy(ctx, "cases", "case-1")
	if p.DynamicFields["isConfirmed"] != false {
		t.Fatalf("isConfirmed = %v, want false while pending", p.DynamicFields["isConfirmed"])
	}

	if _, err := m.Process(ctx, confirmEvent()); err != nil {
		t.Fatalf("Process() confirm error = %v", err)
	}
	p, _ = store.GetProxy(ctx, "cases", "case-1")
	if p.DynamicFields["isConfirmed"] != true {
		t.Fatalf("isConfirmed = %v, want true after confirmation", p.DynamicFields["isConfirmed"])
	}
}

func TestProcessDeletionEventUsesPreviousImage(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	config := casesDomain()
	config.Trigger.EventType = "cases-deleted"
	config.Trigger.Condition = nil
	config.Trigger.Emit = expr.Object(map[string]*expr.Node{
		"status": expr.String("REMOVED"),
	})
	if err := store.PutDomainConfig(ctx, config); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}

	deletion := event.ChangeEvent{
		ID:             "evt-3",
		Source:         "cases",
		SourceDocID:    "c1",
		TenantID:       "t1",
		PreviousValues: map[string]any{"status": "CONFIRMED", "caseNumber": "case-1"},
	}
	if deletion.Name() != "cases-deleted" {
		t.Fatalf("event name = %q", deletion.Name())
	}
	result, err := m.Process(ctx, deletion)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Applied) != 1 {
		t.Fatalf("applied = %v", result.Applied)
	}
	p, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}
	if p.DynamicFields["status"] != "REMOVED" {
		t.Fatalf("status = %v, want REMOVED", p.DynamicFields["status"])
	}
}

func TestProcessUnmatchedEventIsNoOp(t *testing.T) {
	m, store := newFixture(t)
	ctx := context.Background()

	if err := store.PutDomainConfig(ctx, casesDomain()); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}
	other := event.ChangeEvent{
		ID: "evt-4", Source: "invoices", SourceDocID: "i1", TenantID: "t1",
		CurrentValues: map[string]any{"total": float64(10)},
	}
	result, err := m.Process(ctx, other)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Applied) != 0 || len(result.Failed) != 0 {
		t.Fatalf("unmatched event produced work: %+v", result)
	}
}

func TestWithClockPinsFragmentTimestamps(t *testing.T) {
	m, store := newFixture(t)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()

	config := casesDomain()
	config.Trigger.Condition = nil
	if err := store.PutDomainConfig(ctx, config); err != nil {
		t.Fatalf("PutDomainConfig() error = %v", err)
	}
	if _, err := m.Process(ctx, confirmEvent()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	p, err := store.GetProxy(ctx, "cases", "case-1")
	if err != nil {
		t.Fatalf("GetProxy() error = %v", err)
	}
	if !p.Fragments[0].UpdatedAt.Equal(fixed) {
		t.Fatalf("fragment time = %v, want injected clock", p.Fragments[0].UpdatedAt)
	}
}
