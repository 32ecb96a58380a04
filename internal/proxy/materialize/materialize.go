// Package materialize applies captured change events to derived views. Each
// matching domain evaluates its trigger, contributes a provenance fragment,
// and the view is recomputed under the domain merge policies.
package materialize

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

const tracerName = "proxyfeed/materialize"

// Stores bundles the persistence the materializer needs.
type Stores struct {
	Domains storage.DomainConfigStore
	Proxies storage.ProxyStore
}

// Materializer turns change events into proxy updates.
//
// Processing one event is idempotent: fragments are keyed by the source
// document, so replaying an event overwrites the same fragment and converges
// on the same view.
type Materializer struct {
	stores Stores
	eval   *expr.Evaluator
	log    *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithClock overrides the fragment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

// New returns a Materializer.
func New(stores Stores, eval *expr.Evaluator, log *logrus.Logger, opts ...Option) *Materializer {
	m := &Materializer{
		stores: stores,
		eval:   eval,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result reports the per-domain outcome of processing one event.
type Result struct {
	// Applied lists "domainId/contextKey" pairs that were rematerialized.
	Applied []string
	// Failed maps domain ids to the failure that skipped them. One domain's
	// failure never blocks the others.
	Failed map[string]error
}

// Process applies one change event to every domain triggered by it.
func (m *Materializer) Process(ctx context.Context, evt event.ChangeEvent) (Result, error) {
	result := Result{Failed: make(map[string]error)}
	if m == nil || m.stores.Domains == nil || m.stores.Proxies == nil {
		return result, errors.New(errors.CodeUnknown, "materializer is not configured")
	}
	if !evt.IsValid() {
		return result, fmt.Errorf("event id, source, and tenant id are required")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "materialize.process",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.name", evt.Name()),
		))
	defer span.End()

	configs, err := m.stores.Domains.ListDomainConfigsByEventType(ctx, evt.Name())
	if err != nil {
		return result, fmt.Errorf("list triggered domains: %w", err)
	}
	if len(configs) == 0 {
		return result, nil
	}

	// The merge policy spans every domain that could have written a
	// fragment, not just the triggered ones.
	allConfigs, err := m.stores.Domains.ListDomainConfigs(ctx)
	if err != nil {
		return result, fmt.Errorf("list domain configs: %w", err)
	}
	policy := proxy.PolicyFromConfigs(allConfigs)
	byID := make(map[string]proxy.DomainConfig, len(allConfigs))
	for _, config := range allConfigs {
		byID[config.DomainID] = config
	}

	for _, config := range configs {
		key, err := m.applyDomain(ctx, config, byID, policy, evt)
		if err != nil {
			result.Failed[config.DomainID] = err
			if m.log != nil {
				m.log.WithFields(logrus.Fields{
					"event_id": evt.ID,
					"domain":   config.DomainID,
				}).WithError(err).Warn("domain materialization failed")
			}
			continue
		}
		if key != "" {
			result.Applied = append(result.Applied, key)
		}
	}
	return result, nil
}

// applyDomain runs one domain's trigger against the event and rematerializes
// the addressed proxy. It returns "" when the trigger condition rejects the
// event.
func (m *Materializer) applyDomain(ctx context.Context, config proxy.DomainConfig, byID map[string]proxy.DomainConfig, policy proxy.PolicyFunc, evt event.ChangeEvent) (string, error) {
	scope := expr.Scope{
		Context: evt.Payload(),
		// Internal dependency propagation may cross permission boundaries.
		AllowPermissionBypass: true,
	}

	if config.Trigger.Condition != nil {
		matched, err := m.eval.EvaluateBool(ctx, config.Trigger.Condition, scope)
		if err != nil {
			return "", fmt.Errorf("evaluate trigger condition: %w", err)
		}
		if !matched {
			return "", nil
		}
	}

	contextKey, err := m.evaluateContextKey(ctx, config, scope)
	if err != nil {
		return "", err
	}

	values, err := m.evaluateEmit(ctx, config, scope)
	if err != nil {
		return "", err
	}

	fragment := proxy.Fragment{
		Origin:    evt.Source + ":" + evt.SourceDocID,
		DomainID:  config.DomainID,
		Values:    values,
		UpdatedAt: m.now(),
	}

	target := config.Target()
	if _, known := byID[target]; !known {
		return "", errors.WithMetadata(errors.CodeProxyUnknownDomain,
			"target domain is not configured", map[string]string{"domain": target})
	}

	// Serialize per proxy so concurrent events addressing the same view
	// cannot interleave load-merge-store.
	unlock := m.lock(target + "\x00" + contextKey)
	defer unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "materialize.apply",
		trace.WithAttributes(
			attribute.String("proxy.domain", target),
			attribute.String("proxy.context_key", contextKey),
		))
	defer span.End()

	current, err := m.stores.Proxies.GetProxy(ctx, target, contextKey)
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("load proxy: %w", err)
	}
	if isNotFound(err) {
		current = proxy.Proxy{
			DomainID:   target,
			ContextKey: contextKey,
			TenantID:   evt.TenantID,
			CreatedAt:  m.now(),
		}
	}

	current.Fragments = proxy.UpsertFragment(current.Fragments, fragment)
	current.DynamicFields = proxy.MergeFragments(current.Fragments, policy)
	current.UpdatedAt = m.now()

	if err := m.applyAutomaticValues(ctx, byID[target], &current, scope); err != nil {
		return "", err
	}

	if err := m.stores.Proxies.PutProxy(ctx, current); err != nil {
		return "", fmt.Errorf("store proxy: %w", err)
	}
	return target + "/" + contextKey, nil
}

func (m *Materializer) evaluateContextKey(ctx context.Context, config proxy.DomainConfig, scope expr.Scope) (string, error) {
	value, err := m.eval.Evaluate(ctx, config.Trigger.ContextKey, scope)
	if err != nil {
		return "", fmt.Errorf("evaluate context key: %w", err)
	}
	key := ""
	switch typed := value.(type) {
	case string:
		key = typed
	case float64:
		key = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", typed), "0"), ".")
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New(errors.CodeProxyEmptyContextKey, "context key evaluated empty")
	}
	return key, nil
}

func (m *Materializer) evaluateEmit(ctx context.Context, config proxy.DomainConfig, scope expr.Scope) (map[string]any, error) {
	if config.Trigger.Emit == nil {
		return map[string]any{}, nil
	}
	value, err := m.eval.Evaluate(ctx, config.Trigger.Emit, scope)
	if err != nil {
		return nil, fmt.Errorf("evaluate emit expression: %w", err)
	}
	values, ok := value.(map[string]any)
	if !ok {
		return nil, errors.New(errors.CodeExprTypeMismatch, "emit expression must produce an object")
	}
	return values, nil
}

// applyAutomaticValues recomputes every automatic field of the target domain
// against the freshly merged view, so derived fields never go stale.
func (m *Materializer) applyAutomaticValues(ctx context.Context, config proxy.DomainConfig, p *proxy.Proxy, scope expr.Scope) error {
	fields := make([]proxy.FieldDefinition, 0, len(config.ProxyFields))
	for _, field := range config.ProxyFields {
		if field.AutomaticValue != nil {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })

	for _, field := range fields {
		value, err := m.eval.Evaluate(ctx, field.AutomaticValue, scope.WithEntity(p.DynamicFields))
		if err != nil {
			return fmt.Errorf("evaluate automatic value %q: %w", field.ID, err)
		}
		if p.DynamicFields == nil {
			p.DynamicFields = make(map[string]any)
		}
		p.DynamicFields[field.ID] = value
	}
	return nil
}

func (m *Materializer) lock(key string) func() {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func isNotFound(err error) bool {
	return err != nil && stderrors.Is(err, storage.ErrNotFound)
}
