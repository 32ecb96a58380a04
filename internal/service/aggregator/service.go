// Package aggregator hosts the event-consuming service: it ingests published
// change events, materializes derived views, and serves policy-filtered
// reads and writes over the envelope RPC surface.
package aggregator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/platform/requestctx"
	"github.com/louisbranch/proxyfeed/internal/platform/rpc"
	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/proxy/materialize"
	"github.com/louisbranch/proxyfeed/internal/proxy/policy"
	"github.com/louisbranch/proxyfeed/internal/publish"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// checkpointConsumer names this service in the inbox checkpoint table.
const checkpointConsumer = "aggregator"

// Stores bundles the persistence the aggregator needs. Proxies may be a
// cache-wrapped store.
type Stores struct {
	Domains     storage.DomainConfigStore
	Proxies     storage.ProxyStore
	Named       storage.NamedExpressionStore
	Checkpoints storage.CheckpointStore
}

// Service is the aggregator's RPC surface.
type Service struct {
	stores       Stores
	eval         *expr.Evaluator
	enforcer     *policy.Enforcer
	materializer *materialize.Materializer
	log          *logrus.Logger
	secret       []byte
}

// New wires the aggregator service. The evaluator's capabilities are bound
// to the given stores and outbound HTTP client.
func New(stores Stores, secret []byte, log *logrus.Logger, httpClient *http.Client) *Service {
	eval := expr.New(capabilities(stores.Domains, stores.Proxies, stores.Named, httpClient))
	return &Service{
		stores:   stores,
		eval:     eval,
		enforcer: policy.New(eval),
		materializer: materialize.New(materialize.Stores{
			Domains: stores.Domains,
			Proxies: stores.Proxies,
		}, eval, log),
		log:    log,
		secret: secret,
	}
}

// Routes mounts the RPC endpoint and health check on an echo router.
func (s *Service) Routes(e *echo.Echo) {
	mux := rpc.NewMux()
	mux.Handle("localEvents", "publish", s.handlePublish)
	mux.Handle("proxy", "get", s.handleProxyGet)
	mux.Handle("proxy", "list", s.handleProxyList)
	mux.Handle("proxy", "update", s.handleProxyUpdate)
	mux.Handle("domains", "put", s.handleDomainPut)
	mux.Handle("domains", "list", s.handleDomainList)
	mux.Handle("expressions", "put", s.handleExpressionPut)
	mux.Bind(e, "/rpc", authMiddleware(s.secret))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// publishReply acknowledges one ingested event.
type publishReply struct {
	Duplicate bool     `json:"duplicate"`
	Applied   []string `json:"applied,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// handlePublish ingests one published change event. Materialization runs
// before the checkpoint is recorded: replays of an unacknowledged delivery
// reprocess, which the idempotent materializer absorbs, while a recorded
// checkpoint always means the event was fully applied.
func (s *Service) handlePublish(ctx context.Context, payload json.RawMessage) (any, error) {
	var wire publish.EventPayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode event payload", err)
	}
	evt := wire.ToEvent()
	if !evt.IsValid() {
		return nil, errors.New(errors.CodeTransportRejected, "event id, source, and tenant id are required")
	}

	result, err := s.materializer.Process(ctx, evt)
	if err != nil {
		return nil, err
	}

	first, err := s.stores.Checkpoints.MarkProcessed(ctx, checkpointConsumer, evt.ID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreFailed, "record inbox checkpoint", err)
	}

	reply := publishReply{Duplicate: !first, Applied: result.Applied}
	for domainID, domainErr := range result.Failed {
		reply.Failed = append(reply.Failed, domainID+": "+domainErr.Error())
	}
	return reply, nil
}

type proxyKeyPayload struct {
	DomainID   string `json:"domainId"`
	ContextKey string `json:"contextKey"`
}

type proxyReply struct {
	DomainID   string         `json:"domainId"`
	ContextKey string         `json:"contextKey"`
	Fields     map[string]any `json:"fields"`
}

func (s *Service) handleProxyGet(ctx context.Context, payload json.RawMessage) (any, error) {
	var in proxyKeyPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode proxy key", err)
	}

	config, p, err := s.loadScoped(ctx, in.DomainID, in.ContextKey)
	if err != nil {
		return nil, err
	}
	fields, err := s.enforcer.FilterReadable(ctx, config.ProxyFields, p.DynamicFields, s.requestScope(ctx, p))
	if err != nil {
		return nil, err
	}
	return proxyReply{DomainID: p.DomainID, ContextKey: p.ContextKey, Fields: fields}, nil
}

type proxyListPayload struct {
	DomainID string `json:"domainId"`
}

func (s *Service) handleProxyList(ctx context.Context, payload json.RawMessage) (any, error) {
	var in proxyListPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode proxy listing", err)
	}
	config, err := s.domainConfig(ctx, in.DomainID)
	if err != nil {
		return nil, err
	}

	all, err := s.stores.Proxies.ListProxies(ctx, in.DomainID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreFailed, "list proxies", err)
	}

	replies := []proxyReply{}
	for _, p := range all {
		if !s.tenantVisible(ctx, p) {
			continue
		}
		fields, err := s.enforcer.FilterReadable(ctx, config.ProxyFields, p.DynamicFields, s.requestScope(ctx, p))
		if err != nil {
			return nil, err
		}
		replies = append(replies, proxyReply{DomainID: p.DomainID, ContextKey: p.ContextKey, Fields: fields})
	}
	return replies, nil
}

type proxyUpdatePayload struct {
	DomainID   string         `json:"domainId"`
	ContextKey string         `json:"contextKey"`
	Values     map[string]any `json:"values"`
}

// handleProxyUpdate applies a caller write as one fragment. Every edited
// path must pass the writable rules; a single denial aborts the whole write.
func (s *Service) handleProxyUpdate(ctx context.Context, payload json.RawMessage) (any, error) {
	var in proxyUpdatePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode proxy update", err)
	}
	if len(in.Values) == 0 {
		return nil, errors.New(errors.CodeTransportRejected, "update carries no values")
	}

	config, p, err := s.loadScoped(ctx, in.DomainID, in.ContextKey)
	if err != nil {
		return nil, err
	}

	before := p.DynamicFields
	after := diffpatch.DeepCopy(before)
	afterMap, _ := after.(map[string]any)
	if afterMap == nil {
		afterMap = map[string]any{}
	}
	for key, value := range in.Values {
		afterMap[key] = value
	}
	if err := s.enforcer.AuthorizeWrite(ctx, config.ProxyFields, before, afterMap, s.requestScope(ctx, p)); err != nil {
		return nil, err
	}

	configs, err := s.stores.Domains.ListDomainConfigs(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreFailed, "list domain configs", err)
	}
	fragment := proxy.Fragment{
		Origin:    "api:" + requestctx.TenantIDFromContext(ctx),
		DomainID:  in.DomainID,
		Values:    in.Values,
		UpdatedAt: time.Now().UTC(),
	}
	p.Fragments = proxy.UpsertFragment(p.Fragments, fragment)
	p.DynamicFields = proxy.MergeFragments(p.Fragments, proxy.PolicyFromConfigs(configs))
	p.UpdatedAt = fragment.UpdatedAt
	if err := s.stores.Proxies.PutProxy(ctx, p); err != nil {
		return nil, errors.Wrap(errors.CodeStoreFailed, "store proxy", err)
	}

	fields, err := s.enforcer.FilterReadable(ctx, config.ProxyFields, p.DynamicFields, s.requestScope(ctx, p))
	if err != nil {
		return nil, err
	}
	return proxyReply{DomainID: p.DomainID, ContextKey: p.ContextKey, Fields: fields}, nil
}

func (s *Service) handleDomainPut(ctx context.Context, payload json.RawMessage) (any, error) {
	var config proxy.DomainConfig
	if err := json.Unmarshal(payload, &config); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode domain config", err)
	}
	if err := s.stores.Domains.PutDomainConfig(ctx, config); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "store domain config", err)
	}
	return map[string]string{"domainId": config.DomainID}, nil
}

func (s *Service) handleDomainList(ctx context.Context, _ json.RawMessage) (any, error) {
	configs, err := s.stores.Domains.ListDomainConfigs(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreFailed, "list domain configs", err)
	}
	return configs, nil
}

type expressionPutPayload struct {
	ID         string     `json:"id"`
	Expression *expr.Node `json:"expression"`
}

func (s *Service) handleExpressionPut(ctx context.Context, payload json.RawMessage) (any, error) {
	var in expressionPutPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "decode named expression", err)
	}
	if err := s.stores.Named.PutNamedExpression(ctx, in.ID, in.Expression); err != nil {
		return nil, errors.Wrap(errors.CodeTransportRejected, "store named expression", err)
	}
	return map[string]string{"id": in.ID}, nil
}

// loadScoped loads a domain config and one of its proxies, applying tenant
// visibility. Out-of-tenant proxies read as missing rather than forbidden.
func (s *Service) loadScoped(ctx context.Context, domainID, contextKey string) (proxy.DomainConfig, proxy.Proxy, error) {
	config, err := s.domainConfig(ctx, domainID)
	if err != nil {
		return proxy.DomainConfig{}, proxy.Proxy{}, err
	}
	p, err := s.stores.Proxies.GetProxy(ctx, domainID, contextKey)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return proxy.DomainConfig{}, proxy.Proxy{}, errors.New(errors.CodeNotFound, "proxy not found")
		}
		return proxy.DomainConfig{}, proxy.Proxy{}, errors.Wrap(errors.CodeStoreFailed, "load proxy", err)
	}
	if !s.tenantVisible(ctx, p) {
		return proxy.DomainConfig{}, proxy.Proxy{}, errors.New(errors.CodeNotFound, "proxy not found")
	}
	return config, p, nil
}

func (s *Service) domainConfig(ctx context.Context, domainID string) (proxy.DomainConfig, error) {
	if strings.TrimSpace(domainID) == "" {
		return proxy.DomainConfig{}, errors.New(errors.CodeTransportRejected, "domain id is required")
	}
	config, err := s.stores.Domains.GetDomainConfig(ctx, domainID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return proxy.DomainConfig{}, errors.WithMetadata(errors.CodeProxyUnknownDomain,
				"domain is not configured", map[string]string{"domain": domainID})
		}
		return proxy.DomainConfig{}, errors.Wrap(errors.CodeStoreFailed, "load domain config", err)
	}
	return config, nil
}

func (s *Service) tenantVisible(ctx context.Context, p proxy.Proxy) bool {
	if requestctx.TenantBypassFromContext(ctx) {
		return true
	}
	return p.TenantID == requestctx.TenantIDFromContext(ctx)
}

// requestScope builds the evaluation scope for readable/writable rules from
// the authenticated request. Permission bypass is never reachable here.
func (s *Service) requestScope(ctx context.Context, p proxy.Proxy) expr.Scope {
	return expr.Scope{
		Entity:          p.DynamicFields,
		UserPermissions: requestctx.PermissionsFromContext(ctx),
		Locale:          requestctx.LocaleFromContext(ctx),
		AuthToken:       requestctx.AuthTokenFromContext(ctx),
	}
}
