package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// capabilities wires the expression evaluator's effect seams to the
// aggregator's stores and outbound HTTP client.
func capabilities(domains storage.DomainConfigStore, proxies storage.ProxyStore, named storage.NamedExpressionStore, httpClient *http.Client) expr.Capabilities {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return expr.Capabilities{
		ExecuteQuery: func(ctx context.Context, collection string, filter map[string]any, permissions map[string]any, ignorePermissions bool) (any, error) {
			return executeQuery(ctx, domains, proxies, collection, filter, permissions, ignorePermissions)
		},
		ResolveNamedExpression: func(ctx context.Context, id string) (*expr.Node, error) {
			return named.GetNamedExpression(ctx, id)
		},
		ExecuteHTTP: func(ctx context.Context, method, url string, body any, authToken string) (any, error) {
			return executeHTTP(ctx, httpClient, method, url, body, authToken)
		},
	}
}

// executeQuery reads a domain's proxies filtered by equality on merged
// fields. Queries address domains, never raw source collections.
func executeQuery(ctx context.Context, domains storage.DomainConfigStore, proxies storage.ProxyStore, collection string, filter map[string]any, permissions map[string]any, ignorePermissions bool) (any, error) {
	if _, err := domains.GetDomainConfig(ctx, collection); err != nil {
		return nil, errors.Wrap(errors.CodeExprUnknownCollection,
			fmt.Sprintf("query collection %q is not a configured domain", collection), err)
	}
	if !ignorePermissions && len(permissions) == 0 {
		return nil, errors.New(errors.CodeExprBypassNotPermitted,
			"query requires caller permissions")
	}

	all, err := proxies.ListProxies(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}

	results := []any{}
	for _, p := range all {
		matched := true
		for field, want := range filter {
			if !diffpatch.DeepEqual(p.DynamicFields[field], want) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		row := map[string]any{"contextKey": p.ContextKey}
		for key, value := range p.DynamicFields {
			row[key] = diffpatch.DeepCopy(value)
		}
		results = append(results, row)
	}
	return results, nil
}

// executeHTTP performs the outbound call for the http operator. The caller's
// token is forwarded verbatim; the evaluator never mints credentials.
func executeHTTP(ctx context.Context, httpClient *http.Client, method, url string, body any, authToken string) (any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal http body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		request.Header.Set("Authorization", "Bearer "+authToken)
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("execute http request: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read http response: %w", err)
	}
	if response.StatusCode >= 400 {
		return nil, errors.WithMetadata(errors.CodeExprEvaluationFailed,
			fmt.Sprintf("http operator call failed with status %d", response.StatusCode),
			map[string]string{"url": url})
	}

	var decoded any
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Non-JSON bodies flow through as strings.
		return string(raw), nil
	}
	return decoded, nil
}
