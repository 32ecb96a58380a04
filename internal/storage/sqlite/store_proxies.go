package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// ProxyStore methods (materialized derived views)

// PutProxy inserts or replaces a proxy row under its (domainId, contextKey)
// natural key, so replayed materializations converge on one row.
func (s *Store) PutProxy(ctx context.Context, p proxy.Proxy) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(p.DomainID) == "" {
		return fmt.Errorf("proxy domain id is required")
	}
	if strings.TrimSpace(p.ContextKey) == "" {
		return fmt.Errorf("proxy context key is required")
	}

	fragments := p.Fragments
	if fragments == nil {
		fragments = []proxy.Fragment{}
	}
	fragmentsJSON, err := marshalJSON(fragments)
	if err != nil {
		return err
	}
	dynamicFields := p.DynamicFields
	if dynamicFields == nil {
		dynamicFields = map[string]any{}
	}
	dynamicJSON, err := marshalJSON(dynamicFields)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO proxies (domain_id, context_key, tenant_id, fragments_json, dynamic_fields_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(domain_id, context_key)
DO UPDATE SET
	tenant_id = excluded.tenant_id,
	fragments_json = excluded.fragments_json,
	dynamic_fields_json = excluded.dynamic_fields_json,
	updated_at = excluded.updated_at
`, p.DomainID, p.ContextKey, p.TenantID, fragmentsJSON, dynamicJSON, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put proxy: %w", err)
	}
	return nil
}

// GetProxy loads one proxy by its natural key.
func (s *Store) GetProxy(ctx context.Context, domainID, contextKey string) (proxy.Proxy, error) {
	if err := s.ready(ctx); err != nil {
		return proxy.Proxy{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT domain_id, context_key, tenant_id, fragments_json, dynamic_fields_json, created_at, updated_at
FROM proxies WHERE domain_id = ? AND context_key = ?
`, domainID, contextKey)
	p, err := scanProxy(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return proxy.Proxy{}, storage.ErrNotFound
		}
		return proxy.Proxy{}, fmt.Errorf("get proxy: %w", err)
	}
	return p, nil
}

// ListProxies returns every proxy in a domain, ordered by context key.
func (s *Store) ListProxies(ctx context.Context, domainID string) ([]proxy.Proxy, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT domain_id, context_key, tenant_id, fragments_json, dynamic_fields_json, created_at, updated_at
FROM proxies WHERE domain_id = ?
ORDER BY context_key
`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []proxy.Proxy
	for rows.Next() {
		p, err := scanProxy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}
	return proxies, nil
}

func scanProxy(scan func(dest ...any) error) (proxy.Proxy, error) {
	var p proxy.Proxy
	var fragmentsJSON, dynamicJSON string
	var createdAt, updatedAt int64
	if err := scan(
		&p.DomainID, &p.ContextKey, &p.TenantID,
		&fragmentsJSON, &dynamicJSON, &createdAt, &updatedAt,
	); err != nil {
		return proxy.Proxy{}, err
	}
	if err := json.Unmarshal([]byte(fragmentsJSON), &p.Fragments); err != nil {
		return proxy.Proxy{}, fmt.Errorf("unmarshal fragments: %w", err)
	}
	var err error
	if p.DynamicFields, err = unmarshalMap(dynamicJSON); err != nil {
		return proxy.Proxy{}, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

var _ storage.ProxyStore = (*Store)(nil)
