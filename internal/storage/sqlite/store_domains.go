package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/proxyfeed/internal/proxy"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// DomainConfigStore methods

// PutDomainConfig inserts or replaces a domain configuration.
func (s *Store) PutDomainConfig(ctx context.Context, config proxy.DomainConfig) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	body, err := marshalJSON(config)
	if err != nil {
		return err
	}
	now := toMillis(time.Now())
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO domain_configs (domain_id, event_type, body_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(domain_id)
DO UPDATE SET event_type = excluded.event_type, body_json = excluded.body_json, updated_at = excluded.updated_at
`, config.DomainID, config.Trigger.EventType, body, now, now)
	if err != nil {
		return fmt.Errorf("put domain config: %w", err)
	}
	return nil
}

// GetDomainConfig loads one domain configuration.
func (s *Store) GetDomainConfig(ctx context.Context, domainID string) (proxy.DomainConfig, error) {
	if err := s.ready(ctx); err != nil {
		return proxy.DomainConfig{}, err
	}

	var body string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT body_json FROM domain_configs WHERE domain_id = ?", domainID,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return proxy.DomainConfig{}, storage.ErrNotFound
		}
		return proxy.DomainConfig{}, fmt.Errorf("get domain config: %w", err)
	}
	return unmarshalDomainConfig(body)
}

// ListDomainConfigs returns every domain configuration ordered by id.
func (s *Store) ListDomainConfigs(ctx context.Context) ([]proxy.DomainConfig, error) {
	return s.queryDomainConfigs(ctx,
		"SELECT body_json FROM domain_configs ORDER BY domain_id")
}

// ListDomainConfigsByEventType returns the configurations triggered by one
// synthesized event name, ordered by id.
func (s *Store) ListDomainConfigsByEventType(ctx context.Context, eventType string) ([]proxy.DomainConfig, error) {
	return s.queryDomainConfigs(ctx,
		"SELECT body_json FROM domain_configs WHERE event_type = ? ORDER BY domain_id", eventType)
}

func (s *Store) queryDomainConfigs(ctx context.Context, query string, args ...any) ([]proxy.DomainConfig, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list domain configs: %w", err)
	}
	defer rows.Close()

	var configs []proxy.DomainConfig
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan domain config: %w", err)
		}
		config, err := unmarshalDomainConfig(body)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain configs: %w", err)
	}
	return configs, nil
}

func unmarshalDomainConfig(body string) (proxy.DomainConfig, error) {
	var config proxy.DomainConfig
	if err := json.Unmarshal([]byte(body), &config); err != nil {
		return proxy.DomainConfig{}, fmt.Errorf("unmarshal domain config: %w", err)
	}
	return config, nil
}

var _ storage.DomainConfigStore = (*Store)(nil)
