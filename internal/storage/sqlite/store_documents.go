package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/storage"
)

// DocumentStore methods (tracked source documents)

// PutDocument inserts or replaces a tracked document.
func (s *Store) PutDocument(ctx context.Context, tenantID, collection, id string, doc map[string]any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("document id is required")
	}

	body, err := marshalJSON(doc)
	if err != nil {
		return err
	}
	now := toMillis(time.Now())
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO documents (tenant_id, collection, doc_id, body_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, collection, doc_id)
DO UPDATE SET body_json = excluded.body_json, updated_at = excluded.updated_at
`, tenantID, collection, id, body, now, now)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// GetDocument loads one tracked document.
func (s *Store) GetDocument(ctx context.Context, tenantID, collection, id string) (map[string]any, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var body string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT body_json FROM documents
WHERE tenant_id = ? AND collection = ? AND doc_id = ?
`, tenantID, collection, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return unmarshalMap(body)
}

// DeleteDocument removes one tracked document.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, collection, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM documents WHERE tenant_id = ? AND collection = ? AND doc_id = ?
`, tenantID, collection, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListDocuments returns every document in a tenant collection in insertion
// order.
func (s *Store) ListDocuments(ctx context.Context, tenantID, collection string) ([]map[string]any, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT body_json FROM documents
WHERE tenant_id = ? AND collection = ?
ORDER BY rowid
`, tenantID, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := unmarshalMap(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

var _ storage.DocumentStore = (*Store)(nil)
