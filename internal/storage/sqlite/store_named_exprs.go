package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/expr"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// NamedExpressionStore methods

// PutNamedExpression inserts or replaces a stored expression tree.
func (s *Store) PutNamedExpression(ctx context.Context, id string, node *expr.Node) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("named expression id is required")
	}
	if node == nil {
		return fmt.Errorf("named expression body is required")
	}

	body, err := marshalJSON(node)
	if err != nil {
		return err
	}
	now := toMillis(time.Now())
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO named_expressions (id, body_json, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id)
DO UPDATE SET body_json = excluded.body_json, updated_at = excluded.updated_at
`, id, body, now, now)
	if err != nil {
		return fmt.Errorf("put named expression: %w", err)
	}
	return nil
}

// GetNamedExpression loads one stored expression tree.
func (s *Store) GetNamedExpression(ctx context.Context, id string) (*expr.Node, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var body string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT body_json FROM named_expressions WHERE id = ?", id,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get named expression: %w", err)
	}

	var node expr.Node
	if err := json.Unmarshal([]byte(body), &node); err != nil {
		return nil, fmt.Errorf("unmarshal named expression: %w", err)
	}
	return &node, nil
}

var _ storage.NamedExpressionStore = (*Store)(nil)
