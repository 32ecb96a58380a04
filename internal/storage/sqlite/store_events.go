package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

// EventStore methods (change-event outbox)

// AppendEvent inserts a captured event. Events always enter the journal
// not-ready; MarkEventsReady exposes them after the originating write
// commits. Image payloads are never updated after this insert.
func (s *Store) AppendEvent(ctx context.Context, evt event.ChangeEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !evt.IsValid() {
		return fmt.Errorf("event id, source, and tenant id are required")
	}

	previous, err := marshalNullableMap(evt.PreviousValues)
	if err != nil {
		return err
	}
	current, err := marshalNullableMap(evt.CurrentValues)
	if err != nil {
		return err
	}
	metadata := evt.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return err
	}

	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if evt.UpdatedAt.IsZero() {
		evt.UpdatedAt = evt.CreatedAt
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO change_events (
	id, source, source_doc_id, tenant_id,
	previous_json, current_json, metadata_json,
	ready, downloaded, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
`,
		evt.ID, evt.Source, evt.SourceDocID, evt.TenantID,
		previous, current, metadataJSON,
		toMillis(evt.CreatedAt), toMillis(evt.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// MarkEventsReady flips the ready flag after the originating write commits.
func (s *Store) MarkEventsReady(ctx context.Context, ids []string) error {
	return s.flipFlag(ctx, "ready", ids)
}

// MarkDownloaded records durable downstream delivery.
func (s *Store) MarkDownloaded(ctx context.Context, ids []string) error {
	return s.flipFlag(ctx, "downloaded", ids)
}

// flipFlag updates only the named flag column. The value columns stay
// untouched so captured images remain immutable.
func (s *Store) flipFlag(ctx context.Context, column string, ids []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if column != "ready" && column != "downloaded" {
		return fmt.Errorf("unknown event flag %q", column)
	}

	now := toMillis(time.Now())
	query := fmt.Sprintf(
		"UPDATE change_events SET %s = 1, updated_at = ? WHERE id IN (%s)",
		column, placeholders(len(ids)),
	)
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("flip %s flag: %w", column, err)
	}
	return nil
}

// DeleteEvents removes events whose originating write aborted.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf("DELETE FROM change_events WHERE id IN (%s)", placeholders(len(ids)))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (event.ChangeEvent, error) {
	if err := s.ready(ctx); err != nil {
		return event.ChangeEvent{}, err
	}
	if strings.TrimSpace(id) == "" {
		return event.ChangeEvent{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, source, source_doc_id, tenant_id, previous_json, current_json,
       metadata_json, ready, downloaded, created_at, updated_at
FROM change_events WHERE id = ?
`, id)
	evt, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.ChangeEvent{}, storage.ErrNotFound
		}
		return event.ChangeEvent{}, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// ListUndownloaded returns ready, undelivered events in insertion order.
func (s *Store) ListUndownloaded(ctx context.Context, limit int) ([]event.ChangeEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, source, source_doc_id, tenant_id, previous_json, current_json,
       metadata_json, ready, downloaded, created_at, updated_at
FROM change_events
WHERE ready = 1 AND downloaded = 0
ORDER BY rowid
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undownloaded events: %w", err)
	}
	defer rows.Close()

	var events []event.ChangeEvent
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(scan func(dest ...any) error) (event.ChangeEvent, error) {
	var evt event.ChangeEvent
	var previous, current sql.NullString
	var metadata string
	var ready, downloaded int
	var createdAt, updatedAt int64
	if err := scan(
		&evt.ID, &evt.Source, &evt.SourceDocID, &evt.TenantID,
		&previous, &current, &metadata,
		&ready, &downloaded, &createdAt, &updatedAt,
	); err != nil {
		return event.ChangeEvent{}, err
	}

	var err error
	if previous.Valid {
		if evt.PreviousValues, err = unmarshalMap(previous.String); err != nil {
			return event.ChangeEvent{}, err
		}
		if evt.PreviousValues == nil {
			evt.PreviousValues = map[string]any{}
		}
	}
	if current.Valid {
		if evt.CurrentValues, err = unmarshalMap(current.String); err != nil {
			return event.ChangeEvent{}, err
		}
		if evt.CurrentValues == nil {
			evt.CurrentValues = map[string]any{}
		}
	}
	if evt.Metadata, err = unmarshalMap(metadata); err != nil {
		return event.ChangeEvent{}, err
	}
	evt.Ready = ready == 1
	evt.Downloaded = downloaded == 1
	evt.CreatedAt = fromMillis(createdAt)
	evt.UpdatedAt = fromMillis(updatedAt)
	return evt, nil
}

// marshalNullableMap keeps the nil/non-nil distinction images rely on: a nil
// map stores as NULL, an empty map as "{}".
func marshalNullableMap(value map[string]any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := marshalJSON(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ storage.EventStore = (*Store)(nil)
