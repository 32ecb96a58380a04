package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/proxyfeed/internal/storage"
)

// CheckpointStore methods (consumer inbox deduplication)

// MarkProcessed records that a consumer applied an event. The first call for
// a (consumer, eventID) pair returns true; replays return false and leave the
// original checkpoint untouched.
func (s *Store) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(consumer) == "" {
		return false, fmt.Errorf("consumer is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("event id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO inbox_checkpoints (consumer, event_id, processed_at)
VALUES (?, ?, ?)
ON CONFLICT(consumer, event_id) DO NOTHING
`, consumer, eventID, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed rows affected: %w", err)
	}
	return affected == 1, nil
}

var _ storage.CheckpointStore = (*Store)(nil)
