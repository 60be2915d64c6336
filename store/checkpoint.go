package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/sillage/timeconv"
)

// GetCheckpoint returns the last processed visit time (unix ms) for a
// history source, or 0 when the source has never been mined.
//
// A stored value above the plausibility ceiling is an un-converted native
// timestamp that leaked through a past bug. It is self-healed to zero here
// (and rewritten) rather than surfaced as an error: trusting it would
// silently stop all future mining for the source.
func (s *Store) GetCheckpoint(ctx context.Context, ownerID, sourceKey string) (int64, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_visit_ms FROM checkpoints
		WHERE owner_id = ? AND source_key = ?`,
		ownerID, sourceKey).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get checkpoint: %w", err)
	}

	healed := timeconv.SanitizeUnixMs(ms)
	if healed != ms {
		_, _ = s.db.ExecContext(ctx, `
			UPDATE checkpoints SET last_visit_ms = 0, updated_at = ?
			WHERE owner_id = ? AND source_key = ?`,
			time.Now().UnixMilli(), ownerID, sourceKey)
	}
	return healed, nil
}

// SetCheckpoint upserts the checkpoint for a source. The stored value is
// monotonically non-decreasing: a concurrent or replayed run can never
// move a checkpoint backwards.
func (s *Store) SetCheckpoint(ctx context.Context, ownerID, sourceKey, browser string, lastVisitMs int64) error {
	if sanitized := timeconv.SanitizeUnixMs(lastVisitMs); sanitized != lastVisitMs {
		return fmt.Errorf("store: implausible checkpoint %d for %s", lastVisitMs, sourceKey)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (owner_id, source_key, browser, last_visit_ms, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(owner_id, source_key) DO UPDATE SET
			last_visit_ms = MAX(last_visit_ms, excluded.last_visit_ms),
			browser = excluded.browser,
			updated_at = excluded.updated_at`,
		ownerID, sourceKey, browser, lastVisitMs, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set checkpoint: %w", err)
	}
	return nil
}
