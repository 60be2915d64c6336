package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MinerSettings are the per-owner mining controls. Absent rows read as
// defaults; callers never need to seed a row before the first run.
type MinerSettings struct {
	OwnerID    string   `json:"owner_id"`
	Blacklist  []string `json:"blacklist"`    // domains dropped during filtering
	SyncFromMs int64    `json:"sync_from_ms"` // one-shot override: mine from this time instead of checkpoints
	MaxItems   int      `json:"max_items"`    // per-source row limit
}

const defaultMaxItems = 500

// GetSettings returns the owner's mining settings, defaulted when no row
// exists.
func (s *Store) GetSettings(ctx context.Context, ownerID string) (*MinerSettings, error) {
	set := &MinerSettings{OwnerID: ownerID, MaxItems: defaultMaxItems}

	var blacklist string
	err := s.db.QueryRowContext(ctx, `
		SELECT blacklist_json, sync_from_ms, max_items FROM miner_settings
		WHERE owner_id = ?`, ownerID).
		Scan(&blacklist, &set.SyncFromMs, &set.MaxItems)
	if errors.Is(err, sql.ErrNoRows) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	if set.MaxItems <= 0 {
		set.MaxItems = defaultMaxItems
	}
	if err := json.Unmarshal([]byte(blacklist), &set.Blacklist); err != nil {
		set.Blacklist = nil
	}
	return set, nil
}

// UpsertSettings writes the owner's mining settings.
func (s *Store) UpsertSettings(ctx context.Context, set *MinerSettings) error {
	blacklist, err := json.Marshal(emptyAsList(set.Blacklist))
	if err != nil {
		return fmt.Errorf("store: marshal blacklist: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO miner_settings (owner_id, blacklist_json, sync_from_ms, max_items, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(owner_id) DO UPDATE SET
			blacklist_json = excluded.blacklist_json,
			sync_from_ms = excluded.sync_from_ms,
			max_items = excluded.max_items,
			updated_at = excluded.updated_at`,
		set.OwnerID, string(blacklist), set.SyncFromMs, set.MaxItems,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: upsert settings: %w", err)
	}
	return nil
}

// ClearSyncOverride resets the one-shot sync-from timestamp after a
// successful run, so subsequent runs revert to checkpoint-based
// incremental mining.
func (s *Store) ClearSyncOverride(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE miner_settings SET sync_from_ms = 0, updated_at = ?
		WHERE owner_id = ?`,
		time.Now().UnixMilli(), ownerID)
	if err != nil {
		return fmt.Errorf("store: clear sync override: %w", err)
	}
	return nil
}
