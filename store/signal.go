package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signal is a canonical analyzed record. It is created once per analyzed
// history entry and afterwards only merged into: dedup increments
// mention_count and folds the loser's fields in.
type Signal struct {
	ID           string
	OwnerID      string
	URL          string
	Title        string
	Score        int
	Summary      string
	Category     string
	Entities     []string
	Tags         []string
	Content      string
	MentionCount int
	Metadata     SignalMetadata
	HasEmbedding bool
	Revision     int64
	CreatedAt    int64
	UpdatedAt    int64
}

// SignalMetadata is the JSON metadata column.
type SignalMetadata struct {
	SourceURLs     []string `json:"source_urls"`
	DuplicateCount int      `json:"duplicate_count"`
	LastSeen       int64    `json:"last_seen"`
}

// NormalizeTitle produces the comparison form used by the title-match
// dedup tier: lowercased with runs of whitespace collapsed.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// InsertSignal stores a new signal. MentionCount defaults to 1 and the
// candidate's own URL is recorded in metadata.source_urls.
func (s *Store) InsertSignal(ctx context.Context, sig *Signal) error {
	now := time.Now().UnixMilli()
	if sig.CreatedAt == 0 {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	if sig.MentionCount == 0 {
		sig.MentionCount = 1
	}
	if len(sig.Metadata.SourceURLs) == 0 && sig.URL != "" {
		sig.Metadata.SourceURLs = []string{sig.URL}
	}
	if sig.Metadata.LastSeen == 0 {
		sig.Metadata.LastSeen = now
	}

	entities, tags, meta, err := marshalSignalJSON(sig)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, owner_id, url, title, title_norm, score, summary, category,
			entities_json, tags_json, content, mention_count, metadata_json,
			has_embedding, revision, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.OwnerID, sig.URL, sig.Title, NormalizeTitle(sig.Title),
		sig.Score, sig.Summary, sig.Category, entities, tags, sig.Content,
		sig.MentionCount, meta, boolInt(sig.HasEmbedding), sig.Revision,
		sig.CreatedAt, sig.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert signal: %w", err)
	}
	return nil
}

// GetSignal returns the signal with the given id or ErrNotFound.
func (s *Store) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx, selectSignal+` WHERE id = ?`, id)
	return scanSignal(row)
}

// FindByTitle returns the most recently updated signal for owner whose
// normalized title equals titleNorm, excluding excludeID. ErrNotFound if
// no row matches.
func (s *Store) FindByTitle(ctx context.Context, ownerID, titleNorm, excludeID string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx, selectSignal+`
		WHERE owner_id = ? AND title_norm = ? AND title_norm != '' AND id != ?
		ORDER BY updated_at DESC LIMIT 1`,
		ownerID, titleNorm, excludeID)
	return scanSignal(row)
}

// FindByURL returns the most recently updated signal for owner with an
// exactly matching normalized URL, excluding excludeID.
func (s *Store) FindByURL(ctx context.Context, ownerID, url, excludeID string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx, selectSignal+`
		WHERE owner_id = ? AND url = ? AND id != ?
		ORDER BY updated_at DESC LIMIT 1`,
		ownerID, url, excludeID)
	return scanSignal(row)
}

// UpdateSignalMerge writes the merged fields of sig conditionally on the
// revision observed at read time (optimistic concurrency). Returns false
// without error when another merge won the race; the caller re-reads and
// retries.
func (s *Store) UpdateSignalMerge(ctx context.Context, sig *Signal, observedRevision int64) (bool, error) {
	entities, tags, meta, err := marshalSignalJSON(sig)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			url = ?, title = ?, title_norm = ?, score = ?, summary = ?,
			entities_json = ?, tags_json = ?, content = ?, mention_count = ?,
			metadata_json = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		sig.URL, sig.Title, NormalizeTitle(sig.Title), sig.Score, sig.Summary,
		entities, tags, sig.Content, sig.MentionCount, meta, time.Now().UnixMilli(),
		sig.ID, observedRevision)
	if err != nil {
		return false, fmt.Errorf("store: merge update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteSignal removes a signal (the discarded duplicate candidate).
func (s *Store) DeleteSignal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete signal: %w", err)
	}
	return nil
}

// ListSignals returns an owner's signals ordered by last update,
// newest first. limit <= 0 means 50, offset < 0 means 0.
func (s *Store) ListSignals(ctx context.Context, ownerID string, limit, offset int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, selectSignal+`
		WHERE owner_id = ?
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CountSignals returns the number of signals for an owner.
func (s *Store) CountSignals(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

const selectSignal = `
	SELECT id, owner_id, url, title, score, summary, category,
	       entities_json, tags_json, content, mention_count, metadata_json,
	       has_embedding, revision, created_at, updated_at
	FROM signals`

func scanSignal(row interface{ Scan(...any) error }) (*Signal, error) {
	var sig Signal
	var entities, tags, meta string
	var hasEmb int
	err := row.Scan(&sig.ID, &sig.OwnerID, &sig.URL, &sig.Title, &sig.Score,
		&sig.Summary, &sig.Category, &entities, &tags, &sig.Content,
		&sig.MentionCount, &meta, &hasEmb, &sig.Revision,
		&sig.CreatedAt, &sig.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan signal: %w", err)
	}
	sig.HasEmbedding = hasEmb != 0
	if err := json.Unmarshal([]byte(entities), &sig.Entities); err != nil {
		sig.Entities = nil
	}
	if err := json.Unmarshal([]byte(tags), &sig.Tags); err != nil {
		sig.Tags = nil
	}
	if err := json.Unmarshal([]byte(meta), &sig.Metadata); err != nil {
		sig.Metadata = SignalMetadata{}
	}
	return &sig, nil
}

func marshalSignalJSON(sig *Signal) (entities, tags, meta string, err error) {
	eb, err := json.Marshal(emptyAsList(sig.Entities))
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal entities: %w", err)
	}
	tb, err := json.Marshal(emptyAsList(sig.Tags))
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal tags: %w", err)
	}
	mb, err := json.Marshal(sig.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal metadata: %w", err)
	}
	return string(eb), string(tb), string(mb), nil
}

// emptyAsList keeps JSON columns as [] instead of null.
func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
