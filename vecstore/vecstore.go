// Package vecstore keeps per-owner embedding vectors in SQLite and
// answers nearest-neighbor queries by brute-force cosine scan. Corpora
// here are small (one owner's signals), so a linear scan over the
// owner's rows beats the operational cost of an external vector index.
package vecstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
    id         TEXT NOT NULL,
    owner_id   TEXT NOT NULL,
    dim        INTEGER NOT NULL,
    vec        BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (owner_id, id)
);
CREATE INDEX IF NOT EXISTS idx_vectors_owner ON vectors(owner_id);
`

// Match is one nearest-neighbor result.
type Match struct {
	ID    string
	Score float64
}

// Index stores and queries embedding vectors.
type Index struct {
	db *sql.DB
}

// New prepares the vectors table and returns an Index over db.
func New(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vecstore schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert stores or replaces the vector for id under owner.
func (ix *Index) Upsert(ctx context.Context, owner, id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vecstore: empty vector for %s", id)
	}
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO vectors (id, owner_id, dim, vec, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			dim = excluded.dim, vec = excluded.vec, updated_at = excluded.updated_at`,
		id, owner, len(vec), Serialize(vec), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("vecstore upsert %s: %w", id, err)
	}
	return nil
}

// Delete removes the vector for id. Missing rows are not an error.
func (ix *Index) Delete(ctx context.Context, owner, id string) error {
	if _, err := ix.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE owner_id = ? AND id = ?`, owner, id); err != nil {
		return fmt.Errorf("vecstore delete %s: %w", id, err)
	}
	return nil
}

// Query returns up to topK matches for owner ordered by descending
// cosine similarity. Rows whose dimension differs from the query
// vector are skipped rather than failing the whole scan.
func (ix *Index) Query(ctx context.Context, owner string, vec []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, vec FROM vectors WHERE owner_id = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("vecstore query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("vecstore scan: %w", err)
		}
		cand := Deserialize(blob)
		if len(cand) != len(vec) {
			continue
		}
		matches = append(matches, Match{ID: id, Score: CosineSimilarity(vec, cand)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vecstore rows: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns how many vectors owner holds.
func (ix *Index) Count(ctx context.Context, owner string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE owner_id = ?`, owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vecstore count: %w", err)
	}
	return n, nil
}
