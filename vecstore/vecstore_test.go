package vecstore

import (
	"context"
	"math"
	"testing"

	"github.com/hazyhaar/sillage/dbopen"

	_ "modernc.org/sqlite"
)

// WHAT: serialize/deserialize must round-trip float32 values exactly.
func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.5, 3.25, 0, 1e-7}
	got := Deserialize(Serialize(vec))
	if len(got) != len(vec) {
		t.Fatalf("length %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], vec[i])
		}
	}
}

// WHAT: cosine similarity identities: self=1, orthogonal=0, opposite=-1.
func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	neg := []float32{-1, 0, 0}

	if s := CosineSimilarity(a, a); math.Abs(s-1) > 1e-9 {
		t.Errorf("self similarity %v, want 1", s)
	}
	if s := CosineSimilarity(a, b); math.Abs(s) > 1e-9 {
		t.Errorf("orthogonal similarity %v, want 0", s)
	}
	if s := CosineSimilarity(a, neg); math.Abs(s+1) > 1e-9 {
		t.Errorf("opposite similarity %v, want -1", s)
	}
	// WHY: mismatched dimensions and zero vectors must not panic or NaN.
	if s := CosineSimilarity(a, []float32{1, 2}); s != 0 {
		t.Errorf("dim mismatch similarity %v, want 0", s)
	}
	if s := CosineSimilarity([]float32{0, 0, 0}, a); s != 0 {
		t.Errorf("zero vector similarity %v, want 0", s)
	}
}

// WHAT: query returns matches sorted by descending similarity, scoped
// to the owner, capped at topK.
func TestUpsertAndQuery(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ix, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(ix.Upsert(ctx, "own1", "a", []float32{1, 0, 0}))
	must(ix.Upsert(ctx, "own1", "b", []float32{0.9, 0.1, 0}))
	must(ix.Upsert(ctx, "own1", "c", []float32{0, 0, 1}))
	// WHY: another owner's vectors must never leak into results.
	must(ix.Upsert(ctx, "own2", "d", []float32{1, 0, 0}))

	matches, err := ix.Query(ctx, "own1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "a" || matches[1].ID != "b" {
		t.Errorf("order = %s, %s; want a, b", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches not sorted by descending score")
	}
}

// WHAT: upsert replaces the stored vector in place.
func TestUpsertReplaces(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ix, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := ix.Upsert(ctx, "own1", "a", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "own1", "a", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}
	n, err := ix.Count(ctx, "own1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count %d after replace, want 1", n)
	}
	matches, err := ix.Query(ctx, "own1", []float32{0, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Score < 0.99 {
		t.Errorf("replaced vector not found: %+v", matches)
	}
}

// WHAT: rows whose dimension differs from the query are skipped.
func TestQuerySkipsDimMismatch(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ix, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := ix.Upsert(ctx, "own1", "short", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "own1", "full", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	matches, err := ix.Query(ctx, "own1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "full" {
		t.Errorf("got %+v, want only 'full'", matches)
	}
}

// WHAT: delete removes the row and tolerates missing ids.
func TestDelete(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ix, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := ix.Upsert(ctx, "own1", "a", []float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Delete(ctx, "own1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Delete(ctx, "own1", "gone"); err != nil {
		t.Errorf("delete of missing id: %v", err)
	}
	n, _ := ix.Count(ctx, "own1")
	if n != 0 {
		t.Errorf("count %d after delete, want 0", n)
	}
}
