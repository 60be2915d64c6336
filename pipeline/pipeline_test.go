package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/sillage/classify"
	"github.com/hazyhaar/sillage/dbopen"
	"github.com/hazyhaar/sillage/dedup"
	"github.com/hazyhaar/sillage/extract"
	"github.com/hazyhaar/sillage/histmine"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/urlnorm"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// fakeExtractor returns a scripted result or error.
type fakeExtractor struct {
	res   *extract.Result
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (*extract.Result, error) {
	f.calls++
	return f.res, f.err
}

// fakeDeduper records the candidate it was handed.
type fakeDeduper struct {
	res       *dedup.Result
	err       error
	candidate *store.Signal
	embedding []float32
}

func (f *fakeDeduper) CheckAndMerge(_ context.Context, candidate *store.Signal, embedding []float32) (*dedup.Result, error) {
	f.candidate = candidate
	f.embedding = embedding
	if f.res == nil {
		return &dedup.Result{}, f.err
	}
	return f.res, f.err
}

// fakeClassifier returns a fixed verdict.
type fakeClassifier struct {
	verdict classify.Verdict
	err     error
}

func (f *fakeClassifier) Classify(_ context.Context, _, _, _ string) (classify.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeClassifier) MergeSummaries(_ context.Context, a, b string) (string, error) {
	if len(a) >= len(b) {
		return a, nil
	}
	return b, nil
}

// fakeEmbedder returns a fixed vector.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

func entry(url, title string) histmine.HistoryEntry {
	return histmine.HistoryEntry{URL: url, Title: title, VisitCount: 1, LastVisitMs: 1700000000000}
}

// WHAT: the happy path stores a classified signal and hands it to the
// dedup pass with its embedding.
func TestProcessStoresSignal(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://example.com/article",
		Title:    "Deep Dive",
		Markdown: "body text",
		Tier:     extract.TierHTTP,
	}}
	cl := &fakeClassifier{verdict: classify.Verdict{
		Score: 72, Category: "Technology", Summary: "A deep dive.",
		Entities: []string{"Example Corp"}, Tags: []string{"go"},
	}}
	em := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	dd := &fakeDeduper{}

	p := New(Config{}, ex, cl, em, st, dd, urlnorm.New(nil))
	if err := p.Process(context.Background(), "own1", entry("https://example.com/article?utm_source=x", "ignored")); err != nil {
		t.Fatal(err)
	}

	if dd.candidate == nil {
		t.Fatal("dedup pass never ran")
	}
	sig, err := st.GetSignal(context.Background(), dd.candidate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Title != "Deep Dive" {
		t.Fatalf("title: got %q", sig.Title)
	}
	if sig.Score != 72 || sig.Category != "Technology" {
		t.Fatalf("verdict not applied: score=%d category=%q", sig.Score, sig.Category)
	}
	// WHY: the stored URL must be the post-redirect address, normalized,
	// or later URL-tier dedup misses.
	if sig.URL != "https://example.com/article" {
		t.Fatalf("url: got %q", sig.URL)
	}
	if len(dd.embedding) != 2 {
		t.Fatalf("embedding not forwarded: %v", dd.embedding)
	}
	if !sig.HasEmbedding {
		t.Fatal("HasEmbedding not set")
	}
}

// WHAT: a gated page is kept as a placeholder-summarized signal with a
// capped score; the wall text never becomes stored content.
// WHY: the visit still carries a little signal and should resurface if
// the wall comes down, but a paywall interstitial scored like a real
// article would pollute ranking.
func TestProcessGatedPlaceholder(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://paywalled.example.com/x",
		Title:    "Members Only",
		Markdown: "Subscribe to continue reading",
		Gated:    true,
	}}
	dd := &fakeDeduper{}

	p := New(Config{}, ex, nil, nil, st, dd, nil)
	if err := p.Process(context.Background(), "own1", entry("https://paywalled.example.com/x", "")); err != nil {
		t.Fatal(err)
	}

	sigs, err := st.ListSignals(context.Background(), "own1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("want 1 gated placeholder, got %d", len(sigs))
	}
	sig := sigs[0]
	if sig.Title != "Members Only" || sig.Category != "Unprocessed" {
		t.Fatalf("placeholder wrong: title=%q category=%q", sig.Title, sig.Category)
	}
	if sig.Score > gatedScoreCap {
		t.Errorf("score = %d, want <= %d", sig.Score, gatedScoreCap)
	}
	if sig.Content != "" || sig.Summary == "" {
		t.Errorf("wall text handling: content=%q summary=%q", sig.Content, sig.Summary)
	}
	if dd.candidate != nil {
		t.Error("gated placeholder should not enter dedup")
	}
}

// WHAT: when both extraction tiers fail the entry is kept as a
// title-only placeholder rather than dropped.
func TestProcessExtractionFailurePlaceholder(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{err: extract.ErrExtractionFailed}
	dd := &fakeDeduper{}

	p := New(Config{}, ex, nil, nil, st, dd, nil)
	if err := p.Process(context.Background(), "own1", entry("https://dead.example.com/a", "Kept Title")); err != nil {
		t.Fatal(err)
	}

	sigs, err := st.ListSignals(context.Background(), "own1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("want 1 placeholder, got %d", len(sigs))
	}
	if sigs[0].Title != "Kept Title" || sigs[0].Content != "" {
		t.Fatalf("placeholder wrong: title=%q content=%q", sigs[0].Title, sigs[0].Content)
	}
	if dd.candidate != nil {
		t.Fatal("placeholder should not enter dedup")
	}
}

// WHAT: a classifier error degrades to an unscored signal instead of
// failing the entry.
func TestProcessClassifierFailureDegrades(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://example.com/b", Title: "B", Markdown: "text",
	}}
	cl := &fakeClassifier{err: errors.New("model unreachable")}
	dd := &fakeDeduper{}

	p := New(Config{}, ex, cl, nil, st, dd, nil)
	if err := p.Process(context.Background(), "own1", entry("https://example.com/b", "")); err != nil {
		t.Fatal(err)
	}
	sig, err := st.GetSignal(context.Background(), dd.candidate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Score != 0 || sig.Category != "Error" {
		t.Fatalf("degraded verdict: score=%d category=%q", sig.Score, sig.Category)
	}
}

// WHAT: an embedding failure falls back to the non-semantic tiers; the
// signal is still stored and deduped, just without a vector.
func TestProcessEmbeddingFailureFallsBack(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://example.com/c", Title: "C", Markdown: "text",
	}}
	em := &fakeEmbedder{err: errors.New("embedding server down")}
	dd := &fakeDeduper{}

	p := New(Config{}, ex, nil, em, st, dd, nil)
	if err := p.Process(context.Background(), "own1", entry("https://example.com/c", "")); err != nil {
		t.Fatal(err)
	}
	if dd.candidate == nil {
		t.Fatal("dedup pass never ran")
	}
	if len(dd.embedding) != 0 {
		t.Fatalf("embedding should be empty, got %v", dd.embedding)
	}
	if dd.candidate.HasEmbedding {
		t.Fatal("HasEmbedding should be false")
	}
}

// WHAT: a failed dedup pass does not fail the entry. The signal row
// already exists; losing the merge pass only costs a possible duplicate.
func TestProcessDedupFailureAbsorbed(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://example.com/d", Title: "D", Markdown: "text",
	}}
	dd := &fakeDeduper{err: errors.New("vector index corrupt")}

	p := New(Config{}, ex, nil, nil, st, dd, nil)
	if err := p.Process(context.Background(), "own1", entry("https://example.com/d", "")); err != nil {
		t.Fatal(err)
	}
	if n, _ := st.CountSignals(context.Background(), "own1"); n != 1 {
		t.Fatalf("signal lost: %d rows", n)
	}
}

// WHAT: the Sink adapter dispatches to Process with the miner's owner
// and entry.
func TestSink(t *testing.T) {
	st := newTestStore(t)
	ex := &fakeExtractor{res: &extract.Result{
		FinalURL: "https://example.com/e", Title: "E", Markdown: "text",
	}}
	dd := &fakeDeduper{}

	sink := New(Config{}, ex, nil, nil, st, dd, nil).Sink()
	if err := sink(context.Background(), "own2", entry("https://example.com/e", "")); err != nil {
		t.Fatal(err)
	}
	if dd.candidate == nil || dd.candidate.OwnerID != "own2" {
		t.Fatalf("owner not propagated: %+v", dd.candidate)
	}
}
