// Package e2e runs the whole pipeline against real SQLite databases:
// a chromium-shaped history fixture mined into classified, deduplicated
// signals. Only the network boundaries (extraction, classification) are
// stubbed.
package e2e

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/sillage/classify"
	"github.com/hazyhaar/sillage/dbopen"
	"github.com/hazyhaar/sillage/dedup"
	"github.com/hazyhaar/sillage/extract"
	"github.com/hazyhaar/sillage/histmine"
	"github.com/hazyhaar/sillage/pipeline"
	"github.com/hazyhaar/sillage/store"
	"github.com/hazyhaar/sillage/timeconv"
	"github.com/hazyhaar/sillage/urlnorm"
	"github.com/hazyhaar/sillage/vecstore"

	_ "modernc.org/sqlite"
)

const chromiumSchema = `
CREATE TABLE urls (
    id INTEGER PRIMARY KEY,
    url TEXT,
    title TEXT,
    visit_count INTEGER,
    last_visit_time INTEGER
);`

// makeChromiumHistory writes a History fixture with the given rows.
func makeChromiumHistory(t *testing.T, rows [][3]string, baseMs int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "History")
	db, err := dbopen.Open(path, dbopen.WithSchema(chromiumSchema))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for i, r := range rows {
		_, err := db.Exec(
			`INSERT INTO urls (id, url, title, visit_count, last_visit_time) VALUES (?, ?, ?, ?, ?)`,
			i+1, r[0], r[1], 1,
			timeconv.FromUnixMs(baseMs+int64(i)*60_000, timeconv.Chrome))
		if err != nil {
			t.Fatal(err)
		}
	}
	return path
}

// staticExtractor returns canned content per URL, bypassing the network.
type staticExtractor struct {
	pages map[string]*extract.Result
	calls int
}

func (s *staticExtractor) Extract(_ context.Context, url string) (*extract.Result, error) {
	s.calls++
	if res, ok := s.pages[url]; ok {
		return res, nil
	}
	return nil, extract.ErrExtractionFailed
}

// titleClassifier scores everything the same and echoes the title.
type titleClassifier struct{}

func (titleClassifier) Classify(_ context.Context, title, _, _ string) (classify.Verdict, error) {
	return classify.Verdict{Score: 50, Category: "Technology", Summary: "About " + title}, nil
}

func (titleClassifier) MergeSummaries(_ context.Context, a, b string) (string, error) {
	if len(a) >= len(b) {
		return a, nil
	}
	return b, nil
}

// WHAT: a full mine run over a chromium history lands signals in the
// store, merges same-title duplicates, and advances the checkpoint so a
// second run over the same fixture processes nothing.
func TestMineToSignals(t *testing.T) {
	ctx := context.Background()
	baseMs := int64(1_700_000_000_000)

	histPath := makeChromiumHistory(t, [][3]string{
		{"https://blog.example.com/go-generics?utm_source=hn", "Go Generics Explained", ""},
		{"https://news.example.com/mirror/go-generics", "Go  Generics   Explained", ""},
		{"https://docs.example.com/sqlite", "SQLite Docs", ""},
	}, baseMs)

	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	vecIdx, err := vecstore.New(db)
	if err != nil {
		t.Fatal(err)
	}

	norm := urlnorm.New(nil)
	ex := &staticExtractor{pages: map[string]*extract.Result{
		"https://blog.example.com/go-generics": {
			FinalURL: "https://blog.example.com/go-generics",
			Title:    "Go Generics Explained",
			Markdown: "Type parameters arrived in Go 1.18.",
			Tier:     extract.TierHTTP,
		},
		"https://news.example.com/mirror/go-generics": {
			FinalURL: "https://news.example.com/mirror/go-generics",
			Title:    "Go Generics Explained",
			Markdown: "Type parameters arrived in Go 1.18. Mirrored.",
			Tier:     extract.TierHTTP,
		},
		"https://docs.example.com/sqlite": {
			FinalURL: "https://docs.example.com/sqlite",
			Title:    "SQLite Docs",
			Markdown: "SQLite is a small fast SQL database engine.",
			Tier:     extract.TierHTTP,
		},
	}}

	engine := dedup.New(dedup.Config{}, st, vecIdx, titleClassifier{}, norm)
	proc := pipeline.New(pipeline.Config{}, ex, titleClassifier{}, nil, st, engine, norm)

	cfg := histmine.Config{Sources: []histmine.BrowserSource{
		{Key: "chrome", Browser: timeconv.Chrome, Path: histPath},
	}}
	miner := histmine.New(cfg, st, norm, proc.Sink())

	var stop atomic.Bool
	report, err := miner.Mine(ctx, "own1", &stop)
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 3 {
		t.Fatalf("processed: got %d, want 3, report %+v", report.Processed, report)
	}

	// The mirror article and the original share a normalized title, so
	// the title tier folds them into one signal.
	total, err := st.CountSignals(ctx, "own1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		sigs, _ := st.ListSignals(ctx, "own1", 10, 0)
		for _, s := range sigs {
			t.Logf("signal %s title=%q url=%q mentions=%d", s.ID, s.Title, s.URL, s.MentionCount)
		}
		t.Fatalf("signals: got %d, want 2", total)
	}

	sigs, err := st.ListSignals(ctx, "own1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var merged *store.Signal
	for _, s := range sigs {
		if s.MentionCount == 2 {
			merged = s
		}
	}
	if merged == nil {
		t.Fatal("no merged signal found")
	}
	if len(merged.Metadata.SourceURLs) != 2 {
		t.Fatalf("source urls: got %v", merged.Metadata.SourceURLs)
	}

	// WHY: the checkpoint must advance past the mined rows; a rerun over
	// the unchanged fixture has nothing left to process.
	cp, err := st.GetCheckpoint(ctx, "own1", "chrome")
	if err != nil {
		t.Fatal(err)
	}
	if cp < baseMs {
		t.Fatalf("checkpoint did not advance: %d", cp)
	}

	callsBefore := ex.calls
	report2, err := miner.Mine(ctx, "own1", &stop)
	if err != nil {
		t.Fatal(err)
	}
	if report2.Processed != 0 {
		t.Fatalf("second run processed %d entries", report2.Processed)
	}
	if ex.calls != callsBefore {
		t.Fatalf("second run hit the extractor %d times", ex.calls-callsBefore)
	}
}

// WHAT: per-owner settings steer the run: a blacklisted domain never
// reaches the pipeline and counts as filtered, not failed.
func TestBlacklistHonored(t *testing.T) {
	ctx := context.Background()
	histPath := makeChromiumHistory(t, [][3]string{
		{"https://tracker.example.com/p", "Tracker", ""},
		{"https://docs.example.com/sqlite", "SQLite Docs", ""},
	}, 1_700_000_000_000)

	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}

	norm := urlnorm.New(nil)
	ex := &staticExtractor{pages: map[string]*extract.Result{
		"https://docs.example.com/sqlite": {
			FinalURL: "https://docs.example.com/sqlite",
			Title:    "SQLite Docs",
			Markdown: "docs",
			Tier:     extract.TierHTTP,
		},
	}}
	engine := dedup.New(dedup.Config{}, st, nil, nil, norm)
	proc := pipeline.New(pipeline.Config{}, ex, nil, nil, st, engine, norm)

	if err := st.UpsertSettings(ctx, &store.MinerSettings{
		OwnerID:   "own1",
		Blacklist: []string{"tracker.example.com"},
	}); err != nil {
		t.Fatal(err)
	}

	miner := histmine.New(histmine.Config{Sources: []histmine.BrowserSource{
		{Key: "chrome", Browser: timeconv.Chrome, Path: histPath},
	}}, st, norm, proc.Sink())

	var stop atomic.Bool
	report, err := miner.Mine(ctx, "own1", &stop)
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 1 {
		t.Fatalf("processed: got %d, want 1", report.Processed)
	}
	if ex.calls != 1 {
		t.Fatalf("extractor calls: got %d, want 1", ex.calls)
	}
	if n, _ := st.CountSignals(ctx, "own1"); n != 1 {
		t.Fatalf("signals: got %d, want 1", n)
	}
}

// WHAT: a missing source is isolated; the other sources still mine and
// the failure surfaces in the per-source report.
func TestSourceFailureIsolated(t *testing.T) {
	ctx := context.Background()
	goodPath := makeChromiumHistory(t, [][3]string{
		{"https://docs.example.com/sqlite", "SQLite Docs", ""},
	}, 1_700_000_000_000)

	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	norm := urlnorm.New(nil)
	ex := &staticExtractor{pages: map[string]*extract.Result{
		"https://docs.example.com/sqlite": {
			FinalURL: "https://docs.example.com/sqlite",
			Title:    "SQLite Docs",
			Markdown: "docs",
			Tier:     extract.TierHTTP,
		},
	}}
	engine := dedup.New(dedup.Config{}, st, nil, nil, norm)
	proc := pipeline.New(pipeline.Config{}, ex, nil, nil, st, engine, norm)

	miner := histmine.New(histmine.Config{Sources: []histmine.BrowserSource{
		{Key: "gone", Browser: timeconv.Chrome, Path: filepath.Join(t.TempDir(), "missing", "History")},
		{Key: "chrome", Browser: timeconv.Chrome, Path: goodPath},
	}}, st, norm, proc.Sink())

	var stop atomic.Bool
	report, err := miner.Mine(ctx, "own1", &stop)
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 1 {
		t.Fatalf("processed: got %d, want 1, report %+v", report.Processed, report)
	}
	var failed bool
	for _, sr := range report.Sources {
		if sr.Key == "gone" && sr.Error != "" {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("missing source did not report an error: %+v", report.Sources)
	}
}
