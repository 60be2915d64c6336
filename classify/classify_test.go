package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// WHAT: ParseVerdict must find the JSON object wherever the model put it.
func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		want  int
		ok    bool
		categ string
	}{
		{"bare object", `{"score": 80, "category": "Tech", "summary": "s"}`, 80, true, "Tech"},
		{"code fence", "```json\n{\"score\": 65, \"category\": \"Science\"}\n```", 65, true, "Science"},
		{"prose wrapped", `Sure! Here is the result: {"score": 40, "category": "News"} Hope that helps.`, 40, true, "News"},
		{"braces in strings", `{"score": 10, "category": "Misc", "summary": "uses {curly} text"}`, 10, true, "Misc"},
		{"clamped high", `{"score": 250, "category": "Tech"}`, 100, true, "Tech"},
		{"clamped low", `{"score": -5, "category": "Tech"}`, 0, true, "Tech"},
		{"no json", `I could not process that page.`, 0, false, ""},
		{"unbalanced", `{"score": 80, "category":`, 0, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := ParseVerdict(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if v.Score != tc.want {
				t.Errorf("score = %d, want %d", v.Score, tc.want)
			}
			if v.Category != tc.categ {
				t.Errorf("category = %q, want %q", v.Category, tc.categ)
			}
		})
	}
}

// WHAT: a malformed model response yields the fallback verdict instead
// of an error, so one bad completion never stalls the pipeline.
func TestClassifyFallbackOnGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "no json here, sorry"}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "test"})
	v, err := c.Classify(context.Background(), "Some Title", "https://x.test", "content")
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 0 || v.Category != "Error" {
		t.Errorf("fallback verdict = %+v, want score 0 category Error", v)
	}
	if v.Summary != "Some Title" {
		t.Errorf("fallback summary = %q, want title", v.Summary)
	}
}

// WHAT: a well-formed completion decodes into a full verdict.
func TestClassifyParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": `{"score": 85, "category": "AI", "summary": "About transformers.", "entities": ["Attention"], "tags": ["ml"]}`,
				}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "test"})
	v, err := c.Classify(context.Background(), "t", "https://x.test", "c")
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 85 || v.Category != "AI" || len(v.Entities) != 1 || len(v.Tags) != 1 {
		t.Errorf("verdict = %+v", v)
	}
}

// WHAT: empty endpoint gives the no-op classifier with a neutral verdict
// and longer-summary-wins merging.
func TestNoopClassifier(t *testing.T) {
	c := New(Config{})
	v, err := c.Classify(context.Background(), "Page Title", "https://x.test", "body")
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 50 || v.Summary != "Page Title" {
		t.Errorf("noop verdict = %+v", v)
	}

	merged, err := c.MergeSummaries(context.Background(), "short", "a much longer summary")
	if err != nil {
		t.Fatal(err)
	}
	if merged != "a much longer summary" {
		t.Errorf("merged = %q", merged)
	}
}

// WHAT: embedder round-trips one vector and records the dimension.
func TestEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(EmbedConfig{Endpoint: srv.URL, Model: "test"})
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 {
		t.Fatalf("vector length %d, want 3", len(vec))
	}
	if e.Dimension() != 3 {
		t.Errorf("dimension = %d, want 3", e.Dimension())
	}

	// WHY: nil embedder is the documented way to disable semantic dedup.
	if NewEmbedder(EmbedConfig{}) != nil {
		t.Error("empty endpoint should return nil embedder")
	}
}
