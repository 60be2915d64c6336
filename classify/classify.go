// Package classify scores extracted page content via any OpenAI-compatible
// chat completions server and produces a structured verdict (relevance
// score, category, summary, entities, tags). It also re-synthesizes
// summaries when two signals merge.
//
// An empty endpoint yields a deterministic no-op classifier so the
// pipeline can run without an LLM backend.
package classify

import (
	"context"
	"log/slog"
	"time"
)

// Verdict is the structured output of a classification call.
type Verdict struct {
	Score    int      `json:"score"`
	Category string   `json:"category"`
	Summary  string   `json:"summary"`
	Entities []string `json:"entities"`
	Tags     []string `json:"tags"`
}

// Classifier scores content and merges summaries.
type Classifier interface {
	// Classify returns a verdict for the given page. A malformed model
	// response yields the fallback verdict, not an error.
	Classify(ctx context.Context, title, url, content string) (Verdict, error)

	// MergeSummaries synthesizes one summary from two. Callers should
	// fall back to the longer input on error.
	MergeSummaries(ctx context.Context, a, b string) (string, error)
}

// Config configures the classification client.
type Config struct {
	// Endpoint is the base URL of the chat server (e.g. "http://localhost:8001").
	// If empty, a no-op classifier is returned.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent in requests.
	Model string `json:"model" yaml:"model"`

	// APIKey is sent as a Bearer token when set.
	APIKey string `json:"api_key" yaml:"api_key"`

	// MaxContentChars truncates page content before sending. Default: 12000.
	MaxContentChars int `json:"max_content_chars" yaml:"max_content_chars"`

	// Timeout per HTTP request. Default: 60s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger for debug/error messages. Defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = 12000
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates a Classifier from config. An empty Endpoint returns a
// no-op classifier that accepts everything with a neutral verdict.
func New(cfg Config) Classifier {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return &noopClassifier{}
	}
	return newChatClient(cfg)
}

// noopClassifier passes content through with a neutral score so the
// rest of the pipeline stays exercisable without a backend.
type noopClassifier struct{}

func (n *noopClassifier) Classify(_ context.Context, title, _, _ string) (Verdict, error) {
	return Verdict{Score: 50, Category: "Uncategorized", Summary: title}, nil
}

func (n *noopClassifier) MergeSummaries(_ context.Context, a, b string) (string, error) {
	if len(b) > len(a) {
		return b, nil
	}
	return a, nil
}
