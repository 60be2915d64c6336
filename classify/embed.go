package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Embedder converts text to vectors for semantic dedup.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension, or 0 before the first call.
	Dimension() int
}

// EmbedConfig configures the embedding client. An empty Endpoint
// disables embeddings; NewEmbedder then returns nil and callers skip
// the semantic dedup tier.
type EmbedConfig struct {
	Endpoint  string        `json:"endpoint" yaml:"endpoint"`
	Model     string        `json:"model" yaml:"model"`
	Dimension int           `json:"dimension" yaml:"dimension"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// NewEmbedder creates an Embedder against any OpenAI-compatible
// /v1/embeddings server. Returns nil when Endpoint is empty.
func NewEmbedder(cfg EmbedConfig) Embedder {
	if cfg.Endpoint == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &embedClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dim:      cfg.Dimension,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type embedClient struct {
	endpoint string
	model    string
	client   *http.Client

	mu  sync.Mutex // protects dim on first call
	dim int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *embedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned from %s", url)
	}

	vec := result.Data[0].Embedding
	c.mu.Lock()
	if c.dim == 0 {
		c.dim = len(vec)
	}
	c.mu.Unlock()
	return vec, nil
}

func (c *embedClient) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}
