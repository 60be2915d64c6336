package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// chatClient implements Classifier using the OpenAI /v1/chat/completions
// API format. This covers vLLM, Ollama, llama.cpp server, and OpenAI itself.
type chatClient struct {
	endpoint string
	model    string
	apiKey   string
	maxChars int
	client   *http.Client
	logger   *slog.Logger
}

func newChatClient(cfg Config) *chatClient {
	return &chatClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		maxChars: cfg.MaxContentChars,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
	}
}

// chatRequest is the JSON body sent to /v1/chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the JSON response from /v1/chat/completions (OpenAI format).
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

const classifySystem = `You evaluate web pages saved from a user's browsing history.
Reply with a single JSON object and nothing else:
{"score": <0-100 relevance to professional/intellectual interests>,
 "category": "<one short category label>",
 "summary": "<2-3 sentence summary>",
 "entities": ["<named entities>"],
 "tags": ["<topic tags, lowercase>"]}`

func (c *chatClient) Classify(ctx context.Context, title, url, content string) (Verdict, error) {
	if len(content) > c.maxChars {
		content = content[:c.maxChars]
	}
	prompt := fmt.Sprintf("Title: %s\nURL: %s\n\nContent:\n%s", title, url, content)

	text, err := c.complete(ctx, classifySystem, prompt)
	if err != nil {
		return Verdict{}, err
	}
	v, ok := ParseVerdict(text)
	if !ok {
		// Malformed model output: keep the pipeline moving with a
		// verdict the dedup layer will store but never boost.
		c.logger.Warn("unparseable classification response", "url", url,
			"head", head(text, 120))
		return Verdict{Score: 0, Category: "Error", Summary: title}, nil
	}
	return v, nil
}

const mergeSystem = `You merge two summaries of the same web page into one.
Keep every distinct fact, drop repetition. Reply with the merged summary
text only, no preamble.`

func (c *chatClient) MergeSummaries(ctx context.Context, a, b string) (string, error) {
	prompt := fmt.Sprintf("Summary 1:\n%s\n\nSummary 2:\n%s", a, b)
	text, err := c.complete(ctx, mergeSystem, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty merge response")
	}
	return text, nil
}

func (c *chatClient) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from %s", url)
	}
	return result.Choices[0].Message.Content, nil
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
