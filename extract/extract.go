// Package extract turns a URL into clean markdown content through a
// tiered pipeline: a bounded HTTP fetch first, then a headless browser
// render only when the static fetch yields too little text. Extracted
// HTML passes through a three-stage sanitizer before markdown
// conversion so classification sees prose, not page chrome.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MinContentChars is the yield below which a Tier 1 fetch escalates to
// a browser render.
const MinContentChars = 500

var (
	// ErrExtractionFailed means both tiers ran and neither produced
	// usable content. Callers store a title-only placeholder.
	ErrExtractionFailed = errors.New("extract: all tiers failed")

	// ErrUnsupportedContent means the response body is a type the
	// pipeline cannot process (binary, media).
	ErrUnsupportedContent = errors.New("extract: unsupported content type")
)

// Tier identifies which extraction path produced a result.
type Tier int

const (
	TierNone Tier = 0
	TierHTTP Tier = 1 // static fetch
	TierRod  Tier = 2 // headless render
	TierPDF  Tier = 3 // pdf body
)

func (t Tier) String() string {
	switch t {
	case TierHTTP:
		return "http"
	case TierRod:
		return "browser"
	case TierPDF:
		return "pdf"
	default:
		return "none"
	}
}

// Result is the outcome of one extraction.
type Result struct {
	// FinalURL is the URL after redirects (HTTP) or the address the
	// rendered page settled on (browser). May differ from the input.
	FinalURL string

	// Title from the document, empty if none found.
	Title string

	// Markdown is the cleaned content.
	Markdown string

	// Tier that produced the content.
	Tier Tier

	// Gated reports that the content looks like a paywall or login
	// interstitial rather than the article itself.
	Gated bool
}

// Renderer is the Tier 2 boundary. The browser-backed implementation
// lives in this package; tests substitute their own.
type Renderer interface {
	// Render loads the URL in a browser and returns the settled DOM
	// and the page's final address.
	Render(ctx context.Context, url string) (html, finalURL string, err error)
}

// Config configures the extraction router.
type Config struct {
	// FetchTimeout bounds the Tier 1 HTTP round trip. Default: 15s.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`

	// RenderTimeout bounds the Tier 2 browser render. Default: 45s.
	RenderTimeout time.Duration `json:"render_timeout" yaml:"render_timeout"`

	// UserAgent sent on Tier 1 requests.
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// MaxBodyBytes caps the Tier 1 response body. Default: 10 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// AllowPrivateHosts disables SSRF screening. Local development
	// and tests only.
	AllowPrivateHosts bool `json:"allow_private_hosts" yaml:"allow_private_hosts"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 45 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Router runs the tiered extraction pipeline.
type Router struct {
	cfg      Config
	fetcher  *fetcher
	renderer Renderer // nil disables Tier 2
	logger   *slog.Logger
}

// NewRouter creates a Router. A nil renderer disables Tier 2; short
// Tier 1 yields then fail with ErrExtractionFailed.
func NewRouter(cfg Config, renderer Renderer) *Router {
	cfg.defaults()
	return &Router{
		cfg:      cfg,
		fetcher:  newFetcher(cfg),
		renderer: renderer,
		logger:   cfg.Logger,
	}
}

// Extract runs the pipeline for one URL. Each tier runs at most once.
func (r *Router) Extract(ctx context.Context, url string) (*Result, error) {
	log := r.logger.With("url", url)

	fr, err := r.fetcher.fetch(ctx, url)
	if err != nil {
		log.Debug("extract: tier 1 fetch failed", "error", err)
		return r.escalate(ctx, url, log)
	}

	if fr.contentType == contentPDF {
		md, title, err := extractPDF(fr.body)
		if err != nil {
			return nil, fmt.Errorf("%w: pdf: %v", ErrExtractionFailed, err)
		}
		return &Result{
			FinalURL: fr.finalURL,
			Title:    title,
			Markdown: md,
			Tier:     TierPDF,
		}, nil
	}

	res, err := r.finish(string(fr.body), url, fr.finalURL, TierHTTP)
	if err == nil && len(res.Markdown) >= MinContentChars && !res.Gated {
		return res, nil
	}
	if err != nil {
		log.Debug("extract: tier 1 sanitize failed", "error", err)
	} else {
		log.Debug("extract: tier 1 yield too small, escalating",
			"chars", len(res.Markdown), "gated", res.Gated)
	}

	rendered, rerr := r.escalate(ctx, url, log)
	if rerr != nil {
		// A short Tier 1 result still beats nothing.
		if err == nil && res.Markdown != "" {
			return res, nil
		}
		return nil, rerr
	}
	return rendered, nil
}

// escalate runs Tier 2 once. Returns ErrExtractionFailed when no
// renderer is configured or the render produced nothing usable.
func (r *Router) escalate(ctx context.Context, url string, log *slog.Logger) (*Result, error) {
	if r.renderer == nil {
		return nil, ErrExtractionFailed
	}

	rctx, cancel := context.WithTimeout(ctx, r.cfg.RenderTimeout)
	defer cancel()

	html, finalURL, err := r.renderer.Render(rctx, url)
	if err != nil {
		log.Debug("extract: tier 2 render failed", "error", err)
		return nil, fmt.Errorf("%w: render: %v", ErrExtractionFailed, err)
	}
	if finalURL == "" {
		finalURL = url
	}

	res, err := r.finish(html, url, finalURL, TierRod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if strings.TrimSpace(res.Markdown) == "" {
		return nil, ErrExtractionFailed
	}
	return res, nil
}

// finish runs sanitize + clean on raw HTML from either tier.
func (r *Router) finish(rawHTML, sourceURL, finalURL string, tier Tier) (*Result, error) {
	san, err := Sanitize(rawHTML, sourceURL)
	if err != nil {
		return nil, err
	}
	md := CleanMarkdown(san.HTML, sourceURL, san.Text)
	return &Result{
		FinalURL: finalURL,
		Title:    san.Title,
		Markdown: md,
		Tier:     tier,
		Gated:    IsGatedContent(md),
	}, nil
}
