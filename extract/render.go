package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/sillage/extract/internal/browser"
	"github.com/hazyhaar/sillage/safeio"
)

// BrowserRenderer is the rod-backed Tier 2 Renderer. Pages that defeat
// a plain GET (client-side rendering, bot walls, JS redirects) usually
// settle into real content under a stealth browser.
type BrowserRenderer struct {
	mgr    *browser.Manager
	logger *slog.Logger
}

// NewBrowserRenderer wraps a browser manager as a Renderer.
func NewBrowserRenderer(mgr *browser.Manager, logger *slog.Logger) *BrowserRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserRenderer{mgr: mgr, logger: logger}
}

// NewDefaultBrowserRenderer builds a renderer with its own browser
// manager. remoteURL points at an external Chrome's WebSocket endpoint;
// empty launches a local one.
func NewDefaultBrowserRenderer(remoteURL string, logger *slog.Logger) *BrowserRenderer {
	mgr := browser.NewManager(browser.Config{RemoteURL: remoteURL, Logger: logger})
	return NewBrowserRenderer(mgr, logger)
}

// Render loads the URL, waits for the network to go idle, and returns
// the settled DOM plus the address the page ended up on. JS redirects
// and meta refreshes move the page, so the final URL comes from the
// page itself, not the request.
func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, string, error) {
	if err := safeio.ValidateURL(url); err != nil {
		return "", "", err
	}

	page, err := r.mgr.Page()
	if err != nil {
		return "", "", err
	}
	defer page.Close()

	p := page.Context(ctx)

	if err := p.Navigate(url); err != nil {
		return "", "", fmt.Errorf("render navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		r.logger.Debug("render: wait load timed out", "url", url, "error", err)
	}

	// Let XHR-driven pages finish hydrating. Media is blocked at the
	// network layer so only API traffic holds this open.
	wait := p.WaitRequestIdle(2*time.Second, nil, nil, []proto.NetworkResourceType{
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeMedia,
		proto.NetworkResourceTypeFont,
	})
	waitDone := make(chan struct{})
	go func() {
		wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-time.After(10 * time.Second):
		r.logger.Debug("render: request idle wait timed out", "url", url)
	}

	htmlRes, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", "", fmt.Errorf("render get DOM %s: %w", url, err)
	}

	finalURL := url
	if locRes, err := p.Eval(`() => window.location.href`); err == nil {
		if loc := locRes.Value.Str(); loc != "" && loc != "about:blank" {
			finalURL = loc
		}
	}

	return htmlRes.Value.Str(), finalURL, nil
}

// Close shuts down the underlying browser.
func (r *BrowserRenderer) Close() error {
	return r.mgr.Close()
}

var _ Renderer = (*BrowserRenderer)(nil)
