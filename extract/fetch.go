package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hazyhaar/sillage/safeio"
)

type contentKind int

const (
	contentHTML contentKind = iota
	contentText
	contentPDF
)

// fetchResult is a Tier 1 response: bounded body plus the URL the
// transport actually landed on after redirects.
type fetchResult struct {
	body        []byte
	finalURL    string
	contentType contentKind
}

type fetcher struct {
	cfg    Config
	client *http.Client
}

func newFetcher(cfg Config) *fetcher {
	return &fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				if cfg.AllowPrivateHosts {
					return nil
				}
				// Redirect targets get the same SSRF screening as the
				// original URL.
				return safeio.ValidateURL(req.URL.String())
			},
		},
	}
}

func (f *fetcher) fetch(ctx context.Context, rawURL string) (*fetchResult, error) {
	if !f.cfg.AllowPrivateHosts {
		if err := safeio.ValidateURL(rawURL); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	kind, err := classifyContentType(resp.Header.Get("Content-Type"), resp.Request.URL.Path)
	if err != nil {
		return nil, err
	}

	body, err := safeio.LimitedReadAll(resp.Body, f.cfg.MaxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	// resp.Request is the request of the last hop, so its URL is the
	// post-redirect address.
	return &fetchResult{
		body:        body,
		finalURL:    resp.Request.URL.String(),
		contentType: kind,
	}, nil
}

func classifyContentType(header, path string) (contentKind, error) {
	ct := strings.ToLower(header)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)

	switch {
	case ct == "application/pdf", strings.HasSuffix(strings.ToLower(path), ".pdf"):
		return contentPDF, nil
	case ct == "", strings.HasPrefix(ct, "text/html"), strings.HasPrefix(ct, "application/xhtml"):
		return contentHTML, nil
	case strings.HasPrefix(ct, "text/plain"):
		return contentText, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedContent, ct)
	}
}
