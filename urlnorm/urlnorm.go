// Package urlnorm canonicalizes URLs for deduplication.
//
// Normalize lowercases the host, drops default ports, strips the fragment
// and a single trailing slash, removes tracking parameters, and sorts the
// remaining query parameters for a deterministic string. Normalization is
// best-effort and fail-open: a URL that does not parse is returned
// unchanged rather than blocking the pipeline.
package urlnorm

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Normalizer applies a compiled RuleSet.
type Normalizer struct {
	rules *compiled
}

// New creates a Normalizer. A nil rule set uses the embedded defaults.
func New(rs *RuleSet) *Normalizer {
	if rs == nil {
		rs = DefaultRules()
	}
	return &Normalizer{rules: compile(rs)}
}

// Normalize canonicalizes raw for use as a deduplication key.
// On parse failure the input is returned unchanged.
func (n *Normalizer) Normalize(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return raw
	}
	if parsed.Host == "" {
		return raw
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)

	// Drop default ports.
	if (scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndexByte(parsed.Host, ':')]
	}

	// Remove fragment.
	parsed.Fragment = ""
	parsed.RawFragment = ""

	// Strip a single trailing slash (root stays bare).
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	if parsed.Path == "/" {
		parsed.Path = ""
	}

	// Drop tracking parameters, sort the rest by key for stable output.
	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			if n.rules.tracking[strings.ToLower(k)] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for i, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}

	return parsed.String()
}

// IsLikelyNonContent reports whether raw points at something that cannot
// be an article: auth/account/cart/admin/API/search paths, or asset file
// types. Used as a cheap pre-filter before extraction.
func (n *Normalizer) IsLikelyNonContent(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := strings.ToLower(parsed.Path)

	for _, prefix := range n.rules.prefixes {
		// Match whole path segments: /login and /login/reset, but not
		// /login-security-explained.
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}

	if ext := strings.ToLower(path.Ext(p)); ext != "" && n.rules.extensions[ext] {
		return true
	}
	return false
}

// LooksLikeShortener reports whether raw is a shortened or redirect link:
// either its host is a known shortener domain or the whole URL is
// improbably short for an article destination.
func (n *Normalizer) LooksLikeShortener(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(parsed.Hostname(), "www."))
	if n.rules.shorteners[host] {
		return true
	}
	return len(raw) < 30
}

// Fingerprint returns a cheap non-cryptographic hash of the normalized
// form. Collisions are acceptable: this is an equality pre-check hint,
// never the sole duplicate signal.
func (n *Normalizer) Fingerprint(raw string) string {
	h := fnv.New64a()
	h.Write([]byte(n.Normalize(raw)))
	return fmt.Sprintf("%016x", h.Sum64())
}
