package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Sanitized is the output of the three-pass sanitizer.
type Sanitized struct {
	// HTML is the main-content subtree with attributes stripped,
	// ready for markdown conversion.
	HTML string

	// Text is the plain text of the main content.
	Text string

	// Title from <title> or the first h1.
	Title string
}

// Sanitize reduces a raw page to its main content.
//
// Pass 1 removes script/style/head and machine-payload containers
// unconditionally. Pass 2 locates the main content subtree by
// semantic landmarks and text density, cross-checked against a
// readability parse; when both come up short a manual noise-selector
// sweep runs instead. Pass 3 strips attributes down to structure and
// removes text that is leaked JSON, CSS, or hydration state.
//
// A parse failure falls back to regex stripping rather than erroring:
// a degraded text beat losing the page.
func Sanitize(rawHTML, sourceURL string) (*Sanitized, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		text := regexFallback(rawHTML)
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("sanitize: unparseable document")
		}
		return &Sanitized{HTML: "", Text: text}, nil
	}

	title := findTitle(doc)
	preStrip(doc)

	main := findMainContent(doc)

	// Cross-check: when readability finds substantially more text than
	// the heuristic, trust readability. Heavily nested pages defeat
	// density scoring but not readability's commenting-out approach.
	heurText := collectText(main)
	if readText, ok := readabilityParse(rawHTML, sourceURL); ok &&
		len(readText) > 2*len(heurText) && len(readText) > MinContentChars {
		// No structured HTML from this path, so markdown conversion
		// falls back to the plain text.
		return &Sanitized{
			HTML:  "",
			Text:  dropLeakedMachineText(readText),
			Title: title,
		}, nil
	}

	if len(heurText) < MinContentChars {
		// Neither landmarks nor density found a clear winner: sweep
		// known noise selectors off the whole body instead.
		if swept, ok := noiseSweep(rawHTML); ok {
			sweptText := textFromHTML(swept)
			if len(sweptText) > len(heurText) {
				return &Sanitized{
					HTML:  stripAttributes(swept),
					Text:  dropLeakedMachineText(sweptText),
					Title: title,
				}, nil
			}
		}
	}

	stripped := stripAttributes(renderNode(main))
	return &Sanitized{
		HTML:  stripped,
		Text:  dropLeakedMachineText(heurText),
		Title: title,
	}, nil
}

// --- pass 1: unconditional pre-strip ---

var preStripTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Canvas:   true,
	atom.Head:     true,
}

// preStrip removes nodes that never carry article text.
func preStrip(doc *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		var next *html.Node
		for c := n.FirstChild; c != nil; c = next {
			next = c.NextSibling
			if c.Type == html.ElementNode && preStripTags[c.DataAtom] {
				n.RemoveChild(c)
				continue
			}
			if c.Type == html.CommentNode {
				n.RemoveChild(c)
				continue
			}
			walk(c)
		}
	}
	walk(doc)
}

// --- pass 2: main content location ---

// findMainContent returns the subtree holding the article. Semantic
// landmarks win when present; otherwise the densest content node.
func findMainContent(doc *html.Node) *html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		if nodes := findAllByTag(doc, tag); len(nodes) > 0 {
			best := nodes[0]
			bestLen := len(collectText(best))
			for _, n := range nodes[1:] {
				if l := len(collectText(n)); l > bestLen {
					best, bestLen = n, l
				}
			}
			if bestLen >= MinContentChars/2 {
				return best
			}
		}
	}

	body := findBody(doc)
	if body == nil {
		body = doc
	}
	if best := findDensestNode(body); best != nil {
		return best
	}
	return body
}

var boilerplateMarkers = []string{
	"nav", "menu", "sidebar", "footer", "header", "banner", "advert",
	"ad-", "-ad", "promo", "cookie", "consent", "newsletter", "social",
	"share", "comment", "related", "recommend", "breadcrumb", "popup",
	"modal",
}

// isBoilerplate flags structural chrome by tag or class/id markers.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Header, atom.Footer, atom.Aside, atom.Form:
		return true
	}
	if role := getAttr(n, "role"); role == "navigation" || role == "banner" ||
		role == "contentinfo" || role == "complementary" {
		return true
	}
	if getAttr(n, "aria-hidden") == "true" || hasAttr(n, "hidden") {
		return true
	}
	marker := strings.ToLower(getAttr(n, "class") + " " + getAttr(n, "id"))
	if marker == " " {
		return false
	}
	for _, m := range boilerplateMarkers {
		if strings.Contains(marker, m) {
			return true
		}
	}
	return false
}

var contentTags = map[atom.Atom]bool{
	atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Td: true,
}

type nodeScore struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64
}

// findDensestNode scores candidate containers by text-to-markup ratio
// and link density and returns the best article candidate.
func findDensestNode(root *html.Node) *html.Node {
	var candidates []nodeScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if contentTags[n.DataAtom] || n.DataAtom == atom.Body {
			text := collectText(n)
			if textLen := len(text); textLen >= MinContentChars/2 {
				markupLen := len(renderNode(n))
				if markupLen == 0 {
					markupLen = 1
				}
				linkLen := len(collectLinkText(n))
				candidates = append(candidates, nodeScore{
					node:     n,
					textLen:  textLen,
					density:  float64(textLen) / float64(markupLen),
					linkDens: float64(linkLen) / float64(textLen),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var best *nodeScore
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.linkDens > 0.5 {
			continue // mostly links, probably navigation
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

// readabilityParse runs the readability extractor as a second opinion.
func readabilityParse(rawHTML, sourceURL string) (string, bool) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		return "", false
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return "", false
	}
	var txt bytes.Buffer
	if err := article.RenderText(&txt); err != nil {
		return "", false
	}
	text := strings.TrimSpace(txt.String())
	if text == "" {
		text = strings.TrimSpace(article.Excerpt())
	}
	return text, text != ""
}

// noiseSelectors are swept off the page when structural heuristics
// fail to isolate a main content node.
var noiseSelectors = []string{
	"nav", "header", "footer", "aside", "form",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]",
	"[aria-hidden=true]", ".sidebar", ".advert", ".ads", ".cookie-banner",
	".newsletter", ".social-share", ".comments", ".related-posts",
}

func noiseSweep(rawHTML string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", false
	}
	doc.Find("script, style, noscript, iframe, svg, template").Remove()
	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		return "", false
	}
	out, err := body.Html()
	if err != nil {
		return "", false
	}
	return out, true
}

// --- pass 3: attribute strip + machine text removal ---

// attrPolicy keeps document structure and link/image essentials only.
// Tracking attributes, inline styles, and framework data-* payloads
// all go.
var attrPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"a", "p", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"blockquote", "pre", "code", "em", "strong", "b", "i", "u", "s",
		"table", "thead", "tbody", "tr", "th", "td",
		"img", "figure", "figcaption", "caption",
		"div", "span", "section", "article", "main",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowStandardURLs()
	return p
}()

func stripAttributes(rawHTML string) string {
	return attrPolicy.Sanitize(rawHTML)
}

var (
	// jsonBlobRe matches bare JSON objects leaked into text nodes by
	// SSR hydration (window.__DATA__, JSON-LD left after tag removal).
	jsonBlobRe = regexp.MustCompile(`(?s)\{\s*"[^"]+"\s*:.{40,}?\}`)
	// cssRuleRe matches CSS rule bodies appearing as bare text.
	cssRuleRe = regexp.MustCompile(`(?m)^[.#@]?[\w-]+[^{}\n]*\{[^{}]*\}\s*$`)
	// hydrationRe matches framework globals leaked as text.
	hydrationRe = regexp.MustCompile(`(?m)^\s*(window\.__\w+__|self\.__\w+|globalThis\.\w+)\s*=.*$`)
)

// dropLeakedMachineText removes JSON blobs, CSS rules, and hydration
// assignments that survived tag removal as text content.
func dropLeakedMachineText(text string) string {
	text = jsonBlobRe.ReplaceAllString(text, " ")
	text = cssRuleRe.ReplaceAllString(text, "")
	text = hydrationRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// --- parse-failure fallback ---

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(?:script|style|noscript|head)[^>]*>.*?</(?:script|style|noscript|head)>`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)
)

// regexFallback strips markup with regexes when html.Parse fails
// outright. Crude, but it keeps corrupt pages from being dropped.
func regexFallback(rawHTML string) string {
	s := scriptBlockRe.ReplaceAllString(rawHTML, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return dropLeakedMachineText(collapseSpaces(s))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// --- shared DOM helpers ---

func findTitle(doc *html.Node) string {
	if t := findFirstByTag(doc, atom.Title); t != nil {
		return strings.TrimSpace(collectText(t))
	}
	if h1 := findFirstByTag(doc, atom.H1); h1 != nil {
		return strings.TrimSpace(collectText(h1))
	}
	return ""
}

func findBody(doc *html.Node) *html.Node {
	return findFirstByTag(doc, atom.Body)
}

func findFirstByTag(root *html.Node, tag atom.Atom) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == tag {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func findAllByTag(root *html.Node, tag atom.Atom) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

// collectText gathers trimmed text nodes, skipping boilerplate subtrees.
func collectText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if preStripTags[n.DataAtom] || isBoilerplate(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// collectLinkText gathers text living inside <a> elements only.
func collectLinkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return sb.String()
}

func renderNode(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}

func textFromHTML(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return collectText(doc)
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
