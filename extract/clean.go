package extract

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// CleanMarkdown converts sanitized HTML to markdown and scrubs the
// residue conversion leaves behind. When conversion fails or the HTML
// is empty, the plain-text fallback is cleaned instead.
func CleanMarkdown(sanitizedHTML, sourceURL, fallbackText string) string {
	var md string
	if sanitizedHTML != "" {
		result, err := mdConverter.ConvertString(sanitizedHTML, converter.WithDomain(sourceURL))
		if err == nil && strings.TrimSpace(result) != "" {
			md = result
		}
	}
	if md == "" {
		md = fallbackText
	}
	return postProcess(md)
}

var (
	// trackingImgRe matches markdown images with no alt text, the shape
	// tracking pixels convert to. The submatch is the src.
	trackingImgRe = regexp.MustCompile(`!\[\]\(([^)]*)\)`)
	// emptyAnchorRe matches links whose visible text is empty. The
	// leading group keeps it off images, which share the shape behind
	// a bang.
	emptyAnchorRe = regexp.MustCompile(`(^|[^!])\[\s*\]\([^)]*\)`)
	// blankRunRe collapses 3+ blank lines down to one.
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	// pureLinkLineRe matches a line that is nothing but one markdown
	// link, optionally behind a list bullet. Nav menus and footers
	// convert both ways depending on the source markup.
	pureLinkLineRe = regexp.MustCompile(`^\s*(?:[-*+]\s+|\d+\.\s+)?\[[^\]]*\]\([^)]*\)\s*$`)
)

// boilerplatePhrases flag short lines that are page furniture rather
// than content.
var boilerplatePhrases = []string{
	"unsubscribe", "view in browser", "view this email", "all rights reserved",
	"cookie policy", "privacy policy", "terms of service", "terms of use",
	"sign up for our newsletter", "subscribe to our newsletter",
	"follow us on", "share this", "skip to content", "back to top",
	"accept cookies", "manage preferences",
}

func postProcess(md string) string {
	// An image with no alt text is only dropped when its path says
	// nothing either; an alt-less diagram or screenshot is still content.
	md = trackingImgRe.ReplaceAllStringFunc(md, func(img string) string {
		src := trackingImgRe.FindStringSubmatch(img)[1]
		if hasContentImagePath(src) {
			return img
		}
		return ""
	})
	md = emptyAnchorRe.ReplaceAllString(md, "$1")

	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	linkRun := 0

	flushRun := func() {
		// Runs of 6+ consecutive pure-link lines are link farms
		// (footers, tag clouds); shorter runs may be legitimate
		// reference lists and stay.
		if linkRun >= 6 {
			out = out[:len(out)-linkRun]
		}
		linkRun = 0
	}

	for _, line := range lines {
		if pureLinkLineRe.MatchString(line) {
			linkRun++
			out = append(out, line)
			continue
		}
		flushRun()
		if isBoilerplateLine(line) {
			continue
		}
		out = append(out, line)
	}
	flushRun()

	md = strings.Join(out, "\n")
	md = blankRunRe.ReplaceAllString(md, "\n\n")
	return strings.TrimSpace(md)
}

// contentPathMarkers are path fragments that mark a real asset rather
// than a tracking pixel or decorative chrome.
var contentPathMarkers = []string{
	"/images/", "/img/", "/media/", "/uploads/", "/figures/",
	"diagram", "chart", "figure", "screenshot", "photo", "illustration",
}

func hasContentImagePath(src string) bool {
	lower := strings.ToLower(src)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, m := range contentPathMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isBoilerplateLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) >= 150 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	// Bare copyright lines.
	if strings.HasPrefix(lower, "©") || strings.HasPrefix(lower, "copyright ") {
		return true
	}
	return false
}

// gatedPhrases indicate a paywall or login wall stood in for the page.
var gatedPhrases = []string{
	"subscribe to continue", "subscribe to read", "subscription required",
	"sign in to continue", "log in to continue", "sign in to read",
	"create a free account", "register to continue",
	"this content is for subscribers", "members only",
	"you have reached your article limit", "already a subscriber",
	"enable javascript and cookies to continue",
	"verify you are human", "checking your browser",
}

// IsGatedContent reports whether text reads like an access wall rather
// than the article itself. Only short texts are considered: a full
// article quoting one of these phrases is still an article.
func IsGatedContent(text string) bool {
	if len(text) > 2000 {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range gatedPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
