package extract

import (
	"strings"
	"testing"
)

// WHAT: markdown conversion keeps structure and drops tracking residue.
func TestCleanMarkdown(t *testing.T) {
	html := `<article><h1>Title Here</h1>
<p>First paragraph with a <a href="https://x.test/ref">reference</a>.</p>
<img src="https://tracker.test/pixel.gif">
<p>Second paragraph.</p></article>`

	md := CleanMarkdown(html, "https://x.test/article", "")
	if !strings.Contains(md, "Title Here") {
		t.Errorf("lost heading: %q", md)
	}
	if !strings.Contains(md, "[reference](https://x.test/ref)") {
		t.Errorf("lost link: %q", md)
	}
	if strings.Contains(md, "pixel.gif") {
		t.Errorf("tracking pixel survived: %q", md)
	}
}

// WHAT: empty HTML falls back to the provided plain text.
func TestCleanMarkdownFallback(t *testing.T) {
	md := CleanMarkdown("", "https://x.test", "plain text content")
	if md != "plain text content" {
		t.Errorf("fallback = %q", md)
	}
}

// WHAT: 3+ blank lines collapse; boilerplate short lines are dropped.
func TestPostProcess(t *testing.T) {
	in := "Real content line one.\n\n\n\n\nReal content line two.\n" +
		"Unsubscribe from this newsletter\n" +
		"© 2024 Example Corp\n" +
		"Real content line three."
	out := postProcess(in)

	if strings.Contains(out, "\n\n\n") {
		t.Error("blank run not collapsed")
	}
	if strings.Contains(out, "Unsubscribe") || strings.Contains(out, "© 2024") {
		t.Errorf("boilerplate survived: %q", out)
	}
	for _, want := range []string{"line one", "line two", "line three"} {
		if !strings.Contains(out, want) {
			t.Errorf("content lost: %q", want)
		}
	}
}

// WHAT: runs of 6+ pure-link lines are link farms and get dropped;
// shorter runs stay.
func TestPostProcessLinkRuns(t *testing.T) {
	farm := strings.Repeat("[tag](https://x.test/t)\n", 7)
	in := "Intro text.\n" + farm + "Outro text.\n[one ref](https://x.test/r)\nMore text."
	out := postProcess(in)

	if strings.Count(out, "https://x.test/t") != 0 {
		t.Errorf("link farm survived: %q", out)
	}
	if !strings.Contains(out, "[one ref](https://x.test/r)") {
		t.Error("single reference link was dropped")
	}
}

// WHAT: bulleted pure-link lines count toward a link run the same as
// bare ones; nav menus convert to either shape.
func TestPostProcessBulletedLinkRuns(t *testing.T) {
	var nav strings.Builder
	for i := 0; i < 8; i++ {
		nav.WriteString("- [section](https://x.test/nav)\n")
	}
	in := "Intro text.\n" + nav.String() + "Outro text."
	out := postProcess(in)

	if strings.Count(out, "https://x.test/nav") != 0 {
		t.Errorf("bulleted link farm survived: %q", out)
	}
	if !strings.Contains(out, "Intro text.") || !strings.Contains(out, "Outro text.") {
		t.Errorf("content lost: %q", out)
	}
	// A short bulleted reference list is not a farm.
	short := "Body.\n- [a](https://x.test/a)\n- [b](https://x.test/b)\nMore body."
	if out := postProcess(short); !strings.Contains(out, "https://x.test/a") {
		t.Errorf("short bulleted list dropped: %q", out)
	}
}

// WHAT: alt-less images drop only when the path says nothing either;
// a diagram under /images/ is content even without alt text.
func TestPostProcessTrackingImages(t *testing.T) {
	in := "Before.\n" +
		"![](https://tracker.test/pixel.gif?uid=42)\n" +
		"![](https://cdn.example.com/images/diagram-pipeline.png)\n" +
		"After."
	out := postProcess(in)

	if strings.Contains(out, "pixel.gif") {
		t.Errorf("tracking pixel survived: %q", out)
	}
	if !strings.Contains(out, "![](https://cdn.example.com/images/diagram-pipeline.png)") {
		t.Errorf("content image dropped or mangled: %q", out)
	}
}

// WHAT: paywall phrasing in a short text flags as gated; the same
// phrase inside a long article does not.
func TestIsGatedContent(t *testing.T) {
	if !IsGatedContent("Please subscribe to continue reading this article.") {
		t.Error("paywall text not flagged")
	}
	if IsGatedContent("A normal short article about gardening.") {
		t.Error("normal text flagged")
	}
	long := strings.Repeat("Long article body. ", 150) + "subscribe to continue"
	if IsGatedContent(long) {
		t.Error("long article flagged as gated")
	}
}
