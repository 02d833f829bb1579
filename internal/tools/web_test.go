package tools

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" py ", "py"},
		{"2024-01-01to2024-06-30", "2024-01-01to2024-06-30"},
		{"2024-06-30to2024-01-01", ""}, // start after end
		{"yesterday", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := normalizeFreshness(tc.in); got != tc.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractDDGResults(t *testing.T) {
	html := `
<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=x">Example <b>Page</b></a>
<a class="result__snippet" href="#">A sample snippet.</a>
<a class="result__a" href="https://other.org/doc">Other Doc</a>
`
	results, err := extractDDGResults(html, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].URL != "https://example.com/page" {
		t.Errorf("url = %q", results[0].URL)
	}
	if results[0].Title != "Example Page" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].Description != "A sample snippet." {
		t.Errorf("description = %q", results[0].Description)
	}
}

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><style>body{}</style></head><body>
<h1>Title</h1>
<p>Some <strong>bold</strong> and <a href="https://x.dev">a link</a>.</p>
<ul><li>first</li><li>second</li></ul>
<script>alert(1)</script>
</body></html>`

	md := htmlToMarkdown(html)
	for _, want := range []string{"# Title", "**bold**", "[a link](https://x.dev)", "- first", "- second"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q in:\n%s", want, md)
		}
	}
	if strings.Contains(md, "alert(1)") {
		t.Error("script content leaked into markdown")
	}
}

func TestInlineEmphasisMatchesExactTags(t *testing.T) {
	html := `<blockquote>quoted</blockquote><br><p>plain <b>bold</b> and <i>slanted</i></p><img src="x.png">`

	md := htmlToMarkdown(html)
	if !strings.Contains(md, "**bold**") || !strings.Contains(md, "*slanted*") {
		t.Fatalf("emphasis tags not converted:\n%s", md)
	}
	if strings.Contains(md, "**quoted") || strings.Contains(md, "*quoted") {
		t.Errorf("blockquote swallowed by emphasis regex:\n%s", md)
	}
	if strings.Count(md, "**") != 2 {
		t.Errorf("strong markers bled past the b element:\n%s", md)
	}
}

func TestHTMLToText(t *testing.T) {
	text := htmlToText("<p>Hello &amp; welcome</p><br><p>Bye</p>")
	if !strings.Contains(text, "Hello & welcome") || !strings.Contains(text, "Bye") {
		t.Errorf("text = %q", text)
	}
}

func TestWebCacheTTL(t *testing.T) {
	c := newWebCache(10, 20*time.Millisecond)
	c.set("k", "v")

	if got, ok := c.get("k"); !ok || got != "v" {
		t.Fatalf("get = %q, %v", got, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expired entry still served")
	}
}

func TestWebCacheEviction(t *testing.T) {
	c := newWebCache(2, time.Minute)
	c.set("a", "1")
	c.set("b", "2")
	c.get("a") // a is now most recently used
	c.set("c", "3")

	if _, ok := c.get("b"); ok {
		t.Error("least recently used entry not evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry evicted")
	}
}

func TestCheckSSRFBlocksInternal(t *testing.T) {
	blocked := []string{
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/",
		"http://0.0.0.0/",
	}
	for _, u := range blocked {
		if err := checkSSRF(u); err == nil {
			t.Errorf("checkSSRF(%q) allowed", u)
		}
	}
}
